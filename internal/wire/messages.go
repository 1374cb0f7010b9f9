package wire

import (
	"fmt"
)

// Raw is an undecoded JSON value.
type Raw []byte

func (r Raw) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func (r *Raw) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

// Decode unmarshals the raw value into v.
func (r Raw) Decode(v any) error {
	if len(r) == 0 {
		return jsonUnmarshal([]byte("null"), v)
	}
	return jsonUnmarshal(r, v)
}

// Value decodes the raw value into JSON shaped Go data.
func (r Raw) Value() (any, error) {
	var v any
	err := r.Decode(&v)
	return v, err
}

// Marshal encodes v with the codec used on the wire.
func Marshal(v any) ([]byte, error) {
	return jsonMarshal(v)
}

// Normalize round-trips v through JSON so that it has the shape the server will store.
func Normalize(v any) (any, error) {
	data, err := jsonMarshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	return Raw(data).Value()
}

// Kind enumerates every inbound message the engine understands.
type Kind uint8

const (
	KindRedirect Kind = iota + 1
	KindHandshake
	KindAckRequest
	KindPong
	KindServerError
	KindResponse
	KindDataPush
	KindMergePush
	KindRevoked
	KindAuthStatus
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindRedirect:
		return "REDIRECT"
	case KindHandshake:
		return "HANDSHAKE"
	case KindAckRequest:
		return "ACK_REQUEST"
	case KindPong:
		return "PONG"
	case KindServerError:
		return "SERVER_ERROR"
	case KindResponse:
		return "RESPONSE"
	case KindDataPush:
		return "DATA"
	case KindMergePush:
		return "MERGE"
	case KindRevoked:
		return "REVOKED"
	case KindAuthStatus:
		return "AUTH_STATUS"
	case KindUnknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("???(%d)", k)
	}
}

// Message is an inbound message. The set of implementations is closed.
type Message interface {
	Kind() Kind
	message()
}

// Redirect asks the client to reconnect to another host.
type Redirect struct {
	Host string
}

// Handshake makes the connection ready.
type Handshake struct {
	Version    string `json:"v"`
	Host       string `json:"h"`
	Timestamp  int64  `json:"ts"`
	SessionKey string `json:"s"`
}

// AckRequest asks the client to prove it is alive; the client answers with a ping.
type AckRequest struct{}

// Pong answers a ping; the client acknowledges it.
type Pong struct{}

// ServerError is a connection level error, `ClientId[x]:ErrorId[y]: message`.
type ServerError struct {
	ClientID string
	ErrorID  string
	Text     string
	Raw      string
}

// Response answers the data request with the same ID.
type Response struct {
	ID     uint64
	Status string
	Data   Raw
}

// DataPush replaces the value at Path.
type DataPush struct {
	Path string `json:"p"`
	Data Raw    `json:"d"`
	Tag  uint64 `json:"t"`
}

// MergePush replaces each child of Path named in Data.
type MergePush struct {
	Path string         `json:"p"`
	Data map[string]Raw `json:"d"`
	Tag  uint64         `json:"t"`
}

// Revoked reports that read permission on a path/query was lost.
type Revoked struct {
	Path  string         `json:"p"`
	Query map[string]any `json:"q"`
}

// AuthStatus reports a change of the authentication state.
type AuthStatus struct {
	Body Raw
}

// Unknown is any well formed message with an unrecognized type.
type Unknown struct {
	Envelope string
	Type     string
	Raw      Raw
}

func (Redirect) Kind() Kind    { return KindRedirect }
func (Handshake) Kind() Kind   { return KindHandshake }
func (AckRequest) Kind() Kind  { return KindAckRequest }
func (Pong) Kind() Kind        { return KindPong }
func (ServerError) Kind() Kind { return KindServerError }
func (Response) Kind() Kind    { return KindResponse }
func (DataPush) Kind() Kind    { return KindDataPush }
func (MergePush) Kind() Kind   { return KindMergePush }
func (Revoked) Kind() Kind     { return KindRevoked }
func (AuthStatus) Kind() Kind  { return KindAuthStatus }
func (Unknown) Kind() Kind     { return KindUnknown }

func (Redirect) message()    {}
func (Handshake) message()   {}
func (AckRequest) message()  {}
func (Pong) message()        {}
func (ServerError) message() {}
func (Response) message()    {}
func (DataPush) message()    {}
func (MergePush) message()   {}
func (Revoked) message()     {}
func (AuthStatus) message()  {}
func (Unknown) message()     {}

// OK reports whether the request succeeded.
func (r Response) OK() bool {
	return r.Status == "ok"
}

// Warnings returns the `w` hints of a successful response, e.g. "no_index".
func (r Response) Warnings() []string {
	var body struct {
		W []string `json:"w"`
	}
	if len(r.Data) == 0 || r.Data[0] != '{' {
		return nil
	}
	if err := r.Data.Decode(&body); err != nil {
		return nil
	}
	return body.W
}

// ErrorText renders the body of a failed response, which the server sends as a string.
func (r Response) ErrorText() string {
	var s string
	if err := r.Data.Decode(&s); err == nil {
		return s
	}
	return string(r.Data)
}
