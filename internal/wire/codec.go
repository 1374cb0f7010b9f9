// Package wire implements the framed JSON protocol spoken with the database server: the outer
// `{t, d}` envelope, the closed set of inbound messages, outbound frames and frame reassembly.
package wire

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

const (
	envelopeControl = "c"
	envelopeData    = "d"
)

// DefaultMaxFrameSize is the largest outbound frame sent in one piece.
const DefaultMaxFrameSize = 16 * 1024

var (
	ErrMalformed = errors.New("wire: malformed message")

	serverErrorRe = regexp.MustCompile(`^ClientId\[(.+)]:ErrorId\[(.+)]: (.+)$`)
)

type envelope struct {
	T string `json:"t"`
	D Raw    `json:"d"`
}

type controlBody struct {
	T string `json:"t"`
	D Raw    `json:"d"`
}

type dataBody struct {
	R uint64 `json:"r,omitempty"`
	A string `json:"a,omitempty"`
	B Raw    `json:"b"`
}

type responseBody struct {
	S string `json:"s"`
	D Raw    `json:"d"`
}

// Decode parses one complete JSON document into a Message.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := jsonUnmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	switch env.T {
	case envelopeControl:
		return decodeControl(env.D)
	case envelopeData:
		return decodeData(env.D)
	default:
		return Unknown{Envelope: env.T, Raw: Raw(raw)}, nil
	}
}

func decodeControl(raw Raw) (Message, error) {
	var body controlBody
	if err := raw.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: control: %w", ErrMalformed, err)
	}

	switch body.T {
	case "r":
		var host string
		if err := body.D.Decode(&host); err != nil {
			return nil, fmt.Errorf("%w: redirect: %w", ErrMalformed, err)
		}
		return Redirect{Host: host}, nil

	case "h":
		var hs Handshake
		if err := body.D.Decode(&hs); err != nil {
			return nil, fmt.Errorf("%w: handshake: %w", ErrMalformed, err)
		}
		return hs, nil

	case "a":
		return AckRequest{}, nil

	case "o":
		return Pong{}, nil

	case "e":
		var text string
		if err := body.D.Decode(&text); err != nil {
			return nil, fmt.Errorf("%w: error: %w", ErrMalformed, err)
		}
		return ParseServerError(text), nil

	default:
		return Unknown{Envelope: envelopeControl, Type: body.T, Raw: raw}, nil
	}
}

func decodeData(raw Raw) (Message, error) {
	var body dataBody
	if err := raw.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: data: %w", ErrMalformed, err)
	}

	if body.R != 0 {
		var resp responseBody
		if err := body.B.Decode(&resp); err != nil {
			return nil, fmt.Errorf("%w: response: %w", ErrMalformed, err)
		}
		return Response{ID: body.R, Status: resp.S, Data: resp.D}, nil
	}

	switch body.A {
	case "d":
		var push DataPush
		if err := body.B.Decode(&push); err != nil {
			return nil, fmt.Errorf("%w: data push: %w", ErrMalformed, err)
		}
		return push, nil

	case "m":
		var push MergePush
		if err := body.B.Decode(&push); err != nil {
			return nil, fmt.Errorf("%w: merge push: %w", ErrMalformed, err)
		}
		return push, nil

	case "c":
		var rev Revoked
		if err := body.B.Decode(&rev); err != nil {
			return nil, fmt.Errorf("%w: revoke: %w", ErrMalformed, err)
		}
		return rev, nil

	case "ac":
		return AuthStatus{Body: body.B}, nil

	default:
		return Unknown{Envelope: envelopeData, Type: body.A, Raw: raw}, nil
	}
}

// ParseServerError splits `ClientId[x]:ErrorId[y]: message`. Text that does not follow the
// pattern is kept whole in Text.
func ParseServerError(text string) ServerError {
	m := serverErrorRe.FindStringSubmatch(text)
	if m == nil {
		return ServerError{Text: text, Raw: text}
	}
	return ServerError{ClientID: m[1], ErrorID: m[2], Text: m[3], Raw: text}
}

// Split cuts an encoded frame into pieces no longer than max. Frames that fit are returned
// as is; longer ones are preceded by a frame holding the piece count.
func Split(frame []byte, max int) [][]byte {
	if max <= 0 || len(frame) <= max {
		return [][]byte{frame}
	}

	n := (len(frame) + max - 1) / max
	out := make([][]byte, 0, n+1)
	out = append(out, []byte(strconv.Itoa(n)))
	for off := 0; off < len(frame); off += max {
		end := min(off+max, len(frame))
		out = append(out, frame[off:end])
	}
	return out
}
