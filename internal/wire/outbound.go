package wire

import (
	"fmt"
)

// Action names a data request.
type Action string

const (
	ActionListen   Action = "q"      // add a watch
	ActionUnlisten Action = "n"      // remove a watch
	ActionStats    Action = "s"      // session init / client capabilities
	ActionPut      Action = "p"      // overwrite a location
	ActionMerge    Action = "m"      // overwrite some children of a location
	ActionAuth     Action = "auth"   // authenticate with a credential
	ActionUnauth   Action = "unauth" // drop the credential
)

func (a Action) Valid() bool {
	switch a {
	case ActionListen, ActionUnlisten, ActionStats, ActionPut, ActionMerge, ActionAuth, ActionUnauth:
		return true
	default:
		return false
	}
}

// Outbound is a frame the client sends. The set of implementations is closed.
type Outbound interface {
	outbound()
}

// DataRequest is `{t:'d', d:{r, a, b}}`.
type DataRequest struct {
	ID     uint64
	Action Action
	Body   map[string]any
}

// Ping is `{t:'c', d:{t:'p', d:{}}}`, sent in answer to an ack request.
type Ping struct{}

// Ack is `{t:'c', d:{t:'a', d:{}}}`, sent in answer to a pong.
type Ack struct{}

// KeepAlive is the bare `0` frame sent when the connection has been idle.
type KeepAlive struct{}

func (DataRequest) outbound() {}
func (Ping) outbound()        {}
func (Ack) outbound()         {}
func (KeepAlive) outbound()   {}

type outEnvelope struct {
	T string `json:"t"`
	D any    `json:"d"`
}

type outControl struct {
	T string         `json:"t"`
	D map[string]any `json:"d"`
}

type outData struct {
	R uint64         `json:"r"`
	A Action         `json:"a"`
	B map[string]any `json:"b"`
}

// Encode serializes an outbound frame.
func Encode(o Outbound) ([]byte, error) {
	switch f := o.(type) {
	case DataRequest:
		if !f.Action.Valid() {
			return nil, fmt.Errorf("wire: unknown action %q", f.Action)
		}
		return jsonMarshal(outEnvelope{T: envelopeData, D: outData{R: f.ID, A: f.Action, B: f.Body}})
	case Ping:
		return jsonMarshal(outEnvelope{T: envelopeControl, D: outControl{T: "p", D: map[string]any{}}})
	case Ack:
		return jsonMarshal(outEnvelope{T: envelopeControl, D: outControl{T: "a", D: map[string]any{}}})
	case KeepAlive:
		return []byte("0"), nil
	default:
		return nil, fmt.Errorf("wire: unknown outbound frame %T", o)
	}
}

// Describe returns a short label for logs.
func Describe(o Outbound) string {
	switch f := o.(type) {
	case DataRequest:
		return fmt.Sprintf("data r=%d a=%s", f.ID, f.Action)
	case Ping:
		return "ping"
	case Ack:
		return "ack"
	case KeepAlive:
		return "keepalive"
	default:
		return fmt.Sprintf("%T", o)
	}
}
