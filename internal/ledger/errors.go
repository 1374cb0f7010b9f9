package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrDropped rejects requests skipped by the server right after it reported an error.
	ErrDropped = errors.New("ledger: request dropped after server error")
	// ErrSuperseded rejects queued auth requests replaced by a newer one.
	ErrSuperseded = errors.New("ledger: superseded by a newer auth request")
	ErrClosed     = errors.New("ledger: closed")
)

// RequestError is a request the server answered with a status other than ok.
type RequestError struct {
	Status  string
	Path    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s at %s: %s", e.Status, e.Path, e.Message)
}
