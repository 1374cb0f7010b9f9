package ledger

import (
	"context"

	"github.com/openmined/livedb/internal/wire"
)

// Future is the eventual result of one request. Settling and OnSettle belong to the engine
// loop; Wait, Done, Value and Err are safe from any goroutine.
type Future struct {
	done      chan struct{}
	settled   bool
	value     wire.Raw
	err       error
	callbacks []func(wire.Raw, error)
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns an already successful future.
func Resolved(v wire.Raw) *Future {
	f := NewFuture()
	f.Resolve(v)
	return f
}

// Failed returns an already rejected future.
func Failed(err error) *Future {
	f := NewFuture()
	f.Reject(err)
	return f
}

func (f *Future) Resolve(v wire.Raw) {
	f.settle(v, nil)
}

func (f *Future) Reject(err error) {
	f.settle(nil, err)
}

func (f *Future) settle(v wire.Raw, err error) {
	if f.settled {
		return
	}
	f.settled = true
	f.value = v
	f.err = err
	close(f.done)

	callbacks := f.callbacks
	f.callbacks = nil
	for _, fn := range callbacks {
		fn(v, err)
	}
}

// OnSettle runs fn once the future settles, immediately if it already has.
func (f *Future) OnSettle(fn func(wire.Raw, error)) {
	if f.settled {
		fn(f.value, f.err)
		return
	}
	f.callbacks = append(f.callbacks, fn)
}

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx ends.
func (f *Future) Wait(ctx context.Context) (wire.Raw, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.value, f.err
	}
}

// Err is the rejection error. Only meaningful after Done.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Value is the response body. Only meaningful after Done.
func (f *Future) Value() wire.Raw {
	select {
	case <-f.done:
		return f.value
	default:
		return nil
	}
}
