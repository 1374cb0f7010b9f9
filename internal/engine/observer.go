package engine

import (
	"log/slog"
	"sync/atomic"

	"github.com/openmined/livedb/internal/notifier"
)

const defaultObserverBuffer = 64

// Notification is one item of a ChanObserver: an event or a terminal error.
type Notification struct {
	Event notifier.Event
	Err   error
}

// ChanObserver forwards events to a buffered channel. When the reader falls behind, new events
// are dropped rather than stalling the engine loop. Errors are always delivered, evicting the
// oldest buffered notification if needed.
type ChanObserver struct {
	ch      chan Notification
	dropped atomic.Int64
}

func NewChanObserver(size int) *ChanObserver {
	if size <= 0 {
		size = defaultObserverBuffer
	}
	return &ChanObserver{ch: make(chan Notification, size)}
}

func (o *ChanObserver) OnEvent(ev notifier.Event) {
	o.push(Notification{Event: ev})
}

func (o *ChanObserver) OnError(err error) {
	n := Notification{Err: err}
	for {
		select {
		case o.ch <- n:
			return
		default:
		}
		select {
		case old := <-o.ch:
			o.dropped.Add(1)
			slog.Warn("engine observer full, evicting", "event", old.Event.Type, "path", old.Event.Path)
		default:
		}
	}
}

func (o *ChanObserver) push(n Notification) {
	select {
	case o.ch <- n:
	default:
		o.dropped.Add(1)
		slog.Warn("engine observer full, dropping", "event", n.Event.Type, "path", n.Event.Path)
	}
}

// C delivers the notifications.
func (o *ChanObserver) C() <-chan Notification {
	return o.ch
}

// Dropped counts notifications lost to a full buffer.
func (o *ChanObserver) Dropped() int64 {
	return o.dropped.Load()
}
