package registry

import (
	"github.com/openmined/livedb/internal/notifier"
	"github.com/openmined/livedb/internal/query"
)

// Listener is one subscription. It is identified by pointer; two listeners on the same query
// are distinct. All fields belong to the engine loop.
type Listener struct {
	query     query.Query
	eventType notifier.EventType
	active    bool
	tag       uint64
	observer  notifier.Observer
	notified  bool
}

func (l *Listener) Query() query.Query {
	return l.query
}

func (l *Listener) EventType() notifier.EventType {
	return l.eventType
}

func (l *Listener) Tag() uint64 {
	return l.tag
}

// Active reports whether this listener holds its own server watch.
func (l *Listener) Active() bool {
	return l.active
}

func (l *Listener) Observer() notifier.Observer {
	return l.observer
}

// Notified reports whether any event has been delivered yet.
func (l *Listener) Notified() bool {
	return l.notified
}

// Deliver implements notifier.Target.
func (l *Listener) Deliver(ev notifier.Event) {
	l.notified = true
	l.observer.OnEvent(ev)
}

// Fail reports err to the observer.
func (l *Listener) Fail(err error) {
	l.observer.OnError(err)
}

// sameWatch reports whether both listeners would be served by one server watch.
func (l *Listener) sameWatch(other *Listener) bool {
	return l.tag == other.tag && l.query.Equal(other.query)
}

// covers reports whether l, being unfiltered, makes a watch for other unnecessary.
func (l *Listener) covers(other *Listener) bool {
	return !l.query.HasQuery() && l.query.Path.IncludesOrEqualTo(other.query.Path)
}
