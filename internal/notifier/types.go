package notifier

import (
	"github.com/openmined/livedb/internal/dbpath"
	"github.com/openmined/livedb/internal/query"
	"github.com/openmined/livedb/internal/tree"
)

// EventType is the kind of change a listener subscribes to.
type EventType uint8

const (
	Value EventType = iota + 1
	ChildAdded
	ChildRemoved
	ChildChanged
	ChildMoved
)

func (t EventType) String() string {
	switch t {
	case Value:
		return "value"
	case ChildAdded:
		return "child_added"
	case ChildRemoved:
		return "child_removed"
	case ChildChanged:
		return "child_changed"
	case ChildMoved:
		return "child_moved"
	default:
		return "unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, bool) {
	for _, t := range []EventType{Value, ChildAdded, ChildRemoved, ChildChanged, ChildMoved} {
		if t.String() == s {
			return t, true
		}
	}
	return 0, false
}

// Event is one notification. For value events Model is the subtree at Path; for child events
// Path is the listener's location and Model the affected child (its previous state for
// child_removed). RollbackModel holds the state to restore when an optimistic write is undone.
type Event struct {
	Type          EventType
	Path          dbpath.Path
	Tag           uint64
	Model         tree.Model
	RollbackModel tree.Model
}

// Observer receives the events of one listener.
type Observer interface {
	OnEvent(Event)
	OnError(error)
}

// ObserverFuncs adapts plain functions to an Observer. Nil funcs are ignored.
type ObserverFuncs struct {
	Event func(Event)
	Error func(error)
}

func (o ObserverFuncs) OnEvent(ev Event) {
	if o.Event != nil {
		o.Event(ev)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

// Target is what the notifier needs to know about a listener.
type Target interface {
	Query() query.Query
	EventType() EventType
	Tag() uint64
	Deliver(Event)
}

// TriggerOptions tune a single Trigger call.
type TriggerOptions struct {
	// BubbleUpValue also notifies value listeners on ancestors of the changed path.
	BubbleUpValue bool
	// Only restricts delivery to one target.
	Only Target
	// SkipEqualityCheck delivers even when the old and new content hashes match.
	SkipEqualityCheck bool
	// Optimistic, when set, collects every delivered event for a later rollback.
	Optimistic *[]Event
}
