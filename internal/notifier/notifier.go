// Package notifier turns tree changes into per-listener events.
//
// The engine calls Trigger with the old and new subtree at the changed path; the notifier decides,
// for every registered target, which events that change produces and delivers them. While paused,
// deliveries are held and flushed in order on Resume.
package notifier

import (
	"slices"

	"github.com/openmined/livedb/internal/dbpath"
	"github.com/openmined/livedb/internal/tree"
)

type Notifier struct {
	targets []Target
	paused  int
	held    [][]delivery
}

type delivery struct {
	target Target
	event  Event
}

func New() *Notifier {
	return &Notifier{}
}

// Register starts delivering events to t.
func (n *Notifier) Register(t Target) {
	if slices.Contains(n.targets, t) {
		return
	}
	n.targets = append(n.targets, t)
}

// Unregister stops delivering events to t. Held deliveries for t are dropped.
func (n *Notifier) Unregister(t Target) {
	n.targets = slices.DeleteFunc(n.targets, func(other Target) bool { return other == t })
	for i, batch := range n.held {
		n.held[i] = slices.DeleteFunc(batch, func(d delivery) bool { return d.target == t })
	}
}

// Pause holds deliveries until the matching Resume. Calls nest.
func (n *Notifier) Pause() {
	n.paused++
}

// Resume releases one Pause; the last one flushes every held delivery.
func (n *Notifier) Resume() {
	if n.paused == 0 {
		return
	}
	n.paused--
	if n.paused > 0 {
		return
	}
	held := n.held
	n.held = nil
	for _, batch := range held {
		deliverAll(batch)
	}
}

// Paused reports whether deliveries are currently held.
func (n *Notifier) Paused() bool {
	return n.paused > 0
}

// Trigger computes and delivers the events produced by the change of the subtree at path from
// old to new. Both handles must have been navigated from their version's root. A non-zero tag
// restricts delivery to the target holding that tag.
func (n *Notifier) Trigger(path dbpath.Path, old, new tree.Model, tag uint64, opts TriggerOptions) {
	var batch []delivery
	for _, t := range n.targets {
		if opts.Only != nil && t != opts.Only {
			continue
		}
		if tag != 0 && t.Tag() != tag {
			continue
		}
		for _, ev := range eventsFor(t, path, old, new, tag, opts) {
			batch = append(batch, delivery{target: t, event: ev})
		}
	}

	if opts.Optimistic != nil {
		for _, d := range batch {
			*opts.Optimistic = append(*opts.Optimistic, d.event)
		}
	}

	if n.paused > 0 {
		n.held = append(n.held, batch)
		return
	}
	deliverAll(batch)
}

func deliverAll(batch []delivery) {
	for _, d := range batch {
		d.target.Deliver(d.event)
	}
}

func eventsFor(t Target, path dbpath.Path, old, new tree.Model, tag uint64, opts TriggerOptions) []Event {
	lp := t.Query().Path

	// listener at or below the changed location
	if rel, ok := path.Relative(lp); ok {
		return diff(t.EventType(), lp, old.Child(rel), new.Child(rel), tag, opts.SkipEqualityCheck)
	}

	// listener above the changed location
	if !lp.Includes(path) {
		return nil
	}

	depth := lp.Len()
	if t.EventType() == Value {
		if !opts.BubbleUpValue {
			return nil
		}
		o, okOld := old.Ancestor(depth)
		nw, okNew := new.Ancestor(depth)
		if !okOld || !okNew {
			return nil
		}
		return diff(Value, lp, o, nw, tag, opts.SkipEqualityCheck)
	}

	oc, okOld := old.Ancestor(depth + 1)
	nc, okNew := new.Ancestor(depth + 1)
	if !okOld || !okNew {
		return nil
	}
	return childEvent(t.EventType(), lp, oc, nc, tag)
}

// diff compares two versions of the listener's own location.
func diff(typ EventType, lp dbpath.Path, o, nw tree.Model, tag uint64, skipEq bool) []Event {
	if typ == Value {
		if !skipEq && o.Hash() == nw.Hash() {
			return nil
		}
		return []Event{{Type: Value, Path: lp, Tag: tag, Model: nw, RollbackModel: o}}
	}

	keys := nw.ChildKeys()
	for _, k := range o.ChildKeys() {
		if !nw.ChildByKey(k).Exists() {
			keys = append(keys, k)
		}
	}

	var events []Event
	for _, k := range keys {
		events = append(events, childEvent(typ, lp, o.ChildByKey(k), nw.ChildByKey(k), tag)...)
	}
	return events
}

// childEvent classifies the change of a single child of the listener's location.
func childEvent(typ EventType, lp dbpath.Path, oc, nc tree.Model, tag uint64) []Event {
	switch {
	case typ == ChildAdded && !oc.Exists() && nc.Exists():
		return []Event{{Type: ChildAdded, Path: lp, Tag: tag, Model: nc}}
	case typ == ChildRemoved && oc.Exists() && !nc.Exists():
		return []Event{{Type: ChildRemoved, Path: lp, Tag: tag, Model: oc}}
	case typ == ChildChanged && oc.Exists() && nc.Exists() && oc.Hash() != nc.Hash():
		return []Event{{Type: ChildChanged, Path: lp, Tag: tag, Model: nc, RollbackModel: oc}}
	}
	// child_moved needs the listener's ordering, which lives in the presentation layer
	return nil
}
