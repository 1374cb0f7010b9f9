package engine

import (
	"context"
	"slices"

	"github.com/openmined/livedb/internal/dbpath"
	"github.com/openmined/livedb/internal/ledger"
	"github.com/openmined/livedb/internal/notifier"
	"github.com/openmined/livedb/internal/tree"
	"github.com/openmined/livedb/internal/wire"
)

// Set overwrites the data at path. The cache and listeners see the new value immediately; the
// returned future settles with the server's answer, after a rollback if it refused.
func (e *Engine) Set(ctx context.Context, path dbpath.Path, value any) (*ledger.Future, error) {
	normalized, err := wire.Normalize(value)
	if err != nil {
		return nil, err
	}

	var f *ledger.Future
	err = e.call(ctx, func() { f = e.set(path, normalized) })
	return f, err
}

// Update overwrites the given children of path, leaving the others untouched. Keys may be
// relative paths.
func (e *Engine) Update(ctx context.Context, path dbpath.Path, children map[string]any) (*ledger.Future, error) {
	normalized := make(map[string]any, len(children))
	for k, v := range children {
		n, err := wire.Normalize(v)
		if err != nil {
			return nil, err
		}
		normalized[k] = n
	}

	var f *ledger.Future
	err := e.call(ctx, func() { f = e.update(path, normalized) })
	return f, err
}

func (e *Engine) set(path dbpath.Path, value any) *ledger.Future {
	events := []notifier.Event{e.baseEvent(path)}
	e.updateModel(path, value, 0, &events)
	events[0].Model = e.root.Child(path)

	body := map[string]any{"p": path.String(), "d": value}
	return e.ledger.Submit(wire.ActionPut, nil, body, clipEvents(events, path))
}

func (e *Engine) update(path dbpath.Path, children map[string]any) *ledger.Future {
	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, tree.CompareKeys)

	written := make([]dbpath.Path, len(keys))
	events := make([]notifier.Event, 0, len(keys))
	for i, k := range keys {
		written[i] = path.Child(k)
		events = append(events, e.baseEvent(written[i]))
	}
	for i, k := range keys {
		e.updateModel(written[i], children[k], 0, &events)
	}
	for i, w := range written {
		events[i].Model = e.root.Child(w)
	}

	body := map[string]any{"p": path.String(), "d": children}
	return e.ledger.Submit(wire.ActionMerge, nil, body, clipEvents(events, written...))
}

// baseEvent records the data at path before a write so a rollback can restore it.
func (e *Engine) baseEvent(path dbpath.Path) notifier.Event {
	return notifier.Event{Type: notifier.Value, Path: path, RollbackModel: e.root.Child(path)}
}

// clipEvents keeps the events located at or below a written path. A rollback restores only
// what the write touched; data pushed elsewhere in the meantime stays.
func clipEvents(events []notifier.Event, written ...dbpath.Path) []notifier.Event {
	return slices.DeleteFunc(events, func(ev notifier.Event) bool {
		at := ev.Path
		if ev.Type != notifier.Value && ev.Model.Exists() {
			at = at.Child(ev.Model.Key())
		}
		for _, w := range written {
			if w.IncludesOrEqualTo(at) {
				return false
			}
		}
		return true
	})
}
