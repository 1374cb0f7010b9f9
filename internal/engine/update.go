package engine

import (
	"log/slog"
	"slices"

	"github.com/openmined/livedb/internal/dbpath"
	"github.com/openmined/livedb/internal/ledger"
	"github.com/openmined/livedb/internal/notifier"
	"github.com/openmined/livedb/internal/query"
	"github.com/openmined/livedb/internal/tree"
	"github.com/openmined/livedb/internal/wire"
)

const permissionDeniedText = "Client doesn't have permission to access the desired data."

// updateModel replaces the data at path and notifies listeners. value is either a tree.Model
// (installed as is, used by rollback) or JSON shaped data. When events is non-nil every
// delivered event is appended to it.
func (e *Engine) updateModel(path dbpath.Path, value any, tag uint64, events *[]notifier.Event) {
	old := e.root.Child(path)

	var next tree.Model
	if prebuilt, ok := value.(tree.Model); ok {
		next = old.Adopt(prebuilt)
	} else {
		next = old.SetData(value)
	}

	e.root = next.Reroot()
	e.notifier.Trigger(path, old, e.root.Child(path), tag, notifier.TriggerOptions{
		BubbleUpValue: true,
		Optimistic:    events,
	})
	e.maybeCompact()
}

func (e *Engine) maybeCompact() {
	if e.root.ArenaLen() < e.compactAt {
		return
	}
	e.root = e.root.Compact()
	e.compactAt = max(compactThreshold, 2*e.root.ArenaLen())
}

func (e *Engine) onDataPush(p wire.DataPush) {
	value, err := p.Data.Value()
	if err != nil {
		slog.Warn("engine data push", "path", p.Path, "error", err)
		return
	}
	e.updateModel(dbpath.Parse(p.Path), value, p.Tag, nil)
}

func (e *Engine) onMergePush(p wire.MergePush) {
	base := dbpath.Parse(p.Path)

	keys := make([]string, 0, len(p.Data))
	for k := range p.Data {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, tree.CompareKeys)

	for _, k := range keys {
		value, err := p.Data[k].Value()
		if err != nil {
			slog.Warn("engine merge push", "path", base.Child(k), "error", err)
			continue
		}
		e.updateModel(base.Child(k), value, p.Tag, nil)
	}
}

// rollback undoes optimistic events newest first, through the same path as server changes.
func (e *Engine) rollback(events []notifier.Event) {
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		switch ev.Type {
		case notifier.Value:
			e.updateModel(ev.Path, ev.RollbackModel, ev.Tag, nil)
		case notifier.ChildChanged:
			e.updateModel(ev.Path.Child(ev.Model.Key()), ev.RollbackModel, ev.Tag, nil)
		case notifier.ChildRemoved:
			e.updateModel(ev.Path.Child(ev.Model.Key()), ev.Model, ev.Tag, nil)
		case notifier.ChildAdded:
			e.updateModel(ev.Path.Child(ev.Model.Key()), tree.New(), ev.Tag, nil)
		case notifier.ChildMoved:
			// child_moved events carry no previous position
			slog.Warn("engine rollback of child_moved is not supported", "path", ev.Path)
		}
	}
}

// bootstrap installs data at the root with notifications held until it is in place.
func (e *Engine) bootstrap(data any) {
	e.notifier.Pause()
	defer e.notifier.Resume()
	e.updateModel(dbpath.Root(), data, 0, nil)
}

func (e *Engine) onRevoked(r wire.Revoked) {
	path := dbpath.Parse(r.Path)
	q, err := query.FromObject(path, r.Query)
	if err != nil {
		slog.Warn("engine revoke", "path", r.Path, "error", err)
		return
	}

	listeners := e.registry.Matching(q)
	slog.Warn("engine permission revoked", "query", q, "listeners", len(listeners))

	revoked := &ledger.RequestError{Status: "permission_denied", Path: path.String(), Message: permissionDeniedText}
	for _, l := range listeners {
		e.registry.Remove(l, false)
		e.notifier.Unregister(l)
		l.Fail(revoked)
	}
}
