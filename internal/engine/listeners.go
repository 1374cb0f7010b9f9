package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/openmined/livedb/internal/dbpath"
	"github.com/openmined/livedb/internal/ledger"
	"github.com/openmined/livedb/internal/notifier"
	"github.com/openmined/livedb/internal/query"
	"github.com/openmined/livedb/internal/registry"
	"github.com/openmined/livedb/internal/wire"
	"golang.org/x/sync/errgroup"
)

// Subscription is a registered listener.
type Subscription struct {
	engine   *Engine
	listener *registry.Listener
}

// Query is what the subscription listens to.
func (s *Subscription) Query() query.Query {
	return s.listener.Query()
}

// Close removes the listener and waits until every watch request the removal issued has
// settled, so a replacement can be registered right away.
func (s *Subscription) Close(ctx context.Context) error {
	var futures []*ledger.Future
	if err := s.engine.call(ctx, func() { futures = s.engine.removeListener(s.listener) }); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range futures {
		g.Go(func() error {
			_, err := f.Wait(gctx)
			return err
		})
	}
	return g.Wait()
}

// Listen registers obs for eventType changes of q. value and child_added listeners first
// receive the data currently cached for q.
func (e *Engine) Listen(ctx context.Context, q query.Query, eventType notifier.EventType, obs notifier.Observer) (*Subscription, error) {
	var l *registry.Listener
	if err := e.call(ctx, func() { l = e.addListener(q, eventType, obs) }); err != nil {
		return nil, err
	}
	return &Subscription{engine: e, listener: l}, nil
}

// Get returns the data currently cached at path.
func (e *Engine) Get(ctx context.Context, path dbpath.Path) (any, error) {
	var v any
	err := e.call(ctx, func() { v = e.root.Child(path).Value() })
	return v, err
}

// Bootstrap installs data as the initial cached tree. Listeners are notified once it is in
// place.
func (e *Engine) Bootstrap(ctx context.Context, data any) error {
	normalized, err := wire.Normalize(data)
	if err != nil {
		return err
	}
	return e.call(ctx, func() { e.bootstrap(normalized) })
}

func (e *Engine) addListener(q query.Query, eventType notifier.EventType, obs notifier.Observer) *registry.Listener {
	l, watch := e.registry.Add(q, eventType, obs)
	e.notifier.Register(l)
	slog.Debug("engine listen", "query", q, "event", eventType, "active", l.Active(), "tag", l.Tag())

	if eventType != notifier.Value && eventType != notifier.ChildAdded {
		return l
	}
	if watch == nil {
		e.later(func() { e.initialNotify(l) })
		return l
	}
	watch.OnSettle(func(wire.Raw, error) {
		if !l.Notified() {
			e.initialNotify(l)
		}
	})
	return l
}

func (e *Engine) removeListener(l *registry.Listener) []*ledger.Future {
	futures := e.registry.Remove(l, true)
	e.notifier.Unregister(l)
	return futures
}

// initialNotify delivers the cached data at the listener's path to that listener alone.
func (e *Engine) initialNotify(l *registry.Listener) {
	if !e.registry.Has(l) {
		return
	}
	path := l.Query().Path
	at := e.root.Child(path)
	e.notifier.Trigger(path, at.Clone(false), at, 0, notifier.TriggerOptions{
		Only:              l,
		SkipEqualityCheck: true,
	})
}

// failListeners drops the listeners of a watch the server refused.
func (e *Engine) failListeners(q query.Query, tag uint64, err error) {
	for _, l := range e.registry.Matching(q) {
		if l.Tag() != tag {
			continue
		}
		e.registry.Remove(l, false)
		e.notifier.Unregister(l)
		l.Fail(err)
	}
}

// watcher issues the registry's watch requests through the ledger.
type watcher struct {
	e *Engine
}

func (w watcher) AddWatch(q query.Query, tag uint64) *ledger.Future {
	f := w.e.ledger.Submit(wire.ActionListen, &q, w.e.listenBody(q, tag), nil)
	w.e.onWatchSettled(q, tag, f)
	return f
}

func (w watcher) RemoveWatch(q query.Query, tag uint64) *ledger.Future {
	return w.e.ledger.Submit(wire.ActionUnlisten, &q, watchBody(q, tag), nil)
}

func (e *Engine) enqueueWatch(q query.Query, tag uint64) {
	f := e.ledger.Enqueue(wire.ActionListen, &q, e.listenBody(q, tag), nil)
	e.onWatchSettled(q, tag, f)
}

func (e *Engine) onWatchSettled(q query.Query, tag uint64, f *ledger.Future) {
	f.OnSettle(func(_ wire.Raw, err error) {
		if err == nil {
			return
		}
		var reqErr *ledger.RequestError
		if errors.As(err, &reqErr) {
			slog.Warn("engine watch refused", "query", q, "error", err)
			e.failListeners(q, tag, err)
			return
		}
		if !errors.Is(err, ErrClosed) {
			slog.Warn("engine watch", "query", q, "error", err)
		}
	})
}

func (e *Engine) watchOutstanding(q query.Query, tag uint64) bool {
	return e.ledger.Outstanding(func(en *ledger.Entry) bool {
		return en.Action == wire.ActionListen && en.Query != nil && en.Query.Equal(q) && bodyTag(en.Body) == tag
	})
}

// listenBody is `{p, h, q?, t?}`. The hash lets the server skip data we already hold; local
// state never depends on it.
func (e *Engine) listenBody(q query.Query, tag uint64) map[string]any {
	body := watchBody(q, tag)
	body["h"] = e.root.Child(q.Path).Hash()
	return body
}

func watchBody(q query.Query, tag uint64) map[string]any {
	body := map[string]any{"p": q.Path.String()}
	if q.HasQuery() {
		body["q"] = q.Object()
	}
	if tag != 0 {
		body["t"] = tag
	}
	return body
}

func bodyTag(body map[string]any) uint64 {
	tag, _ := body["t"].(uint64)
	return tag
}
