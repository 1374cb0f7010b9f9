// Package registry tracks listeners and keeps the set of server watches minimal.
//
// An unfiltered listener covers every listener at or below its path, so only the broadest
// unfiltered listeners (plus filtered ones nobody covers) are active and own a watch. Adding a
// broader listener deactivates the ones it now covers; removing it reactivates those it was
// masking.
package registry

import (
	"log/slog"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/livedb/internal/ledger"
	"github.com/openmined/livedb/internal/notifier"
	"github.com/openmined/livedb/internal/query"
)

// Watcher issues watch requests to the server.
type Watcher interface {
	AddWatch(q query.Query, tag uint64) *ledger.Future
	RemoveWatch(q query.Query, tag uint64) *ledger.Future
}

// Registry is owned by the engine loop and is not safe for concurrent use.
type Registry struct {
	listeners []*Listener
	nextTag   uint64
	watcher   Watcher
}

func New(w Watcher) *Registry {
	return &Registry{nextTag: 1, watcher: w}
}

// Add registers a listener. The returned future is its watch request, or nil when an existing
// listener already covers it.
func (r *Registry) Add(q query.Query, eventType notifier.EventType, observer notifier.Observer) (*Listener, *ledger.Future) {
	l := &Listener{
		query:     q,
		eventType: eventType,
		observer:  observer,
	}
	if q.HasQuery() {
		l.tag = r.nextTag
		r.nextTag++
	}

	makeActive := true
	for _, existing := range r.listeners {
		if existing.covers(l) {
			makeActive = false
			break
		}
	}

	candidates := mapset.NewThreadUnsafeSet[*Listener]()
	if makeActive && !q.HasQuery() {
		for _, existing := range r.listeners {
			if existing.active && l.covers(existing) {
				candidates.Add(existing)
			}
		}
	}

	l.active = makeActive
	r.listeners = append(r.listeners, l)

	// the new watch goes out before any covered watch is dropped
	var watch *ledger.Future
	if makeActive {
		watch = r.watcher.AddWatch(q, l.tag)
	}

	for _, existing := range r.listeners {
		if !candidates.Contains(existing) {
			continue
		}
		slog.Debug("registry deactivate", "query", existing.query, "covered_by", q)
		existing.active = false
		r.watcher.RemoveWatch(existing.query, existing.tag)
	}

	return l, watch
}

// Remove unregisters l and returns the requests it issued: watches for the listeners l was
// masking, then the removal of l's own watch when removeWatch is set and nothing else needs it.
func (r *Registry) Remove(l *Listener, removeWatch bool) []*ledger.Future {
	if !slices.Contains(r.listeners, l) {
		return nil
	}
	retained := slices.DeleteFunc(slices.Clone(r.listeners), func(o *Listener) bool { return o == l })
	r.listeners = retained

	keepWatch := false
	for _, o := range retained {
		if !o.sameWatch(l) {
			continue
		}
		keepWatch = true
		if l.active {
			// o inherits the live watch
			o.active = true
			break
		}
	}

	var masked []*Listener
	if l.active {
		for _, o := range retained {
			if !o.active && !o.sameWatch(l) && l.covers(o) {
				masked = append(masked, o)
			}
		}
	}
	// shallowest first, so a reactivated listener masks the ones below it
	slices.SortStableFunc(masked, func(a, b *Listener) int {
		return a.query.Path.Len() - b.query.Path.Len()
	})

	var futures []*ledger.Future
	for _, o := range masked {
		if r.maskedByAnyOther(o) || r.sharesActiveWatch(o) {
			continue
		}
		slog.Debug("registry reactivate", "query", o.query)
		o.active = true
		futures = append(futures, r.watcher.AddWatch(o.query, o.tag))
	}

	if removeWatch && l.active && !keepWatch {
		futures = append(futures, r.watcher.RemoveWatch(l.query, l.tag))
	}
	l.active = false

	return futures
}

// IsMaskedByAnyOther reports whether another active unfiltered listener covers l.
func (r *Registry) IsMaskedByAnyOther(l *Listener) bool {
	return r.maskedByAnyOther(l)
}

func (r *Registry) maskedByAnyOther(l *Listener) bool {
	for _, o := range r.listeners {
		if o != l && o.active && o.covers(l) {
			return true
		}
	}
	return false
}

func (r *Registry) sharesActiveWatch(l *Listener) bool {
	for _, o := range r.listeners {
		if o != l && o.active && o.sameWatch(l) {
			return true
		}
	}
	return false
}

// Has reports whether l is registered.
func (r *Registry) Has(l *Listener) bool {
	return slices.Contains(r.listeners, l)
}

// Listeners returns every registered listener in registration order.
func (r *Registry) Listeners() []*Listener {
	return slices.Clone(r.listeners)
}

// Matching returns the listeners registered for exactly q.
func (r *Registry) Matching(q query.Query) []*Listener {
	var out []*Listener
	for _, l := range r.listeners {
		if l.query.Equal(q) {
			out = append(out, l)
		}
	}
	return out
}

// Active returns the listeners that own a server watch.
func (r *Registry) Active() []*Listener {
	var out []*Listener
	for _, l := range r.listeners {
		if l.active {
			out = append(out, l)
		}
	}
	return out
}
