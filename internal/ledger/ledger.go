// Package ledger correlates data requests with their responses.
//
// Ids grow by one per transmitted request and the server answers in send order, so a response
// for id N means every still-pending id below N was lost: those are resent under fresh ids
// before N is settled. Requests submitted while the connection is not ready wait in a queue
// that is flushed on the next handshake.
package ledger

import (
	"cmp"
	"log/slog"
	"slices"

	"github.com/openmined/livedb/internal/notifier"
	"github.com/openmined/livedb/internal/query"
	"github.com/openmined/livedb/internal/wire"
)

// Entry is one request, queued or in flight.
type Entry struct {
	ID     uint64
	Action wire.Action
	Body   map[string]any
	Query  *query.Query
	Events []notifier.Event
	Future *Future
}

// Path is the location the request targets, for error messages.
func (e *Entry) Path() string {
	if e.Query != nil {
		return e.Query.Path.String()
	}
	if p, ok := e.Body["p"].(string); ok && p != "" {
		return p
	}
	return "/"
}

func (e *Entry) isAuth() bool {
	return e.Action == wire.ActionAuth || e.Action == wire.ActionUnauth
}

// Sender writes a frame to the current connection.
type Sender func(wire.Outbound) error

// Rollback undoes the optimistic events of a failed write.
type Rollback func(events []notifier.Event)

// Ledger is owned by the engine loop and is not safe for concurrent use.
type Ledger struct {
	nextID    uint64
	pending   map[uint64]*Entry
	queue     []*Entry
	ready     bool
	lastError bool
	send      Sender
	rollback  Rollback
}

func New(send Sender, rollback Rollback) *Ledger {
	if rollback == nil {
		rollback = func([]notifier.Event) {}
	}
	return &Ledger{
		nextID:   1,
		pending:  make(map[uint64]*Entry),
		send:     send,
		rollback: rollback,
	}
}

// SetReady switches between queueing and transmitting. Becoming ready does not flush.
func (l *Ledger) SetReady(ready bool) {
	l.ready = ready
}

func (l *Ledger) Ready() bool {
	return l.ready
}

// MarkError records that the server just reported an error. The next response consumes it.
func (l *Ledger) MarkError() {
	l.lastError = true
}

// Submit transmits a request, or queues it while not ready.
func (l *Ledger) Submit(action wire.Action, q *query.Query, body map[string]any, events []notifier.Event) *Future {
	if !l.ready {
		return l.Enqueue(action, q, body, events)
	}
	e := &Entry{
		Action: action,
		Body:   body,
		Query:  q,
		Events: events,
		Future: NewFuture(),
	}
	l.transmit(e)
	return e.Future
}

// Enqueue queues a request for the next Flush even when ready.
func (l *Ledger) Enqueue(action wire.Action, q *query.Query, body map[string]any, events []notifier.Event) *Future {
	e := &Entry{
		Action: action,
		Body:   body,
		Query:  q,
		Events: events,
		Future: NewFuture(),
	}
	l.queue = append(l.queue, e)
	return e.Future
}

// transmit sends e under a fresh id. When the ledger is not ready, or the send fails, e goes
// back to the queue and the ledger stops transmitting until the next Flush.
func (l *Ledger) transmit(e *Entry) {
	if !l.ready {
		l.queue = append(l.queue, e)
		return
	}
	e.ID = l.nextID
	l.nextID++
	l.pending[e.ID] = e

	if err := l.send(wire.DataRequest{ID: e.ID, Action: e.Action, Body: e.Body}); err != nil {
		slog.Warn("ledger send", "id", e.ID, "action", e.Action, "error", err)
		delete(l.pending, e.ID)
		l.queue = append(l.queue, e)
		l.ready = false
	}
}

// Flush transmits the queue: the most recent auth request first, then everything else in
// submission order. Older auth requests are rejected.
func (l *Ledger) Flush() {
	queue := l.queue
	l.queue = nil

	latestAuth := -1
	for i, e := range queue {
		if e.isAuth() {
			latestAuth = i
		}
	}

	if latestAuth >= 0 {
		l.transmit(queue[latestAuth])
	}
	for i, e := range queue {
		if i == latestAuth {
			continue
		}
		if e.isAuth() {
			e.Future.Reject(ErrSuperseded)
			continue
		}
		l.transmit(e)
	}
}

// HandleResponse settles the request answered by resp after resending (or dropping) every
// older request that is still pending.
func (l *Ledger) HandleResponse(resp wire.Response) {
	skipped := l.pendingBelow(resp.ID)
	dropSkipped := l.lastError
	l.lastError = false

	for _, e := range skipped {
		delete(l.pending, e.ID)
		if dropSkipped {
			slog.Warn("ledger drop", "id", e.ID, "action", e.Action, "path", e.Path())
			l.rollback(e.Events)
			e.Future.Reject(ErrDropped)
			continue
		}
		slog.Debug("ledger resend", "id", e.ID, "action", e.Action, "path", e.Path())
		l.transmit(e)
	}

	e, ok := l.pending[resp.ID]
	if !ok {
		slog.Debug("ledger response for unknown request", "id", resp.ID)
		return
	}
	delete(l.pending, resp.ID)

	if resp.OK() {
		for _, w := range resp.Warnings() {
			l.warn(e, w)
		}
		e.Future.Resolve(resp.Data)
		return
	}

	l.rollback(e.Events)
	e.Future.Reject(&RequestError{
		Status:  resp.Status,
		Path:    e.Path(),
		Message: resp.ErrorText(),
	})
}

func (l *Ledger) warn(e *Entry, w string) {
	if w == "no_index" && e.Query != nil {
		slog.Warn("ledger no_index",
			"path", e.Path(),
			"hint", `consider adding ".indexOn": "`+e.Query.Params.Index+`" at `+e.Path()+` to your security rules`)
		return
	}
	slog.Warn("ledger warning", "path", e.Path(), "warning", w)
}

func (l *Ledger) pendingBelow(id uint64) []*Entry {
	var out []*Entry
	for pid, e := range l.pending {
		if pid < id {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *Entry) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Outstanding reports whether any queued or in-flight request matches fn.
func (l *Ledger) Outstanding(fn func(*Entry) bool) bool {
	for _, e := range l.queue {
		if fn(e) {
			return true
		}
	}
	for _, e := range l.pending {
		if fn(e) {
			return true
		}
	}
	return false
}

// FailAll rejects every queued and in-flight request, rolling back their optimistic events
// newest first.
func (l *Ledger) FailAll(err error) {
	entries := l.pendingBelow(l.nextID)
	entries = append(entries, l.queue...)
	l.pending = make(map[uint64]*Entry)
	l.queue = nil
	l.lastError = false

	for i := len(entries) - 1; i >= 0; i-- {
		l.rollback(entries[i].Events)
	}
	for _, e := range entries {
		e.Future.Reject(err)
	}
}

// InFlight is the number of transmitted, unanswered requests.
func (l *Ledger) InFlight() int {
	return len(l.pending)
}

// Queued is the number of requests waiting for the connection.
func (l *Ledger) Queued() int {
	return len(l.queue)
}
