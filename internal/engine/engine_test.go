package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/openmined/livedb/internal/dbpath"
	"github.com/openmined/livedb/internal/hostcache"
	"github.com/openmined/livedb/internal/ledger"
	"github.com/openmined/livedb/internal/notifier"
	"github.com/openmined/livedb/internal/query"
	"github.com/openmined/livedb/internal/transport"
	"github.com/openmined/livedb/internal/version"
	"github.com/openmined/livedb/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	sent    []wire.Outbound
	msgs    chan wire.Message
	closed  bool
	sendErr error
}

func (s *fakeSession) Send(o wire.Outbound) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, o)
	return nil
}

func (s *fakeSession) Messages() <-chan wire.Message {
	return s.msgs
}

func (s *fakeSession) Close() {
	s.closed = true
}

func (s *fakeSession) requests() []wire.DataRequest {
	var out []wire.DataRequest
	for _, o := range s.sent {
		if r, ok := o.(wire.DataRequest); ok {
			out = append(out, r)
		}
	}
	return out
}

func (s *fakeSession) last() wire.DataRequest {
	reqs := s.requests()
	return reqs[len(reqs)-1]
}

type recordingObserver struct {
	events []notifier.Event
	errs   []error
}

func (o *recordingObserver) OnEvent(ev notifier.Event) { o.events = append(o.events, ev) }
func (o *recordingObserver) OnError(err error)         { o.errs = append(o.errs, err) }

func (o *recordingObserver) types() []notifier.EventType {
	var out []notifier.EventType
	for _, ev := range o.events {
		out = append(out, ev.Type)
	}
	return out
}

// newTestEngine returns an engine driven directly from the test goroutine, with a fake session
// attached.
func newTestEngine(t *testing.T) (*Engine, *fakeSession, *hostcache.MemoryStore) {
	t.Helper()
	store := hostcache.NewMemoryStore()
	e, err := New(Options{DatabaseURL: "https://chat.example.com", Store: store, Clock: clock.NewMock()})
	require.NoError(t, err)

	e.target = e.resolver.Resolve(context.Background())
	s := &fakeSession{msgs: make(chan wire.Message)}
	e.session = s
	e.setState(Connecting)
	return e, s, store
}

func handshake(e *Engine) {
	e.handleMessage(wire.Handshake{Version: "5", Host: "chat.example.com", Timestamp: 0, SessionKey: "sess"})
}

func ok(id uint64) wire.Response {
	return wire.Response{ID: id, Status: "ok", Data: wire.Raw(`{}`)}
}

func denied(id uint64) wire.Response {
	return wire.Response{ID: id, Status: "permission_denied", Data: wire.Raw(`"Permission denied"`)}
}

func TestNew_RejectsBadDatabaseURL(t *testing.T) {
	_, err := New(Options{DatabaseURL: "localhost"})
	assert.ErrorIs(t, err, hostcache.ErrInvalidDatabaseURL)
}

func TestHandshake_SendsCapabilitiesThenFlushesQueue(t *testing.T) {
	e, s, _ := newTestEngine(t)

	e.addListener(query.New(dbpath.Parse("/a")), notifier.Value, &recordingObserver{})
	oldAuth := e.ledger.Submit(wire.ActionAuth, nil, authBody("t1"), nil)
	e.set(dbpath.Parse("/b"), "x")
	e.ledger.Submit(wire.ActionAuth, nil, authBody("t2"), nil)
	assert.Empty(t, s.sent)

	handshake(e)

	reqs := s.requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, wire.ActionStats, reqs[0].Action)
	assert.Equal(t, map[string]any{version.Capability(): 1}, reqs[0].Body["c"])
	assert.Equal(t, wire.ActionAuth, reqs[1].Action)
	assert.Equal(t, "t2", reqs[1].Body["cred"])
	assert.Equal(t, wire.ActionListen, reqs[2].Action)
	assert.Equal(t, "/a", reqs[2].Body["p"])
	assert.Equal(t, wire.ActionPut, reqs[3].Action)
	assert.Equal(t, []uint64{1, 2, 3, 4}, []uint64{reqs[0].ID, reqs[1].ID, reqs[2].ID, reqs[3].ID})

	assert.ErrorIs(t, oldAuth.Err(), ledger.ErrSuperseded)
	assert.Equal(t, Ready, e.State())
	assert.Equal(t, "sess", e.info.SessionKey)
	assert.Equal(t, "chat.example.com", e.info.Host)
}

func TestHeartbeat(t *testing.T) {
	e, s, _ := newTestEngine(t)

	e.handleMessage(wire.AckRequest{})
	e.handleMessage(wire.Pong{})

	assert.Equal(t, []wire.Outbound{wire.Ping{}, wire.Ack{}}, s.sent)
}

func TestServerError_SuppressesNextResend(t *testing.T) {
	e, s, _ := newTestEngine(t)
	handshake(e)

	first := e.ledger.Submit(wire.ActionListen, nil, map[string]any{"p": "/a"}, nil)
	e.ledger.Submit(wire.ActionListen, nil, map[string]any{"p": "/b"}, nil)
	sent := len(s.sent)

	e.handleMessage(wire.ServerError{ClientID: "c", ErrorID: "1", Text: "boom"})
	e.handleMessage(ok(3))

	assert.Len(t, s.sent, sent)
	assert.ErrorIs(t, first.Err(), ledger.ErrDropped)
}

func TestRedirect_ToCurrentHostIsNoop(t *testing.T) {
	e, s, store := newTestEngine(t)
	handshake(e)

	e.handleMessage(wire.Redirect{Host: "chat.example.com"})

	assert.False(t, s.closed)
	assert.Same(t, s, e.session.(*fakeSession))
	assert.Nil(t, e.retry)
	assert.Equal(t, Ready, e.State())
	_, found, err := store.Get(context.Background(), e.resolver.Key())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedirect_ToOtherHostPersists(t *testing.T) {
	e, s, store := newTestEngine(t)
	handshake(e)

	e.handleMessage(wire.Redirect{Host: "s-2.example.com"})

	assert.True(t, s.closed)
	assert.Nil(t, e.session)
	assert.NotNil(t, e.retry)
	assert.Equal(t, Connecting, e.State())
	assert.False(t, e.ledger.Ready())
	assert.Equal(t, "wss://s-2.example.com/.ws?v=5&ns=chat", e.target.URL())

	host, found, err := store.Get(context.Background(), "livedb:host:chat.example.com")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "s-2.example.com", host)
}

func TestDataPush_NotifiesListeners(t *testing.T) {
	e, _, _ := newTestEngine(t)
	handshake(e)

	value := &recordingObserver{}
	added := &recordingObserver{}
	e.addListener(query.New(dbpath.Parse("/users")), notifier.Value, value)
	e.addListener(query.New(dbpath.Parse("/users")), notifier.ChildAdded, added)
	e.runDeferred()

	e.handleMessage(wire.DataPush{Path: "/users/alice", Data: wire.Raw(`{"age":30}`)})

	require.NotEmpty(t, value.events)
	last := value.events[len(value.events)-1]
	assert.Equal(t, map[string]any{"alice": map[string]any{"age": float64(30)}}, last.Model.Value())
	require.Len(t, added.events, 1)
	assert.Equal(t, "alice", added.events[0].Model.Key())
}

func TestMergePush_UpdatesEachChild(t *testing.T) {
	e, _, _ := newTestEngine(t)
	handshake(e)
	e.bootstrap(map[string]any{"users": map[string]any{"bob": "b", "carol": "c"}})

	removed := &recordingObserver{}
	added := &recordingObserver{}
	e.addListener(query.New(dbpath.Parse("/users")), notifier.ChildRemoved, removed)
	e.addListener(query.New(dbpath.Parse("/users")), notifier.ChildAdded, added)
	e.runDeferred()
	added.events = nil

	e.handleMessage(wire.MergePush{Path: "/users", Data: map[string]wire.Raw{
		"alice": wire.Raw(`"a"`),
		"bob":   wire.Raw(`null`),
	}})

	assert.Equal(t, map[string]any{"alice": "a", "carol": "c"}, e.root.Child(dbpath.Parse("/users")).Value())
	require.Len(t, removed.events, 1)
	assert.Equal(t, "bob", removed.events[0].Model.Key())
	require.Len(t, added.events, 1)
	assert.Equal(t, "alice", added.events[0].Model.Key())
}

func TestInitialNotification(t *testing.T) {
	e, s, _ := newTestEngine(t)
	handshake(e)
	e.bootstrap(map[string]any{"a": map[string]any{"x": 1, "y": 2}})

	// covered by no one: waits for the watch
	broad := &recordingObserver{}
	e.addListener(query.New(dbpath.Parse("/a")), notifier.Value, broad)
	e.runDeferred()
	assert.Empty(t, broad.events)

	e.handleMessage(ok(s.last().ID))
	require.Len(t, broad.events, 1)
	assert.Equal(t, map[string]any{"x": float64(1), "y": float64(2)}, broad.events[0].Model.Value())

	// covered: delivered right after the call
	children := &recordingObserver{}
	e.addListener(query.New(dbpath.Parse("/a")), notifier.ChildAdded, children)
	assert.Empty(t, children.events)
	e.runDeferred()
	assert.Equal(t, []notifier.EventType{notifier.ChildAdded, notifier.ChildAdded}, children.types())

	// data that arrives before the watch settles counts as the initial state
	other := &recordingObserver{}
	e.addListener(query.New(dbpath.Parse("/b")), notifier.Value, other)
	e.handleMessage(wire.DataPush{Path: "/b", Data: wire.Raw(`"hello"`)})
	e.handleMessage(ok(s.last().ID))
	require.Len(t, other.events, 1)
	assert.Equal(t, "hello", other.events[0].Model.Value())
}

func TestOptimisticWrite_RollbackPerEventKind(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		value  any
		expect notifier.EventType
	}{
		{name: "child_added", path: "/a/z", value: 3, expect: notifier.ChildAdded},
		{name: "child_removed", path: "/a/x", value: nil, expect: notifier.ChildRemoved},
		{name: "child_changed", path: "/a/y", value: 5, expect: notifier.ChildChanged},
		{name: "value", path: "/a", value: "scalar", expect: notifier.Value},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, s, _ := newTestEngine(t)
			handshake(e)
			e.bootstrap(map[string]any{"a": map[string]any{"x": 1, "y": 2}, "b": true})

			obs := &recordingObserver{}
			for _, typ := range []notifier.EventType{notifier.Value, notifier.ChildAdded, notifier.ChildRemoved, notifier.ChildChanged} {
				e.addListener(query.New(dbpath.Parse("/a")), typ, obs)
			}
			e.handleMessage(ok(s.requests()[1].ID))
			e.runDeferred()
			obs.events = nil

			beforeHash := e.root.Hash()
			beforeKeys := e.root.Child(dbpath.Parse("/a")).ChildKeys()

			f := e.set(dbpath.Parse(tt.path), tt.value)
			assert.Contains(t, obs.types(), tt.expect)
			assert.NotEqual(t, beforeHash, e.root.Hash())

			req := s.last()
			require.Equal(t, wire.ActionPut, req.Action)
			e.handleMessage(denied(req.ID))

			assert.Equal(t, beforeHash, e.root.Hash())
			assert.Equal(t, beforeKeys, e.root.Child(dbpath.Parse("/a")).ChildKeys())
			assert.EqualError(t, f.Err(), "permission_denied at "+tt.path+": Permission denied")

			last := obs.events[len(obs.events)-1]
			for i := len(obs.events) - 1; i >= 0; i-- {
				if obs.events[i].Type == notifier.Value {
					last = obs.events[i]
					break
				}
			}
			assert.Equal(t, map[string]any{"x": float64(1), "y": float64(2)}, last.Model.Value())
		})
	}
}

func TestOptimisticUpdate_RollsBackEveryChild(t *testing.T) {
	e, s, _ := newTestEngine(t)
	handshake(e)
	e.bootstrap(map[string]any{"a": map[string]any{"x": 1}})
	before := e.root.Hash()

	f := e.update(dbpath.Parse("/a"), map[string]any{"x": nil, "y": "new", "deep/k": true})
	assert.Equal(t, map[string]any{"y": "new", "deep": map[string]any{"k": true}}, e.root.Child(dbpath.Parse("/a")).Value())

	req := s.last()
	assert.Equal(t, wire.ActionMerge, req.Action)
	e.handleMessage(denied(req.ID))

	assert.Equal(t, before, e.root.Hash())
	assert.Error(t, f.Err())
}

func TestOptimisticWrite_RollbackKeepsConcurrentPush(t *testing.T) {
	e, s, _ := newTestEngine(t)
	handshake(e)
	e.handleMessage(ok(1))

	obs := &recordingObserver{}
	e.addListener(query.New(dbpath.Root()), notifier.Value, obs)
	e.handleMessage(ok(s.last().ID))
	e.runDeferred()

	f := e.set(dbpath.Parse("/a"), "mine")
	write := s.last()
	e.handleMessage(wire.DataPush{Path: "/b", Data: wire.Raw(`"server"`)})
	assert.Equal(t, map[string]any{"a": "mine", "b": "server"}, e.root.Value())

	e.handleMessage(denied(write.ID))

	assert.Error(t, f.Err())
	assert.Equal(t, map[string]any{"b": "server"}, e.root.Value())
	last := obs.events[len(obs.events)-1]
	assert.Equal(t, map[string]any{"b": "server"}, last.Model.Value())
}

func TestOptimisticUpdate_RollbackKeepsUntouchedChildren(t *testing.T) {
	e, s, _ := newTestEngine(t)
	handshake(e)
	e.handleMessage(ok(1))
	e.bootstrap(map[string]any{"a": map[string]any{"x": 1}})

	f := e.update(dbpath.Parse("/a"), map[string]any{"x": 2})
	write := s.last()
	e.handleMessage(wire.DataPush{Path: "/a/y", Data: wire.Raw(`"server"`)})
	e.handleMessage(denied(write.ID))

	assert.Error(t, f.Err())
	assert.Equal(t, map[string]any{"x": float64(1), "y": "server"}, e.root.Child(dbpath.Parse("/a")).Value())
}

func TestOptimisticWrite_KeptOnSuccess(t *testing.T) {
	e, s, _ := newTestEngine(t)
	handshake(e)

	f := e.set(dbpath.Parse("/a"), "v")
	e.handleMessage(ok(s.last().ID))

	assert.NoError(t, f.Err())
	assert.Equal(t, "v", e.root.Child(dbpath.Parse("/a")).Value())
}

func TestPermissionRevoked(t *testing.T) {
	e, s, _ := newTestEngine(t)
	handshake(e)

	q := query.WithParams(dbpath.Parse("/secret"), query.Params{Limit: 2})
	revoked := &recordingObserver{}
	kept := &recordingObserver{}
	l := e.addListener(q, notifier.Value, revoked)
	e.addListener(query.New(dbpath.Parse("/public")), notifier.Value, kept)
	sent := len(s.sent)

	e.handleMessage(wire.Revoked{Path: "/secret", Query: map[string]any{"l": float64(2)}})

	require.Len(t, revoked.errs, 1)
	assert.EqualError(t, revoked.errs[0], "permission_denied at /secret: "+permissionDeniedText)
	assert.Empty(t, kept.errs)
	assert.False(t, e.registry.Has(l))
	assert.Len(t, s.sent, sent, "no watch removal for a revoked listener")
}

func TestWatchRefused_FailsListeners(t *testing.T) {
	e, s, _ := newTestEngine(t)
	handshake(e)

	obs := &recordingObserver{}
	l := e.addListener(query.New(dbpath.Parse("/locked")), notifier.Value, obs)
	e.handleMessage(denied(s.last().ID))

	require.Len(t, obs.errs, 1)
	assert.EqualError(t, obs.errs[0], "permission_denied at /locked: Permission denied")
	assert.False(t, e.registry.Has(l))
	assert.Empty(t, obs.events)
}

func TestRestoreSession_ReissuesActiveWatches(t *testing.T) {
	e, s, _ := newTestEngine(t)
	handshake(e)

	e.addListener(query.New(dbpath.Parse("/a")), notifier.Value, &recordingObserver{})
	e.addListener(query.New(dbpath.Parse("/a/b")), notifier.Value, &recordingObserver{})
	e.addListener(query.New(dbpath.Parse("/c")), notifier.Value, &recordingObserver{})
	e.authToken = "tok"
	// the /a watch was answered, /c is still in flight
	e.handleMessage(ok(2))

	e.onSessionLost()
	require.NotNil(t, e.retry)
	next := &fakeSession{msgs: make(chan wire.Message)}
	e.session = next
	handshake(e)

	reqs := next.requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, wire.ActionStats, reqs[0].Action)
	assert.Equal(t, wire.ActionAuth, reqs[1].Action)
	assert.Equal(t, "/a", reqs[2].Body["p"])
	assert.Equal(t, wire.ActionListen, reqs[2].Action)

	// the first response of the new session resends the lost /c watch
	e.handleMessage(ok(reqs[0].ID))
	var resent []string
	for _, r := range next.requests()[3:] {
		if r.Action == wire.ActionListen {
			resent = append(resent, r.Body["p"].(string))
		}
	}
	assert.Equal(t, []string{"/c"}, resent)
	assert.Len(t, s.requests(), 4)
}

func TestSend_RefusedFrameDropsSessionAndKeepsRequest(t *testing.T) {
	e, s, _ := newTestEngine(t)
	handshake(e)
	e.handleMessage(ok(1))

	s.sendErr = transport.ErrSendQueueFull
	write := e.set(dbpath.Parse("/a"), "x")
	e.runDeferred()

	assert.True(t, s.closed)
	assert.Nil(t, e.session)
	assert.Equal(t, Disconnected, e.State())
	assert.Equal(t, 1, e.ledger.Queued())
	assert.Equal(t, 0, e.ledger.InFlight())

	next := &fakeSession{msgs: make(chan wire.Message)}
	e.session = next
	handshake(e)

	reqs := next.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, wire.ActionStats, reqs[0].Action)
	assert.Equal(t, wire.ActionPut, reqs[1].Action)
	assert.Equal(t, "/a", reqs[1].Body["p"])

	e.handleMessage(ok(reqs[0].ID))
	e.handleMessage(ok(reqs[1].ID))
	assert.NoError(t, write.Err())
	assert.Equal(t, "x", e.root.Child(dbpath.Parse("/a")).Value())
}

func TestCheckToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sign := func(exp time.Time) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)})
		s, err := tok.SignedString([]byte("secret"))
		require.NoError(t, err)
		return s
	}

	assert.NoError(t, checkToken("opaque-token", now))
	assert.NoError(t, checkToken(sign(now.Add(time.Hour)), now))
	assert.ErrorIs(t, checkToken(sign(now.Add(-time.Hour)), now), ErrTokenExpired)
}

func TestChanObserver_DropsWhenFull(t *testing.T) {
	o := NewChanObserver(1)
	o.OnEvent(notifier.Event{Type: notifier.Value})
	o.OnEvent(notifier.Event{Type: notifier.ChildAdded})

	assert.Equal(t, int64(1), o.Dropped())
	n := <-o.C()
	assert.Equal(t, notifier.Value, n.Event.Type)
}

func TestChanObserver_ErrorEvictsOldest(t *testing.T) {
	o := NewChanObserver(2)
	o.OnEvent(notifier.Event{Type: notifier.Value})
	o.OnEvent(notifier.Event{Type: notifier.ChildAdded})
	o.OnError(errors.New("permission_denied at /a: revoked"))

	assert.Equal(t, int64(1), o.Dropped())
	first := <-o.C()
	assert.Equal(t, notifier.ChildAdded, first.Event.Type)
	last := <-o.C()
	assert.EqualError(t, last.Err, "permission_denied at /a: revoked")
}
