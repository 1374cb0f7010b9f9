// Package engine keeps a live, partially replicated mirror of a remote document tree.
//
// A single loop goroutine (Run) owns the connection state, the request ledger, the listener
// registry, the cached tree and the notifier. Public methods post closures to the loop and wait
// for them; observers are called on the loop and must not call back into the engine
// synchronously.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/openmined/livedb/internal/hostcache"
	"github.com/openmined/livedb/internal/ledger"
	"github.com/openmined/livedb/internal/notifier"
	"github.com/openmined/livedb/internal/registry"
	"github.com/openmined/livedb/internal/transport"
	"github.com/openmined/livedb/internal/tree"
	"github.com/openmined/livedb/internal/wire"
)

const (
	redirectDelay     = 1 * time.Second
	reconnectDelay    = 1 * time.Second
	maxReconnectDelay = 8 * time.Second
	dialTimeout       = 10 * time.Second
	// the cached tree is copied into a fresh arena once old versions make up most of it
	compactThreshold = 4096
)

var (
	ErrNotRunning     = errors.New("engine: not running")
	ErrAlreadyRunning = errors.New("engine: already running")
	ErrClosed         = errors.New("engine: closed")
)

// State is the connection state.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// ServerInfo is what the last handshake told us.
type ServerInfo struct {
	TimeDiff   time.Duration
	Host       string
	SessionKey string
	Version    string
}

// Options configure an Engine. DatabaseURL is required.
type Options struct {
	DatabaseURL string
	// Store persists redirects. Defaults to an in-memory store.
	Store hostcache.Store
	// Dialer opens websocket connections. Defaults to transport.DialWebsocket.
	Dialer transport.Dialer
	Clock  clock.Clock
}

// session is the part of *transport.Session the engine drives.
type session interface {
	Send(wire.Outbound) error
	Messages() <-chan wire.Message
	Close()
}

type Engine struct {
	clock    clock.Clock
	resolver *hostcache.Resolver
	dial     transport.Dialer
	stats    *transport.Stats

	// loop state
	ctx        context.Context
	state      State
	session    session
	target     hostcache.Target
	info       ServerInfo
	generation uint64
	handshakes int
	attempt    int
	retry      *clock.Timer
	authToken  string
	root       tree.Model
	compactAt  int
	notifier   *notifier.Notifier
	ledger     *ledger.Ledger
	registry   *registry.Registry
	deferred   []func()

	inbox   chan func()
	done    chan struct{}
	running atomic.Bool
	status  atomic.Uint32
}

// New validates the options. It does not connect; call Run.
func New(opts Options) (*Engine, error) {
	origin, err := hostcache.ParseDatabaseURL(opts.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Dialer == nil {
		opts.Dialer = transport.DialWebsocket
	}

	e := &Engine{
		clock:     opts.Clock,
		resolver:  hostcache.NewResolver(origin, opts.Store),
		dial:      opts.Dialer,
		stats:     transport.NewStats(opts.Clock),
		ctx:       context.Background(),
		root:      tree.New(),
		compactAt: compactThreshold,
		notifier:  notifier.New(),
		inbox:     make(chan func()),
		done:      make(chan struct{}),
	}
	e.ledger = ledger.New(e.send, e.rollback)
	e.registry = registry.New(watcher{e})
	return e, nil
}

// Run connects and serves until ctx ends. Pending requests are failed with ErrClosed on exit.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(e.done)

	e.ctx = ctx
	e.target = e.resolver.Resolve(ctx)
	slog.Info("engine start", "database", e.resolver.Origin().Host, "target", e.target.URL())
	e.connect()

	for {
		var msgs <-chan wire.Message
		if e.session != nil {
			msgs = e.session.Messages()
		}

		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()

		case fn := <-e.inbox:
			fn()

		case msg, ok := <-msgs:
			if !ok {
				e.onSessionLost()
			} else {
				e.handleMessage(msg)
			}
		}

		e.runDeferred()
	}
}

func (e *Engine) shutdown() {
	slog.Info("engine shutdown")
	if e.retry != nil {
		e.retry.Stop()
	}
	e.closeSession()
	e.setState(Disconnected)
	e.ledger.FailAll(ErrClosed)
	e.runDeferred()
}

// post hands fn to the loop without waiting for it. It reports false once the loop is gone.
func (e *Engine) post(fn func()) bool {
	select {
	case e.inbox <- fn:
		return true
	case <-e.done:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (e *Engine) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}

	select {
	case e.inbox <- wrapped:
	case <-e.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// later runs fn on the loop once the current input has been handled.
func (e *Engine) later(fn func()) {
	e.deferred = append(e.deferred, fn)
}

func (e *Engine) runDeferred() {
	for len(e.deferred) > 0 {
		fns := e.deferred
		e.deferred = nil
		for _, fn := range fns {
			fn()
		}
	}
}

func (e *Engine) setState(s State) {
	if e.state != s {
		slog.Debug("engine state", "from", e.state, "to", s)
	}
	e.state = s
	e.status.Store(uint32(s))
}

// State is the current connection state. Safe from any goroutine.
func (e *Engine) State() State {
	return State(e.status.Load())
}

// Stats returns the transport counters. Safe from any goroutine.
func (e *Engine) Stats() transport.StatsSnapshot {
	return e.stats.Snapshot()
}

// ServerInfo returns what the last handshake reported.
func (e *Engine) ServerInfo(ctx context.Context) (ServerInfo, error) {
	var info ServerInfo
	err := e.call(ctx, func() { info = e.info })
	return info, err
}
