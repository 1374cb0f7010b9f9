package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/openmined/livedb/internal/transport"
	"github.com/openmined/livedb/internal/version"
	"github.com/openmined/livedb/internal/wire"
)

// connect dials the current target in the background.
func (e *Engine) connect() {
	if e.ctx.Err() != nil {
		return
	}
	e.setState(Connecting)
	e.generation++
	gen := e.generation
	url := e.target.URL()

	slog.Info("engine connect", "url", url, "attempt", e.attempt)
	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, dialTimeout)
		defer cancel()

		s, err := transport.Open(ctx, e.dial, url, transport.Options{Clock: e.clock, Stats: e.stats})
		if !e.post(func() { e.onOpened(gen, s, err) }) && s != nil {
			s.Close()
		}
	}()
}

func (e *Engine) onOpened(gen uint64, s *transport.Session, err error) {
	if gen != e.generation || e.state != Connecting {
		// superseded by a redirect or a shutdown
		if s != nil {
			s.Close()
		}
		return
	}
	if err != nil {
		slog.Warn("engine connect", "error", err)
		e.scheduleReconnect()
		return
	}
	slog.Debug("engine connected", "conn", s.ID)
	e.session = s
}

// onSessionLost handles a connection the server or the network closed.
func (e *Engine) onSessionLost() {
	slog.Info("engine disconnected, will reconnect")
	e.session = nil
	e.ledger.SetReady(false)
	e.scheduleReconnect()
	e.setState(Disconnected)
}

func (e *Engine) scheduleReconnect() {
	delay := reconnectDelay
	for i := 0; i < e.attempt && delay < maxReconnectDelay; i++ {
		delay *= 2
	}
	delay = min(delay, maxReconnectDelay)
	e.attempt++

	slog.Info("engine reconnect scheduled", "attempt", e.attempt, "delay", delay)
	e.after(delay, e.connect)
}

// after runs fn on the loop once d has elapsed on the engine clock.
func (e *Engine) after(d time.Duration, fn func()) {
	if e.retry != nil {
		e.retry.Stop()
	}
	e.retry = e.clock.AfterFunc(d, func() {
		e.post(fn)
	})
}

func (e *Engine) closeSession() {
	if e.session == nil {
		return
	}
	s := e.session
	e.session = nil
	s.Close()
}

// send writes frame to the current session. A session that refuses a frame is dropped and
// reconnected; the ledger keeps the refused request queued for the next handshake.
func (e *Engine) send(frame wire.Outbound) error {
	s := e.session
	if s == nil {
		return ErrNotRunning
	}
	err := s.Send(frame)
	if err != nil {
		e.later(func() {
			if e.session == s {
				e.closeSession()
				e.onSessionLost()
			}
		})
	}
	return err
}

func (e *Engine) handleMessage(msg wire.Message) {
	switch m := msg.(type) {
	case wire.Handshake:
		e.onHandshake(m)
	case wire.Redirect:
		e.onRedirect(m.Host)
	case wire.AckRequest:
		e.sendControl(wire.Ping{})
	case wire.Pong:
		e.sendControl(wire.Ack{})
	case wire.ServerError:
		e.ledger.MarkError()
		slog.Warn("engine server error", "client_id", m.ClientID, "error_id", m.ErrorID, "message", m.Text)
	case wire.Response:
		e.ledger.HandleResponse(m)
	case wire.DataPush:
		e.onDataPush(m)
	case wire.MergePush:
		e.onMergePush(m)
	case wire.Revoked:
		e.onRevoked(m)
	case wire.AuthStatus:
		slog.Info("engine auth status", "body", string(m.Body))
	case wire.Unknown:
		slog.Warn("engine unknown message", "envelope", m.Envelope, "type", m.Type)
	default:
		slog.Warn("engine unhandled message", "kind", msg.Kind())
	}
}

func (e *Engine) sendControl(frame wire.Outbound) {
	if err := e.send(frame); err != nil {
		slog.Warn("engine send", "frame", wire.Describe(frame), "error", err)
	}
}

func (e *Engine) onHandshake(h wire.Handshake) {
	e.info = ServerInfo{
		TimeDiff:   e.clock.Now().Sub(time.UnixMilli(h.Timestamp)),
		Host:       h.Host,
		SessionKey: h.SessionKey,
		Version:    h.Version,
	}
	slog.Info("engine handshake", "host", h.Host, "version", h.Version, "time_diff", e.info.TimeDiff)

	e.attempt = 0
	e.setState(Ready)
	e.ledger.SetReady(true)

	e.ledger.Submit(wire.ActionStats, nil, map[string]any{
		"c": map[string]any{version.Capability(): 1},
	}, nil)

	if e.handshakes > 0 {
		e.restoreSession()
	}
	e.handshakes++

	e.ledger.Flush()
}

// restoreSession queues what a new server session needs to serve the existing listeners: the
// credential, then a watch for every active listener whose watch is not already on its way.
func (e *Engine) restoreSession() {
	if e.authToken != "" && !e.ledger.Outstanding(isAuthEntry) {
		e.ledger.Enqueue(wire.ActionAuth, nil, authBody(e.authToken), nil)
	}
	for _, l := range e.registry.Active() {
		if e.watchOutstanding(l.Query(), l.Tag()) {
			continue
		}
		slog.Debug("engine restore watch", "query", l.Query(), "tag", l.Tag())
		e.enqueueWatch(l.Query(), l.Tag())
	}
}

func (e *Engine) onRedirect(host string) {
	if host == e.target.Host {
		slog.Warn("engine redirect to the current host ignored", "host", host)
		return
	}

	slog.Info("engine redirect", "from", e.target.Host, "to", host)
	e.closeSession()
	e.ledger.SetReady(false)
	e.generation++

	target, err := e.resolver.Remember(e.ctx, host)
	if err != nil {
		slog.Warn("engine redirect persist", "error", err)
	}
	e.target = target
	e.after(redirectDelay, e.connect)
	e.setState(Connecting)
}
