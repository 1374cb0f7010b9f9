// Package transport owns the websocket to the database server: dialing, the read loop with
// frame reassembly, the write loop with frame splitting, and the idle keep-alive.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/openmined/livedb/internal/wire"
)

const (
	sessionChannelSize = 256
	// KeepAlivePeriod is how long the connection may stay idle before a keep-alive is written.
	KeepAlivePeriod = 45 * time.Second
	writeTimeout    = 5 * time.Second
	maxMessageSize  = 16 * 1024 * 1024 // 16MB
)

var (
	ErrSessionClosed = errors.New("transport: session closed")
	ErrSendQueueFull = errors.New("transport: send queue full")
)

// Conn is the subset of *websocket.Conn the session uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a connection to url.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DialWebsocket is the default Dialer.
func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// Options tune a session. Zero values pick the defaults.
type Options struct {
	Clock        clock.Clock
	KeepAlive    time.Duration
	MaxFrameSize int
	Stats        *Stats
}

// Session is one websocket connection.
type Session struct {
	ID string

	conn      Conn
	clock     clock.Clock
	keepAlive *clock.Timer
	idle      time.Duration
	maxFrame  int
	stats     *Stats
	asm       wire.Reassembler

	msgRx     chan wire.Message  // messages received from the websocket
	msgTx     chan wire.Outbound // frames to write to the websocket
	closing   chan struct{}      // close requested
	closed    chan struct{}      // both loops are done
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Open dials url and starts the session loops.
func Open(ctx context.Context, dial Dialer, url string, opts Options) (*Session, error) {
	if dial == nil {
		dial = DialWebsocket
	}

	conn, err := dial(ctx, url)
	if err != nil {
		return nil, err
	}

	s := newSession(conn, opts)
	s.start()
	return s, nil
}

func newSession(conn Conn, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = KeepAlivePeriod
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if opts.Stats == nil {
		opts.Stats = NewStats(opts.Clock)
	}

	return &Session{
		ID:        uuid.NewString(),
		conn:      conn,
		clock:     opts.Clock,
		keepAlive: opts.Clock.Timer(opts.KeepAlive),
		idle:      opts.KeepAlive,
		maxFrame:  opts.MaxFrameSize,
		stats:     opts.Stats,
		msgRx:     make(chan wire.Message, sessionChannelSize),
		msgTx:     make(chan wire.Outbound, sessionChannelSize),
		closing:   make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

func (s *Session) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stats.onConnected()

	s.wg.Add(2)
	go s.writeLoop(ctx)
	go s.readLoop(ctx)
}

// Messages delivers inbound messages. It is closed once the session is gone.
func (s *Session) Messages() <-chan wire.Message {
	return s.msgRx
}

// Closed is closed once both loops have stopped.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// Send queues a frame for the write loop. It never blocks.
func (s *Session) Send(frame wire.Outbound) error {
	select {
	case <-s.closing:
		return ErrSessionClosed
	default:
	}

	select {
	case s.msgTx <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close tears the connection down and waits for the loops to exit.
func (s *Session) Close() {
	s.closeConnection(websocket.StatusNormalClosure, "shutdown")
	<-s.closed
}

func (s *Session) closeConnection(status websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.cancel()
		s.conn.Close(status, reason)

		go func() {
			s.wg.Wait()
			s.keepAlive.Stop()
			s.stats.onDisconnected()
			close(s.msgRx)
			close(s.closed)
		}()
	})
}

func (s *Session) readLoop(ctx context.Context) {
	defer func() {
		slog.Debug("session reader shutdown", "conn", s.ID)
		s.wg.Done()
		s.closeConnection(websocket.StatusNormalClosure, "shutdown")
	}()

	for {
		_, raw, err := s.conn.Read(ctx)
		if err != nil {
			if !isExpectedCloseError(err) {
				slog.Warn("session RECV", "conn", s.ID, "error", err)
				s.stats.setLastError(err)
			}
			return
		}
		s.stats.onRecv(len(raw))

		msg, err := s.asm.Push(raw)
		if err != nil {
			slog.Warn("session RECV decode", "conn", s.ID, "error", err)
			s.stats.setLastError(err)
			continue
		}
		if msg == nil {
			continue
		}

		select {
		case <-s.closing:
			return
		case s.msgRx <- msg:
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		slog.Debug("session writer shutdown", "conn", s.ID)
		s.wg.Done()
		s.closeConnection(websocket.StatusNormalClosure, "shutdown")
	}()

	for {
		select {
		case <-s.closing:
			return

		case frame := <-s.msgTx:
			slog.Debug("session SEND", "conn", s.ID, "frame", wire.Describe(frame))
			if err := s.write(ctx, frame); err != nil {
				slog.Error("session SEND", "conn", s.ID, "error", err)
				s.stats.setLastError(err)
				return
			}

		case <-s.keepAlive.C:
			slog.Debug("session KEEPALIVE", "conn", s.ID)
			if err := s.write(ctx, wire.KeepAlive{}); err != nil {
				slog.Error("session KEEPALIVE", "conn", s.ID, "error", err)
				s.stats.setLastError(err)
				return
			}
			s.stats.onKeepAlive()
		}
	}
}

// write encodes and writes one frame, splitting it if needed, and restarts the idle timer.
func (s *Session) write(ctx context.Context, frame wire.Outbound) error {
	data, err := wire.Encode(frame)
	if err != nil {
		return err
	}

	pieces := wire.Split(data, s.maxFrame)
	for _, piece := range pieces {
		ctxWrite, cancel := context.WithTimeout(ctx, writeTimeout)
		err = s.conn.Write(ctxWrite, websocket.MessageText, piece)
		cancel()
		if err != nil {
			return err
		}
	}

	s.resetKeepAlive()
	for _, piece := range pieces {
		s.stats.onSend(len(piece))
	}
	return nil
}

func (s *Session) resetKeepAlive() {
	if !s.keepAlive.Stop() {
		select {
		case <-s.keepAlive.C:
		default:
		}
	}
	s.keepAlive.Reset(s.idle)
}

// isExpectedCloseError returns true if the error is an expected connection closure
func isExpectedCloseError(err error) bool {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return true
	}

	return errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed)
}
