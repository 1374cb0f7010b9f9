package transport

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Stats tracks websocket telemetry across reconnects. It is shared by every session an
// engine opens.
type Stats struct {
	clock          clock.Clock
	bytesSent      atomic.Int64
	bytesRecv      atomic.Int64
	framesSent     atomic.Int64
	framesRecv     atomic.Int64
	keepAlives     atomic.Int64
	lastSentNs     atomic.Int64
	lastRecvNs     atomic.Int64
	connectedAtNs  atomic.Int64
	disconnAtNs    atomic.Int64
	sessions       atomic.Int64
	lastErrorValue atomic.Value // string
}

func NewStats(clk clock.Clock) *Stats {
	if clk == nil {
		clk = clock.New()
	}
	s := &Stats{clock: clk}
	s.lastErrorValue.Store("")
	return s
}

func (s *Stats) now() int64 {
	return s.clock.Now().UnixNano()
}

func (s *Stats) onConnected() {
	s.connectedAtNs.Store(s.now())
	s.sessions.Add(1)
}

func (s *Stats) onDisconnected() {
	s.disconnAtNs.Store(s.now())
}

func (s *Stats) onSend(n int) {
	if n <= 0 {
		return
	}
	s.framesSent.Add(1)
	s.bytesSent.Add(int64(n))
	s.lastSentNs.Store(s.now())
}

func (s *Stats) onRecv(n int) {
	s.framesRecv.Add(1)
	s.bytesRecv.Add(int64(n))
	s.lastRecvNs.Store(s.now())
}

func (s *Stats) onKeepAlive() {
	s.keepAlives.Add(1)
}

func (s *Stats) setLastError(err error) {
	if err == nil {
		return
	}
	s.lastErrorValue.Store(err.Error())
}

// StatsSnapshot is a stable, JSON-friendly view of the transport state.
type StatsSnapshot struct {
	Sessions        int64     `json:"sessions"`
	BytesSentTotal  int64     `json:"bytes_sent_total"`
	BytesRecvTotal  int64     `json:"bytes_recv_total"`
	FramesSentTotal int64     `json:"frames_sent_total"`
	FramesRecvTotal int64     `json:"frames_recv_total"`
	KeepAlives      int64     `json:"keep_alives"`
	ConnectedAt     time.Time `json:"connected_at,omitempty"`
	DisconnectedAt  time.Time `json:"disconnected_at,omitempty"`
	LastSentAt      time.Time `json:"last_sent_at,omitempty"`
	LastRecvAt      time.Time `json:"last_recv_at,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	lastErr, _ := s.lastErrorValue.Load().(string)
	return StatsSnapshot{
		Sessions:        s.sessions.Load(),
		BytesSentTotal:  s.bytesSent.Load(),
		BytesRecvTotal:  s.bytesRecv.Load(),
		FramesSentTotal: s.framesSent.Load(),
		FramesRecvTotal: s.framesRecv.Load(),
		KeepAlives:      s.keepAlives.Load(),
		ConnectedAt:     fromNs(s.connectedAtNs.Load()),
		DisconnectedAt:  fromNs(s.disconnAtNs.Load()),
		LastSentAt:      fromNs(s.lastSentNs.Load()),
		LastRecvAt:      fromNs(s.lastRecvNs.Load()),
		LastError:       lastErr,
	}
}

func fromNs(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
