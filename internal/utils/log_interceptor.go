// Package utils holds the CLI's logging plumbing and small filesystem helpers.
package utils

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// LogInterceptor prefixes every complete line written to it with a sequence number and a
// timestamp before passing it to the target. A trailing partial line is held until the next
// newline or Close.
type LogInterceptor struct {
	mu      sync.Mutex
	target  io.Writer
	clock   clock.Clock
	seq     uint64
	pending bytes.Buffer
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return NewLogInterceptorWithClock(target, clock.New())
}

func NewLogInterceptorWithClock(target io.Writer, clk clock.Clock) *LogInterceptor {
	return &LogInterceptor{target: target, clock: clk}
}

// Write always reports len(p) unless the target fails.
func (i *LogInterceptor) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.pending.Write(p)
	for {
		idx := bytes.IndexByte(i.pending.Bytes(), '\n')
		if idx < 0 {
			return len(p), nil
		}
		line := bytes.TrimSuffix(i.pending.Next(idx+1)[:idx], []byte("\r"))
		if err := i.writeLine(line); err != nil {
			return 0, err
		}
	}
}

func (i *LogInterceptor) writeLine(line []byte) error {
	i.seq++
	prefix := slog.Uint64("line", i.seq).String() + " " +
		slog.String("time", i.clock.Now().Format(time.RFC3339)).String() + " "

	buf := make([]byte, 0, len(prefix)+len(line)+1)
	buf = append(buf, prefix...)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := i.target.Write(buf)
	return err
}

// Close writes out a held partial line.
func (i *LogInterceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.pending.Len() == 0 {
		return nil
	}
	line := bytes.Clone(i.pending.Bytes())
	i.pending.Reset()
	return i.writeLine(line)
}
