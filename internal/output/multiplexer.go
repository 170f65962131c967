package output

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/ollamad/internal/state"
)

// MaxLineBytes is the longest line a reader forwards. Longer lines arrive as
// several consecutive chunks of at most MaxLineBytes.
const MaxLineBytes = 1 << 20

// scanLines is bufio.ScanLines that cuts a line once it exceeds MaxLineBytes.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if len(data) > MaxLineBytes && bytes.IndexByte(data[:MaxLineBytes+1], '\n') < 0 {
		return MaxLineBytes, data[:MaxLineBytes], nil
	}
	return bufio.ScanLines(data, atEOF)
}

// Sink receives tagged output lines.
type Sink interface {
	Append(origin state.Origin, text string) state.Line
}

// LineHook observes every forwarded line, e.g. to derive statistics.
type LineHook func(origin state.Origin, text string)

// Multiplexer drains a child's stdout and stderr into a Sink.
type Multiplexer struct {
	sink   Sink
	hook   LineHook
	tee    *Tee
	logger *slog.Logger
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

func WithHook(h LineHook) Option { return func(m *Multiplexer) { m.hook = h } }

// WithTee mirrors lines into rotating files.
func WithTee(t *Tee) Option { return func(m *Multiplexer) { m.tee = t } }

func WithLogger(l *slog.Logger) Option { return func(m *Multiplexer) { m.logger = l } }

func New(sink Sink, opts ...Option) *Multiplexer {
	m := &Multiplexer{sink: sink, logger: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Readers tracks the two reader goroutines of one attachment.
type Readers struct {
	wg   sync.WaitGroup
	done chan struct{}
}

// Done is closed when both readers have finished.
func (r *Readers) Done() <-chan struct{} { return r.done }

// Wait blocks until both readers finished or timeout elapsed (timeout <= 0 waits forever).
// It reports whether the readers finished.
func (r *Readers) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-r.done
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-r.done:
		return true
	case <-t.C:
		return false
	}
}

// Attach starts one reader per stream. Readers end at end-of-stream, on a read
// error, or when ctx is cancelled and the next line arrives; closing the
// underlying pipes unblocks them immediately.
func (m *Multiplexer) Attach(ctx context.Context, stdout, stderr io.Reader) *Readers {
	r := &Readers{done: make(chan struct{})}
	if stdout != nil {
		r.wg.Add(1)
		go m.read(ctx, &r.wg, stdout, state.OriginStdout)
	}
	if stderr != nil {
		r.wg.Add(1)
		go m.read(ctx, &r.wg, stderr, state.OriginStderr)
	}
	go func() {
		r.wg.Wait()
		close(r.done)
	}()
	return r
}

func (m *Multiplexer) read(ctx context.Context, wg *sync.WaitGroup, src io.Reader, origin state.Origin) {
	defer wg.Done()
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), 2*MaxLineBytes)
	sc.Split(scanLines)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		m.forward(origin, sc.Text())
	}
	if err := sc.Err(); err != nil && !isClosedErr(err) && ctx.Err() == nil {
		m.logger.Warn("output reader failed", "stream", string(origin), "error", err)
		m.sink.Append(state.OriginSystem, "error reading "+string(origin)+": "+err.Error())
	}
}

func (m *Multiplexer) forward(origin state.Origin, text string) {
	m.sink.Append(origin, text)
	if m.tee != nil {
		m.tee.Write(origin, text)
	}
	if m.hook != nil {
		m.hook(origin, text)
	}
}

// isClosedErr reports errors caused by the pipe being closed under the reader.
func isClosedErr(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, fs.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
