package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SampleExporter forwards at most one resource sample per interval to a sink.
type SampleExporter struct {
	sink    Sink
	name    string
	every   time.Duration
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	last time.Time
}

// NewSampleExporter returns nil when every is not positive or there is no sink,
// which disables export.
func NewSampleExporter(sink Sink, name string, every time.Duration, logger *slog.Logger) *SampleExporter {
	if every <= 0 || sink == nil {
		return nil
	}
	if f, ok := sink.(Fanout); ok && len(f) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SampleExporter{sink: sink, name: name, every: every, timeout: 5 * time.Second, logger: logger}
}

// Offer sends s when the previous export is at least one interval older than at.
// It reports whether the sample was sent. A nil exporter drops everything.
func (x *SampleExporter) Offer(at time.Time, s Sample) bool {
	if x == nil {
		return false
	}
	x.mu.Lock()
	if !x.last.IsZero() && at.Sub(x.last) < x.every {
		x.mu.Unlock()
		return false
	}
	x.last = at
	x.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), x.timeout)
	defer cancel()
	ev := Event{
		Type:       EventSample,
		OccurredAt: at.UTC(),
		Record:     Record{Name: x.name},
		Sample:     &s,
	}
	if err := x.sink.Send(ctx, ev); err != nil {
		x.logger.Warn("history sample export failed", "error", err)
	}
	return true
}
