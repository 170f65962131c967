// Package history exports server lifecycle events and resource samples to
// external stores.
package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart  EventType = "start"
	EventStop   EventType = "stop"
	EventExit   EventType = "exit"
	EventFailed EventType = "failed"
	EventSample EventType = "sample"
)

// Record describes one server run at the time of the event.
type Record struct {
	Name      string    `json:"name"`
	RunID     string    `json:"run_id,omitempty"`
	PID       int       `json:"pid"`
	Phase     string    `json:"phase"`
	Reason    string    `json:"reason,omitempty"`
	Command   string    `json:"command,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
}

// Sample is one resource reading. Negative values mean unavailable.
type Sample struct {
	SystemMemoryUsed  int64   `json:"system_memory_used"`
	SystemSwapUsed    int64   `json:"system_swap_used"`
	ProcessCPUPercent float64 `json:"process_cpu_percent"`
	ProcessMemoryUsed int64   `json:"process_memory_used"`
	StorageUsed       int64   `json:"storage_used"`
	TokensGenerated   int64   `json:"tokens_generated"`
	ActiveConnections int     `json:"active_connections"`
	Model             string  `json:"model,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
// Sample is set only for EventSample.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
	Sample     *Sample   `json:"sample,omitempty"`
}

// IsSample reports whether e carries a resource reading.
func (e Event) IsSample() bool { return e.Type == EventSample && e.Sample != nil }

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout sends every event to all of its sinks and joins their errors.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that supports it.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// NullTime maps the zero time to NULL for SQL sinks.
func NullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// NullFloat maps unavailable (negative) readings to NULL for SQL sinks.
func NullFloat(v float64) any {
	if v < 0 {
		return nil
	}
	return v
}

// NullInt maps unavailable (negative) readings to NULL for SQL sinks.
func NullInt(v int64) any {
	if v < 0 {
		return nil
	}
	return v
}

// NullString maps "" to NULL for SQL sinks.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
