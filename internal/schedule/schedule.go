// Package schedule runs maintenance restarts of the server on a cron schedule.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/ollamad/internal/metrics"
)

// Target is what a scheduled restart acts on.
type Target interface {
	Restart(ctx context.Context) error
	Running() bool
}

// Spec configures a Scheduler.
type Spec struct {
	Name     string
	Schedule string        // standard 5-field cron expression or descriptor such as @daily
	TimeZone string        // IANA name; empty means local time
	Timeout  time.Duration // bound for one restart; 0 means one minute
	// RestartStopped also starts a server that is not running at the scheduled time.
	RestartStopped bool
}

// Run records one scheduled firing.
type Run struct {
	At     time.Time `json:"at"`
	Result string    `json:"result"`
	Error  string    `json:"error,omitempty"`
}

const maxRuns = 20

// Scheduler fires Target.Restart on Spec.Schedule. Firings never overlap.
type Scheduler struct {
	spec    Spec
	target  Target
	logger  *slog.Logger
	cron    *cron.Cron
	entryID cron.EntryID
	busy    atomic.Bool

	mu      sync.Mutex
	started bool
	runs    []Run
}

// Validate parses a schedule without creating a scheduler.
func Validate(expr string) error {
	if expr == "" {
		return errors.New("empty schedule")
	}
	_, err := cron.ParseStandard(expr)
	return err
}

// New creates a scheduler. Start must be called to begin firing.
func New(spec Spec, target Target, logger *slog.Logger) (*Scheduler, error) {
	if target == nil {
		return nil, errors.New("schedule target is nil")
	}
	if err := Validate(spec.Schedule); err != nil {
		return nil, fmt.Errorf("invalid restart schedule %q: %w", spec.Schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if spec.Timeout <= 0 {
		spec.Timeout = time.Minute
	}
	opts := []cron.Option{}
	if spec.TimeZone != "" {
		loc, err := time.LoadLocation(spec.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("invalid time zone %q: %w", spec.TimeZone, err)
		}
		opts = append(opts, cron.WithLocation(loc))
	}
	s := &Scheduler{
		spec:   spec,
		target: target,
		logger: logger.With("component", "schedule", "schedule", spec.Schedule),
		cron:   cron.New(opts...),
	}
	id, err := s.cron.AddFunc(spec.Schedule, s.Fire)
	if err != nil {
		return nil, err
	}
	s.entryID = id
	return s, nil
}

// Start begins scheduling.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.publishNext()
	s.logger.Info("restart schedule active", "next", s.Next())
}

// Stop halts scheduling and waits for a running firing to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

// Next returns the next firing time, zero when not started.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entryID).Next
}

// Runs returns recent firings, oldest first.
func (s *Scheduler) Runs() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Run(nil), s.runs...)
}

// Fire performs one scheduled restart now.
func (s *Scheduler) Fire() {
	if !s.busy.CompareAndSwap(false, true) {
		s.record(Run{At: time.Now(), Result: "skipped", Error: "previous restart still running"})
		return
	}
	defer s.busy.Store(false)
	defer s.publishNext()

	now := time.Now()
	if !s.spec.RestartStopped && !s.target.Running() {
		s.logger.Info("scheduled restart skipped; server not running")
		s.record(Run{At: now, Result: "skipped", Error: "server not running"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.spec.Timeout)
	defer cancel()
	if err := s.target.Restart(ctx); err != nil {
		s.logger.Error("scheduled restart failed", "error", err)
		s.record(Run{At: now, Result: "error", Error: err.Error()})
		return
	}
	s.logger.Info("scheduled restart done")
	s.record(Run{At: now, Result: "ok"})
}

func (s *Scheduler) record(r Run) {
	metrics.IncScheduledRestart(s.spec.Name, r.Result)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, r)
	if len(s.runs) > maxRuns {
		s.runs = s.runs[len(s.runs)-maxRuns:]
	}
}

func (s *Scheduler) publishNext() {
	if next := s.Next(); !next.IsZero() {
		metrics.SetNextScheduledRestart(s.spec.Name, float64(next.Unix()))
	}
}
