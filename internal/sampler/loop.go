package sampler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/ollamad/internal/state"
)

// DefaultInterval is the sampling period.
const DefaultInterval = 5 * time.Second

// Loop samples on a fixed interval until stopped. Ticks that arrive while a
// sample is still in flight are skipped.
type Loop struct {
	sampler  *Sampler
	interval time.Duration
	publish  func(state.ResourceStats)
	logger   *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	busy     atomic.Bool
	wg       sync.WaitGroup
	stopOnce sync.Once
	skipped  atomic.Uint64
}

// StartLoop takes a first sample immediately and then one per interval.
func StartLoop(parent context.Context, s *Sampler, interval time.Duration, publish func(state.ResourceStats), logger *slog.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	l := &Loop{
		sampler:  s,
		interval: interval,
		publish:  publish,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.wg.Done()
	l.tick()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Loop) tick() {
	if !l.busy.CompareAndSwap(false, true) {
		l.skipped.Add(1)
		l.logger.Debug("sample still in flight, skipping tick")
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.busy.Store(false)
		st := l.sampler.Sample(l.ctx)
		if l.ctx.Err() != nil {
			return
		}
		l.publish(st)
	}()
}

// Skipped reports how many ticks were dropped because a sample was in flight.
func (l *Loop) Skipped() uint64 { return l.skipped.Load() }

// Stop cancels the loop and waits for any in-flight sample to finish.
// No publish happens after Stop returns.
func (l *Loop) Stop() {
	l.stopOnce.Do(l.cancel)
	l.wg.Wait()
}
