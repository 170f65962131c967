package state

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultMaxPending bounds each subscriber mailbox.
const DefaultMaxPending = 4096

// Handlers receive repository changes. Nil fields are skipped.
// All callbacks of one subscription run on the same goroutine, in emission order.
type Handlers struct {
	OnLine   func(Line)
	OnStatus func(Status)
	OnStats  func(ResourceStats)
	OnClear  func()
}

type eventKind int

const (
	eventLine eventKind = iota
	eventStatus
	eventStats
	eventClear
)

type event struct {
	kind   eventKind
	line   Line
	status Status
	stats  ResourceStats
}

type subscriber struct {
	id         uint64
	h          Handlers
	maxPending int

	mu      sync.Mutex
	queue   []event
	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func newSubscriber(id uint64, h Handlers, maxPending int) *subscriber {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &subscriber{
		id:         id,
		h:          h,
		maxPending: maxPending,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// push never blocks; when the mailbox is full the oldest pending event is dropped.
func (s *subscriber) push(ev event) {
	s.mu.Lock()
	if len(s.queue) >= s.maxPending {
		s.queue = s.queue[1:]
		s.dropped.Add(1)
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				select {
				case <-s.done:
					return
				default:
				}
				s.deliver(ev)
			}
		}
	}
}

func (s *subscriber) deliver(ev event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("subscriber callback panicked", "subscriber", s.id, "panic", fmt.Sprint(r))
		}
	}()
	switch ev.kind {
	case eventLine:
		if s.h.OnLine != nil {
			s.h.OnLine(ev.line)
		}
	case eventStatus:
		if s.h.OnStatus != nil {
			s.h.OnStatus(ev.status)
		}
	case eventStats:
		if s.h.OnStats != nil {
			s.h.OnStats(ev.stats)
		}
	case eventClear:
		if s.h.OnClear != nil {
			s.h.OnClear()
		}
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Subscription is returned by Subscribe. Close stops further deliveries.
type Subscription struct {
	repo *Repository
	sub  *subscriber
}

// Close unregisters the subscription. Safe to call from inside a callback.
func (s *Subscription) Close() {
	if s == nil || s.sub == nil {
		return
	}
	s.repo.unsubscribe(s.sub.id)
	s.sub.close()
}

// Done is closed once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.sub.stopped }

// Dropped reports how many events were discarded because the subscriber fell behind.
func (s *Subscription) Dropped() uint64 { return s.sub.dropped.Load() }
