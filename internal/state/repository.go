package state

import (
	"sync"
	"sync/atomic"
	"time"
)

// Repository holds the observable supervisor state: output log, status and
// the latest resource snapshot. All methods are safe for concurrent use.
//
// Events are fanned out to subscribers while the write lock is held, so every
// subscriber observes changes in the same order as the log sequence numbers.
type Repository struct {
	mu       sync.RWMutex
	buf      []Line
	head     int
	n        int
	capacity int
	nextSeq  uint64

	status Status
	stats  ResourceStats
	tokens atomic.Int64

	subs       map[uint64]*subscriber
	nextSubID  uint64
	maxPending int
	closed     bool

	now func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithCapacity caps the output log; the oldest lines are evicted first. Zero means unbounded.
func WithCapacity(n int) Option {
	return func(r *Repository) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithMaxPending sets the per-subscriber mailbox size.
func WithMaxPending(n int) Option {
	return func(r *Repository) { r.maxPending = n }
}

func New(opts ...Option) *Repository {
	r := &Repository{
		status:     Stopped(),
		stats:      EmptyStats(),
		subs:       make(map[uint64]*subscriber),
		maxPending: DefaultMaxPending,
		nextSeq:    1,
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.capacity > 0 {
		r.buf = make([]Line, r.capacity)
	}
	return r
}

// Append adds a line to the log and notifies subscribers.
func (r *Repository) Append(origin Origin, text string) Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	ln := Line{Seq: r.nextSeq, Origin: origin, Text: text, Time: r.now()}
	r.nextSeq++
	if r.capacity > 0 {
		idx := (r.head + r.n) % r.capacity
		r.buf[idx] = ln
		if r.n < r.capacity {
			r.n++
		} else {
			r.head = (r.head + 1) % r.capacity
		}
	} else {
		r.buf = append(r.buf, ln)
		r.n++
	}
	r.broadcastLocked(event{kind: eventLine, line: ln})
	return ln
}

// Log returns a copy of the current log in order.
func (r *Repository) Log() []Line {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sliceLocked(0)
}

// LogSince returns lines with Seq > after, at most limit lines (0 = no limit).
func (r *Repository) LogSince(after uint64, limit int) []Line {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.sliceLocked(after)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (r *Repository) sliceLocked(after uint64) []Line {
	out := make([]Line, 0, r.n)
	for i := 0; i < r.n; i++ {
		var ln Line
		if r.capacity > 0 {
			ln = r.buf[(r.head+i)%r.capacity]
		} else {
			ln = r.buf[i]
		}
		if ln.Seq > after {
			out = append(out, ln)
		}
	}
	return out
}

// Len reports the number of retained lines.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}

// Clear empties the log. Status and stats are untouched; sequence numbers keep increasing.
func (r *Repository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capacity > 0 {
		r.buf = make([]Line, r.capacity)
	} else {
		r.buf = nil
	}
	r.head, r.n = 0, 0
	r.broadcastLocked(event{kind: eventClear})
}

func (r *Repository) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Running mirrors Status().Phase == PhaseRunning.
func (r *Repository) Running() bool {
	return r.Status().Phase == PhaseRunning
}

// SetStatus replaces the status and notifies subscribers when it changed.
func (r *Repository) SetStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == s {
		return
	}
	r.status = s
	r.broadcastLocked(event{kind: eventStatus, status: s})
}

func (r *Repository) Stats() ResourceStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// SetStats replaces the resource snapshot wholesale.
func (r *Repository) SetStats(s ResourceStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = s
	r.broadcastLocked(event{kind: eventStats, stats: s})
}

// AddTokens increments the generated-token counter and returns the new total.
func (r *Repository) AddTokens(n int64) int64 {
	if n <= 0 {
		return r.tokens.Load()
	}
	return r.tokens.Add(n)
}

func (r *Repository) Tokens() int64 { return r.tokens.Load() }

// Subscribe registers handlers for future events.
func (r *Repository) Subscribe(h Handlers) *Subscription {
	return r.subscribe(h, false)
}

// SubscribeWithHistory registers handlers and first replays the retained log,
// the current status and the latest stats.
func (r *Repository) SubscribeWithHistory(h Handlers) *Subscription {
	return r.subscribe(h, true)
}

func (r *Repository) subscribe(h Handlers, replay bool) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSubID++
	s := newSubscriber(r.nextSubID, h, r.maxPending)
	if r.closed {
		s.close()
		close(s.stopped)
		return &Subscription{repo: r, sub: s}
	}
	if replay {
		// replay must fit the mailbox regardless of maxPending
		if r.n+2 > s.maxPending {
			s.maxPending = r.n + 2
		}
		for _, ln := range r.sliceLocked(0) {
			s.push(event{kind: eventLine, line: ln})
		}
		s.push(event{kind: eventStatus, status: r.status})
		s.push(event{kind: eventStats, stats: r.stats})
	}
	r.subs[s.id] = s
	go s.run()
	return &Subscription{repo: r, sub: s}
}

func (r *Repository) unsubscribe(id uint64) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

func (r *Repository) broadcastLocked(ev event) {
	for _, s := range r.subs {
		s.push(ev)
	}
}

// Close stops every subscriber. Later subscriptions are inert.
func (r *Repository) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[uint64]*subscriber)
	r.closed = true
	r.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}
