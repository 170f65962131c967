package sampler

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/ollamad/internal/state"
)

// Target identifies what a Sampler measures.
type Target struct {
	PID         int
	Port        int    // server port for connection counting; 0 disables
	StoragePath string // filesystem to report; empty disables
	APIBase     string // server base URL for the current model; empty disables
}

// Sampler produces ResourceStats for one target. CPU usage is a delta
// between consecutive samples, so the first sample reports it unavailable.
// A Sampler is not safe for concurrent Sample calls; Loop serializes them.
type Sampler struct {
	src    Source
	target Target
	tokens func() int64
	logger *slog.Logger
	now    func() time.Time

	havePrev  bool
	prevProc  float64
	prevTotal float64
}

// New creates a sampler. tokens may be nil.
func New(src Source, target Target, tokens func() int64, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{src: src, target: target, tokens: tokens, logger: logger, now: time.Now}
}

// Sample takes one snapshot. Failed readings become state.Unavailable.
func (s *Sampler) Sample(ctx context.Context) state.ResourceStats {
	st := state.EmptyStats()
	st.Timestamp = s.now()
	pid := int32(s.target.PID)

	if v, err := s.src.MemoryUsed(ctx); err == nil {
		st.SystemMemoryUsed = int64(v)
	} else {
		s.debug("memory", err)
	}
	if v, err := s.src.SwapUsed(ctx); err == nil {
		st.SystemSwapUsed = int64(v)
	} else {
		s.debug("swap", err)
	}
	st.ProcessCPUPercent = s.cpuPercent(ctx, pid)
	if pid > 0 {
		if v, err := s.src.ProcessRSS(ctx, pid); err == nil {
			st.ProcessMemoryUsed = int64(v)
		} else {
			s.debug("rss", err)
		}
	}
	if s.target.StoragePath != "" {
		if v, err := s.src.StorageUsed(ctx, s.target.StoragePath); err == nil {
			st.StorageUsed = int64(v)
		} else {
			s.debug("storage", err)
		}
	}
	if pid > 0 && s.target.Port > 0 {
		if n, err := s.src.Connections(ctx, pid, uint32(s.target.Port)); err == nil {
			st.ActiveConnections = n
		} else {
			s.debug("connections", err)
		}
	}
	if s.target.APIBase != "" {
		if m, err := s.src.CurrentModel(ctx, s.target.APIBase); err == nil {
			st.CurrentModel = m
		} else {
			s.debug("model", err)
		}
	}
	if s.tokens != nil {
		st.TokensGenerated = s.tokens()
	}
	return st
}

func (s *Sampler) cpuPercent(ctx context.Context, pid int32) float64 {
	if pid <= 0 {
		return state.Unavailable
	}
	proc, err := s.src.ProcessCPUTime(ctx, pid)
	if err != nil {
		s.debug("process cpu", err)
		s.havePrev = false
		return state.Unavailable
	}
	total, err := s.src.TotalCPUTime(ctx)
	if err != nil {
		s.debug("total cpu", err)
		s.havePrev = false
		return state.Unavailable
	}
	prevProc, prevTotal, had := s.prevProc, s.prevTotal, s.havePrev
	s.prevProc, s.prevTotal, s.havePrev = proc, total, true
	if !had {
		return state.Unavailable
	}
	dTotal := total - prevTotal
	dProc := proc - prevProc
	if dTotal <= 0 || dProc < 0 {
		return 0
	}
	pct := dProc / dTotal * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (s *Sampler) debug(reading string, err error) {
	s.logger.Debug("resource reading unavailable", "reading", reading, "pid", s.target.PID, "error", err)
}
