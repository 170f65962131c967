package state

import (
	"fmt"
	"time"
)

// Phase is the supervisor lifecycle phase.
type Phase int32

const (
	PhaseStopped Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseStopping
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseStopped:
		return "stopped"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stopped":
		*p = PhaseStopped
	case "starting":
		*p = PhaseStarting
	case "running":
		*p = PhaseRunning
	case "stopping":
		*p = PhaseStopping
	case "failed":
		*p = PhaseFailed
	default:
		return fmt.Errorf("unknown phase %q", string(b))
	}
	return nil
}

// Status is the current supervisor state. Reason is only set for PhaseFailed.
type Status struct {
	Phase  Phase  `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

func Stopped() Status  { return Status{Phase: PhaseStopped} }
func Starting() Status { return Status{Phase: PhaseStarting} }
func Running() Status  { return Status{Phase: PhaseRunning} }
func Stopping() Status { return Status{Phase: PhaseStopping} }

func Failed(reason string) Status { return Status{Phase: PhaseFailed, Reason: reason} }

func (s Status) String() string {
	if s.Phase == PhaseFailed && s.Reason != "" {
		return s.Phase.String() + ": " + s.Reason
	}
	return s.Phase.String()
}

// Origin tags where a log line came from.
type Origin string

const (
	OriginStdout Origin = "stdout"
	OriginStderr Origin = "stderr"
	OriginSystem Origin = "system"
	OriginError  Origin = "error"
)

// Line is one entry of the output log.
type Line struct {
	Seq    uint64    `json:"seq"`
	Origin Origin    `json:"origin"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
}

// Unavailable marks a resource reading that could not be taken.
const Unavailable = -1

// ResourceStats is an immutable point-in-time resource snapshot.
// Byte counts and ProcessCPUPercent hold Unavailable when the reading failed.
type ResourceStats struct {
	SystemMemoryUsed  int64     `json:"system_memory_used"`
	SystemSwapUsed    int64     `json:"system_swap_used"`
	ProcessCPUPercent float64   `json:"process_cpu_percent"`
	ProcessMemoryUsed int64     `json:"process_memory_used"`
	StorageUsed       int64     `json:"storage_used"`
	TokensGenerated   int64     `json:"tokens_generated"`
	ActiveConnections int       `json:"active_connections"`
	CurrentModel      string    `json:"current_model,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// EmptyStats returns a snapshot where every reading is unavailable.
func EmptyStats() ResourceStats {
	return ResourceStats{
		SystemMemoryUsed:  Unavailable,
		SystemSwapUsed:    Unavailable,
		ProcessCPUPercent: Unavailable,
		ProcessMemoryUsed: Unavailable,
		StorageUsed:       Unavailable,
		ActiveConnections: Unavailable,
	}
}

func (s ResourceStats) CPUAvailable() bool { return s.ProcessCPUPercent >= 0 }
