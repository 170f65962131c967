package process

import "time"

// Status is a point-in-time view of a Handle.
type Status struct {
	Name       string    `json:"name"`
	RunID      string    `json:"run_id"`
	Generation uint64    `json:"generation"`
	Running    bool      `json:"running"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at"`
	ExitErr    error     `json:"-"`
}

// ExitError renders ExitErr for serialization.
func (s Status) ExitError() string {
	if s.ExitErr == nil {
		return ""
	}
	return s.ExitErr.Error()
}
