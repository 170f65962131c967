package client

import "time"

// Status mirrors the supervisor status.
type Status struct {
	Phase  string `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

// ProcessInfo describes the current server process.
type ProcessInfo struct {
	Status     Status    `json:"status"`
	Running    bool      `json:"running"`
	PID        int       `json:"pid,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	Generation uint64    `json:"generation,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	Command    string    `json:"command,omitempty"`
	Restarts   uint32    `json:"restarts"`
	Address    string    `json:"address"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Status      Status      `json:"status"`
	Running     bool        `json:"running"`
	Info        ProcessInfo `json:"info"`
	NextRestart *time.Time  `json:"next_scheduled_restart,omitempty"`
}

// Line is one captured output or system line.
type Line struct {
	Seq    uint64    `json:"seq"`
	Origin string    `json:"origin"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
}

// LogResponse is returned by GET /log.
type LogResponse struct {
	Lines []Line `json:"lines"`
	Next  uint64 `json:"next"`
}

// Stats is a resource snapshot. Negative readings are unavailable.
type Stats struct {
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

// ScheduledRun records one scheduled restart.
type ScheduledRun struct {
	At     time.Time `json:"at"`
	Result string    `json:"result"`
	Error  string    `json:"error,omitempty"`
}

// ScheduleResponse is returned by GET /schedule.
type ScheduleResponse struct {
	Next *time.Time     `json:"next,omitempty"`
	Runs []ScheduledRun `json:"runs"`
}

// InputRequest is the body of POST /input.
type InputRequest struct {
	Text string `json:"text"`
}

// Event is one Server-Sent Event from /events. Data is the raw JSON payload.
type Event struct {
	Name string
	Data []byte
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
