package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"

	"github.com/loykin/ollamad/internal/auth"
	"github.com/loykin/ollamad/internal/schedule"
	"github.com/loykin/ollamad/internal/state"
	"github.com/loykin/ollamad/internal/supervisor"
)

// Backend is the daemon surface the API serves.
type Backend interface {
	Status() state.Status
	Stats() state.ResourceStats
	Info() supervisor.Info
	LogSince(after uint64, limit int) []state.Line
	StatsHistory(n int) []state.ResourceStats
	Subscribe(h state.Handlers) *state.Subscription
	SubscribeWithHistory(h state.Handlers) *state.Subscription
	IssueStart(ctx context.Context) error
	IssueStop(ctx context.Context) error
	IssueRestart(ctx context.Context) error
	IssueInput(ctx context.Context, text string) error
	ClearLog()
	NextScheduledRestart() time.Time
	ScheduledRuns() []schedule.Run
}

// Router provides embeddable HTTP handlers for controlling and observing the server.
// Endpoints:
//
//	GET    {basePath}/status          status, process info and next scheduled restart
//	GET    {basePath}/log             query: since=SEQ&limit=N (newest N lines after SEQ)
//	DELETE {basePath}/log             clear the log (status and stats are kept)
//	GET    {basePath}/stats           latest resource snapshot
//	GET    {basePath}/stats/history   query: n=N
//	GET    {basePath}/schedule        next restart and recent scheduled runs
//	GET    {basePath}/events          Server-Sent Events: line, status, stats, clear; query: replay=0
//	POST   {basePath}/start
//	POST   {basePath}/stop
//	POST   {basePath}/restart
//	POST   {basePath}/input           body: {"text": "..."}
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	backend  Backend
	basePath string
	auth     *auth.Middleware
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(b Backend, basePath string) *Router {
	return &Router{backend: b, basePath: sanitizeBase(basePath)}
}

// WithAuth requires every request to pass m.
func (r *Router) WithAuth(m *auth.Middleware) *Router {
	r.auth = m
	return r
}

// BasePath returns the sanitized mount prefix.
func (r *Router) BasePath() string { return r.basePath }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	if r.auth != nil {
		group.Use(r.auth.GinAuth())
	}
	group.GET("/status", r.handleStatus)
	group.GET("/log", r.handleLog)
	group.DELETE("/log", r.handleClear)
	group.GET("/stats", r.handleStats)
	group.GET("/stats/history", r.handleStatsHistory)
	group.GET("/schedule", r.handleSchedule)
	group.GET("/events", r.handleEvents)
	group.POST("/start", r.lifecycle(r.backend.IssueStart))
	group.POST("/stop", r.lifecycle(r.backend.IssueStop))
	group.POST("/restart", r.lifecycle(r.backend.IssueRestart))
	group.POST("/input", r.handleInput)
	return g
}

// MountEcho registers the API on an echo instance under the router's base path.
func (r *Router) MountEcho(e *echo.Echo) {
	h := echo.WrapHandler(r.Handler())
	base := r.basePath
	if base == "" {
		e.Any("/*", h)
		return
	}
	e.Any(base, h)
	e.Any(base+"/*", h)
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down with http.Server's Shutdown or Close.
func NewServer(addr, basePath string, b Backend) (*http.Server, error) {
	r := NewRouter(b, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no WriteTimeout: /events streams and /restart waits for the stop grace
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// StatusResp is the body of GET /status.
type StatusResp struct {
	Status      state.Status    `json:"status"`
	Running     bool            `json:"running"`
	Info        supervisor.Info `json:"info"`
	NextRestart *time.Time      `json:"next_scheduled_restart,omitempty"`
}

// LogResp is the body of GET /log. Next is the cursor for the following poll.
type LogResp struct {
	Lines []state.Line `json:"lines"`
	Next  uint64       `json:"next"`
}

// ScheduleResp is the body of GET /schedule.
type ScheduleResp struct {
	Next *time.Time     `json:"next,omitempty"`
	Runs []schedule.Run `json:"runs"`
}

// InputReq is the body of POST /input.
type InputReq struct {
	Text string `json:"text"`
}

func (r *Router) handleStatus(c *gin.Context) {
	st := r.backend.Status()
	resp := StatusResp{
		Status:  st,
		Running: st.Phase == state.PhaseRunning,
		Info:    r.backend.Info(),
	}
	if next := r.backend.NextScheduledRestart(); !next.IsZero() {
		resp.NextRestart = &next
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleLog(c *gin.Context) {
	since, err := queryUint(c, "since")
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid since: " + err.Error()})
		return
	}
	limit, err := queryUint(c, "limit")
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit: " + err.Error()})
		return
	}
	lines := r.backend.LogSince(since, int(limit))
	next := since
	if n := len(lines); n > 0 {
		next = lines[n-1].Seq
	}
	if lines == nil {
		lines = []state.Line{}
	}
	writeJSON(c, http.StatusOK, LogResp{Lines: lines, Next: next})
}

func (r *Router) handleClear(c *gin.Context) {
	r.backend.ClearLog()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStats(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.backend.Stats())
}

func (r *Router) handleStatsHistory(c *gin.Context) {
	n, err := queryUint(c, "n")
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid n: " + err.Error()})
		return
	}
	samples := r.backend.StatsHistory(int(n))
	if samples == nil {
		samples = []state.ResourceStats{}
	}
	writeJSON(c, http.StatusOK, samples)
}

func (r *Router) handleSchedule(c *gin.Context) {
	resp := ScheduleResp{Runs: r.backend.ScheduledRuns()}
	if resp.Runs == nil {
		resp.Runs = []schedule.Run{}
	}
	if next := r.backend.NextScheduledRestart(); !next.IsZero() {
		resp.Next = &next
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) lifecycle(op func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := op(c.Request.Context()); err != nil {
			writeError(c, err)
			return
		}
		writeJSON(c, http.StatusOK, okResp{OK: true})
	}
}

func (r *Router) handleInput(c *gin.Context) {
	var req InputReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeInput(req.Text) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "text must be a single non-empty line of printable characters"})
		return
	}
	if err := r.backend.IssueInput(c.Request.Context(), req.Text); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, supervisor.ErrNoProcess):
		code = http.StatusConflict
	case errors.Is(err, supervisor.ErrShuttingDown):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	case supervisor.Kind(err) == "config":
		code = http.StatusBadRequest
	}
	writeJSON(c, code, errorResp{Error: err.Error(), Kind: supervisor.Kind(err)})
}

func queryUint(c *gin.Context, key string) (uint64, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}
