package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/ollamad/internal/state"
)

// SSE event names.
const (
	EventLine   = "line"
	EventStatus = "status"
	EventStats  = "stats"
	EventClear  = "clear"
)

const keepAliveInterval = 15 * time.Second

type sseEvent struct {
	name string
	data any
}

// handleEvents streams repository changes as Server-Sent Events. With
// replay=0 only live changes are sent; otherwise the retained log, the
// current status and the latest stats come first.
func (r *Router) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	events := make(chan sseEvent, 256)
	push := func(ev sseEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	h := state.Handlers{
		OnLine:   func(l state.Line) { push(sseEvent{EventLine, l}) },
		OnStatus: func(s state.Status) { push(sseEvent{EventStatus, s}) },
		OnStats:  func(s state.ResourceStats) { push(sseEvent{EventStats, s}) },
		OnClear:  func() { push(sseEvent{EventClear, okResp{OK: true}}) },
	}
	var sub *state.Subscription
	if c.Query("replay") == "0" {
		sub = r.backend.Subscribe(h)
	} else {
		sub = r.backend.SubscribeWithHistory(h)
	}
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-events:
			c.SSEvent(ev.name, ev.data)
			return true
		case <-ticker.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			return true
		case <-sub.Done():
			return false
		case <-ctx.Done():
			return false
		}
	})
}
