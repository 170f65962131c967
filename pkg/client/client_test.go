package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/ollamad"
	"github.com/loykin/ollamad/internal/install"
	"github.com/loykin/ollamad/internal/server"
)

const fakeServer = `#!/bin/sh
echo "Listening on $3:$5" >&2
while read line; do
  echo "got $line"
done
`

func newDaemonClient(t *testing.T) *Client {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-ollama")
	require.NoError(t, os.WriteFile(bin, []byte(fakeServer), 0o755))

	d, err := ollamad.New(nil,
		ollamad.WithModelDir(install.StaticModelDir{Path: filepath.Join(dir, "models"), Create: true}),
		ollamad.WithBinary(install.PathBinary{Path: bin}),
		ollamad.WithHistorySinks(),
	)
	require.NoError(t, err)
	srv := httptest.NewServer(server.NewRouter(d, "/api").Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return New(Config{BaseURL: srv.URL + "/api", Timeout: 15 * time.Second})
}

func waitLog(t *testing.T, c *Client, text string) {
	t.Helper()
	require.Eventually(t, func() bool {
		lr, err := c.Log(context.Background(), 0, 0)
		if err != nil {
			return false
		}
		for _, l := range lr.Lines {
			if strings.Contains(l.Text, text) {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "log never contained %q", text)
}

func TestLifecycleThroughAPI(t *testing.T) {
	c := newDaemonClient(t)
	ctx := context.Background()
	require.True(t, c.IsReachable(ctx))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stopped", st.Status.Phase)

	require.NoError(t, c.Start(ctx))
	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "running", st.Status.Phase)
	assert.True(t, st.Running)
	assert.Positive(t, st.Info.PID)
	assert.NotEmpty(t, st.Info.RunID)

	waitLog(t, c, "Listening on 127.0.0.1:11434")
	require.NoError(t, c.Input(ctx, "hello"))
	waitLog(t, c, "got hello")

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.TokensGenerated, int64(0))

	require.NoError(t, c.ClearLog(ctx))
	lr, err := c.Log(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, lr.Lines)

	require.NoError(t, c.Stop(ctx))
	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stopped", st.Status.Phase)

	err = c.Input(ctx, "late")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.True(t, apiErr.NoProcess())
	assert.Equal(t, "no_process", apiErr.Kind)
	waitLog(t, c, "command failed")

	sched, err := c.Schedule(ctx)
	require.NoError(t, err)
	assert.Nil(t, sched.Next)
	assert.Empty(t, sched.Runs)
}

func TestEventsFollowStatus(t *testing.T) {
	c := newDaemonClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	started := make(chan error, 1)
	var seen []string
	err := c.Events(ctx, true, func(ev Event) bool {
		if ev.Name == "status" {
			seen = append(seen, string(ev.Data))
			if len(seen) == 1 {
				go func() { started <- c.Start(context.Background()) }()
			}
			return !strings.Contains(string(ev.Data), `"running"`)
		}
		return true
	})
	require.NoError(t, err)
	require.NoError(t, <-started)
	require.GreaterOrEqual(t, len(seen), 3)
	assert.Contains(t, seen[0], `"stopped"`)
	assert.Contains(t, seen[1], `"starting"`)
	assert.Contains(t, seen[len(seen)-1], `"running"`)
}

func TestReadEvents(t *testing.T) {
	stream := ": keep-alive\n\n" +
		"event:line\ndata:{\"text\":\"a\"}\n\n" +
		"event: status\ndata: {\"phase\":\"running\"}\n\n" +
		"data:first\ndata:second\n\n" +
		"event:stats\ndata:{}\n\n"
	var got []Event
	err := readEvents(strings.NewReader(stream), func(ev Event) bool {
		got = append(got, ev)
		return len(got) < 3
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "line", got[0].Name)
	assert.JSONEq(t, `{"text":"a"}`, string(got[0].Data))
	assert.Equal(t, "status", got[1].Name)
	assert.Equal(t, "", got[2].Name)
	assert.Equal(t, "first\nsecond", string(got[2].Data))
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/restart":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"spawn ollama: not found","kind":"spawn"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL + "/api/"})

	err := c.Restart(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "spawn", apiErr.Kind)
	assert.Contains(t, err.Error(), "spawn ollama: not found")
	assert.False(t, apiErr.NoProcess())

	_, err = c.Stats(context.Background())
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "HTTP 502", apiErr.Error())
	assert.False(t, c.IsReachable(context.Background()))
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c := New(Config{BaseURL: url, Timeout: time.Second})
	assert.False(t, c.IsReachable(context.Background()))
	assert.Error(t, c.Start(context.Background()))
}

func TestTokenHeader(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") != "Bearer abc" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication required","kind":"auth"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	require.NoError(t, New(Config{BaseURL: srv.URL, Token: "abc"}).Start(context.Background()))

	err := New(Config{BaseURL: srv.URL}).Start(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Unauthorized())
	assert.Equal(t, "auth", apiErr.Kind)
	assert.Equal(t, []string{"Bearer abc", ""}, got)
}
