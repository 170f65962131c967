package opensearch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/loykin/ollamad/internal/history"
)

type captured struct {
	method, path, user, pass string
	body                     []byte
}

func captureServer(t *testing.T, status int) (*httptest.Server, func() []captured) {
	t.Helper()
	var mu sync.Mutex
	var got []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		user, pass, _ := r.BasicAuth()
		mu.Lock()
		got = append(got, captured{r.Method, r.URL.Path, user, pass, body})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), got...)
	}
}

func TestOpenSearchSink_Send(t *testing.T) {
	srv, got := captureServer(t, http.StatusCreated)
	sink := New(srv.URL, "ollamad")

	at := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	ev := history.Event{
		Type:       history.EventStart,
		OccurredAt: at,
		Record:     history.Record{Name: "ollama", RunID: "run-1", PID: 12345, Phase: "running"},
	}
	require.NoError(t, sink.Send(context.Background(), ev))

	reqs := got()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].method)
	assert.Equal(t, "/ollamad/_doc", reqs[0].path)
	body := gjson.ParseBytes(reqs[0].body)
	assert.Equal(t, "start", body.Get("type").String())
	assert.Equal(t, "2026-05-06T07:08:09Z", body.Get("@timestamp").String())
	assert.Equal(t, int64(12345), body.Get("record.pid").Int())
	assert.Equal(t, "run-1", body.Get("record.run_id").String())
	assert.False(t, body.Get("sample").Exists())
}

func TestOpenSearchSink_SampleIndex(t *testing.T) {
	srv, got := captureServer(t, http.StatusCreated)
	sink := New(srv.URL+"/", "ollamad").WithBasicAuth("admin", "pw")

	ev := history.Event{
		Type:       history.EventSample,
		OccurredAt: time.Now(),
		Record:     history.Record{Name: "ollama"},
		Sample:     &history.Sample{ProcessCPUPercent: 3.5, TokensGenerated: 77, Model: "llama3"},
	}
	require.NoError(t, sink.Send(context.Background(), ev))

	reqs := got()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/ollamad-samples/_doc", reqs[0].path)
	assert.Equal(t, "admin", reqs[0].user)
	assert.Equal(t, "pw", reqs[0].pass)
	body := gjson.ParseBytes(reqs[0].body)
	assert.Equal(t, "ollama", body.Get("name").String())
	assert.Equal(t, int64(77), body.Get("sample.tokens_generated").Int())
	assert.Equal(t, "llama3", body.Get("sample.model").String())
	assert.False(t, body.Get("record").Exists())
}

func TestOpenSearchSink_SendError(t *testing.T) {
	srv, _ := captureServer(t, http.StatusBadRequest)
	sink := New(srv.URL, "ollamad")
	err := sink.Send(context.Background(), history.Event{Type: history.EventExit, OccurredAt: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opensearch sink status 400")
}
