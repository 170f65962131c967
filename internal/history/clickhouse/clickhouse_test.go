package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/ollamad/internal/history"
)

// startClickHouse returns the native protocol address of a fresh server.
func startClickHouse(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("clickhouse container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	addr := startClickHouse(ctx, t)

	sink, err := New(Options{Addr: addr, Table: "ollamad_history"})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, sink.Close()) })

	now := time.Now().UTC()
	rec := history.Record{Name: "ollama", RunID: "run-7", PID: 12345, Phase: "running", StartedAt: now}
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: now, Record: rec}))
	rec.Phase, rec.StoppedAt, rec.Reason = "stopped", now.Add(time.Minute), "exit status 1"
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventExit, OccurredAt: rec.StoppedAt, Record: rec}))
	require.NoError(t, sink.Send(ctx, history.Event{
		Type:       history.EventSample,
		OccurredAt: now.Add(5 * time.Second),
		Record:     history.Record{Name: "ollama"},
		Sample:     &history.Sample{SystemMemoryUsed: 1 << 30, ProcessCPUPercent: 12.5, TokensGenerated: 99, StorageUsed: -1},
	}))

	var events, samples uint64
	require.NoError(t, sink.conn.QueryRow(ctx,
		"SELECT COUNT(*) FROM ollamad_history WHERE run_id = ?", "run-7").Scan(&events))
	require.NoError(t, sink.conn.QueryRow(ctx,
		"SELECT COUNT(*) FROM ollamad_history_samples WHERE name = ?", "ollama").Scan(&samples))
	assert.Equal(t, uint64(2), events)
	assert.Equal(t, uint64(1), samples)

	// reopening finds the existing tables
	again, err := New(Options{Addr: addr, Table: "ollamad_history"})
	require.NoError(t, err)
	assert.NoError(t, again.Close())
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	_, err := New(Options{Addr: "invalid-host:9000"})
	assert.Error(t, err)
}
