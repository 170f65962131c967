package ollamad

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/loykin/ollamad/internal/config"
	"github.com/loykin/ollamad/internal/history"
	"github.com/loykin/ollamad/internal/history/sqlite"
	"github.com/loykin/ollamad/internal/state"
)

const fakeServer = `#!/bin/sh
echo "Listening on $3:$5" >&2
while read line; do
  echo "got $line"
  echo "eval_count: 7"
done
`

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func testDaemon(t *testing.T, mutate func(*Config)) *Daemon {
	t.Helper()
	requireUnix(t)
	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-ollama")
	require.NoError(t, os.WriteFile(bin, []byte(fakeServer), 0o755))

	c, err := cfg.Default()
	require.NoError(t, err)
	c.Ollama.Binary = bin
	c.Ollama.ModelsDir = filepath.Join(dir, "models")
	c.Supervisor.StopTimeout = time.Second
	c.Supervisor.RestartPause = time.Second
	c.Sampler.Interval = 50 * time.Millisecond
	c.History.Sinks = []string{"sqlite://" + filepath.Join(dir, "history.db")}
	if mutate != nil {
		mutate(c)
	}
	d, err := New(c)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, d.Close(ctx))
	})
	return d
}

func logHas(d *Daemon, text string) bool {
	for _, l := range d.Log() {
		if strings.Contains(l.Text, text) {
			return true
		}
	}
	return false
}

func TestDaemonLifecycle(t *testing.T) {
	d := testDaemon(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var phases []state.Phase
	sub := d.Subscribe(Handlers{OnStatus: func(s Status) {
		mu.Lock()
		phases = append(phases, s.Phase)
		mu.Unlock()
	}})
	defer sub.Close()

	assert.False(t, d.IsRunning())
	require.NoError(t, d.IssueStart(ctx))
	assert.True(t, d.IsRunning())
	info := d.Info()
	assert.Positive(t, info.PID)
	assert.Equal(t, "127.0.0.1:11434", info.Address)
	assert.True(t, logHas(d, "models directory: "))

	require.NoError(t, d.IssueInput(ctx, "why is the sky blue"))
	require.Eventually(t, func() bool { return logHas(d, "got why is the sky blue") }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return d.Stats().TokensGenerated == 7 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return len(d.StatsHistory(0)) >= 2 }, 5*time.Second, 20*time.Millisecond)
	assert.Len(t, d.StatsHistory(1), 1)

	d.ClearLog()
	assert.Empty(t, d.Log())
	assert.Equal(t, state.PhaseRunning, d.Status().Phase)

	require.NoError(t, d.IssueRestart(ctx))
	assert.True(t, d.IsRunning())
	assert.Equal(t, uint32(1), d.Info().Restarts)

	require.NoError(t, d.IssueStop(ctx))
	assert.False(t, d.IsRunning())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(phases) > 0 && phases[len(phases)-1] == state.PhaseStopped
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, state.PhaseStarting, phases[0])
	assert.Equal(t, state.PhaseRunning, phases[1])
	mu.Unlock()
}

func TestDaemonInputWithoutProcess(t *testing.T) {
	d := testDaemon(t, nil)
	err := d.IssueInput(context.Background(), "hello")
	require.ErrorIs(t, err, ErrNoProcess)
	assert.True(t, logHas(d, "$ hello"))
	errorLines := 0
	for _, l := range d.Log() {
		if l.Origin == state.OriginError {
			errorLines++
		}
	}
	assert.Equal(t, 1, errorLines)
}

func TestDaemonStartFailure(t *testing.T) {
	d := testDaemon(t, func(c *Config) { c.Ollama.Binary = filepath.Join(t.TempDir(), "missing") })
	err := d.IssueStart(context.Background())
	require.Error(t, err)
	var ie *InstallError
	assert.ErrorAs(t, err, &ie)
	assert.Equal(t, state.PhaseFailed, d.Status().Phase)
}

func TestDaemonRejectsInvalidConfig(t *testing.T) {
	c, err := cfg.Default()
	require.NoError(t, err)
	c.Ollama.Port = 0
	_, err = New(c)
	assert.Error(t, err)

	c, err = cfg.Default()
	require.NoError(t, err)
	c.History.Sinks = []string{"nosuch://x"}
	_, err = New(c)
	assert.Error(t, err)
}

func TestDaemonSchedule(t *testing.T) {
	d := testDaemon(t, nil)
	assert.True(t, d.NextScheduledRestart().IsZero())
	assert.Nil(t, d.ScheduledRuns())

	d2 := testDaemon(t, func(c *Config) { c.Supervisor.RestartSchedule = "@every 1s" })
	assert.False(t, d2.NextScheduledRestart().IsZero())

	// a firing with the server stopped is skipped
	require.Eventually(t, func() bool { return len(d2.ScheduledRuns()) > 0 }, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, "skipped", d2.ScheduledRuns()[0].Result)
	assert.False(t, d2.IsRunning())
}

func TestScheduleTargetRestartsRunningServer(t *testing.T) {
	d := testDaemon(t, nil)
	ctx := context.Background()
	tg := scheduleTarget{d}
	require.NoError(t, tg.Restart(ctx))
	assert.True(t, tg.Running())
	require.NoError(t, tg.Restart(ctx))
	assert.True(t, logHas(d, "scheduled restart"))
	assert.Equal(t, uint32(1), d.Info().Restarts)
}

func TestCloseIsIdempotent(t *testing.T) {
	d := testDaemon(t, nil)
	require.NoError(t, d.IssueStart(context.Background()))
	require.NoError(t, d.Close(context.Background()))
	assert.False(t, d.IsRunning())
	assert.NoError(t, d.Close(context.Background()))
}

func TestDaemonExportsSamples(t *testing.T) {
	sink, err := sqlite.New(":memory:")
	require.NoError(t, err)
	requireUnix(t)
	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-ollama")
	require.NoError(t, os.WriteFile(bin, []byte(fakeServer), 0o755))

	c, err := cfg.Default()
	require.NoError(t, err)
	c.Ollama.Binary = bin
	c.Ollama.ModelsDir = filepath.Join(dir, "models")
	c.Supervisor.Name = "sampled"
	c.Supervisor.StopTimeout = time.Second
	c.Sampler.Interval = 50 * time.Millisecond
	c.History.SampleInterval = 100 * time.Millisecond
	d, err := New(c, WithHistorySinks(sink))
	require.NoError(t, err)
	defer func() { _ = d.Close(context.Background()) }()

	ctx := context.Background()
	require.NoError(t, d.IssueStart(ctx))
	require.Eventually(t, func() bool {
		n, err := sink.Count(ctx, "sampled", history.EventSample)
		return err == nil && n >= 2
	}, 5*time.Second, 50*time.Millisecond)

	n, err := sink.Count(ctx, "sampled", history.EventStart)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
