package sampler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/ollamad/internal/state"
)

type fakeSource struct {
	mu        sync.Mutex
	memErr    error
	procTimes []float64
	totTimes  []float64
	procErr   error
	block     chan struct{}
	calls     atomic.Int32
}

func (f *fakeSource) MemoryUsed(ctx context.Context) (uint64, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.memErr != nil {
		return 0, f.memErr
	}
	return 1000, nil
}
func (f *fakeSource) SwapUsed(context.Context) (uint64, error) { return 10, nil }
func (f *fakeSource) TotalCPUTime(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.totTimes[0]
	if len(f.totTimes) > 1 {
		f.totTimes = f.totTimes[1:]
	}
	return v, nil
}
func (f *fakeSource) ProcessCPUTime(context.Context, int32) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.procErr != nil {
		return 0, f.procErr
	}
	v := f.procTimes[0]
	if len(f.procTimes) > 1 {
		f.procTimes = f.procTimes[1:]
	}
	return v, nil
}
func (f *fakeSource) ProcessRSS(context.Context, int32) (uint64, error) { return 500, nil }
func (f *fakeSource) StorageUsed(context.Context, string) (uint64, error) {
	return 0, errors.New("no such filesystem")
}
func (f *fakeSource) Connections(context.Context, int32, uint32) (int, error) { return 3, nil }
func (f *fakeSource) CurrentModel(context.Context, string) (string, error) {
	return "llama3:8b", nil
}

func newFake() *fakeSource {
	return &fakeSource{procTimes: []float64{10, 11, 11}, totTimes: []float64{100, 104, 104}}
}

func TestFirstSampleHasNoCPU(t *testing.T) {
	s := New(newFake(), Target{PID: 42, Port: 11434, StoragePath: "/data", APIBase: "http://x"}, func() int64 { return 9 }, nil)

	first := s.Sample(context.Background())
	assert.False(t, first.CPUAvailable())
	assert.Equal(t, int64(1000), first.SystemMemoryUsed)
	assert.Equal(t, int64(10), first.SystemSwapUsed)
	assert.Equal(t, int64(500), first.ProcessMemoryUsed)
	assert.Equal(t, int64(state.Unavailable), first.StorageUsed)
	assert.Equal(t, 3, first.ActiveConnections)
	assert.Equal(t, "llama3:8b", first.CurrentModel)
	assert.Equal(t, int64(9), first.TokensGenerated)
	assert.False(t, first.Timestamp.IsZero())

	second := s.Sample(context.Background())
	require.True(t, second.CPUAvailable())
	assert.InDelta(t, 25.0, second.ProcessCPUPercent, 0.001)

	// no elapsed time reports zero usage
	third := s.Sample(context.Background())
	assert.Equal(t, 0.0, third.ProcessCPUPercent)
}

func TestReadingsDegradeIndependently(t *testing.T) {
	f := newFake()
	f.memErr = errors.New("proc unreadable")
	f.procErr = errors.New("gone")
	s := New(f, Target{PID: 42}, nil, nil)

	st := s.Sample(context.Background())
	assert.Equal(t, int64(state.Unavailable), st.SystemMemoryUsed)
	assert.False(t, st.CPUAvailable())
	assert.Equal(t, int64(10), st.SystemSwapUsed)
	assert.Equal(t, int64(500), st.ProcessMemoryUsed)
	// port/api unset: readings skipped
	assert.Equal(t, state.Unavailable, st.ActiveConnections)
	assert.Empty(t, st.CurrentModel)
}

func TestLoopPublishesAndStopsSynchronously(t *testing.T) {
	s := New(newFake(), Target{PID: 1}, nil, nil)
	var n atomic.Int32
	l := StartLoop(context.Background(), s, 10*time.Millisecond, func(state.ResourceStats) { n.Add(1) }, nil)
	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, 5*time.Millisecond)
	l.Stop()
	after := n.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, n.Load())
}

func TestLoopSkipsOverlappingTicks(t *testing.T) {
	f := newFake()
	f.block = make(chan struct{})
	s := New(f, Target{}, nil, nil)
	var published atomic.Int32
	l := StartLoop(context.Background(), s, 5*time.Millisecond, func(state.ResourceStats) { published.Add(1) }, nil)

	require.Eventually(t, func() bool { return l.Skipped() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), f.calls.Load())

	// stop cancels the in-flight sample, which is then discarded
	l.Stop()
	assert.Equal(t, int32(0), published.Load())
}

func TestHistoryCircular(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		st := state.EmptyStats()
		st.TokensGenerated = int64(i)
		h.Add(st)
	}
	assert.Equal(t, 3, h.Len())
	all := h.Last(0)
	require.Len(t, all, 3)
	assert.Equal(t, int64(2), all[0].TokensGenerated)
	assert.Equal(t, int64(4), all[2].TokensGenerated)
	last := h.Last(1)
	require.Len(t, last, 1)
	assert.Equal(t, int64(4), last[0].TokensGenerated)
}

func TestParseRunningModel(t *testing.T) {
	m, err := ParseRunningModel([]byte(`{"models":[{"name":"mistral:7b","model":"mistral:7b"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "mistral:7b", m)

	m, err = ParseRunningModel([]byte(`{"models":[]}`))
	require.NoError(t, err)
	assert.Empty(t, m)

	_, err = ParseRunningModel([]byte(`not json`))
	assert.Error(t, err)
}

func TestHostSourceCurrentModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ps" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"models":[{"name":"phi3:mini"}]}`))
	}))
	defer srv.Close()

	m, err := NewHostSource().CurrentModel(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, "phi3:mini", m)
}

func TestHostSourceReadsLocalProcess(t *testing.T) {
	h := NewHostSource()
	ctx := context.Background()

	used, err := h.MemoryUsed(ctx)
	require.NoError(t, err)
	assert.Greater(t, used, uint64(0))

	rss, err := h.ProcessRSS(ctx, int32(os.Getpid()))
	require.NoError(t, err)
	assert.Greater(t, rss, uint64(0))

	disk, err := h.StorageUsed(ctx, "/")
	require.NoError(t, err)
	assert.Greater(t, disk, uint64(0))
}
