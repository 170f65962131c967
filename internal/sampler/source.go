package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/tidwall/gjson"
)

// Source performs the individual OS and server reads behind a sample.
// Every method may fail independently.
type Source interface {
	MemoryUsed(ctx context.Context) (uint64, error)
	SwapUsed(ctx context.Context) (uint64, error)
	// TotalCPUTime is the cumulative busy+idle time of all CPUs, in seconds.
	TotalCPUTime(ctx context.Context) (float64, error)
	// ProcessCPUTime is the cumulative user+system time of pid, in seconds.
	ProcessCPUTime(ctx context.Context, pid int32) (float64, error)
	ProcessRSS(ctx context.Context, pid int32) (uint64, error)
	StorageUsed(ctx context.Context, path string) (uint64, error)
	Connections(ctx context.Context, pid int32, port uint32) (int, error)
	CurrentModel(ctx context.Context, baseURL string) (string, error)
}

// HostSource reads from the local host with gopsutil and the server's HTTP API.
type HostSource struct {
	Client *http.Client
}

func NewHostSource() *HostSource {
	return &HostSource{Client: &http.Client{Timeout: 2 * time.Second}}
}

// MemoryUsed is total minus available memory.
func (h *HostSource) MemoryUsed(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	if vm.Available > vm.Total {
		return 0, errors.New("available memory exceeds total")
	}
	return vm.Total - vm.Available, nil
}

// SwapUsed is total minus free swap.
func (h *HostSource) SwapUsed(ctx context.Context) (uint64, error) {
	sw, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	if sw.Free > sw.Total {
		return 0, errors.New("free swap exceeds total")
	}
	return sw.Total - sw.Free, nil
}

func (h *HostSource) TotalCPUTime(ctx context.Context) (float64, error) {
	ts, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return 0, err
	}
	if len(ts) == 0 {
		return 0, errors.New("no cpu times reported")
	}
	t := ts[0]
	return t.User + t.Nice + t.System + t.Idle + t.Iowait + t.Irq + t.Softirq + t.Steal, nil
}

func (h *HostSource) ProcessCPUTime(ctx context.Context, pid int32) (float64, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return 0, err
	}
	t, err := p.TimesWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return t.User + t.System, nil
}

func (h *HostSource) ProcessRSS(ctx context.Context, pid int32) (uint64, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return 0, err
	}
	mi, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return mi.RSS, nil
}

// StorageUsed is (total blocks - free blocks) * block size of the filesystem holding path.
func (h *HostSource) StorageUsed(ctx context.Context, path string) (uint64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.Used, nil
}

// Connections counts established TCP connections accepted on port by pid.
func (h *HostSource) Connections(ctx context.Context, pid int32, port uint32) (int, error) {
	conns, err := net.ConnectionsPidWithContext(ctx, "tcp", pid)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range conns {
		if c.Status == "ESTABLISHED" && c.Laddr.Port == port {
			n++
		}
	}
	return n, nil
}

// CurrentModel asks the server which model is loaded; empty when none is.
func (h *HostSource) CurrentModel(ctx context.Context, baseURL string) (string, error) {
	u := strings.TrimRight(baseURL, "/") + "/api/ps"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return ParseRunningModel(body)
}

// ParseRunningModel extracts the first loaded model name from an /api/ps response.
func ParseRunningModel(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", errors.New("invalid JSON from /api/ps")
	}
	r := gjson.GetBytes(body, "models.0.name")
	if !r.Exists() {
		r = gjson.GetBytes(body, "models.0.model")
	}
	return r.String(), nil
}
