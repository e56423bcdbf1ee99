// Package monitor samples host and agent-process resource usage. A sample is
// attached to loop_start trace payloads and served by the status protocol op.
package monitor

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

const sampleCacheTTL = 2 * time.Second

// Sample is one point-in-time resource snapshot.
type Sample struct {
	Platform string `json:"platform"`

	CPUCores    int       `json:"cpu_cores,omitempty"`
	LoadAverage []float64 `json:"load_average,omitempty"`

	HostMemTotalBytes uint64  `json:"host_mem_total_bytes,omitempty"`
	HostMemUsedBytes  uint64  `json:"host_mem_used_bytes,omitempty"`
	HostMemUsedPct    float64 `json:"host_mem_used_pct,omitempty"`

	ProcRSSBytes uint64  `json:"proc_rss_bytes,omitempty"`
	ProcCPUPct   float64 `json:"proc_cpu_pct,omitempty"`

	Goroutines  int   `json:"goroutines"`
	TimestampMs int64 `json:"timestamp_ms"`
}

// Sampler collects samples with a short cache so every run start does not
// re-walk the process table.
type Sampler struct {
	log *slog.Logger

	mu      sync.Mutex
	last    Sample
	lastAt  time.Time
	hasLast bool
}

func NewSampler(log *slog.Logger) *Sampler {
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{log: log}
}

// Sample returns the cached snapshot when fresh enough, collecting a new one
// otherwise. Collection failures degrade to partial samples, never errors.
func (s *Sampler) Sample(ctx context.Context) Sample {
	if s == nil {
		return Sample{Platform: runtime.GOOS, TimestampMs: time.Now().UnixMilli()}
	}
	now := time.Now()

	s.mu.Lock()
	if s.hasLast && now.Sub(s.lastAt) < sampleCacheTTL {
		out := s.last
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	sample := s.collect(ctx)

	s.mu.Lock()
	s.last = sample
	s.lastAt = now
	s.hasLast = true
	s.mu.Unlock()
	return sample
}

func (s *Sampler) collect(ctx context.Context) Sample {
	out := Sample{
		Platform:    runtime.GOOS,
		Goroutines:  runtime.NumGoroutine(),
		TimestampMs: time.Now().UnixMilli(),
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		out.CPUCores = cores
	} else {
		s.log.Warn("monitor: cpu cores failed", "error", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		out.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else if err != nil {
		s.log.Warn("monitor: load average failed", "error", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		out.HostMemTotalBytes = vm.Total
		out.HostMemUsedBytes = vm.Used
		out.HostMemUsedPct = vm.UsedPercent
	} else if err != nil {
		s.log.Warn("monitor: host memory failed", "error", err)
	}

	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfoWithContext(ctx); err == nil && info != nil {
			out.ProcRSSBytes = info.RSS
		}
		if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
			out.ProcCPUPct = pct
		}
	} else {
		s.log.Warn("monitor: process lookup failed", "error", err)
	}

	return out
}
