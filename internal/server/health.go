package server

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats describes the running engine process
type ProcessStats struct {
	PID         int32     `json:"pid"`
	RSSBytes    uint64    `json:"rss_bytes"`
	CPUPercent  float64   `json:"cpu_percent"`
	Threads     int32     `json:"threads"`
	Goroutines  int       `json:"goroutines"`
	CPUCores    int       `json:"cpu_cores"`
	LoadAverage []float64 `json:"load_average,omitempty"`
}

// healthResponse is the body of GET /api/health
type healthResponse struct {
	Status         string        `json:"status"` // "ok" or "degraded"
	StartedAt      time.Time     `json:"started_at"`
	Uptime         string        `json:"uptime"`
	ActiveReviews  int           `json:"active_reviews"`
	BlockedReviews int           `json:"blocked_reviews"`
	Sources        int           `json:"sources"`
	SourcesFailing []string      `json:"sources_failing"`
	WSClients      int           `json:"ws_clients"`
	NATS           string        `json:"nats"` // "disabled", "connected", "disconnected"
	Process        *ProcessStats `json:"process,omitempty"`
}

// collectProcessStats samples this process. Readings that fail are left zero.
func collectProcessStats(ctx context.Context) (*ProcessStats, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	pid := int32(os.Getpid())
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, err
	}
	stats := &ProcessStats{PID: pid, Goroutines: runtime.NumGoroutine()}

	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = pct
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		stats.Threads = n
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		stats.CPUCores = cores
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		stats.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	return stats, nil
}
