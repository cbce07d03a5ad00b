// Package procstats reports resource usage of the running gateway process.
package procstats

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is the process section of the health endpoint. Fields the
// platform cannot report are left zero.
type Snapshot struct {
	PID        int32   `json:"pid"`
	Uptime     string  `json:"uptime"`
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
	VMSBytes   uint64  `json:"vmsBytes"`
	OpenFDs    int32   `json:"openFds"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
}

// Sampler reads the current process. It is safe for concurrent use.
type Sampler struct {
	proc    *process.Process
	started time.Time
}

func NewSampler() (*Sampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Sampler{proc: p, started: time.Now()}, nil
}

// Sample collects a snapshot. Individual probe failures are ignored so a
// partially supported platform still gets the rest.
func (s *Sampler) Sample(ctx context.Context) Snapshot {
	snap := Snapshot{
		PID:        s.proc.Pid,
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
	}
	if pct, err := s.proc.CPUPercentWithContext(ctx); err == nil {
		snap.CPUPercent = pct
	}
	if mem, err := s.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		snap.RSSBytes = mem.RSS
		snap.VMSBytes = mem.VMS
	}
	if n, err := s.proc.NumFDsWithContext(ctx); err == nil {
		snap.OpenFDs = n
	}
	if n, err := s.proc.NumThreadsWithContext(ctx); err == nil {
		snap.Threads = n
	}
	return snap
}
