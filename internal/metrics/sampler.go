package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample of a task process.
type Usage struct {
	Name       string
	PID        int
	RSS        uint64
	CPUPercent float64
	At         time.Time
}

// Sampler periodically reads RSS and CPU of the running task processes
// through gopsutil and publishes them as gauges.
type Sampler struct {
	interval time.Duration
	source   func() map[string]int
	logger   *slog.Logger

	mu    sync.Mutex
	last  map[string]Usage
	procs map[int]*process.Process
}

// NewSampler samples the name→pid map returned by source every interval.
func NewSampler(interval time.Duration, source func() map[string]int, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		interval: interval,
		source:   source,
		logger:   logger,
		last:     make(map[string]Usage),
		procs:    make(map[int]*process.Process),
	}
}

// Run samples until ctx is done.
func (s *Sampler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sample()
		}
	}
}

// Sample takes one reading and returns it keyed by task name.
func (s *Sampler) Sample() map[string]Usage {
	now := time.Now()
	cur := s.source()

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Usage, len(cur))
	for name, pid := range cur {
		if pid <= 0 {
			continue
		}
		p, ok := s.procs[pid]
		if !ok {
			np, err := process.NewProcess(int32(pid))
			if err != nil {
				s.logger.Debug("sampler: process handle", "name", name, "pid", pid, "error", err)
				continue
			}
			// gopsutil computes CPU percent between calls on the same handle
			p = np
			s.procs[pid] = p
		}
		mem, err := p.MemoryInfo()
		if err != nil {
			s.logger.Debug("sampler: memory info", "name", name, "pid", pid, "error", err)
			continue
		}
		cpu, err := p.Percent(0)
		if err != nil {
			cpu = 0
		}
		u := Usage{Name: name, PID: pid, RSS: mem.RSS, CPUPercent: cpu, At: now}
		out[name] = u
		if regOK.Load() {
			rssBytes.WithLabelValues(name).Set(float64(u.RSS))
			cpuPercent.WithLabelValues(name).Set(u.CPUPercent)
		}
	}

	// drop series and handles of processes that are gone
	for name := range s.last {
		if _, ok := out[name]; !ok && regOK.Load() {
			rssBytes.DeleteLabelValues(name)
			cpuPercent.DeleteLabelValues(name)
		}
	}
	live := make(map[int]bool, len(cur))
	for _, pid := range cur {
		live[pid] = true
	}
	for pid := range s.procs {
		if !live[pid] {
			delete(s.procs, pid)
		}
	}
	s.last = out
	SetRunning(len(cur))
	return out
}

// Last returns the most recent reading.
func (s *Sampler) Last() map[string]Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Usage, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	return out
}
