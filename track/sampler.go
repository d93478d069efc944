// Package track observes the process itself: periodic resource samples,
// per-request records, and a deduplicated error ring. Everything is held
// in fixed-capacity rings; prometheus mirrors the headline numbers.
package track

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/chronicler-app/chronicler/events"
	"github.com/shirou/gopsutil/v4/process"
	log "github.com/sirupsen/logrus"
)

// sampleRingSize holds one hour of samples at the default 10s cadence.
const sampleRingSize = 360

// blockedThreshold flags event-loop-style latency as blocking.
const blockedThreshold = 100 * time.Millisecond

// Sample is one point-in-time resource observation.
type Sample struct {
	At            time.Time `json:"at"`
	CPUPercent    float64   `json:"cpu_percent"`
	HeapUsed      uint64    `json:"heap_used"`
	HeapTotal     uint64    `json:"heap_total"`
	RSS           uint64    `json:"rss"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	LoopLatency   float64   `json:"loop_latency_ms"`
	Blocked       bool      `json:"blocked"`
}

// Aggregate summarizes samples over a window.
type Aggregate struct {
	AvgCPUPercent  float64 `json:"avg_cpu_percent"`
	AvgHeapUsed    float64 `json:"avg_heap_used"`
	AvgLoopLatency float64 `json:"avg_loop_latency_ms"`
	PeakCPUPercent float64 `json:"peak_cpu_percent"`
	PeakHeapUsed   uint64  `json:"peak_heap_used"`
	PeakLatency    float64 `json:"peak_loop_latency_ms"`
	Samples        int     `json:"samples"`
}

// Sampler records process samples on a fixed cadence.
type Sampler struct {
	Interval time.Duration
	Bus      *events.Bus

	mu      sync.Mutex
	ring    *events.Ring[Sample]
	proc    *process.Process
	started time.Time
}

// NewSampler returns a Sampler at |interval| cadence.
func NewSampler(interval time.Duration, bus *events.Bus) *Sampler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	var proc, err = process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.WithField("err", err).Warn("cannot observe own process; rss and cpu samples will be zero")
	}
	return &Sampler{
		Interval: interval,
		Bus:      bus,
		ring:     events.NewRing[Sample](sampleRingSize),
		proc:     proc,
		started:  time.Now(),
	}
}

// Run samples until |ctx| is done. The deviation between the scheduled and
// observed tick delta approximates scheduler/GC stalls, standing in for
// event-loop latency.
func (s *Sampler) Run(ctx context.Context) {
	var ticker = time.NewTicker(s.Interval)
	defer ticker.Stop()

	var last = time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			var latency = now.Sub(last) - s.Interval
			if latency < 0 {
				latency = 0
			}
			last = now
			s.record(s.sample(latency))
		}
	}
}

func (s *Sampler) sample(latency time.Duration) Sample {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var smp = Sample{
		At:            time.Now().UTC(),
		HeapUsed:      mem.HeapAlloc,
		HeapTotal:     mem.HeapSys,
		UptimeSeconds: time.Since(s.started).Seconds(),
		LoopLatency:   float64(latency.Milliseconds()),
		Blocked:       latency > blockedThreshold,
	}
	if s.proc != nil {
		if cpu, err := s.proc.CPUPercent(); err == nil {
			smp.CPUPercent = cpu
		}
		if info, err := s.proc.MemoryInfo(); err == nil {
			smp.RSS = info.RSS
		}
	}
	return smp
}

func (s *Sampler) record(smp Sample) {
	s.mu.Lock()
	s.ring.Push(smp)
	s.mu.Unlock()

	heapUsedGauge.Set(float64(smp.HeapUsed))
	rssGauge.Set(float64(smp.RSS))
	cpuGauge.Set(smp.CPUPercent)
	loopLatencyGauge.Set(smp.LoopLatency)

	s.Bus.Publish(events.KindMetrics, smp)
}

// Latest returns the most recent sample, if any.
func (s *Sampler) Latest() (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all = s.ring.Snapshot()
	if len(all) == 0 {
		return Sample{}, false
	}
	return all[len(all)-1], true
}

// History returns retained samples, oldest first.
func (s *Sampler) History() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Snapshot()
}

// Aggregate computes moving averages and peaks over the trailing |window|.
func (s *Sampler) Aggregate(window time.Duration) Aggregate {
	var cutoff = time.Now().UTC().Add(-window)
	var agg Aggregate

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring.Do(func(smp Sample) {
		if smp.At.Before(cutoff) {
			return
		}
		agg.Samples++
		agg.AvgCPUPercent += smp.CPUPercent
		agg.AvgHeapUsed += float64(smp.HeapUsed)
		agg.AvgLoopLatency += smp.LoopLatency
		if smp.CPUPercent > agg.PeakCPUPercent {
			agg.PeakCPUPercent = smp.CPUPercent
		}
		if smp.HeapUsed > agg.PeakHeapUsed {
			agg.PeakHeapUsed = smp.HeapUsed
		}
		if smp.LoopLatency > agg.PeakLatency {
			agg.PeakLatency = smp.LoopLatency
		}
	})
	if agg.Samples > 0 {
		agg.AvgCPUPercent /= float64(agg.Samples)
		agg.AvgHeapUsed /= float64(agg.Samples)
		agg.AvgLoopLatency /= float64(agg.Samples)
	}
	return agg
}
