package monitor

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// HealthSample is one snapshot of system health.
type HealthSample struct {
	Timestamp      time.Time `json:"timestamp"`
	MemoryPct      float64   `json:"memory_usage_percent"`
	MemoryUsedMB   float64   `json:"memory_used_mb"`
	CPUPct         float64   `json:"cpu_usage_percent"`
	DiskPct        float64   `json:"disk_usage_percent"`
	NetBytesSent   uint64    `json:"network_bytes_sent"`
	NetBytesRecv   uint64    `json:"network_bytes_recv"`
	ProcessCount   int       `json:"process_count"`
	GoroutineCount int       `json:"goroutine_count"`
	LoadAvg1       float64   `json:"load_average_1m,omitempty"`
}

// healthSampler periodically samples system health into a ring buffer.
// It runs on its own timer and never blocks request-serving paths; the
// loop checks its stop signal every tick and exits within one interval.
type healthSampler struct {
	logger   *zap.Logger
	interval time.Duration
	ringSize int

	mu      sync.Mutex
	samples []HealthSample

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newHealthSampler(logger *zap.Logger, interval time.Duration, ringSize int) *healthSampler {
	return &healthSampler{
		logger:   logger,
		interval: interval,
		ringSize: ringSize,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (h *healthSampler) start() {
	go h.run()
}

func (h *healthSampler) run() {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	// First sample immediately so queries have data before the first tick.
	h.record(h.collect())

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.record(h.collect())
		}
	}
}

func (h *healthSampler) stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	select {
	case <-h.done:
	case <-time.After(h.interval + time.Second):
		h.logger.Warn("health sampler did not stop within one interval")
	}
}

// collect gathers one sample. Individual probe failures leave zeroes; the
// sampler never fails as a whole.
func (h *healthSampler) collect() HealthSample {
	sample := HealthSample{
		Timestamp:      time.Now(),
		GoroutineCount: runtime.NumGoroutine(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		sample.MemoryPct = vm.UsedPercent
		sample.MemoryUsedMB = float64(vm.Used) / 1024 / 1024
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		sample.CPUPct = pcts[0]
	}
	if du, err := disk.Usage("/"); err == nil {
		sample.DiskPct = du.UsedPercent
	}
	if counters, err := net.IOCounters(false); err == nil && len(counters) > 0 {
		sample.NetBytesSent = counters[0].BytesSent
		sample.NetBytesRecv = counters[0].BytesRecv
	}
	if pids, err := process.Pids(); err == nil {
		sample.ProcessCount = len(pids)
	}
	if avg, err := load.Avg(); err == nil {
		sample.LoadAvg1 = avg.Load1
	}

	return sample
}

func (h *healthSampler) record(sample HealthSample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples = append(h.samples, sample)
	if overflow := len(h.samples) - h.ringSize; overflow > 0 {
		h.samples = h.samples[overflow:]
	}
}

func (h *healthSampler) latest() (HealthSample, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) == 0 {
		return HealthSample{}, false
	}
	return h.samples[len(h.samples)-1], true
}

func (h *healthSampler) snapshot() []HealthSample {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HealthSample, len(h.samples))
	copy(out, h.samples)
	return out
}

func (h *healthSampler) cleanup(cutoff time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.samples[:0]
	for _, s := range h.samples {
		if !s.Timestamp.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	h.samples = kept
}
