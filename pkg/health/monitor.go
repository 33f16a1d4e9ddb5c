// Package health samples process runtime metrics and classifies them
// against warning and critical thresholds.
package health

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Status is a coarse health classification.
type Status string

const (
	StatusOK       Status = "OK"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
)

// Metrics is one sample of process health.
type Metrics struct {
	HeapAllocBytes uint64    `json:"heap_alloc_bytes"`
	HeapSysBytes   uint64    `json:"heap_sys_bytes"`
	MemoryPercent  float64   `json:"memory_percent"`
	Goroutines     int       `json:"goroutines"`
	GCCycles       uint32    `json:"gc_cycles"`
	Timestamp      time.Time `json:"timestamp"`
}

// Thresholds controls status classification. Memory is heap usage as a
// percentage of the heap reserved from the OS.
type Thresholds struct {
	MemoryWarning     float64
	MemoryCritical    float64
	GoroutineWarning  int
	GoroutineCritical int
}

// DefaultThresholds returns the standard classification thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MemoryWarning:     80.0,
		MemoryCritical:    95.0,
		GoroutineWarning:  500,
		GoroutineCritical: 2000,
	}
}

// Monitor periodically samples runtime metrics into a bounded history and
// reports status transitions to registered callbacks.
type Monitor struct {
	thresholds  Thresholds
	historySize int
	logger      *logrus.Logger

	mu        sync.Mutex
	history   []Metrics
	callbacks []func(old, new Status)
	last      Status

	runMu    sync.Mutex
	running  bool
	stopping bool
	stop     chan struct{}
	done     chan struct{}
}

// NewMonitor creates a health monitor keeping up to historySize samples.
func NewMonitor(historySize int, thresholds Thresholds, logger *logrus.Logger) *Monitor {
	if historySize <= 0 {
		historySize = 60
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Monitor{
		thresholds:  thresholds,
		historySize: historySize,
		logger:      logger,
		last:        StatusOK,
	}
}

// Collect takes one metrics sample.
func (m *Monitor) Collect() Metrics {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	sample := Metrics{
		HeapAllocBytes: stats.HeapAlloc,
		HeapSysBytes:   stats.HeapSys,
		Goroutines:     runtime.NumGoroutine(),
		GCCycles:       stats.NumGC,
		Timestamp:      time.Now(),
	}
	if stats.HeapSys > 0 {
		sample.MemoryPercent = float64(stats.HeapAlloc) / float64(stats.HeapSys) * 100
	}
	return sample
}

// Classify maps a sample to a status.
func (m *Monitor) Classify(sample Metrics) Status {
	if sample.MemoryPercent >= m.thresholds.MemoryCritical ||
		sample.Goroutines >= m.thresholds.GoroutineCritical {
		return StatusCritical
	}
	if sample.MemoryPercent >= m.thresholds.MemoryWarning ||
		sample.Goroutines >= m.thresholds.GoroutineWarning {
		return StatusWarning
	}
	return StatusOK
}

// CurrentStatus samples and classifies immediately.
func (m *Monitor) CurrentStatus() Status {
	return m.Classify(m.Collect())
}

// OnStatusChange registers a callback invoked when the background loop
// observes a status transition.
func (m *Monitor) OnStatusChange(fn func(old, new Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Start begins background sampling at the given interval. Starting an
// already running monitor is an error.
func (m *Monitor) Start(interval time.Duration) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running {
		return fmt.Errorf("health monitoring already running")
	}
	if interval <= 0 {
		interval = time.Minute
	}

	m.running = true
	m.stopping = false
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(interval, m.stop, m.done)

	m.logger.Info("Health monitoring started")
	return nil
}

func (m *Monitor) loop(interval time.Duration, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.observe(m.Collect())
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.observe(m.Collect())
		}
	}
}

// observe appends a sample to the history and fires callbacks on a status
// transition.
func (m *Monitor) observe(sample Metrics) {
	status := m.Classify(sample)

	m.mu.Lock()
	m.history = append(m.history, sample)
	if len(m.history) > m.historySize {
		m.history = m.history[len(m.history)-m.historySize:]
	}
	old := m.last
	m.last = status
	callbacks := append([]func(Status, Status){}, m.callbacks...)
	m.mu.Unlock()

	if status != old {
		m.logger.Warnf("Health status changed: %s -> %s", old, status)
		for _, fn := range callbacks {
			fn(old, status)
		}
	}
}

// Stop halts background sampling, waiting up to timeout for the loop to
// exit. Returns true if the loop stopped, and trivially when no loop runs.
func (m *Monitor) Stop(timeout time.Duration) bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if !m.running {
		return true
	}
	if !m.stopping {
		m.stopping = true
		close(m.stop)
	}

	select {
	case <-m.done:
		m.running = false
		m.stopping = false
		return true
	case <-time.After(timeout):
		return false
	}
}

// History returns the samples recorded within the given duration, oldest
// first.
func (m *Monitor) History(within time.Duration) []Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-within)
	var out []Metrics
	for _, sample := range m.history {
		if !sample.Timestamp.Before(cutoff) {
			out = append(out, sample)
		}
	}
	return out
}
