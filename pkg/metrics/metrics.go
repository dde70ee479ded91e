// Package metrics provides operational counters for the pieces of the
// client that spec.md section 5 calls out as the only shared mutable
// state: a Relay's circuit table/connection and a Downloader's fetch
// attempts. Nothing here is required for correctness; it exists purely
// for observability.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects circuit, connection, and directory-download counters.
type Metrics struct {
	CircuitBuilds       *Counter
	CircuitBuildSuccess *Counter
	CircuitBuildFailure *Counter
	CircuitBuildTime    *Histogram
	ActiveCircuits      *Gauge

	ConnectionAttempts *Counter
	ConnectionSuccess  *Counter
	ConnectionFailures *Counter
	ActiveConnections  *Gauge

	DirectoryFetches        *Counter
	DirectoryFetchSuccess   *Counter
	DirectoryFetchFailure   *Counter
	DirectoryFetchBytes     *Counter
	DirectoryFetchTime      *Histogram

	Uptime      *Gauge
	startTime   time.Time
	startTimeMu sync.RWMutex
}

// New creates a zeroed metrics instance.
func New() *Metrics {
	return &Metrics{
		CircuitBuilds:       NewCounter(),
		CircuitBuildSuccess: NewCounter(),
		CircuitBuildFailure: NewCounter(),
		CircuitBuildTime:    NewHistogram(),
		ActiveCircuits:      NewGauge(),

		ConnectionAttempts: NewCounter(),
		ConnectionSuccess:  NewCounter(),
		ConnectionFailures: NewCounter(),
		ActiveConnections:  NewGauge(),

		DirectoryFetches:      NewCounter(),
		DirectoryFetchSuccess: NewCounter(),
		DirectoryFetchFailure: NewCounter(),
		DirectoryFetchBytes:   NewCounter(),
		DirectoryFetchTime:    NewHistogram(),

		Uptime:    NewGauge(),
		startTime: time.Now(),
	}
}

var (
	defaultOnce sync.Once
	defaultM    *Metrics
)

// Default returns the process-wide metrics instance, created on first
// use. Spec.md section 5 explicitly allows exactly this kind of
// explicit accessor for callers that want a shared default, while
// keeping every other piece of state instance-local.
func Default() *Metrics {
	defaultOnce.Do(func() { defaultM = New() })
	return defaultM
}

// RecordCircuitBuild records a circuit build attempt and its duration.
func (m *Metrics) RecordCircuitBuild(success bool, duration time.Duration) {
	m.CircuitBuilds.Inc()
	if success {
		m.CircuitBuildSuccess.Inc()
		m.ActiveCircuits.Inc()
	} else {
		m.CircuitBuildFailure.Inc()
	}
	m.CircuitBuildTime.Observe(duration)
}

// RecordCircuitClosed decrements the active-circuit gauge.
func (m *Metrics) RecordCircuitClosed() {
	m.ActiveCircuits.Dec()
}

// RecordConnection records a connection attempt and its outcome.
func (m *Metrics) RecordConnection(success bool) {
	m.ConnectionAttempts.Inc()
	if success {
		m.ConnectionSuccess.Inc()
		m.ActiveConnections.Inc()
	} else {
		m.ConnectionFailures.Inc()
	}
}

// RecordConnectionClosed decrements the active-connection gauge.
func (m *Metrics) RecordConnectionClosed() {
	m.ActiveConnections.Dec()
}

// RecordDirectoryFetch records one directory-document download attempt,
// its outcome, duration, and body size.
func (m *Metrics) RecordDirectoryFetch(success bool, duration time.Duration, bytes int) {
	m.DirectoryFetches.Inc()
	if success {
		m.DirectoryFetchSuccess.Inc()
		m.DirectoryFetchBytes.Add(int64(bytes))
	} else {
		m.DirectoryFetchFailure.Inc()
	}
	m.DirectoryFetchTime.Observe(duration)
}

// UpdateUptime updates the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.startTimeMu.RLock()
	defer m.startTimeMu.RUnlock()
	m.Uptime.Set(int64(time.Since(m.startTime).Seconds()))
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() *Snapshot {
	m.UpdateUptime()
	return &Snapshot{
		CircuitBuilds:       m.CircuitBuilds.Value(),
		CircuitBuildSuccess: m.CircuitBuildSuccess.Value(),
		CircuitBuildFailure: m.CircuitBuildFailure.Value(),
		CircuitBuildTimeAvg: m.CircuitBuildTime.Mean(),
		CircuitBuildTimeP95: m.CircuitBuildTime.Percentile(0.95),
		ActiveCircuits:      m.ActiveCircuits.Value(),

		ConnectionAttempts: m.ConnectionAttempts.Value(),
		ConnectionSuccess:  m.ConnectionSuccess.Value(),
		ConnectionFailures: m.ConnectionFailures.Value(),
		ActiveConnections:  m.ActiveConnections.Value(),

		DirectoryFetches:      m.DirectoryFetches.Value(),
		DirectoryFetchSuccess: m.DirectoryFetchSuccess.Value(),
		DirectoryFetchFailure: m.DirectoryFetchFailure.Value(),
		DirectoryFetchBytes:   m.DirectoryFetchBytes.Value(),
		DirectoryFetchTimeAvg: m.DirectoryFetchTime.Mean(),

		UptimeSeconds: m.Uptime.Value(),
	}
}

// Snapshot is a point-in-time copy of every counter/gauge value.
type Snapshot struct {
	CircuitBuilds       int64
	CircuitBuildSuccess int64
	CircuitBuildFailure int64
	CircuitBuildTimeAvg time.Duration
	CircuitBuildTimeP95 time.Duration
	ActiveCircuits      int64

	ConnectionAttempts int64
	ConnectionSuccess  int64
	ConnectionFailures int64
	ActiveConnections  int64

	DirectoryFetches      int64
	DirectoryFetchSuccess int64
	DirectoryFetchFailure int64
	DirectoryFetchBytes   int64
	DirectoryFetchTimeAvg time.Duration

	UptimeSeconds int64
}

// Counter is a monotonically increasing counter.
type Counter struct {
	value int64
}

func NewCounter() *Counter { return &Counter{} }

func (c *Counter) Inc()             { atomic.AddInt64(&c.value, 1) }
func (c *Counter) Add(n int64)      { atomic.AddInt64(&c.value, n) }
func (c *Counter) Value() int64     { return atomic.LoadInt64(&c.value) }

// Gauge is a value that can go up or down.
type Gauge struct {
	value int64
}

func NewGauge() *Gauge { return &Gauge{} }

func (g *Gauge) Set(value int64) { atomic.StoreInt64(&g.value, value) }
func (g *Gauge) Inc()            { atomic.AddInt64(&g.value, 1) }
func (g *Gauge) Dec()            { atomic.AddInt64(&g.value, -1) }
func (g *Gauge) Add(n int64)     { atomic.AddInt64(&g.value, n) }
func (g *Gauge) Value() int64    { return atomic.LoadInt64(&g.value) }

// Histogram tracks the distribution of observed durations, keeping a
// bounded window of recent samples.
type Histogram struct {
	observations []time.Duration
	mu           sync.RWMutex
}

func NewHistogram() *Histogram {
	return &Histogram{observations: make([]time.Duration, 0, 1000)}
}

func (h *Histogram) Observe(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.observations) >= 1000 {
		h.observations = h.observations[1:]
	}
	h.observations = append(h.observations, d)
}

func (h *Histogram) Mean() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.observations) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range h.observations {
		sum += d
	}
	return sum / time.Duration(len(h.observations))
}

// Percentile returns the nth percentile (0.0 to 1.0) of observed
// durations.
func (h *Histogram) Percentile(p float64) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.observations) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(h.observations))
	copy(sorted, h.observations)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i] > sorted[j] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	index := int(float64(len(sorted)-1) * p)
	return sorted[index]
}

func (h *Histogram) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observations)
}
