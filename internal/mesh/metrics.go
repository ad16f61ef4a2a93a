package mesh

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects operational metrics for observability
type Metrics struct {
	startTime time.Time

	// Counters (use atomic for lock-free updates)
	FramesReceived    atomic.Int64
	FramesSent        atomic.Int64
	BytesReceived     atomic.Int64
	BytesSent         atomic.Int64
	MessagesStored    atomic.Int64
	DuplicatesDropped atomic.Int64
	DecodeErrors      atomic.Int64
	RateLimitDrops    atomic.Int64
	SyncSessions      atomic.Int64
	ConnectFailures   atomic.Int64

	// Frame counters by type
	frameCountersMu sync.RWMutex
	frameReceived   map[string]int64
	frameSent       map[string]int64

	// Error tracking (ring buffer)
	errorsMu   sync.RWMutex
	errors     []ErrorEntry
	errorIndex int

	// Latency tracking (ring buffer for last N samples)
	latencyMu       sync.RWMutex
	connectLatency  []time.Duration
	applyLatency    []time.Duration
	connectIndex    int
	applyLatencyIdx int
}

// ErrorEntry records an error event
type ErrorEntry struct {
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Peer    string    `json:"peer,omitempty"`
}

// MetricsSnapshot is a point-in-time view of all metrics
type MetricsSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	UptimeSec float64   `json:"uptime_sec"`

	System       SystemMetrics  `json:"system"`
	Counters     CounterMetrics `json:"counters"`
	FramesByType FrameMetrics   `json:"frames_by_type"`
	Gauges       GaugeMetrics   `json:"gauges"`
	Latencies    LatencyMetrics `json:"latencies"`
	RecentErrors []ErrorEntry   `json:"recent_errors"`
}

// SystemMetrics contains runtime/system information
type SystemMetrics struct {
	GoVersion    string  `json:"go_version"`
	NumCPU       int     `json:"num_cpu"`
	NumGoroutine int     `json:"num_goroutine"`
	MemAllocMB   float64 `json:"mem_alloc_mb"`
	MemSysMB     float64 `json:"mem_sys_mb"`
	NumGC        uint32  `json:"num_gc"`
}

// CounterMetrics contains cumulative counters
type CounterMetrics struct {
	FramesReceived    int64 `json:"frames_received"`
	FramesSent        int64 `json:"frames_sent"`
	BytesReceived     int64 `json:"bytes_received"`
	BytesSent         int64 `json:"bytes_sent"`
	MessagesStored    int64 `json:"messages_stored"`
	DuplicatesDropped int64 `json:"duplicates_dropped"`
	DecodeErrors      int64 `json:"decode_errors"`
	RateLimitDrops    int64 `json:"rate_limit_drops"`
	SyncSessions      int64 `json:"sync_sessions"`
	ConnectFailures   int64 `json:"connect_failures"`
}

// FrameMetrics breaks down frames by type
type FrameMetrics struct {
	Received map[string]int64 `json:"received"`
	Sent     map[string]int64 `json:"sent"`
}

// GaugeMetrics contains current state values
type GaugeMetrics struct {
	ConnectedPeers      int `json:"connected_peers"`
	DiscoveredEndpoints int `json:"discovered_endpoints"`
	StoredMessages      int `json:"stored_messages"`
}

// LatencyMetrics contains latency statistics
type LatencyMetrics struct {
	ConnectAvgMs float64 `json:"connect_avg_ms"`
	ConnectP95Ms float64 `json:"connect_p95_ms"`
	ConnectMaxMs float64 `json:"connect_max_ms"`
	ApplyAvgMs   float64 `json:"apply_avg_ms"`
	ApplyP95Ms   float64 `json:"apply_p95_ms"`
	ApplyMaxMs   float64 `json:"apply_max_ms"`
}

const (
	maxErrorEntries   = 100
	maxLatencySamples = 100
)

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		startTime:      time.Now(),
		frameReceived:  make(map[string]int64),
		frameSent:      make(map[string]int64),
		errors:         make([]ErrorEntry, maxErrorEntries),
		connectLatency: make([]time.Duration, maxLatencySamples),
		applyLatency:   make([]time.Duration, maxLatencySamples),
	}
}

// RecordFrameReceived records a received frame
func (m *Metrics) RecordFrameReceived(frameType string, size int) {
	m.FramesReceived.Add(1)
	m.BytesReceived.Add(int64(size))

	m.frameCountersMu.Lock()
	m.frameReceived[frameType]++
	m.frameCountersMu.Unlock()
}

// RecordFrameSent records a sent frame
func (m *Metrics) RecordFrameSent(frameType string, size int) {
	m.FramesSent.Add(1)
	m.BytesSent.Add(int64(size))

	m.frameCountersMu.Lock()
	m.frameSent[frameType]++
	m.frameCountersMu.Unlock()
}

// FramesSentOfType returns how many frames of one type were sent
func (m *Metrics) FramesSentOfType(frameType string) int64 {
	m.frameCountersMu.RLock()
	defer m.frameCountersMu.RUnlock()
	return m.frameSent[frameType]
}

// RecordError records an error event
func (m *Metrics) RecordError(errType, message, peer string) {
	entry := ErrorEntry{
		Time:    time.Now(),
		Type:    errType,
		Message: message,
		Peer:    peer,
	}

	m.errorsMu.Lock()
	m.errors[m.errorIndex] = entry
	m.errorIndex = (m.errorIndex + 1) % maxErrorEntries
	m.errorsMu.Unlock()
}

// RecordConnectLatency records how long a transport connect took
func (m *Metrics) RecordConnectLatency(d time.Duration) {
	m.latencyMu.Lock()
	m.connectLatency[m.connectIndex] = d
	m.connectIndex = (m.connectIndex + 1) % maxLatencySamples
	m.latencyMu.Unlock()
}

// RecordApplyLatency records how long applying a message batch took
func (m *Metrics) RecordApplyLatency(d time.Duration) {
	m.latencyMu.Lock()
	m.applyLatency[m.applyLatencyIdx] = d
	m.applyLatencyIdx = (m.applyLatencyIdx + 1) % maxLatencySamples
	m.latencyMu.Unlock()
}

// Snapshot returns a point-in-time view of all metrics
func (m *Metrics) Snapshot(gaugeProvider func() GaugeMetrics) *MetricsSnapshot {
	now := time.Now()
	uptime := now.Sub(m.startTime)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.frameCountersMu.RLock()
	received := make(map[string]int64, len(m.frameReceived))
	for k, v := range m.frameReceived {
		received[k] = v
	}
	sent := make(map[string]int64, len(m.frameSent))
	for k, v := range m.frameSent {
		sent[k] = v
	}
	m.frameCountersMu.RUnlock()

	var gauges GaugeMetrics
	if gaugeProvider != nil {
		gauges = gaugeProvider()
	}

	return &MetricsSnapshot{
		Timestamp: now,
		Uptime:    uptime.Round(time.Second).String(),
		UptimeSec: uptime.Seconds(),
		System: SystemMetrics{
			GoVersion:    runtime.Version(),
			NumCPU:       runtime.NumCPU(),
			NumGoroutine: runtime.NumGoroutine(),
			MemAllocMB:   float64(memStats.Alloc) / 1024 / 1024,
			MemSysMB:     float64(memStats.Sys) / 1024 / 1024,
			NumGC:        memStats.NumGC,
		},
		Counters: CounterMetrics{
			FramesReceived:    m.FramesReceived.Load(),
			FramesSent:        m.FramesSent.Load(),
			BytesReceived:     m.BytesReceived.Load(),
			BytesSent:         m.BytesSent.Load(),
			MessagesStored:    m.MessagesStored.Load(),
			DuplicatesDropped: m.DuplicatesDropped.Load(),
			DecodeErrors:      m.DecodeErrors.Load(),
			RateLimitDrops:    m.RateLimitDrops.Load(),
			SyncSessions:      m.SyncSessions.Load(),
			ConnectFailures:   m.ConnectFailures.Load(),
		},
		FramesByType: FrameMetrics{
			Received: received,
			Sent:     sent,
		},
		Gauges:       gauges,
		Latencies:    m.calculateLatencyStats(),
		RecentErrors: m.RecentErrors(),
	}
}

// RecentErrors returns the error ring, newest first
func (m *Metrics) RecentErrors() []ErrorEntry {
	m.errorsMu.RLock()
	defer m.errorsMu.RUnlock()

	recent := make([]ErrorEntry, 0, maxErrorEntries)
	for i := 0; i < maxErrorEntries; i++ {
		idx := (m.errorIndex - 1 - i + maxErrorEntries) % maxErrorEntries
		if !m.errors[idx].Time.IsZero() {
			recent = append(recent, m.errors[idx])
		}
	}
	return recent
}

func (m *Metrics) calculateLatencyStats() LatencyMetrics {
	m.latencyMu.RLock()
	defer m.latencyMu.RUnlock()

	connect := computeLatencyStats(m.connectLatency)
	apply := computeLatencyStats(m.applyLatency)

	return LatencyMetrics{
		ConnectAvgMs: connect.avg,
		ConnectP95Ms: connect.p95,
		ConnectMaxMs: connect.max,
		ApplyAvgMs:   apply.avg,
		ApplyP95Ms:   apply.p95,
		ApplyMaxMs:   apply.max,
	}
}

type latencyStats struct {
	avg, p95, max float64
}

func computeLatencyStats(samples []time.Duration) latencyStats {
	var valid []time.Duration
	for _, d := range samples {
		if d > 0 {
			valid = append(valid, d)
		}
	}

	if len(valid) == 0 {
		return latencyStats{}
	}

	var total time.Duration
	for _, d := range valid {
		total += d
	}
	avg := total / time.Duration(len(valid))

	sort.Slice(valid, func(i, j int) bool { return valid[i] < valid[j] })

	p95Index := int(float64(len(valid)) * 0.95)
	if p95Index >= len(valid) {
		p95Index = len(valid) - 1
	}

	return latencyStats{
		avg: float64(avg.Microseconds()) / 1000,
		p95: float64(valid[p95Index].Microseconds()) / 1000,
		max: float64(valid[len(valid)-1].Microseconds()) / 1000,
	}
}
