package lan

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ConnectionLimiter guards the listener before any hello is read.
type ConnectionLimiter struct {
	maxConnections     int32
	currentConnections int32
	connectionsPerSec  *rate.Limiter

	perIP   sync.Map // IP -> *ipLimit
	blocked sync.Map // IP -> unblock time

	maxConnectionsPerIP int32
	maxFailuresPerIP    int32
	blockDuration       time.Duration
	failureWindow       time.Duration
	ipConnectionsPerSec float64
	ipConnectionBurst   int
}

type ipLimit struct {
	connections int32
	limiter     *rate.Limiter
	failures    int32
	lastFailure time.Time
	mu          sync.Mutex
}

// LimiterConfig holds configuration for the connection limiter
type LimiterConfig struct {
	MaxConnections      int32         // Max total inbound connections
	ConnectionsPerSec   float64       // New connections per second globally
	ConnectionBurst     int           // Burst allowance
	MaxConnectionsPerIP int32         // Max connections per IP
	IPConnectionsPerSec float64       // New connections per second per IP
	IPConnectionBurst   int           // Burst per IP
	MaxFailuresPerIP    int32         // Failed hellos before a temporary block
	FailureWindow       time.Duration // Window for counting failures
	BlockDuration       time.Duration // How long to block after failures
}

// DefaultLimiterConfig returns defaults sized for a room full of devices
func DefaultLimiterConfig() *LimiterConfig {
	return &LimiterConfig{
		MaxConnections:      64,
		ConnectionsPerSec:   10,
		ConnectionBurst:     20,
		MaxConnectionsPerIP: 4,
		IPConnectionsPerSec: 2,
		IPConnectionBurst:   4,
		MaxFailuresPerIP:    5,
		FailureWindow:       time.Minute,
		BlockDuration:       5 * time.Minute,
	}
}

// NewConnectionLimiter creates a limiter; nil config uses the defaults
func NewConnectionLimiter(cfg *LimiterConfig) *ConnectionLimiter {
	if cfg == nil {
		cfg = DefaultLimiterConfig()
	}

	return &ConnectionLimiter{
		maxConnections:      cfg.MaxConnections,
		connectionsPerSec:   rate.NewLimiter(rate.Limit(cfg.ConnectionsPerSec), cfg.ConnectionBurst),
		maxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		maxFailuresPerIP:    cfg.MaxFailuresPerIP,
		blockDuration:       cfg.BlockDuration,
		failureWindow:       cfg.FailureWindow,
		ipConnectionsPerSec: cfg.IPConnectionsPerSec,
		ipConnectionBurst:   cfg.IPConnectionBurst,
	}
}

// AllowConnection checks if a new connection should be accepted and, if so,
// counts it until ReleaseConnection.
func (cl *ConnectionLimiter) AllowConnection(remoteAddr net.Addr) error {
	ip := extractIP(remoteAddr)

	if unblock, blocked := cl.blocked.Load(ip); blocked {
		if time.Now().Before(unblock.(time.Time)) {
			return fmt.Errorf("IP temporarily blocked")
		}
		cl.blocked.Delete(ip)
	}

	if !cl.connectionsPerSec.Allow() {
		return fmt.Errorf("global connection rate exceeded")
	}

	if atomic.LoadInt32(&cl.currentConnections) >= cl.maxConnections {
		return fmt.Errorf("max connections reached")
	}

	limit := cl.getIPLimit(ip)

	if atomic.LoadInt32(&limit.connections) >= cl.maxConnectionsPerIP {
		return fmt.Errorf("per-IP connection limit exceeded")
	}

	if !limit.limiter.Allow() {
		return fmt.Errorf("per-IP rate limit exceeded")
	}

	atomic.AddInt32(&cl.currentConnections, 1)
	atomic.AddInt32(&limit.connections, 1)
	return nil
}

// ReleaseConnection must be called when an allowed connection closes.
func (cl *ConnectionLimiter) ReleaseConnection(remoteAddr net.Addr) {
	ip := extractIP(remoteAddr)

	atomic.AddInt32(&cl.currentConnections, -1)

	if v, ok := cl.perIP.Load(ip); ok {
		atomic.AddInt32(&v.(*ipLimit).connections, -1)
	}
}

// RecordFailure records a failed hello. Too many failures within the
// window block the IP for a while.
func (cl *ConnectionLimiter) RecordFailure(remoteAddr net.Addr) {
	ip := extractIP(remoteAddr)
	limit := cl.getIPLimit(ip)

	limit.mu.Lock()
	defer limit.mu.Unlock()

	if time.Since(limit.lastFailure) > cl.failureWindow {
		limit.failures = 0
	}

	limit.failures++
	limit.lastFailure = time.Now()

	if limit.failures >= cl.maxFailuresPerIP {
		unblock := time.Now().Add(cl.blockDuration)
		cl.blocked.Store(ip, unblock)
		slog.Warn("IP blocked due to repeated failures",
			"ip", ip,
			"failures", limit.failures,
			"blocked_until", unblock.Format(time.RFC3339))
		limit.failures = 0
	}
}

// RecordSuccess resets the failure counter for an IP
func (cl *ConnectionLimiter) RecordSuccess(remoteAddr net.Addr) {
	if v, ok := cl.perIP.Load(extractIP(remoteAddr)); ok {
		limit := v.(*ipLimit)
		limit.mu.Lock()
		limit.failures = 0
		limit.mu.Unlock()
	}
}

// Current returns the number of inbound connections being tracked
func (cl *ConnectionLimiter) Current() int32 {
	return atomic.LoadInt32(&cl.currentConnections)
}

func (cl *ConnectionLimiter) getIPLimit(ip string) *ipLimit {
	if v, ok := cl.perIP.Load(ip); ok {
		return v.(*ipLimit)
	}

	limit := &ipLimit{
		limiter: rate.NewLimiter(rate.Limit(cl.ipConnectionsPerSec), cl.ipConnectionBurst),
	}
	actual, _ := cl.perIP.LoadOrStore(ip, limit)
	return actual.(*ipLimit)
}

func extractIP(addr net.Addr) string {
	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	case *net.UDPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
