package mesh

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"meshchat.dev/go/meshchat/internal/protocol"
)

// RateLimitConfig defines rate limits for inbound frames
type RateLimitConfig struct {
	// Per-peer limits
	PeerFramesPerSecond float64
	PeerBurst           int

	// Per-frame-type limits (frames per minute)
	TypeLimits map[protocol.FrameType]TypeLimit

	// Global limits across all peers
	GlobalFramesPerSecond float64
	GlobalBurst           int

	// Size limits per frame type (bytes)
	TypeSizeLimits map[protocol.FrameType]int

	// Drops within a minute before the peer is disconnected
	MaxDropsBeforeDisconnect int
}

// TypeLimit defines rate limit for a specific frame type
type TypeLimit struct {
	PerMinute int // Max frames of this type per minute
	Burst     int // Burst allowance
}

// DefaultRateLimitConfig returns sensible defaults
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		PeerFramesPerSecond: 50,
		PeerBurst:           100,

		TypeLimits: map[protocol.FrameType]TypeLimit{
			// Reconciliation happens once per connection
			protocol.FrameSyncRequest:  {PerMinute: 10, Burst: 3},
			protocol.FrameSyncResponse: {PerMinute: 10, Burst: 3},
			protocol.FrameMessageBatch: {PerMinute: 600, Burst: 100},

			// Chat traffic is flooded, so allow plenty
			protocol.FrameChatMessage: {PerMinute: 1200, Burst: 100},
		},

		GlobalFramesPerSecond: 500,
		GlobalBurst:           1000,

		TypeSizeLimits: map[protocol.FrameType]int{
			protocol.FrameSyncRequest:  protocol.MaxMessageSize,
			protocol.FrameSyncResponse: protocol.MaxMessageSize,
			protocol.FrameMessageBatch: protocol.MaxMessageSize,
			protocol.FrameChatMessage:  64 * 1024, // 64 KB
		},

		MaxDropsBeforeDisconnect: 100,
	}
}

// RateLimiter manages rate limiting for peer channels
type RateLimiter struct {
	config *RateLimitConfig

	globalLimiter *rate.Limiter

	peerLimiters     sync.Map // endpoint -> *rate.Limiter
	peerTypeLimiters sync.Map // "endpoint:type" -> *rate.Limiter

	mu            sync.RWMutex
	dropped       map[string]int64
	droppedByType map[protocol.FrameType]int64
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	return &RateLimiter{
		config:        config,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalFramesPerSecond), config.GlobalBurst),
		dropped:       make(map[string]int64),
		droppedByType: make(map[protocol.FrameType]int64),
	}
}

// Allow checks if a frame should be allowed through
func (rl *RateLimiter) Allow(endpointID string, frameType protocol.FrameType, size int) error {
	if err := rl.checkSizeLimit(frameType, size); err != nil {
		rl.recordDrop(endpointID, frameType)
		return err
	}

	if !rl.globalLimiter.Allow() {
		rl.recordDrop(endpointID, frameType)
		return fmt.Errorf("global rate limit exceeded")
	}

	if !rl.getPeerLimiter(endpointID).Allow() {
		rl.recordDrop(endpointID, frameType)
		return fmt.Errorf("peer rate limit exceeded")
	}

	typeLimiter := rl.getTypeLimiter(endpointID, frameType)
	if typeLimiter != nil && !typeLimiter.Allow() {
		rl.recordDrop(endpointID, frameType)
		return fmt.Errorf("frame type %s rate limit exceeded", frameType)
	}

	return nil
}

func (rl *RateLimiter) checkSizeLimit(frameType protocol.FrameType, size int) error {
	limit, exists := rl.config.TypeSizeLimits[frameType]
	if !exists {
		// Default to 1MB for unknown types
		limit = 1024 * 1024
	}

	if size > limit {
		return fmt.Errorf("frame size %d exceeds limit %d for type %s", size, limit, frameType)
	}

	return nil
}

func (rl *RateLimiter) getPeerLimiter(endpointID string) *rate.Limiter {
	if limiter, ok := rl.peerLimiters.Load(endpointID); ok {
		return limiter.(*rate.Limiter)
	}

	limiter := rate.NewLimiter(
		rate.Limit(rl.config.PeerFramesPerSecond),
		rl.config.PeerBurst,
	)

	actual, _ := rl.peerLimiters.LoadOrStore(endpointID, limiter)
	return actual.(*rate.Limiter)
}

func (rl *RateLimiter) getTypeLimiter(endpointID string, frameType protocol.FrameType) *rate.Limiter {
	key := fmt.Sprintf("%s:%s", endpointID, frameType)

	if limiter, ok := rl.peerTypeLimiters.Load(key); ok {
		return limiter.(*rate.Limiter)
	}

	typeLimit, exists := rl.config.TypeLimits[frameType]
	if !exists {
		return nil
	}

	// Convert per-minute to per-second
	perSecond := float64(typeLimit.PerMinute) / 60.0
	limiter := rate.NewLimiter(rate.Limit(perSecond), typeLimit.Burst)

	actual, _ := rl.peerTypeLimiters.LoadOrStore(key, limiter)
	return actual.(*rate.Limiter)
}

func (rl *RateLimiter) recordDrop(endpointID string, frameType protocol.FrameType) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.dropped[endpointID]++
	rl.droppedByType[frameType]++
}

// RemovePeer cleans up limiters for a disconnected peer
func (rl *RateLimiter) RemovePeer(endpointID string) {
	rl.peerLimiters.Delete(endpointID)

	for frameType := range rl.config.TypeLimits {
		rl.peerTypeLimiters.Delete(fmt.Sprintf("%s:%s", endpointID, frameType))
	}
}

// Stats returns rate limiting statistics
func (rl *RateLimiter) Stats() RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := RateLimitStats{
		DroppedByPeer: make(map[string]int64),
		DroppedByType: make(map[protocol.FrameType]int64),
	}

	for k, v := range rl.dropped {
		stats.DroppedByPeer[k] = v
		stats.TotalDropped += v
	}

	for k, v := range rl.droppedByType {
		stats.DroppedByType[k] = v
	}

	return stats
}

// RateLimitStats holds rate limiting statistics
type RateLimitStats struct {
	TotalDropped  int64                        `json:"total_dropped"`
	DroppedByPeer map[string]int64             `json:"dropped_by_peer"`
	DroppedByType map[protocol.FrameType]int64 `json:"dropped_by_type"`
}

// dropTracker counts recent drops per peer for the disconnect decision
type dropTracker struct {
	mu        sync.Mutex
	drops     map[string]int
	lastReset map[string]time.Time
}

func newDropTracker() *dropTracker {
	return &dropTracker{
		drops:     make(map[string]int),
		lastReset: make(map[string]time.Time),
	}
}

func (t *dropTracker) recordDrop(endpointID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Reset if it's been more than a minute since last reset
	if time.Since(t.lastReset[endpointID]) > time.Minute {
		t.drops[endpointID] = 0
		t.lastReset[endpointID] = time.Now()
	}

	t.drops[endpointID]++
	return t.drops[endpointID]
}

func (t *dropTracker) reset(endpointID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drops[endpointID] = 0
	t.lastReset[endpointID] = time.Now()
}

func (t *dropTracker) remove(endpointID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.drops, endpointID)
	delete(t.lastReset, endpointID)
}
