package mesh

import (
	"testing"

	"meshchat.dev/go/meshchat/internal/protocol"
)

func testRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		PeerFramesPerSecond:   1000,
		PeerBurst:             1000,
		GlobalFramesPerSecond: 1000,
		GlobalBurst:           1000,
		TypeLimits: map[protocol.FrameType]TypeLimit{
			protocol.FrameSyncRequest: {PerMinute: 1, Burst: 2},
		},
		TypeSizeLimits: map[protocol.FrameType]int{
			protocol.FrameChatMessage: 100,
		},
		MaxDropsBeforeDisconnect: 3,
	}
}

func TestRateLimiterTypeBurst(t *testing.T) {
	rl := NewRateLimiter(testRateLimitConfig())

	for i := 0; i < 2; i++ {
		if err := rl.Allow("alice", protocol.FrameSyncRequest, 10); err != nil {
			t.Fatalf("frame %d should be allowed: %v", i, err)
		}
	}

	if err := rl.Allow("alice", protocol.FrameSyncRequest, 10); err == nil {
		t.Error("third sync_request should exceed the burst")
	}

	// Other peers have their own budget
	if err := rl.Allow("bob", protocol.FrameSyncRequest, 10); err != nil {
		t.Errorf("bob should be allowed: %v", err)
	}

	stats := rl.Stats()
	if stats.TotalDropped != 1 || stats.DroppedByPeer["alice"] != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.DroppedByType[protocol.FrameSyncRequest] != 1 {
		t.Errorf("DroppedByType: got %d, want 1", stats.DroppedByType[protocol.FrameSyncRequest])
	}
}

func TestRateLimiterSizeLimit(t *testing.T) {
	rl := NewRateLimiter(testRateLimitConfig())

	if err := rl.Allow("alice", protocol.FrameChatMessage, 100); err != nil {
		t.Errorf("frame at the limit should be allowed: %v", err)
	}
	if err := rl.Allow("alice", protocol.FrameChatMessage, 101); err == nil {
		t.Error("oversized frame should be rejected")
	}
}

func TestRateLimiterRemovePeer(t *testing.T) {
	rl := NewRateLimiter(testRateLimitConfig())

	rl.Allow("alice", protocol.FrameSyncRequest, 1)
	rl.Allow("alice", protocol.FrameSyncRequest, 1)
	if err := rl.Allow("alice", protocol.FrameSyncRequest, 1); err == nil {
		t.Fatal("expected the burst to be exhausted")
	}

	rl.RemovePeer("alice")

	if err := rl.Allow("alice", protocol.FrameSyncRequest, 1); err != nil {
		t.Errorf("a reconnecting peer starts with a fresh budget: %v", err)
	}
}

func TestDropTracker(t *testing.T) {
	tr := newDropTracker()

	if got := tr.recordDrop("alice"); got != 1 {
		t.Errorf("first drop: got %d, want 1", got)
	}
	if got := tr.recordDrop("alice"); got != 2 {
		t.Errorf("second drop: got %d, want 2", got)
	}

	tr.reset("alice")
	if got := tr.recordDrop("alice"); got != 1 {
		t.Errorf("after reset: got %d, want 1", got)
	}

	tr.remove("alice")
	if got := tr.recordDrop("alice"); got != 1 {
		t.Errorf("after remove: got %d, want 1", got)
	}
}
