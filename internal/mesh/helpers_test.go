package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshchat.dev/go/meshchat/internal/chat"
	"meshchat.dev/go/meshchat/internal/protocol"
	"meshchat.dev/go/meshchat/internal/store"
	"meshchat.dev/go/meshchat/internal/transport/mem"
)

const waitFor = 3 * time.Second
const tick = 10 * time.Millisecond

var epoch = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func testMessage(id string) chat.Message {
	return chat.Message{
		ID:        id,
		Content:   "hello from " + id,
		UserID:    "tester",
		ChatID:    chat.GlobalChatID,
		CreatedAt: epoch,
	}
}

// newTestNode creates a node on hub whose store already holds ids.
func newTestNode(t *testing.T, hub *mem.Hub, name string, ids ...string) *Node {
	t.Helper()

	st := store.NewMemory()
	for _, id := range ids {
		_, err := st.Insert(context.Background(), testMessage(id))
		require.NoError(t, err)
	}

	n, err := NewNode(Config{Adapter: hub.NewAdapter(name), Store: st})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func startAll(t *testing.T, nodes ...*Node) {
	t.Helper()
	for _, n := range nodes {
		require.NoError(t, n.Start(context.Background()))
	}
}

func idsOf(t *testing.T, n *Node) []string {
	t.Helper()
	ids, err := n.MessageIDs(context.Background())
	require.NoError(t, err)
	return ids
}

func countOf(t *testing.T, n *Node) int {
	t.Helper()
	c, err := n.MessageCount(context.Background())
	require.NoError(t, err)
	return c
}

func waitConnected(t *testing.T, n *Node, peers int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(n.ConnectedPeerIDs()) == peers
	}, waitFor, tick, "%s never reached %d peers", n.Name(), peers)
}

// waitEvent returns the next event of the given type.
func waitEvent(t *testing.T, ch <-chan Event, event string) Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", event)
			}
			if e.Event == event {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

// frameCounter counts frames crossing a hub by type.
type frameCounter struct {
	mu     sync.Mutex
	counts map[protocol.FrameType]int
}

func countFrames(hub *mem.Hub) *frameCounter {
	c := &frameCounter{counts: make(map[protocol.FrameType]int)}
	hub.OnSend(func(from, to string, data []byte) {
		c.mu.Lock()
		c.counts[protocol.PeekType(data)]++
		c.mu.Unlock()
	})
	return c
}

func (c *frameCounter) get(ft protocol.FrameType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[ft]
}

type sentFrame struct {
	to    string
	frame *protocol.Frame
}

// recordingSender captures directed sends.
type recordingSender struct {
	mu     sync.Mutex
	frames []sentFrame
	err    error
}

func (r *recordingSender) Send(ctx context.Context, to string, frame *protocol.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, sentFrame{to: to, frame: frame})
	return nil
}

func (r *recordingSender) sent() []sentFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentFrame(nil), r.frames...)
}

// recordingBroadcaster captures broadcasts.
type recordingBroadcaster struct {
	mu      sync.Mutex
	frames  []*protocol.Frame
	excepts []string
	peers   int
}

func (r *recordingBroadcaster) Broadcast(ctx context.Context, frame *protocol.Frame) int {
	return r.BroadcastExcept(ctx, frame, "")
}

func (r *recordingBroadcaster) BroadcastExcept(ctx context.Context, frame *protocol.Frame, except string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	r.excepts = append(r.excepts, except)
	return r.peers
}

func (r *recordingBroadcaster) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func encodeFrame(t *testing.T, ft protocol.FrameType, payload any) []byte {
	t.Helper()
	frame, err := protocol.NewFrame(ft, payload)
	require.NoError(t, err)
	data, err := protocol.Encode(frame)
	require.NoError(t, err)
	return data
}
