// Package mesh is the peer-mesh core: the connection manager, the sync
// engine and the message router, wired together by Node.
package mesh

import (
	"context"
	"errors"
	"fmt"

	"meshchat.dev/go/meshchat/internal/chat"
	"meshchat.dev/go/meshchat/internal/store"
	"meshchat.dev/go/meshchat/internal/transport"
)

// Config configures a Node
type Config struct {
	Adapter    transport.Adapter
	Store      store.Store
	BatchSize  int
	RateLimits *RateLimitConfig
}

// Node is one device in the mesh. The store belongs to the caller and is
// not closed by Close.
type Node struct {
	name    string
	store   store.Store
	events  *Bus
	metrics *Metrics
	manager *Manager
	syncer  *Syncer
	router  *Router
}

// NewNode wires a connection manager, sync engine and router around the
// given adapter and store.
func NewNode(cfg Config) (*Node, error) {
	if cfg.Adapter == nil {
		return nil, errors.New("mesh: adapter is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("mesh: store is required")
	}
	name := cfg.Adapter.LocalName()
	if err := chat.ValidateUsername(name); err != nil {
		return nil, fmt.Errorf("mesh: local name: %w", err)
	}

	events := NewBus()
	metrics := NewMetrics()
	manager := NewManager(cfg.Adapter, events, metrics, cfg.RateLimits)
	syncer := NewSyncer(cfg.Store, manager, events, metrics, cfg.BatchSize)
	router := NewRouter(cfg.Store, manager, syncer, events, metrics)

	n := &Node{
		name:    name,
		store:   cfg.Store,
		events:  events,
		metrics: metrics,
		manager: manager,
		syncer:  syncer,
		router:  router,
	}
	manager.SetHandlers(router.HandleFrame, n.startSync)
	return n, nil
}

func (n *Node) startSync(ctx context.Context, endpointID string) {
	if err := n.syncer.Start(ctx, endpointID); err != nil {
		n.metrics.RecordError("sync", err.Error(), endpointID)
	}
}

// Start begins advertising, discovery and accepting peers
func (n *Node) Start(ctx context.Context) error {
	return n.manager.Start(ctx)
}

// Close disconnects every peer, closes the transport and ends every
// event subscription.
func (n *Node) Close() error {
	err := n.manager.Close()
	n.events.Close()
	return err
}

// Name returns the local display name
func (n *Node) Name() string { return n.name }

// ComposeAndSend stores a locally written message and floods it
func (n *Node) ComposeAndSend(ctx context.Context, content, userID, chatID string) (chat.Message, error) {
	return n.router.ComposeAndSend(ctx, content, userID, chatID)
}

// GetMessages returns one chat in display order
func (n *Node) GetMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	return n.router.GetMessages(ctx, chatID)
}

// MessageCount returns how many messages the node holds
func (n *Node) MessageCount(ctx context.Context) (int, error) {
	return n.store.Count(ctx)
}

// MessageIDs returns every message id the node holds
func (n *Node) MessageIDs(ctx context.Context) ([]string, error) {
	return n.store.IDs(ctx)
}

func (n *Node) ConnectedPeerIDs() []string         { return n.manager.ConnectedPeerIDs() }
func (n *Node) Peers() []PeerInfo                  { return n.manager.Peers() }
func (n *Node) Discovered() []transport.Endpoint   { return n.manager.Discovered() }
func (n *Node) Disconnect(endpointID string) error { return n.manager.Disconnect(endpointID) }
func (n *Node) DisconnectAll() int                 { return n.manager.DisconnectAll() }
func (n *Node) RateLimitStats() RateLimitStats     { return n.manager.RateLimitStats() }

// Subscribe returns a stream of node events and a func that ends it
func (n *Node) Subscribe() (<-chan Event, func()) {
	return n.events.Subscribe()
}

// Metrics returns a snapshot of the node's metrics
func (n *Node) Metrics(ctx context.Context) *MetricsSnapshot {
	return n.metrics.Snapshot(func() GaugeMetrics {
		count, _ := n.store.Count(ctx)
		return GaugeMetrics{
			ConnectedPeers:      n.manager.PeerCount(),
			DiscoveredEndpoints: len(n.manager.Discovered()),
			StoredMessages:      count,
		}
	})
}
