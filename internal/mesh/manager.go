package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"meshchat.dev/go/meshchat/internal/protocol"
	"meshchat.dev/go/meshchat/internal/transport"
)

const (
	// ConnectTimeout is how long to wait when connecting to a peer
	ConnectTimeout = 30 * time.Second

	// sendBuffer is the outbound queue length per peer
	sendBuffer = 256
)

var (
	ErrPeerNotConnected = errors.New("peer not connected")
	ErrPeerDisconnected = errors.New("peer disconnected")
)

// FrameHandler processes one inbound frame. Frames from a peer are handed
// over one at a time, in arrival order.
type FrameHandler func(ctx context.Context, from string, data []byte) error

// ConnectedFunc runs once for each newly registered peer. ctx ends when the
// peer disconnects.
type ConnectedFunc func(ctx context.Context, endpointID string)

type outbound struct {
	frameType protocol.FrameType
	data      []byte
}

// Peer is a live connection owned by the Manager
type Peer struct {
	EndpointID  string
	Name        string
	ConnectedAt time.Time

	mu       sync.RWMutex
	lastSeen time.Time
	closed   bool

	channel transport.Channel
	ctx     context.Context
	cancel  context.CancelFunc
	sendCh  chan outbound
}

// PeerInfo is the public view of a peer
type PeerInfo struct {
	EndpointID  string    `json:"endpoint_id"`
	Name        string    `json:"name"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *Peer) info() PeerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PeerInfo{
		EndpointID:  p.EndpointID,
		Name:        p.Name,
		ConnectedAt: p.ConnectedAt,
		LastSeen:    p.lastSeen,
	}
}

// Manager owns the set of live peers. It is the transport.Handler for its
// adapter and the only place peers are added or removed.
type Manager struct {
	localName string
	adapter   transport.Adapter
	events    *Bus
	metrics   *Metrics
	limiter   *RateLimiter
	drops     *dropTracker
	maxDrops  int

	onFrame     FrameHandler
	onConnected ConnectedFunc

	mu         sync.RWMutex
	peers      map[string]*Peer              // endpoint id -> peer
	discovered map[string]transport.Endpoint // endpoint id -> endpoint
	connecting map[string]struct{}
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ transport.Handler = (*Manager)(nil)

// NewManager creates a connection manager for adapter. A nil limits uses
// DefaultRateLimitConfig.
func NewManager(adapter transport.Adapter, events *Bus, metrics *Metrics, limits *RateLimitConfig) *Manager {
	if limits == nil {
		limits = DefaultRateLimitConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		localName:  adapter.LocalName(),
		adapter:    adapter,
		events:     events,
		metrics:    metrics,
		limiter:    NewRateLimiter(limits),
		drops:      newDropTracker(),
		maxDrops:   limits.MaxDropsBeforeDisconnect,
		peers:      make(map[string]*Peer),
		discovered: make(map[string]transport.Endpoint),
		connecting: make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetHandlers installs the frame and connection callbacks. Call before Start.
func (m *Manager) SetHandlers(onFrame FrameHandler, onConnected ConnectedFunc) {
	m.onFrame = onFrame
	m.onConnected = onConnected
}

// Start hands the manager to the adapter and begins advertising and
// discovery.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.adapter.Start(ctx, m); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	// Discovery can still work without advertising, and the reverse
	if err := m.adapter.StartAdvertising(ctx); err != nil {
		slog.Warn("Failed to start advertising", "error", err)
	}
	if err := m.adapter.StartDiscovery(ctx); err != nil {
		slog.Warn("Failed to start discovery", "error", err)
	}
	return nil
}

// EndpointDiscovered records the endpoint and, if the tie-break says so,
// dials it on a separate goroutine.
func (m *Manager) EndpointDiscovered(ep transport.Endpoint) {
	if ep.Name == "" {
		ep.Name = ep.ID
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	_, known := m.discovered[ep.ID]
	m.discovered[ep.ID] = ep
	m.wg.Add(1)
	m.mu.Unlock()

	if !known {
		slog.Info("Peer discovered", "peer", ep.Name, "endpoint", ep.ID)
		m.events.Publish(EventPeerDiscovered, PeerPayload{EndpointID: ep.ID, Name: ep.Name})
	}

	go func() {
		defer m.wg.Done()
		m.maybeConnect(ep)
	}()
}

// EndpointLost forgets a discovered endpoint. A live channel to it stays up
// until the channel itself fails.
func (m *Manager) EndpointLost(endpointID string) {
	m.mu.Lock()
	ep, ok := m.discovered[endpointID]
	delete(m.discovered, endpointID)
	m.mu.Unlock()

	if ok {
		slog.Info("Peer lost", "peer", ep.Name, "endpoint", endpointID)
		m.events.Publish(EventPeerLost, PeerPayload{EndpointID: endpointID, Name: ep.Name})
	}
}

// Incoming registers a channel the remote side opened
func (m *Manager) Incoming(ch transport.Channel) {
	m.mu.RLock()
	name := ch.EndpointID()
	if ep, ok := m.discovered[name]; ok {
		name = ep.Name
	}
	m.mu.RUnlock()

	m.register(ch, name)
}

func (m *Manager) maybeConnect(ep transport.Endpoint) {
	if ep.Name == m.localName {
		slog.Warn("Peer uses our name, neither side will connect", "peer", ep.Name, "endpoint", ep.ID)
		return
	}
	if !ShouldInitiate(m.localName, ep.Name) {
		slog.Debug("Waiting for peer to connect", "peer", ep.Name)
		return
	}

	m.mu.Lock()
	_, live := m.peers[ep.ID]
	_, pending := m.connecting[ep.ID]
	if m.closed || live || pending {
		m.mu.Unlock()
		return
	}
	m.connecting[ep.ID] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.connecting, ep.ID)
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(m.ctx, ConnectTimeout)
	defer cancel()

	start := time.Now()
	ch, err := m.adapter.Connect(ctx, ep.ID)
	if err != nil {
		slog.Warn("Failed to connect to peer", "peer", ep.Name, "endpoint", ep.ID, "error", err)
		m.metrics.ConnectFailures.Add(1)
		m.metrics.RecordError("connect", err.Error(), ep.ID)
		m.events.Publish(EventConnectionFailed, ConnectionFailedPayload{EndpointID: ep.ID, Reason: err.Error()})
		return
	}
	m.metrics.RecordConnectLatency(time.Since(start))

	m.register(ch, ep.Name)
}

// register adds a confirmed channel to the live set and starts its loops.
// A second channel to an endpoint that is already live is closed.
func (m *Manager) register(ch transport.Channel, name string) {
	id := ch.EndpointID()
	ctx, cancel := context.WithCancel(m.ctx)
	now := time.Now()

	peer := &Peer{
		EndpointID:  id,
		Name:        name,
		ConnectedAt: now,
		lastSeen:    now,
		channel:     ch,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan outbound, sendBuffer),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		ch.Close()
		return
	}
	if _, exists := m.peers[id]; exists {
		m.mu.Unlock()
		slog.Debug("Already connected, closing duplicate channel", "peer", name)
		cancel()
		ch.Close()
		return
	}
	m.peers[id] = peer
	m.wg.Add(2)
	if m.onConnected != nil {
		m.wg.Add(1)
	}
	m.mu.Unlock()

	slog.Info("Peer connected", "peer", name, "endpoint", id)

	go m.sendLoop(peer)
	go m.receiveLoop(peer)

	m.events.Publish(EventPeerConnected, PeerPayload{EndpointID: id, Name: name})

	if m.onConnected != nil {
		go func() {
			defer m.wg.Done()
			m.onConnected(peer.ctx, id)
		}()
	}
}

// sendLoop handles outgoing frames for a peer
func (m *Manager) sendLoop(peer *Peer) {
	defer m.wg.Done()

	for {
		select {
		case <-peer.ctx.Done():
			return
		case out := <-peer.sendCh:
			if err := peer.channel.Send(peer.ctx, out.data); err != nil {
				if peer.ctx.Err() != nil {
					return
				}
				slog.Debug("Send failed", "peer", peer.Name, "error", err)
				m.metrics.RecordError("send", err.Error(), peer.EndpointID)
				m.disconnectPeer(peer)
				return
			}
			m.metrics.RecordFrameSent(string(out.frameType), len(out.data))
		}
	}
}

// receiveLoop handles incoming frames from a peer with rate limiting
func (m *Manager) receiveLoop(peer *Peer) {
	defer m.wg.Done()

	for {
		data, err := peer.channel.Recv(peer.ctx)
		if err != nil {
			if peer.ctx.Err() == nil {
				slog.Debug("Receive failed", "peer", peer.Name, "error", err)
				m.metrics.RecordError("receive", err.Error(), peer.EndpointID)
			}
			m.disconnectPeer(peer)
			return
		}

		frameType := protocol.PeekType(data)
		m.metrics.RecordFrameReceived(string(frameType), len(data))

		if err := m.limiter.Allow(peer.EndpointID, frameType, len(data)); err != nil {
			m.metrics.RateLimitDrops.Add(1)
			drops := m.drops.recordDrop(peer.EndpointID)
			slog.Warn("Frame rate limited",
				"peer", peer.Name,
				"type", frameType,
				"size", len(data),
				"error", err,
				"drops", drops,
			)

			if m.maxDrops > 0 && drops > m.maxDrops {
				slog.Warn("Too many rate limit drops, disconnecting peer",
					"peer", peer.Name,
					"drops", drops,
				)
				m.disconnectPeer(peer)
				return
			}
			continue
		}

		m.drops.reset(peer.EndpointID)
		peer.touch()

		if m.onFrame == nil {
			continue
		}
		if err := m.onFrame(peer.ctx, peer.EndpointID, data); err != nil {
			slog.Warn("Dropped frame", "peer", peer.Name, "type", frameType, "error", err)
			m.metrics.RecordError("frame", err.Error(), peer.EndpointID)
		}
	}
}

// disconnectPeer tears a peer down. Safe to call more than once.
func (m *Manager) disconnectPeer(peer *Peer) {
	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		return
	}
	peer.closed = true
	peer.cancel()
	peer.mu.Unlock()

	peer.channel.Close()

	m.mu.Lock()
	if m.peers[peer.EndpointID] == peer {
		delete(m.peers, peer.EndpointID)
	}
	m.mu.Unlock()

	m.limiter.RemovePeer(peer.EndpointID)
	m.drops.remove(peer.EndpointID)

	slog.Info("Peer disconnected", "peer", peer.Name, "endpoint", peer.EndpointID)

	m.events.Publish(EventPeerDisconnected, PeerPayload{EndpointID: peer.EndpointID, Name: peer.Name})
}

// Send queues a frame for one live peer. It fails with ErrPeerNotConnected
// for an endpoint that is not live and ErrPeerDisconnected if the peer goes
// away before the frame is queued.
func (m *Manager) Send(ctx context.Context, endpointID string, frame *protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	m.mu.RLock()
	peer := m.peers[endpointID]
	m.mu.RUnlock()

	if peer == nil {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, endpointID)
	}

	if peer.ctx.Err() != nil {
		return fmt.Errorf("%w: %s", ErrPeerDisconnected, endpointID)
	}

	select {
	case peer.sendCh <- outbound{frameType: frame.Type, data: data}:
		return nil
	case <-peer.ctx.Done():
		return fmt.Errorf("%w: %s", ErrPeerDisconnected, endpointID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast queues a frame for every live peer and returns how many peers
// it was queued to.
func (m *Manager) Broadcast(ctx context.Context, frame *protocol.Frame) int {
	return m.BroadcastExcept(ctx, frame, "")
}

// BroadcastExcept is Broadcast without the peer named by except. A peer
// whose send queue is full is skipped and the frame is not retried; that
// peer gets the message from the sync round of its next connection.
func (m *Manager) BroadcastExcept(ctx context.Context, frame *protocol.Frame, except string) int {
	if ctx.Err() != nil {
		return 0
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		slog.Warn("Failed to encode broadcast frame", "type", frame.Type, "error", err)
		return 0
	}

	queued := 0
	for _, peer := range m.snapshot() {
		if peer.EndpointID == except || peer.ctx.Err() != nil {
			continue
		}

		select {
		case peer.sendCh <- outbound{frameType: frame.Type, data: data}:
			queued++
		default:
			slog.Warn("Send buffer full, skipping peer", "peer", peer.Name, "type", frame.Type)
			m.metrics.RecordError("send_buffer_full", string(frame.Type), peer.EndpointID)
		}
	}
	return queued
}

// Disconnect tears down one live peer
func (m *Manager) Disconnect(endpointID string) error {
	m.mu.RLock()
	peer := m.peers[endpointID]
	m.mu.RUnlock()

	if peer == nil {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, endpointID)
	}
	m.disconnectPeer(peer)
	return nil
}

// DisconnectAll tears down every live peer and returns how many there were
func (m *Manager) DisconnectAll() int {
	peers := m.snapshot()
	for _, peer := range peers {
		m.disconnectPeer(peer)
	}
	return len(peers)
}

// ConnectedPeerIDs returns the live endpoint ids, sorted
func (m *Manager) ConnectedPeerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Peers returns the live peers, sorted by endpoint id
func (m *Manager) Peers() []PeerInfo {
	peers := m.snapshot()
	infos := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		infos = append(infos, p.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].EndpointID < infos[j].EndpointID })
	return infos
}

// PeerCount returns the number of live peers
func (m *Manager) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// Discovered returns the endpoints currently known to the adapter
func (m *Manager) Discovered() []transport.Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	eps := make([]transport.Endpoint, 0, len(m.discovered))
	for _, ep := range m.discovered {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].ID < eps[j].ID })
	return eps
}

// RateLimitStats returns the inbound rate limiting statistics
func (m *Manager) RateLimitStats() RateLimitStats {
	return m.limiter.Stats()
}

// Close disconnects every peer and closes the adapter
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.adapter.StopDiscovery()
	m.adapter.StopAdvertising()

	m.DisconnectAll()
	m.cancel()
	m.wg.Wait()

	return m.adapter.Close()
}

func (m *Manager) snapshot() []*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	return peers
}
