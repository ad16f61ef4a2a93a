// Package mem is an in-process transport. Every adapter registered on a Hub
// can discover and connect to every other; endpoint ids are adapter names.
package mem

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"meshchat.dev/go/meshchat/internal/transport"
)

// SendHook observes every payload sent through the hub.
type SendHook func(from, to string, data []byte)

// Hub connects in-process adapters.
type Hub struct {
	mu       sync.Mutex
	adapters map[string]*Adapter
	hook     SendHook
	sent     atomic.Int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{adapters: make(map[string]*Adapter)}
}

// OnSend installs a hook called for every payload sent on any channel.
func (h *Hub) OnSend(hook SendHook) {
	h.mu.Lock()
	h.hook = hook
	h.mu.Unlock()
}

// Sent returns the number of payloads sent through the hub.
func (h *Hub) Sent() int64 {
	return h.sent.Load()
}

// NewAdapter registers a new adapter under name.
func (h *Hub) NewAdapter(name string) *Adapter {
	a := &Adapter{
		hub:      h,
		name:     name,
		channels: make(map[*end]struct{}),
	}
	h.mu.Lock()
	h.adapters[name] = a
	h.mu.Unlock()
	return a
}

// Sever closes every channel between a and b, as if the link dropped.
func (h *Hub) Sever(a, b string) {
	h.mu.Lock()
	left := h.adapters[a]
	h.mu.Unlock()
	if left == nil {
		return
	}
	for _, e := range left.snapshotChannels() {
		if e.remote == b {
			e.Close()
		}
	}
}

func (h *Hub) recordSend(from, to string, data []byte) {
	h.sent.Add(1)
	h.mu.Lock()
	hook := h.hook
	h.mu.Unlock()
	if hook != nil {
		hook(from, to, data)
	}
}

// visible returns every other adapter currently advertising.
func (h *Hub) visible(self string) []*Adapter {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Adapter
	for name, a := range h.adapters {
		if name != self && a.isAdvertising() {
			out = append(out, a)
		}
	}
	return out
}

// watchers returns every other adapter currently discovering.
func (h *Hub) watchers(self string) []*Adapter {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Adapter
	for name, a := range h.adapters {
		if name != self && a.isDiscovering() {
			out = append(out, a)
		}
	}
	return out
}

func (h *Hub) lookup(name string) *Adapter {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.adapters[name]
}

func (h *Hub) remove(name string) {
	h.mu.Lock()
	delete(h.adapters, name)
	h.mu.Unlock()
}

// Adapter is one node's view of the hub.
type Adapter struct {
	hub  *Hub
	name string

	mu          sync.Mutex
	handler     transport.Handler
	advertising bool
	discovering bool
	closed      bool
	channels    map[*end]struct{}
}

var _ transport.Adapter = (*Adapter)(nil)

func (a *Adapter) LocalName() string { return a.name }

func (a *Adapter) Start(ctx context.Context, h transport.Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return transport.ErrClosed
	}
	a.handler = h
	return nil
}

func (a *Adapter) StartAdvertising(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return transport.ErrClosed
	}
	a.advertising = true
	a.mu.Unlock()

	self := transport.Endpoint{ID: a.name, Name: a.name}
	for _, w := range a.hub.watchers(a.name) {
		w.discovered(self)
	}
	return nil
}

func (a *Adapter) StopAdvertising() {
	a.mu.Lock()
	was := a.advertising
	a.advertising = false
	a.mu.Unlock()

	if was {
		for _, w := range a.hub.watchers(a.name) {
			w.lost(a.name)
		}
	}
}

func (a *Adapter) StartDiscovery(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return transport.ErrClosed
	}
	a.discovering = true
	a.mu.Unlock()

	for _, other := range a.hub.visible(a.name) {
		a.discovered(transport.Endpoint{ID: other.name, Name: other.name})
	}
	return nil
}

func (a *Adapter) StopDiscovery() {
	a.mu.Lock()
	a.discovering = false
	a.mu.Unlock()
}

// Connect opens a channel to the adapter named endpointID.
func (a *Adapter) Connect(ctx context.Context, endpointID string) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}

	target := a.hub.lookup(endpointID)
	if target == nil || !target.isAdvertising() {
		return nil, fmt.Errorf("connect %s: %w", endpointID, transport.ErrUnknownEndpoint)
	}

	local, remote := newPipe(a.hub, a.name, target.name)
	a.track(local)
	if err := target.accept(remote); err != nil {
		local.Close()
		return nil, fmt.Errorf("connect %s: %w", endpointID, err)
	}
	return local, nil
}

// Close tears down every channel and leaves the hub.
func (a *Adapter) Close() error {
	a.StopAdvertising()
	a.StopDiscovery()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	for _, e := range a.snapshotChannels() {
		e.Close()
	}
	a.hub.remove(a.name)
	return nil
}

func (a *Adapter) isAdvertising() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.advertising && !a.closed
}

func (a *Adapter) isDiscovering() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.discovering && !a.closed
}

func (a *Adapter) currentHandler() transport.Handler {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handler
}

func (a *Adapter) discovered(ep transport.Endpoint) {
	if h := a.currentHandler(); h != nil {
		h.EndpointDiscovered(ep)
	}
}

func (a *Adapter) lost(id string) {
	if h := a.currentHandler(); h != nil {
		h.EndpointLost(id)
	}
}

func (a *Adapter) accept(e *end) error {
	h := a.currentHandler()
	if h == nil {
		return transport.ErrClosed
	}
	a.track(e)
	h.Incoming(e)
	return nil
}

func (a *Adapter) track(e *end) {
	a.mu.Lock()
	a.channels[e] = struct{}{}
	a.mu.Unlock()
	e.onClose = func() {
		a.mu.Lock()
		delete(a.channels, e)
		a.mu.Unlock()
	}
}

func (a *Adapter) snapshotChannels() []*end {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*end, 0, len(a.channels))
	for e := range a.channels {
		out = append(out, e)
	}
	return out
}
