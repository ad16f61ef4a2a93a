// Package lan is the local-network transport: zeroconf for discovery and
// advertising, TCP with length-prefixed framing for channels.
//
// Endpoint ids are peer names. A hello exchange on every new connection
// tells the accepting side who dialed it.
package lan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"meshchat.dev/go/meshchat/internal/protocol"
	"meshchat.dev/go/meshchat/internal/transport"
)

const (
	// DefaultServiceType is the mDNS service type for meshchat
	DefaultServiceType = "_meshchat._tcp"

	// MDNSDomain is the mDNS domain
	MDNSDomain = "local."

	// DefaultBrowseInterval is how often to scan for new peers
	DefaultBrowseInterval = 30 * time.Second

	// browseWindow is how long a single browse listens for answers
	browseWindow = 5 * time.Second

	// expireAfter is how many missed browses mark an endpoint lost
	expireAfter = 3

	// DefaultRediscoverDelay is how long after a channel closes its
	// endpoint is reported again, if still known
	DefaultRediscoverDelay = 2 * time.Second

	dialTimeout = 30 * time.Second
)

// Config configures a LAN adapter.
type Config struct {
	Name           string
	ListenAddr     string // host the TCP listener binds, default all interfaces
	Port           int    // 0 picks a free port
	MDNS           bool
	ServiceType    string
	BrowseInterval time.Duration
	ManualPeers    []string // name@host:port
	Limits         *LimiterConfig

	RediscoverDelay time.Duration
}

type endpoint struct {
	name     string
	addr     string
	manual   bool
	lastSeen time.Time
}

// Adapter implements transport.Adapter over the local network.
type Adapter struct {
	cfg     Config
	limiter *ConnectionLimiter

	mu             sync.RWMutex
	listener       net.Listener
	handler        transport.Handler
	endpoints      map[string]*endpoint
	server         *zeroconf.Server
	discoverCancel context.CancelFunc
	closed         bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ transport.Adapter = (*Adapter)(nil)

// New creates a LAN adapter. Nothing listens until Start.
func New(cfg Config) (*Adapter, error) {
	if cfg.Name == "" {
		return nil, errors.New("lan: name is required")
	}
	if cfg.ServiceType == "" {
		cfg.ServiceType = DefaultServiceType
	}
	if cfg.BrowseInterval <= 0 {
		cfg.BrowseInterval = DefaultBrowseInterval
	}
	if cfg.RediscoverDelay <= 0 {
		cfg.RediscoverDelay = DefaultRediscoverDelay
	}

	endpoints := make(map[string]*endpoint)
	for _, spec := range cfg.ManualPeers {
		name, addr, err := ParseManualPeer(spec)
		if err != nil {
			return nil, err
		}
		endpoints[name] = &endpoint{name: name, addr: addr, manual: true}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		cfg:       cfg,
		limiter:   NewConnectionLimiter(cfg.Limits),
		endpoints: endpoints,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// ParseManualPeer splits "name@host:port".
func ParseManualPeer(spec string) (name, addr string, err error) {
	name, addr, ok := strings.Cut(spec, "@")
	if !ok || name == "" || addr == "" {
		return "", "", fmt.Errorf("manual peer %q: want name@host:port", spec)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", "", fmt.Errorf("manual peer %q: %w", spec, err)
	}
	return name, addr, nil
}

func (a *Adapter) LocalName() string { return a.cfg.Name }

// Addr returns the listener address, or nil before Start.
func (a *Adapter) Addr() net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Start opens the TCP listener and reports manual peers as discovered.
func (a *Adapter) Start(ctx context.Context, h transport.Handler) error {
	addr := net.JoinHostPort(a.cfg.ListenAddr, fmt.Sprintf("%d", a.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		listener.Close()
		return transport.ErrClosed
	}
	a.listener = listener
	a.handler = h
	manual := make([]transport.Endpoint, 0, len(a.endpoints))
	for _, ep := range a.endpoints {
		manual = append(manual, transport.Endpoint{ID: ep.name, Name: ep.name})
	}
	a.mu.Unlock()

	slog.Info("LAN transport listening", "addr", listener.Addr().String(), "name", a.cfg.Name)

	a.wg.Add(1)
	go a.acceptLoop(listener)

	for _, ep := range manual {
		h.EndpointDiscovered(ep)
	}
	return nil
}

// StartAdvertising registers our service via mDNS
func (a *Adapter) StartAdvertising(ctx context.Context) error {
	if !a.cfg.MDNS {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return transport.ErrClosed
	}
	if a.server != nil {
		return nil
	}
	if a.listener == nil {
		return errors.New("lan: advertise before start")
	}

	port := a.listener.Addr().(*net.TCPAddr).Port
	txt := []string{
		fmt.Sprintf("name=%s", a.cfg.Name),
		fmt.Sprintf("v=%s", protocol.ProtocolVersion),
	}

	server, err := zeroconf.Register(
		a.cfg.Name,        // Instance name
		a.cfg.ServiceType, // Service type
		MDNSDomain,        // Domain
		port,              // Port
		txt,               // TXT records
		nil,               // Network interfaces (nil = all)
	)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	a.server = server

	slog.Info("mDNS service registered", "instance", a.cfg.Name, "port", port)
	return nil
}

func (a *Adapter) StopAdvertising() {
	a.mu.Lock()
	server := a.server
	a.server = nil
	a.mu.Unlock()

	if server != nil {
		server.Shutdown()
		slog.Info("mDNS service unregistered")
	}
}

// StartDiscovery browses for peers until StopDiscovery or Close.
func (a *Adapter) StartDiscovery(ctx context.Context) error {
	if !a.cfg.MDNS {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return transport.ErrClosed
	}
	if a.discoverCancel != nil {
		return nil
	}

	dctx, cancel := context.WithCancel(a.ctx)
	a.discoverCancel = cancel

	a.wg.Add(1)
	go a.discoveryLoop(dctx)
	return nil
}

func (a *Adapter) StopDiscovery() {
	a.mu.Lock()
	cancel := a.discoverCancel
	a.discoverCancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Connect dials a discovered endpoint and exchanges hellos.
func (a *Adapter) Connect(ctx context.Context, endpointID string) (transport.Channel, error) {
	a.mu.RLock()
	closed := a.closed
	ep, ok := a.endpoints[endpointID]
	var addr string
	if ok {
		addr = ep.addr
	}
	a.mu.RUnlock()

	if closed {
		return nil, transport.ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("connect %s: %w", endpointID, transport.ErrUnknownEndpoint)
	}

	dialer := &net.Dialer{
		Timeout: dialTimeout,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	theirs, err := protocol.PerformHello(conn, protocol.NewHello(a.cfg.Name))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("hello with %s: %w", endpointID, err)
	}
	if theirs.Name != endpointID {
		conn.Close()
		return nil, fmt.Errorf("dialed %s but peer calls itself %s", endpointID, theirs.Name)
	}

	return newConnChannel(conn, endpointID, func() {
		a.rediscoverLater(endpointID)
	}), nil
}

// Close stops discovery and advertising and closes the listener.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	listener := a.listener
	a.mu.Unlock()

	a.StopDiscovery()
	a.StopAdvertising()
	a.cancel()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	a.wg.Wait()
	return err
}

func (a *Adapter) acceptLoop(listener net.Listener) {
	defer a.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-a.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("LAN accept error", "error", err)
			continue
		}

		// Check connection limits before reading anything
		if err := a.limiter.AllowConnection(conn.RemoteAddr()); err != nil {
			slog.Debug("Connection rejected by limiter",
				"remote", conn.RemoteAddr(),
				"reason", err)
			conn.Close()
			continue
		}

		go a.handleIncoming(conn)
	}
}

func (a *Adapter) handleIncoming(conn net.Conn) {
	remote := conn.RemoteAddr()

	theirs, err := protocol.PerformHello(conn, protocol.NewHello(a.cfg.Name))
	if err != nil {
		slog.Warn("Incoming hello failed", "addr", remote.String(), "error", err)
		a.limiter.RecordFailure(remote)
		a.limiter.ReleaseConnection(remote)
		conn.Close()
		return
	}
	a.limiter.RecordSuccess(remote)

	a.mu.RLock()
	h := a.handler
	a.mu.RUnlock()

	ch := newConnChannel(conn, theirs.Name, func() {
		a.limiter.ReleaseConnection(remote)
		a.rediscoverLater(theirs.Name)
	})
	if h == nil {
		ch.Close()
		return
	}

	slog.Debug("Incoming LAN channel", "peer", theirs.Name, "addr", remote.String())
	h.Incoming(ch)
}

// discoveryLoop continuously browses for peers
func (a *Adapter) discoveryLoop(ctx context.Context) {
	defer a.wg.Done()

	a.doBrowse(ctx)

	ticker := time.NewTicker(a.cfg.BrowseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.doBrowse(ctx)
			a.expire(time.Now())
		}
	}
}

// doBrowse performs a single mDNS browse
func (a *Adapter) doBrowse(ctx context.Context) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		slog.Debug("Failed to create mDNS resolver", "error", err)
		return
	}

	entries := make(chan *zeroconf.ServiceEntry)
	browseCtx, cancel := context.WithTimeout(ctx, browseWindow)
	defer cancel()

	go func() {
		for entry := range entries {
			a.handleEntry(entry)
		}
	}()

	if err := resolver.Browse(browseCtx, a.cfg.ServiceType, MDNSDomain, entries); err != nil {
		slog.Debug("mDNS browse error", "error", err)
	}

	<-browseCtx.Done()
}

// handleEntry records a browse answer and reports the endpoint. Known
// endpoints are reported again on every browse so a peer whose channel
// dropped gets dialed again; the handler ignores endpoints already live.
func (a *Adapter) handleEntry(entry *zeroconf.ServiceEntry) {
	var name string
	for _, txt := range entry.Text {
		if strings.HasPrefix(txt, "name=") {
			name = txt[5:]
		}
	}

	// Skip if no name or it's us
	if name == "" || name == a.cfg.Name {
		return
	}

	// Prefer IPv4 for the host
	host := entry.HostName
	if len(entry.AddrIPv4) > 0 {
		host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		host = entry.AddrIPv6[0].String()
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", entry.Port))

	a.mu.Lock()
	existing, exists := a.endpoints[name]
	if exists {
		existing.lastSeen = time.Now()
		if !existing.manual {
			existing.addr = addr
		}
	} else {
		a.endpoints[name] = &endpoint{name: name, addr: addr, lastSeen: time.Now()}
	}
	h := a.handler
	a.mu.Unlock()

	if !exists {
		slog.Info("mDNS discovered new peer", "peer", name, "addr", addr)
	}
	if h != nil {
		h.EndpointDiscovered(transport.Endpoint{ID: name, Name: name})
	}
}

// rediscoverLater reports name as discovered again once a channel to it
// has closed, so the handler can redial a peer that is still around.
func (a *Adapter) rediscoverLater(name string) {
	if a.ctx.Err() != nil {
		return
	}
	time.AfterFunc(a.cfg.RediscoverDelay, func() {
		a.rediscover(name)
	})
}

func (a *Adapter) rediscover(name string) {
	a.mu.RLock()
	_, known := a.endpoints[name]
	h := a.handler
	closed := a.closed
	a.mu.RUnlock()

	if closed || !known || h == nil {
		return
	}
	slog.Debug("Reporting endpoint again after channel closed", "peer", name)
	h.EndpointDiscovered(transport.Endpoint{ID: name, Name: name})
}

// expire drops mDNS endpoints that missed several browses
func (a *Adapter) expire(now time.Time) {
	cutoff := now.Add(-time.Duration(expireAfter) * a.cfg.BrowseInterval)

	var lost []string
	a.mu.Lock()
	for name, ep := range a.endpoints {
		if !ep.manual && ep.lastSeen.Before(cutoff) {
			delete(a.endpoints, name)
			lost = append(lost, name)
		}
	}
	h := a.handler
	a.mu.Unlock()

	if h == nil {
		return
	}
	for _, name := range lost {
		slog.Info("mDNS peer expired", "peer", name)
		h.EndpointLost(name)
	}
}
