package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"meshchat.dev/go/meshchat/internal/chat"
	"meshchat.dev/go/meshchat/internal/config"
	"meshchat.dev/go/meshchat/internal/mesh"
	"meshchat.dev/go/meshchat/internal/store"
	"meshchat.dev/go/meshchat/internal/transport"
	"meshchat.dev/go/meshchat/internal/transport/lan"
)

// Daemon is the main meshchat daemon: one mesh node, its message store and
// the local HTTP API.
type Daemon struct {
	mu sync.RWMutex

	cfg        *config.Config
	paths      *config.Paths
	configFile string
	store      store.Store
	adapter    transport.Adapter
	node       *mesh.Node
	webServer  *WebServer
	wsHub      *WSHub
	logBuffer  *LogBuffer
	notifier   *NotificationService
	startTime  time.Time
	stopped    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Status represents the daemon's current status
type Status struct {
	Running         bool      `json:"running"`
	PID             int       `json:"pid"`
	Uptime          string    `json:"uptime"`
	StartTime       time.Time `json:"start_time"`
	Name            string    `json:"name"`
	P2PAddr         string    `json:"p2p_addr,omitempty"`
	StorageEngine   string    `json:"storage_engine"`
	PeerCount       int       `json:"peer_count"`
	DiscoveredCount int       `json:"discovered_count"`
	MessageCount    int       `json:"message_count"`
	ActiveChat      *string   `json:"active_chat"`
	WSClients       int       `json:"ws_clients"`
}

// Metrics is the /api/metrics response
type Metrics struct {
	*mesh.MetricsSnapshot
	RateLimits mesh.RateLimitStats `json:"rate_limits"`
}

// Options configures the daemon
type Options struct {
	Paths      *config.Paths
	Config     *config.Config
	ConfigFile string            // subscription changes are saved here; empty disables saving
	Adapter    transport.Adapter // replaces the LAN adapter when set
	LogOutput  io.Writer         // defaults to stderr
}

// New creates a new daemon instance
func New(opts *Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Set up logging with buffer
	logBuffer := NewLogBuffer(LogBufferSize)
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger := NewLogger(out, cfg.Logging.Level, cfg.Logging.Format, logBuffer)
	slog.SetDefault(logger)

	storageDir := cfg.Storage.Dir
	if storageDir == "" && opts.Paths != nil {
		storageDir = cfg.StorageDir(opts.Paths)
	}
	st, err := store.Open(cfg.Storage.Engine, storageDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	adapter := opts.Adapter
	if adapter == nil {
		adapter, err = newLANAdapter(cfg)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	limits := mesh.DefaultRateLimitConfig()
	limits.PeerFramesPerSecond = cfg.Limits.PeerFramesPerSecond
	limits.PeerBurst = cfg.Limits.PeerBurst

	node, err := mesh.NewNode(mesh.Config{
		Adapter:    adapter,
		Store:      st,
		BatchSize:  cfg.Sync.BatchSize,
		RateLimits: limits,
	})
	if err != nil {
		adapter.Close()
		st.Close()
		return nil, fmt.Errorf("create node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		cfg:        cfg,
		paths:      opts.Paths,
		configFile: opts.ConfigFile,
		store:      st,
		adapter:    adapter,
		node:       node,
		logBuffer:  logBuffer,
		notifier:   NewNotificationService(cfg.Notifications.Enabled, cfg.Notifications.Chats),
		startTime:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}
	d.wsHub = NewWSHub(d.handleClientMessage)

	// Create web server if enabled
	if cfg.Daemon.WebEnabled {
		d.webServer = NewWebServer(d, cfg.Daemon.WebPort)
	}

	return d, nil
}

func newLANAdapter(cfg *config.Config) (*lan.Adapter, error) {
	limits := lan.DefaultLimiterConfig()
	limits.MaxConnections = int32(cfg.Limits.MaxConnections)
	limits.MaxConnectionsPerIP = int32(cfg.Limits.MaxConnectionsPerIP)

	adapter, err := lan.New(lan.Config{
		Name:        cfg.Identity.Name,
		Port:        cfg.Daemon.P2PPort,
		MDNS:        cfg.Discovery.MDNS,
		ServiceType: cfg.Discovery.ServiceType,
		ManualPeers: cfg.Discovery.ManualPeers,
		Limits:      limits,
	})
	if err != nil {
		return nil, fmt.Errorf("create LAN transport: %w", err)
	}
	return adapter, nil
}

// Start starts the daemon
func (d *Daemon) Start() error {
	slog.Info("Starting daemon",
		"name", d.cfg.Identity.Name,
		"storage", d.cfg.Storage.Engine,
	)

	// Write PID file
	if d.paths != nil && d.paths.PIDFile != "" {
		if err := os.WriteFile(d.paths.PIDFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0600); err != nil {
			slog.Warn("Failed to write PID file", "error", err)
		}
	}

	// Subscribe before starting so no early peer event is missed
	events, _ := d.node.Subscribe()

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.wsHub.Run(d.ctx)
	}()
	go func() {
		defer d.wg.Done()
		d.forwardEvents(events)
	}()

	if err := d.node.Start(d.ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	// Start web server if enabled
	if d.webServer != nil {
		if err := d.webServer.Start(d.ctx); err != nil {
			return fmt.Errorf("start web server: %w", err)
		}
	}

	slog.Info("Daemon started")

	return nil
}

// Run runs the daemon until interrupted
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		d.Stop()
		return err
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down", "signal", sig)
	case <-d.ctx.Done():
	}

	return d.Stop()
}

// Stop stops the daemon gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.mu.Unlock()

	slog.Info("Stopping daemon")

	// Stop web server
	if d.webServer != nil {
		d.webServer.Stop()
	}

	// Closing the node ends the event stream
	if err := d.node.Close(); err != nil {
		slog.Warn("Failed to close node", "error", err)
	}

	d.cancel()
	d.wg.Wait()

	if err := d.store.Close(); err != nil {
		slog.Warn("Failed to close store", "error", err)
	}

	// Remove PID file
	if d.paths != nil && d.paths.PIDFile != "" {
		os.Remove(d.paths.PIDFile)
	}

	slog.Info("Daemon stopped")
	return nil
}

// forwardEvents relays node events to WebSocket clients and raises
// notifications for received messages.
func (d *Daemon) forwardEvents(events <-chan mesh.Event) {
	for e := range events {
		d.wsHub.Broadcast(e)

		if e.Event != mesh.EventMessageReceived {
			continue
		}
		p, ok := e.Payload.(mesh.MessageReceivedPayload)
		if !ok {
			continue
		}
		if _, err := d.notifier.NotifyMessage(p.Message); err != nil {
			slog.Debug("Failed to notify", "chat", p.Message.ChatID, "error", err)
		}
	}
}

// clientMessage is sent by UI clients over the WebSocket
type clientMessage struct {
	Type   string  `json:"type"`
	ChatID *string `json:"chatId"`
}

func (d *Daemon) handleClientMessage(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("Ignoring malformed client message", "error", err)
		return
	}

	switch msg.Type {
	case "active_chat":
		d.notifier.SetActiveChat(msg.ChatID)
	default:
		slog.Debug("Ignoring unknown client message", "type", msg.Type)
	}
}

// Status returns the daemon's current status
func (d *Daemon) Status(ctx context.Context) *Status {
	uptime := time.Since(d.startTime)

	count, err := d.node.MessageCount(ctx)
	if err != nil {
		slog.Warn("Failed to count messages", "error", err)
	}

	var p2pAddr string
	if a, ok := d.adapter.(interface{ Addr() net.Addr }); ok {
		if addr := a.Addr(); addr != nil {
			p2pAddr = addr.String()
		}
	}

	var active *string
	if id, ok := d.notifier.ActiveChat(); ok {
		active = &id
	}

	return &Status{
		Running:         true,
		PID:             os.Getpid(),
		Uptime:          uptime.Round(time.Second).String(),
		StartTime:       d.startTime,
		Name:            d.node.Name(),
		P2PAddr:         p2pAddr,
		StorageEngine:   d.cfg.Storage.Engine,
		PeerCount:       len(d.node.ConnectedPeerIDs()),
		DiscoveredCount: len(d.node.Discovered()),
		MessageCount:    count,
		ActiveChat:      active,
		WSClients:       d.wsHub.ClientCount(),
	}
}

// SendMessage composes a message as the local user and floods it
func (d *Daemon) SendMessage(ctx context.Context, content, chatID string) (chat.Message, error) {
	return d.node.ComposeAndSend(ctx, content, d.cfg.Identity.Name, chatID)
}

// Messages returns one chat in display order
func (d *Daemon) Messages(ctx context.Context, chatID string) ([]chat.Message, error) {
	return d.node.GetMessages(ctx, chatID)
}

// Subscribe turns on notifications for chatID and saves the change
func (d *Daemon) Subscribe(chatID string) error {
	d.notifier.Subscribe(chatID)
	return d.saveSubscription(chatID, true)
}

// Unsubscribe turns off notifications for chatID and saves the change
func (d *Daemon) Unsubscribe(chatID string) error {
	d.notifier.Unsubscribe(chatID)
	return d.saveSubscription(chatID, false)
}

func (d *Daemon) saveSubscription(chatID string, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.cfg.SetSubscribed(chatID, on) || d.configFile == "" {
		return nil
	}
	if err := d.cfg.SaveTo(d.configFile); err != nil {
		return fmt.Errorf("save subscriptions: %w", err)
	}
	return nil
}

// Node returns the daemon's mesh node
func (d *Daemon) Node() *mesh.Node {
	return d.node
}

// Notifier returns the notification service
func (d *Daemon) Notifier() *NotificationService {
	return d.notifier
}

// LogBuffer returns the log buffer for querying
func (d *Daemon) LogBuffer() *LogBuffer {
	return d.logBuffer
}

// WSHub returns the WebSocket hub
func (d *Daemon) WSHub() *WSHub {
	return d.wsHub
}

// WebServer returns the web server, or nil when disabled
func (d *Daemon) WebServer() *WebServer {
	return d.webServer
}

// MetricsSnapshot returns a point-in-time snapshot of all metrics
func (d *Daemon) MetricsSnapshot(ctx context.Context) *Metrics {
	return &Metrics{
		MetricsSnapshot: d.node.Metrics(ctx),
		RateLimits:      d.node.RateLimitStats(),
	}
}
