package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/BurntSushi/toml"

	"meshchat.dev/go/meshchat/internal/chat"
)

// Config represents the meshchat configuration file
type Config struct {
	Identity      IdentityConfig      `toml:"identity"`
	Daemon        DaemonConfig        `toml:"daemon"`
	Storage       StorageConfig       `toml:"storage"`
	Discovery     DiscoveryConfig     `toml:"discovery"`
	Sync          SyncConfig          `toml:"sync"`
	Limits        LimitsConfig        `toml:"limits"`
	Logging       LoggingConfig       `toml:"logging"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// IdentityConfig contains identity-related settings
type IdentityConfig struct {
	Name string `toml:"name"` // display name, also the endpoint id on the LAN
}

// DaemonConfig contains daemon-related settings
type DaemonConfig struct {
	P2PPort    int  `toml:"p2p_port"`
	WebPort    int  `toml:"web_port"`
	WebEnabled bool `toml:"web_enabled"`
}

// StorageConfig selects the message store
type StorageConfig struct {
	Engine string `toml:"engine"` // badger, memory
	Dir    string `toml:"dir"`    // empty means the default data directory
}

// DiscoveryConfig contains peer discovery settings
type DiscoveryConfig struct {
	MDNS        bool     `toml:"mdns"`
	ServiceType string   `toml:"service_type"`
	ManualPeers []string `toml:"manual_peers"` // name@host:port
}

// SyncConfig contains reconciliation settings
type SyncConfig struct {
	BatchSize int `toml:"batch_size"`
}

// LimitsConfig contains inbound rate limits
type LimitsConfig struct {
	PeerFramesPerSecond float64 `toml:"peer_frames_per_second"`
	PeerBurst           int     `toml:"peer_burst"`
	MaxConnections      int     `toml:"max_connections"`
	MaxConnectionsPerIP int     `toml:"max_connections_per_ip"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// NotificationsConfig contains notification settings
type NotificationsConfig struct {
	Enabled bool     `toml:"enabled"`
	Chats   []string `toml:"chats"` // subscribed chat ids
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		Identity: IdentityConfig{
			Name: "",
		},
		Daemon: DaemonConfig{
			P2PPort:    7844,
			WebPort:    7845,
			WebEnabled: true,
		},
		Storage: StorageConfig{
			Engine: "badger",
			Dir:    "",
		},
		Discovery: DiscoveryConfig{
			MDNS:        true,
			ServiceType: "_meshchat._tcp",
			ManualPeers: []string{},
		},
		Sync: SyncConfig{
			BatchSize: 500,
		},
		Limits: LimitsConfig{
			PeerFramesPerSecond: 50,
			PeerBurst:           100,
			MaxConnections:      64,
			MaxConnectionsPerIP: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Notifications: NotificationsConfig{
			Enabled: true,
			Chats:   []string{},
		},
	}
}

// Load loads the configuration from the default config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}

	return LoadFrom(paths.ConfigFile)
}

// LoadFrom loads the configuration from a specific file
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if no config file exists
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Save saves the configuration to the default config file
func (c *Config) Save() error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return err
	}

	return c.SaveTo(paths.ConfigFile)
}

// SaveTo saves the configuration to a specific file
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := chat.ValidateUsername(c.Identity.Name); err != nil {
		return fmt.Errorf("identity name: %w", err)
	}

	if c.Daemon.P2PPort < 0 || c.Daemon.P2PPort > 65535 {
		return fmt.Errorf("invalid P2P port: %d", c.Daemon.P2PPort)
	}

	if c.Daemon.WebEnabled {
		if c.Daemon.WebPort < 1 || c.Daemon.WebPort > 65535 {
			return fmt.Errorf("invalid web port: %d", c.Daemon.WebPort)
		}
	}

	validEngines := map[string]bool{"badger": true, "memory": true}
	if !validEngines[c.Storage.Engine] {
		return fmt.Errorf("invalid storage engine: %s", c.Storage.Engine)
	}

	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("invalid sync batch size: %d", c.Sync.BatchSize)
	}

	if c.Limits.PeerFramesPerSecond <= 0 || c.Limits.PeerBurst < 1 {
		return fmt.Errorf("invalid peer rate limit: %v/s burst %d", c.Limits.PeerFramesPerSecond, c.Limits.PeerBurst)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// StorageDir returns the directory the badger store opens
func (c *Config) StorageDir(paths *Paths) string {
	if c.Storage.Dir != "" {
		return c.Storage.Dir
	}
	return paths.DataDir
}

// SetSubscribed adds or removes chatID from the notification subscriptions.
// It reports whether the list changed.
func (c *Config) SetSubscribed(chatID string, on bool) bool {
	i := slices.Index(c.Notifications.Chats, chatID)
	switch {
	case on && i < 0:
		c.Notifications.Chats = append(c.Notifications.Chats, chatID)
		return true
	case !on && i >= 0:
		c.Notifications.Chats = slices.Delete(c.Notifications.Chats, i, i+1)
		return true
	}
	return false
}
