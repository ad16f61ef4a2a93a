package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds all platform-specific file paths for meshchat
type Paths struct {
	ConfigDir  string // ~/.config/meshchat or equivalent
	DataDir    string // ~/.config/meshchat/data (badger message store)
	ConfigFile string // ~/.config/meshchat/config.toml
	PIDFile    string // ~/.config/meshchat/daemon.pid (Linux/macOS)
}

// GetPaths returns platform-specific paths for meshchat
func GetPaths() (*Paths, error) {
	var configDir string
	var pidFile string

	// Allow override via environment variable (useful for running several nodes on one host)
	if envConfigDir := os.Getenv("MESHCHAT_CONFIG_DIR"); envConfigDir != "" {
		configDir = envConfigDir
		pidFile = filepath.Join(configDir, "daemon.pid")
	} else {
		switch runtime.GOOS {
		case "linux", "darwin":
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config", "meshchat")
			pidFile = filepath.Join(configDir, "daemon.pid")

		case "windows":
			appData := os.Getenv("APPDATA")
			if appData == "" {
				return nil, fmt.Errorf("APPDATA environment variable not set")
			}
			configDir = filepath.Join(appData, "meshchat")
			pidFile = "" // Windows uses different mechanism

		default:
			return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
		}
	}

	return &Paths{
		ConfigDir:  configDir,
		DataDir:    filepath.Join(configDir, "data"),
		ConfigFile: filepath.Join(configDir, "config.toml"),
		PIDFile:    pidFile,
	}, nil
}

// EnsureDirectories creates all required directories with appropriate permissions
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ConfigExists reports whether a config file has been written
func (p *Paths) ConfigExists() bool {
	_, err := os.Stat(p.ConfigFile)
	return err == nil
}

// LogFile returns the platform-specific log file path (Windows only)
func (p *Paths) LogFile() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(p.ConfigDir, "daemon.log")
	}
	return "" // Linux/macOS log to stderr for the service manager
}
