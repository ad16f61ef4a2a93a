package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"meshchat.dev/go/meshchat/internal/client"
	"meshchat.dev/go/meshchat/internal/config"
)

var (
	version    = "dev"
	cfgFile    string
	verboseLog bool
)

func SetVersion(v string) {
	version = v
}

// RootCmd is the root command, exported for documentation generation
var RootCmd = &cobra.Command{
	Use:   "meshchat",
	Short: "Serverless chat for devices on the same network",
	Long: `meshchat - Serverless chat for devices on the same network

Every device keeps its own copy of the history. Messages are flooded to
connected peers as they are written, and peers reconcile their stores
whenever they reconnect, so nobody misses anything while offline.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// For internal use, keep an alias
var rootCmd = RootCmd

func Execute() error {
	return RootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.config/meshchat/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verboseLog, "verbose", "v", false, "verbose output")
}

// configPath returns the config file in use
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	paths, err := config.GetPaths()
	if err != nil {
		return "", fmt.Errorf("get paths: %w", err)
	}
	return paths.ConfigFile, nil
}

func loadConfig() (*config.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return config.LoadFrom(path)
}

// connect returns a client for the configured daemon
func connect() (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return client.ConnectConfig(cfg)
}
