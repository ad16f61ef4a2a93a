package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"meshchat.dev/go/meshchat/internal/client"
	"meshchat.dev/go/meshchat/internal/config"
	"meshchat.dev/go/meshchat/internal/daemon"
)

var (
	runName    string
	runP2PPort int
	runWebPort int
	runStorage string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runName, "name", "", "display name (overrides config)")
	runCmd.Flags().IntVar(&runP2PPort, "p2p-port", 0, "P2P port (overrides config)")
	runCmd.Flags().IntVar(&runWebPort, "web-port", 0, "Web API port (overrides config)")
	runCmd.Flags().StringVar(&runStorage, "storage", "", "storage engine: badger or memory (overrides config)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the mesh node in the foreground",
	Long: `Run the mesh node in the foreground.

The node advertises itself on the local network, connects to the peers it
finds, reconciles history with each of them and serves the local API used
by the other commands. Stop it with Ctrl-C.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	configFile, err := configPath()
	if err != nil {
		return err
	}
	cfg, err := config.LoadFrom(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyRunFlags(cfg)

	if cfg.Identity.Name == "" {
		return fmt.Errorf("no name configured. Run 'meshchat config init --name <name>' or pass --name")
	}
	if verboseLog {
		cfg.Logging.Level = "debug"
	}

	// Check for existing daemon
	if cfg.Daemon.WebEnabled {
		if c, err := client.ConnectConfig(cfg); err == nil && c.Ping() == nil {
			return fmt.Errorf("daemon is already running")
		}
	}

	d, err := daemon.New(&daemon.Options{
		Paths:      paths,
		Config:     cfg,
		ConfigFile: configFile,
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "meshchat %s starting as %q...\n", version, cfg.Identity.Name)
	return d.Run()
}

func applyRunFlags(cfg *config.Config) {
	if runName != "" {
		cfg.Identity.Name = runName
	}
	if runP2PPort > 0 {
		cfg.Daemon.P2PPort = runP2PPort
	}
	if runWebPort > 0 {
		cfg.Daemon.WebPort = runWebPort
	}
	if runStorage != "" {
		cfg.Storage.Engine = runStorage
	}
}
