package cli

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"meshchat.dev/go/meshchat/internal/config"
)

var (
	configInitName  string
	configInitForce bool
)

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	configInitCmd.Flags().StringVar(&configInitName, "name", "", "display name shown to peers (required)")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing config file")
	configInitCmd.MarkFlagRequired("name")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Write a config file with default settings and the given name.

The name is how peers see you and must be unique on the network.

Example:
  meshchat config init --name alice`,
	RunE: runConfigInit,
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}

	if !configInitForce {
		if existing, err := config.LoadFrom(path); err == nil && existing.Identity.Name != "" {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
		}
	}

	cfg := config.Default()
	cfg.Identity.Name = configInitName
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := cfg.SaveTo(path); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
	return nil
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE:  runConfigShow,
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
}
