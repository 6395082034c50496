package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/plejd-mesh/internal/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	verbose    bool
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "plejd-mesh",
		Short: "Control a Plejd Bluetooth mesh",
		Long: `plejd-mesh keeps an authenticated session with a Plejd BLE mesh,
tracks device state and exposes lights and scenes over a small HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to config file (default: ~/.config/plejd-mesh/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		runCmd(flags),
		scanCmd(flags),
		setCmd(flags),
		sceneCmd(flags),
		initCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// setup loads and validates the config and installs the default logger.
func setup(flags *globalFlags) (*config.Config, error) {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if flags.verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	return cfg, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Debug("config loaded", "path", defaultPath)
		return cfg, nil
	}

	slog.Debug("no config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== plejd-mesh ===")
	fmt.Printf("  Site:      %s\n", cfg.Site.File)
	if cfg.Cache.Path != "" {
		fmt.Printf("  Cache:     %s\n", cfg.Cache.Path)
	}
	fmt.Printf("  Keepalive: %s / %s\n", cfg.Keepalive.PollInterval, cfg.Keepalive.PushInterval)
	if cfg.HTTP.Enabled {
		fmt.Printf("  HTTP:      %s\n", cfg.HTTP.Listen)
	}
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("==================")
}
