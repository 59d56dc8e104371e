package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/lockstep-sync/lockstep/internal/config"
)

var configPath string

// logWriter is where component loggers write. The daemon command swaps
// in a rotating file writer before it builds the stack.
var logWriter io.Writer = os.Stderr

var rootCmd = &cobra.Command{
	Use:   "lockstep",
	Short: "Keep a local object store in step with a shared record database",
	Long: `lockstep synchronizes records between a local object store and a
remote record database, in both directions.

Records live in zones across three scopes:
  private   caller-exclusive zones; fetches buffer and apply in declared
            type order so parents land before children
  shared    zones other owners opened to this client; applied as they
            arrive
  public    query-only feed with no change tokens

Run 'lockstep init' once to write a configuration, then 'lockstep sync'
for a single pass or 'lockstep daemon' for a long-lived process. Every
command accepts --config to point at a different configuration file.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: XDG config dir)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspection Commands:"},
	)
}

// resolveConfigPath honors --config and falls back to the XDG default.
func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	path, err := config.DefaultPath()
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path: %w", err)
	}
	return path, nil
}

// loadConfig loads the resolved config file, falling back to defaults
// when none has been written yet.
func loadConfig() (*config.Config, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	return config.LoadOrDefault(path)
}

// newLogger builds a component logger on the shared log writer.
func newLogger(prefix string) *log.Logger {
	return log.New(logWriter, prefix, log.LstdFlags)
}
