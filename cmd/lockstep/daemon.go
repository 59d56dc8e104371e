package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lockstep-sync/lockstep/internal/daemon"
	"github.com/lockstep-sync/lockstep/internal/dashboard"
	"github.com/lockstep-sync/lockstep/internal/engine"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the long-lived sync daemon",
	Long: `Run lockstep as a long-lived process.

The daemon fetches remote changes on an interval, watches the drop
directory for record files to import, and pushes local changes as they
are observed. Imported drop files are consumed; failed ones stay put
for the next start. With the dashboard enabled the daemon also serves
a WebSocket feed of sync activity.

With log.file set in the config, daemon output rotates through that
file instead of stderr.

Example usage:
  lockstep daemon
  lockstep daemon --fetch-every 10s
  lockstep daemon --metered      # Withhold excluded types from push`,
	Run: func(cmd *cobra.Command, args []string) {
		metered, _ := cmd.Flags().GetBool("metered")
		fetchEvery, _ := cmd.Flags().GetDuration("fetch-every")

		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if cfg.Log.File != "" {
			logWriter = &lumberjack.Logger{
				Filename:   cfg.Log.File,
				MaxSize:    cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
			}
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st, err := openStack(ctx, cfg, true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		sinks := []engine.EventSink{
			daemon.LogSink(st.store, newLogger("[synclog] ")),
		}

		var dashSrv *dashboard.Server
		if cfg.Dashboard.Enabled {
			dashSrv = dashboard.NewServer(&dashboard.Config{
				Addr:   cfg.Dashboard.Addr,
				Logger: newLogger("[dashboard] "),
			})
			if err := dashSrv.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
				os.Exit(1)
			}
			handler := dashboard.NewHandler(dashSrv, newLogger("[dashboard] "))
			sinks = append(sinks, handler.Sink())
			fmt.Printf("Dashboard: ws://%s/ws\n", dashSrv.GetAddr())
		}

		eng, err := st.engine(daemon.FanOut(sinks...), metered)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		imp, err := st.importer()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if err := os.MkdirAll(cfg.Daemon.DropDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating drop directory: %v\n", err)
			os.Exit(1)
		}

		dcfg := daemon.DefaultConfig()
		dcfg.Logger = newLogger("[daemon] ")
		if cfg.Daemon.FetchInterval > 0 {
			dcfg.FetchInterval = cfg.Daemon.FetchInterval.Std()
		}
		if cfg.Daemon.DebounceInterval > 0 {
			dcfg.DebounceInterval = cfg.Daemon.DebounceInterval.Std()
		}
		if fetchEvery > 0 {
			dcfg.FetchInterval = fetchEvery
		}

		d, err := daemon.NewWithConfig(eng, imp, cfg.Daemon.DropDir, dcfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Daemon started. Drop directory: %s\n", cfg.Daemon.DropDir)
		fmt.Println("Press Ctrl+C to stop...")

		runErr := d.Start(ctx)

		if dashSrv != nil {
			if err := dashSrv.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: dashboard shutdown: %v\n", err)
			}
		}
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
			os.Exit(1)
		}
		fmt.Println("Daemon stopped")
	},
}

func init() {
	daemonCmd.Flags().Bool("metered", false, "Treat the current network as metered")
	daemonCmd.Flags().Duration("fetch-every", 0, "Override the configured fetch interval")

	rootCmd.AddCommand(daemonCmd)
}
