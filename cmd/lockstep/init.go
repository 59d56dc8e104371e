package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/lockstep-sync/lockstep/internal/config"
	"github.com/lockstep-sync/lockstep/internal/manifest"
	"github.com/lockstep-sync/lockstep/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Write the configuration and a starter manifest",
	Long: `Create the lockstep configuration interactively.

Asks for the connection mode and, for remote modes, the database URL and
auth token. Everything else starts from defaults; edit the written file
to tune intervals, the dashboard or push limits.

A starter entity manifest is written next to the database unless one
already exists. The manifest declares which entity types sync and in
which order; edit it before the first sync.

Example usage:
  lockstep init
  lockstep init --config ./lockstep.yaml
  lockstep init --force          # Overwrite an existing config`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		path, err := resolveConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if _, err := os.Stat(path); err == nil && !force {
			overwrite := false
			confirm := huh.NewConfirm().
				Title(fmt.Sprintf("Config already exists at %s. Overwrite?", path)).
				Value(&overwrite)
			if err := confirm.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if !overwrite {
				fmt.Println("Keeping the existing config")
				return
			}
		}

		cfg := config.Default()
		mode := cfg.Remote.Mode
		url := ""
		token := ""

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewSelect[string]().
					Title("Connection mode").
					Description("How lockstep reaches the record database").
					Options(
						huh.NewOption("Local file (sandbox, no remote)", config.ModeLocal),
						huh.NewOption("Remote libsql database", config.ModeRemote),
						huh.NewOption("Embedded replica of a remote", config.ModeReplica),
					).
					Value(&mode),
			),
			huh.NewGroup(
				huh.NewInput().
					Title("Database URL").
					Placeholder("libsql://name-org.turso.io").
					Value(&url),
				huh.NewInput().
					Title("Auth token").
					Description("Leave empty to supply LOCKSTEP_AUTH_TOKEN at run time").
					EchoMode(huh.EchoModePassword).
					Value(&token),
			).WithHideFunc(func() bool { return mode == config.ModeLocal }),
		)
		if err := form.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		cfg.Remote.Mode = mode
		cfg.Remote.URL = url
		cfg.Remote.AuthToken = token

		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := cfg.Write(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Config written to %s\n", ui.RenderPass("✓"), path)

		if _, err := os.Stat(cfg.Local.ManifestPath); errors.Is(err, fs.ErrNotExist) {
			if err := manifest.Default().Write(cfg.Local.ManifestPath); err != nil {
				fmt.Fprintf(os.Stderr, "Error writing manifest: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s Starter manifest written to %s\n", ui.RenderPass("✓"), cfg.Local.ManifestPath)
		}

		if err := os.MkdirAll(cfg.Daemon.DropDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to create drop directory: %v\n", err)
		}

		r := ui.NewRenderer()
		fmt.Println()
		fmt.Print(r.KeyValues([][2]string{
			{"Mode", cfg.Remote.Mode},
			{"Local database", cfg.Local.DatabasePath},
			{"Manifest", cfg.Local.ManifestPath},
			{"Drop directory", cfg.Daemon.DropDir},
		}))
	},
}

func init() {
	initCmd.Flags().Bool("force", false, "Overwrite an existing config without asking")

	rootCmd.AddCommand(initCmd)
}
