package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lockstep-sync/lockstep/internal/ui"
)

var importCmd = &cobra.Command{
	Use:     "import <path>...",
	GroupID: "sync",
	Short:   "Import record files into the local store",
	Long: `Import JSON record files or directories of them.

Each file holds one record object or an array of them:
  {"type": "notes", "fields": {"title": "hello"}}

Records without a name get a fresh one; an "at" timestamp mints a name
that sorts at that time, so replayed data keeps its original order.
Imports are ordinary local writes: the engine picks them up and pushes
them on the next sync or daemon pass. Files are left in place; use the
daemon's drop directory for consume-on-import behavior.

Example usage:
  lockstep import records.json
  lockstep import exports/ more.json`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		st, err := openStack(ctx, cfg, false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		imp, err := st.importer()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		total := 0
		for _, path := range args {
			info, err := os.Stat(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			var n int
			if info.IsDir() {
				n, err = imp.ImportDir(ctx, path)
			} else {
				n, err = imp.ImportFile(ctx, path)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error importing %s: %v\n", path, err)
				os.Exit(1)
			}
			total += n
		}

		fmt.Printf("%s Imported %d records\n", ui.RenderPass("✓"), total)
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
