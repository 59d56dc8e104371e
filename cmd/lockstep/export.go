package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lockstep-sync/lockstep/internal/ui"
)

// exportRecord mirrors the import file shape, so JSON exports can travel
// back in through lockstep import or the drop directory.
type exportRecord struct {
	Type   string         `yaml:"type" json:"type"`
	Name   string         `yaml:"name" json:"name"`
	Fields map[string]any `yaml:"fields" json:"fields"`
}

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "sync",
	Short:   "Export local records to YAML or JSON",
	Long: `Write the local store's records to stdout or a file.

Tombstoned records are skipped. JSON exports use the import file shape,
so they can be re-imported with lockstep import or dropped into the
daemon's drop directory.

Example usage:
  lockstep export
  lockstep export --type notes -o notes.yaml
  lockstep export --format json -o backup.json`,
	Run: func(cmd *cobra.Command, args []string) {
		typeName, _ := cmd.Flags().GetString("type")
		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("output")

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

		if typeName != "" {
			if _, ok := st.manifest.ByName(typeName); !ok {
				fmt.Fprintf(os.Stderr, "Error: manifest declares no entity %q\n", typeName)
				os.Exit(1)
			}
		}

		recs, err := collectExport(ctx, st, typeName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		data, err := encodeExport(recs, format)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if out == "" {
			if _, err := os.Stdout.Write(data); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "Exported %d records\n", len(recs))
			return
		}

		if err := os.WriteFile(out, data, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", out, err)
			os.Exit(1)
		}
		fmt.Printf("%s Exported %d records to %s\n", ui.RenderPass("✓"), len(recs), out)
	},
}

// collectExport gathers every live record of one entity type, or of all
// declared types when typeName is empty. Unconvertible entities are
// reported to stderr and skipped.
func collectExport(ctx context.Context, st *stack, typeName string) ([]exportRecord, error) {
	var recs []exportRecord
	for _, ent := range st.manifest.Entities {
		if typeName != "" && ent.Name != typeName {
			continue
		}
		entities, err := st.store.List(ctx, ent.Name, false)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", ent.Name, err)
		}
		for _, e := range entities {
			rec, err := e.ToRecord(ent.ZoneID())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: skipping unconvertible %s %s: %v\n", ent.Name, e.PrimaryKey(), err)
				continue
			}
			recs = append(recs, exportRecord{
				Type:   ent.Name,
				Name:   rec.ID.Name,
				Fields: rec.Fields,
			})
		}
	}
	return recs, nil
}

func encodeExport(recs []exportRecord, format string) ([]byte, error) {
	switch format {
	case "yaml":
		return yaml.Marshal(recs)
	case "json":
		data, err := json.MarshalIndent(recs, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	default:
		return nil, fmt.Errorf("unknown format %q (yaml or json)", format)
	}
}

func init() {
	exportCmd.Flags().String("type", "", "Export only this entity type")
	exportCmd.Flags().String("format", "yaml", "Output format: yaml or json")
	exportCmd.Flags().StringP("output", "o", "", "Write to a file instead of stdout")

	rootCmd.AddCommand(exportCmd)
}
