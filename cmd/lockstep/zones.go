package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lockstep-sync/lockstep/internal/engine"
	"github.com/lockstep-sync/lockstep/internal/record"
	"github.com/lockstep-sync/lockstep/internal/ui"
)

var zonesCmd = &cobra.Command{
	Use:     "zones",
	GroupID: "sync",
	Short:   "Inspect and provision record zones",
}

var zonesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List declared and discovered zones",
	Long: `List every zone lockstep knows about.

Declared zones come from the manifest. Shared zones other owners opened
to this client appear once a fetch has seen them.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		st, err := openStack(ctx, cfg, false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		tokens := engine.NewTokenStore(st.kv)

		// Entities grouped by the zone they write to.
		entitiesByZone := make(map[string][]string)
		declared := make(map[string]record.ZoneID)
		declaredScope := make(map[string]record.Scope)
		for _, ent := range st.manifest.Entities {
			scope := ent.ScopeValue()
			if scope == record.ScopePublic {
				continue
			}
			zone := ent.ZoneID()
			key := string(scope) + "/" + zone.String()
			declared[key] = zone
			declaredScope[key] = scope
			entitiesByZone[key] = append(entitiesByZone[key], ent.Name)
		}

		var rows [][]string
		r := ui.NewRenderer()
		seen := make(map[string]bool)

		appendRow := func(scope record.Scope, zone record.ZoneID) {
			key := string(scope) + "/" + zone.String()
			if seen[key] {
				return
			}
			seen[key] = true
			created, _ := tokens.ZoneCreated(ctx, scope, zone)
			tok, _ := tokens.ZoneToken(ctx, scope, zone)
			rows = append(rows, []string{
				zone.String(),
				scope.String(),
				boolMark(r, created),
				renderToken(tok),
				strings.Join(entitiesByZone[key], ", "),
			})
		}

		for key, zone := range declared {
			appendRow(declaredScope[key], zone)
		}
		for _, scope := range []record.Scope{record.ScopePrivate, record.ScopeShared} {
			known, err := tokens.KnownZones(ctx, scope)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading zones: %v\n", err)
				os.Exit(1)
			}
			for _, zone := range known {
				appendRow(scope, zone)
			}
		}

		if len(rows) == 0 {
			fmt.Println("No zones declared or discovered")
			return
		}
		fmt.Println(r.Table([]string{"ZONE", "SCOPE", "CREATED", "TOKEN", "ENTITIES"}, rows))
	},
}

var zonesProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create every declared zone on the remote",
	Long: `Create the manifest's zones on the remote without running a fetch.

Zones already marked created are skipped. Newly created zones get a
full push of their local records, so provisioning after an offline
stretch uploads what accumulated.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st, err := openStack(ctx, cfg, true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		eng, err := st.engine(nil, false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if err := eng.EnsureZones(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error provisioning zones: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Zones provisioned\n", ui.RenderPass("✓"))
	},
}

func init() {
	zonesCmd.AddCommand(zonesListCmd)
	zonesCmd.AddCommand(zonesProvisionCmd)

	rootCmd.AddCommand(zonesCmd)
}
