package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/lockstep-sync/lockstep/internal/engine"
	"github.com/lockstep-sync/lockstep/internal/record"
	"github.com/lockstep-sync/lockstep/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show connection, token and store status",
	Long: `Show the configured connection, the state of the change tokens and
how many entities the local store holds.

The remote is probed for its protocol version unless --offline is set.
Auth token expiry is read from the token itself without verifying it.

Example usage:
  lockstep status
  lockstep status --offline`,
	Run: func(cmd *cobra.Command, args []string) {
		offline, _ := cmd.Flags().GetBool("offline")

		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		st, err := openStack(ctx, cfg, !offline)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		r := ui.NewRenderer()

		pairs := [][2]string{
			{"Mode", cfg.Remote.Mode},
			{"Local database", cfg.Local.DatabasePath},
			{"Manifest", cfg.Local.ManifestPath},
		}
		if cfg.Remote.URL != "" {
			pairs = append(pairs, [2]string{"Remote", cfg.Remote.URL})
		}
		if cfg.Remote.AuthToken != "" {
			pairs = append(pairs, [2]string{"Auth token", describeToken(cfg.Remote.AuthToken)})
		}
		if !offline {
			if ver, err := st.backend.Protocol(ctx); err != nil {
				pairs = append(pairs, [2]string{"Protocol", r.Fail("unreachable: " + err.Error())})
			} else {
				pairs = append(pairs, [2]string{"Protocol", ver})
			}
		}

		fmt.Println(r.Header("Connection"))
		fmt.Print(r.KeyValues(pairs))
		fmt.Println()

		tokens := engine.NewTokenStore(st.kv)
		scopes := []record.Scope{record.ScopePrivate, record.ScopeShared, record.ScopePublic}

		var tokenRows [][]string
		for _, scope := range scopes {
			dbTok, err := tokens.DatabaseToken(ctx, scope)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading tokens: %v\n", err)
				os.Exit(1)
			}
			subscribed, _ := tokens.Subscribed(ctx, scope)
			tokenRows = append(tokenRows, []string{
				scope.String(), "(database)", renderToken(dbTok), "", boolMark(r, subscribed),
			})

			zones, err := tokens.KnownZones(ctx, scope)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading zones: %v\n", err)
				os.Exit(1)
			}
			for _, zone := range zones {
				zTok, _ := tokens.ZoneToken(ctx, scope, zone)
				created, _ := tokens.ZoneCreated(ctx, scope, zone)
				tokenRows = append(tokenRows, []string{
					scope.String(), zone.String(), renderToken(zTok), boolMark(r, created), "",
				})
			}
		}

		fmt.Println(r.Header("Change tokens"))
		fmt.Println(r.Table([]string{"SCOPE", "ZONE", "TOKEN", "CREATED", "SUBSCRIBED"}, tokenRows))
		fmt.Println()

		var entityRows [][]string
		for _, ent := range st.manifest.Entities {
			n, err := st.store.Count(ctx, ent.Name)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error counting %s: %v\n", ent.Name, err)
				os.Exit(1)
			}
			entityRows = append(entityRows, []string{
				ent.Name, ent.RecordType, ent.Scope, fmt.Sprintf("%d", n),
			})
		}

		fmt.Println(r.Header("Local entities"))
		fmt.Println(r.Table([]string{"ENTITY", "TYPE", "SCOPE", "COUNT"}, entityRows))
	},
}

// describeToken reports the expiry carried inside a JWT auth token. The
// signature is not checked; the remote does that.
func describeToken(tok string) string {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return "set (not a JWT)"
	}
	if claims.ExpiresAt == nil {
		return "set, no expiry"
	}
	exp := claims.ExpiresAt.Time
	if time.Now().After(exp) {
		return fmt.Sprintf("expired %s", exp.Format("2006-01-02"))
	}
	return fmt.Sprintf("expires %s (%s)", exp.Format("2006-01-02"), time.Until(exp).Round(time.Hour))
}

// renderToken shortens a change token for table display.
func renderToken(tok record.Token) string {
	if len(tok) == 0 {
		return "(none)"
	}
	s := tok.String()
	if len(s) > 16 {
		return s[:16] + "…"
	}
	return s
}

func boolMark(r *ui.Renderer, v bool) string {
	if v {
		return r.Pass("yes")
	}
	return ""
}

func init() {
	statusCmd.Flags().Bool("offline", false, "Skip the remote protocol probe")

	rootCmd.AddCommand(statusCmd)
}
