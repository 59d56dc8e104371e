package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/lockstep-sync/lockstep/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "inspect",
	Short:   "Show the sync activity log",
	Long: `Show what has been pulled, pushed and imported, newest last.

--since and --until accept natural language ("3 days ago", "yesterday")
as well as RFC 3339 timestamps or plain dates.

Example usage:
  lockstep history
  lockstep history --since "2 hours ago"
  lockstep history --since 2026-01-01 --until "yesterday" --limit 200`,
	Run: func(cmd *cobra.Command, args []string) {
		sinceExpr, _ := cmd.Flags().GetString("since")
		untilExpr, _ := cmd.Flags().GetString("until")
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		var since, until time.Time
		if sinceExpr != "" {
			if since, err = parseTimeExpr(sinceExpr); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}
		if untilExpr != "" {
			if until, err = parseTimeExpr(untilExpr); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		st, err := openStack(ctx, cfg, false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		entries, err := st.store.LogSince(ctx, since, limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading sync log: %v\n", err)
			os.Exit(1)
		}

		var rows [][]string
		for _, e := range entries {
			if !until.IsZero() && e.At.After(until) {
				continue
			}
			subject := e.PK
			if subject == "" {
				subject = e.Zone
			}
			rows = append(rows, []string{
				e.At.Local().Format("2006-01-02 15:04:05"),
				e.Direction,
				e.Action,
				e.Type,
				subject,
				e.Detail,
			})
		}

		if len(rows) == 0 {
			fmt.Println("No sync activity recorded")
			return
		}

		r := ui.NewRenderer()
		fmt.Println(r.Table([]string{"TIME", "DIR", "ACTION", "TYPE", "SUBJECT", "DETAIL"}, rows))
	},
}

// parseTimeExpr accepts RFC 3339 timestamps and plain dates, then hands
// anything else to the when parser for natural language. Exact formats go
// first; when matches fragments like "10:00" inside longer strings.
func parseTimeExpr(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	if r, err := w.Parse(s, time.Now()); err == nil && r != nil {
		return r.Time, nil
	}
	return time.Time{}, fmt.Errorf("cannot parse time expression %q", s)
}

func init() {
	historyCmd.Flags().String("since", "", "Only entries at or after this time")
	historyCmd.Flags().String("until", "", "Only entries at or before this time")
	historyCmd.Flags().Int("limit", 50, "Maximum entries to show (0 = all)")

	rootCmd.AddCommand(historyCmd)
}
