package daemon

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lockstep-sync/lockstep/internal/engine"
	"github.com/lockstep-sync/lockstep/internal/localstore/sqlitestore"
)

// LogSink returns an event sink that folds engine activity into the sync
// audit log the history command reads. Only record-level events land in
// the log; phase transitions and token advances stay in the event stream.
//
// Sinks run after the originating transaction commits, so writing back to
// the same store here is safe.
func LogSink(store *sqlitestore.Store, logger *log.Logger) engine.EventSink {
	return func(ev engine.Event) {
		var direction, action string
		switch ev.Kind {
		case engine.EventApplied:
			direction, action = sqlitestore.DirectionPull, sqlitestore.ActionUpsert
		case engine.EventDeleted:
			direction, action = sqlitestore.DirectionPull, sqlitestore.ActionDelete
		case engine.EventPushed:
			direction, action = sqlitestore.DirectionPush, sqlitestore.ActionUpsert
		default:
			return
		}

		zone := ""
		if !ev.Zone.IsZero() {
			zone = ev.Zone.String()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := store.AppendLog(ctx, sqlitestore.LogEntry{
			At:        ev.Time,
			Direction: direction,
			Action:    action,
			Type:      ev.Type,
			Zone:      zone,
			Detail:    fmt.Sprintf("%d records", ev.Count),
		})
		if err != nil {
			logger.Printf("Warning: failed to append sync log entry: %v", err)
		}
	}
}

// FanOut delivers each event to every sink in order. Nil sinks are
// skipped.
func FanOut(sinks ...engine.EventSink) engine.EventSink {
	return func(ev engine.Event) {
		for _, sink := range sinks {
			if sink != nil {
				sink(ev)
			}
		}
	}
}
