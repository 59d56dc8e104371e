package sqlitestore

import (
	"context"
	"fmt"
	"time"

	"github.com/lockstep-sync/lockstep/internal/record"
)

// Directions a sync log entry can carry.
const (
	DirectionPull  = "pull"
	DirectionPush  = "push"
	DirectionLocal = "local"
)

// Actions a sync log entry can carry.
const (
	ActionUpsert = "upsert"
	ActionDelete = "delete"
	ActionPurge  = "purge"
	ActionReset  = "reset"
)

// LogEntry is one row of the local sync audit log. The log is advisory:
// it feeds the history command and the dashboard, and the engine never
// reads it back to make decisions.
type LogEntry struct {
	ID        string
	At        time.Time
	Direction string
	Action    string
	Type      string
	PK        string
	Zone      string
	Detail    string
}

// AppendLog writes one audit entry. ID and At are filled in when empty.
func (s *Store) AppendLog(ctx context.Context, e LogEntry) error {
	if e.ID == "" {
		e.ID = record.NewName()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO synclog (id, at, direction, action, entity_type, pk, zone, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.At.Format(time.RFC3339Nano), e.Direction, e.Action, e.Type, e.PK, e.Zone, e.Detail)
	if err != nil {
		return fmt.Errorf("failed to append sync log entry: %w", err)
	}
	return nil
}

// LogSince returns audit entries at or after since, oldest first. limit
// bounds the result; limit <= 0 means no bound.
func (s *Store) LogSince(ctx context.Context, since time.Time, limit int) ([]LogEntry, error) {
	query := `
		SELECT id, at, direction, action, entity_type, pk, zone, detail
		FROM synclog
		WHERE at >= ?
		ORDER BY at ASC, id ASC`
	args := []any{since.UTC().Format(time.RFC3339Nano)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync log: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var at string
		var zone, detail *string
		if err := rows.Scan(&e.ID, &at, &e.Direction, &e.Action, &e.Type, &e.PK, &zone, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan sync log row: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("failed to parse sync log timestamp %q: %w", at, err)
		}
		e.At = t
		if zone != nil {
			e.Zone = *zone
		}
		if detail != nil {
			e.Detail = *detail
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync log rows: %w", err)
	}
	return out, nil
}

// PruneLog deletes audit entries older than before and reports how many
// went away.
func (s *Store) PruneLog(ctx context.Context, before time.Time) (int, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM synclog WHERE at < ?`, before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to prune sync log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read prune result: %w", err)
	}
	return int(n), nil
}
