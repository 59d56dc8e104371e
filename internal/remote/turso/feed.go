package turso

import (
	"context"
	"database/sql"
	"sort"
	"strconv"

	"github.com/lockstep-sync/lockstep/internal/record"
	"github.com/lockstep-sync/lockstep/internal/remote"
)

// Feed row kinds. zone_create rows never surface as feed events; they exist
// so a zone's final token advances past its creation.
const (
	opUpsert     = "record_upsert"
	opDelete     = "record_delete"
	opZoneCreate = "zone_create"
	opZoneDelete = "zone_delete"
)

// tokenFor renders a log sequence as a change token.
func tokenFor(seq int64) record.Token {
	return record.Token(strconv.FormatInt(seq, 10))
}

// feedSince resolves a client token to a log position. snapshot is true for
// the zero token, which asks for current state rather than history. Tokens
// older than the pruned floor or past the head of the log were not minted
// against this database's retained history; both report CodeTokenExpired so
// the caller discards the cursor and snapshots.
func (b *Backend) feedSince(ctx context.Context, scope record.Scope, tok record.Token) (seq int64, snapshot bool, err error) {
	if tok.IsZero() {
		return 0, true, nil
	}
	seq, perr := strconv.ParseInt(string(tok), 10, 64)
	if perr != nil {
		return 0, false, remote.NewError(remote.CodeTokenExpired, "unrecognized change token %q", tok)
	}

	var floor int64
	err = b.conn.QueryRowContext(ctx,
		`SELECT value FROM server_meta WHERE key = ?`, prunedKey(scope)).Scan(&floor)
	if err != nil && err != sql.ErrNoRows {
		return 0, false, mapError("resolve change token", err)
	}
	var head int64
	err = b.conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM change_log WHERE scope = ?`,
		scope.String()).Scan(&head)
	if err != nil {
		return 0, false, mapError("resolve change token", err)
	}
	// A fully pruned log still honors cursors at the cut.
	if head < floor {
		head = floor
	}

	if seq < floor || seq > head {
		return 0, false, remote.NewError(remote.CodeTokenExpired, "change token %d outside retained history [%d, %d]", seq, floor, head)
	}
	return seq, false, nil
}

func prunedKey(scope record.Scope) string {
	return "pruned:" + scope.String()
}

// PruneChangeLog drops feed history for scope up to and including upTo.
// Cursors at or before the cut expire; clients holding them restart from a
// snapshot. Operational tooling calls this to bound log growth.
func (b *Backend) PruneChangeLog(ctx context.Context, scope record.Scope, upTo record.Token) error {
	if upTo.IsZero() {
		return nil
	}
	seq, err := strconv.ParseInt(string(upTo), 10, 64)
	if err != nil {
		return remote.NewError(remote.CodeMalformed, "unrecognized change token %q", upTo)
	}
	// Never push the floor past the head; a foreign cursor must not strand
	// the feed.
	var head int64
	if err := b.conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM change_log WHERE scope = ?`,
		scope.String()).Scan(&head); err != nil {
		return mapError("prune change log", err)
	}
	if seq > head {
		seq = head
	}
	if seq <= 0 {
		return nil
	}

	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return mapError("prune change log", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM change_log WHERE scope = ? AND seq <= ?`,
		scope.String(), seq); err != nil {
		return mapError("prune change log", err)
	}
	// The floor is the first seq still usable as a cursor.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO server_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		prunedKey(scope), strconv.FormatInt(seq, 10)); err != nil {
		return mapError("prune change log", err)
	}

	if err := tx.Commit(); err != nil {
		return mapError("prune change log", err)
	}
	return nil
}

// DatabaseChanges implements remote.Database. A snapshot request (zero
// token) reports every zone in the scope as changed; an incremental request
// scans the log and reports each zone once per mention run, with deletes
// interleaved in log order.
func (b *Backend) DatabaseChanges(ctx context.Context, scope record.Scope, since record.Token, h remote.DatabaseChangesHandlers) (record.Token, error) {
	sinceSeq, snapshot, err := b.feedSince(ctx, scope, since)
	if err != nil {
		return nil, err
	}
	if snapshot {
		return b.databaseSnapshot(ctx, scope, h)
	}

	rows, err := b.conn.QueryContext(ctx,
		`SELECT seq, zone_name, zone_owner, op FROM change_log
		 WHERE scope = ? AND seq > ? ORDER BY seq`,
		scope.String(), sinceSeq)
	if err != nil {
		return nil, mapError("fetch database changes", err)
	}
	defer rows.Close()

	seen := make(map[record.ZoneID]bool)
	last := sinceSeq
	n := 0
	for rows.Next() {
		var seq int64
		var zone record.ZoneID
		var op string
		if err := rows.Scan(&seq, &zone.Name, &zone.Owner, &op); err != nil {
			return nil, mapError("fetch database changes", err)
		}
		switch op {
		case opZoneDelete:
			if h.ZoneDeleted != nil {
				h.ZoneDeleted(zone)
			}
			// A later re-create of the zone must surface again.
			delete(seen, zone)
		case opUpsert, opDelete, opZoneCreate:
			if !seen[zone] {
				seen[zone] = true
				if h.ZoneChanged != nil {
					h.ZoneChanged(zone)
				}
			}
		}
		last = seq
		n++
		if n%b.checkpoint == 0 && h.TokenUpdated != nil {
			h.TokenUpdated(tokenFor(last))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("fetch database changes", err)
	}
	return tokenFor(last), nil
}

// databaseSnapshot reports every live zone as changed and returns the head
// of the log as the new cursor.
func (b *Backend) databaseSnapshot(ctx context.Context, scope record.Scope, h remote.DatabaseChangesHandlers) (record.Token, error) {
	rows, err := b.conn.QueryContext(ctx,
		`SELECT zone_name, zone_owner FROM zones WHERE scope = ? ORDER BY zone_owner, zone_name`,
		scope.String())
	if err != nil {
		return nil, mapError("fetch database changes", err)
	}
	defer rows.Close()

	for rows.Next() {
		var zone record.ZoneID
		if err := rows.Scan(&zone.Name, &zone.Owner); err != nil {
			return nil, mapError("fetch database changes", err)
		}
		if h.ZoneChanged != nil {
			h.ZoneChanged(zone)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("fetch database changes", err)
	}

	var head int64
	err = b.conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM change_log WHERE scope = ?`,
		scope.String()).Scan(&head)
	if err != nil {
		return nil, mapError("fetch database changes", err)
	}
	return tokenFor(head), nil
}

// ZoneChanges implements remote.Database. Zones are served in a stable
// order; each zone's outcome lands on h.ZoneResult independently, so one
// expired cursor or missing zone never poisons the batch.
func (b *Backend) ZoneChanges(ctx context.Context, scope record.Scope, since map[record.ZoneID]record.Token, h remote.ZoneChangesHandlers) error {
	zones := make([]record.ZoneID, 0, len(since))
	for z := range since {
		zones = append(zones, z)
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i].String() < zones[j].String() })

	for _, zone := range zones {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.zoneChanges(ctx, scope, zone, since[zone], h)
	}
	return nil
}

func (b *Backend) zoneChanges(ctx context.Context, scope record.Scope, zone record.ZoneID, since record.Token, h remote.ZoneChangesHandlers) {
	fail := func(err error) {
		if h.ZoneResult != nil {
			h.ZoneResult(zone, nil, err)
		}
	}

	exists, err := b.zoneExists(ctx, scope, zone)
	if err != nil {
		fail(mapError("fetch zone changes", err))
		return
	}
	if !exists {
		fail(remote.NewError(remote.CodeZoneMissing, "zone %s does not exist in %s", zone, scope))
		return
	}

	sinceSeq, snapshot, err := b.feedSince(ctx, scope, since)
	if err != nil {
		fail(err)
		return
	}

	if snapshot {
		if err := b.zoneSnapshot(ctx, scope, zone, h); err != nil {
			fail(err)
			return
		}
	} else if err := b.zoneHistory(ctx, scope, zone, sinceSeq, h); err != nil {
		fail(err)
		return
	}

	final, err := b.zoneHead(ctx, scope, zone, sinceSeq)
	if err != nil {
		fail(mapError("fetch zone changes", err))
		return
	}
	if h.ZoneResult != nil {
		h.ZoneResult(zone, tokenFor(final), nil)
	}
}

// zoneSnapshot streams every live record in the zone. Fresh cursors need no
// tombstones; there is nothing local to delete yet.
func (b *Backend) zoneSnapshot(ctx context.Context, scope record.Scope, zone record.ZoneID, h remote.ZoneChangesHandlers) error {
	rows, err := b.conn.QueryContext(ctx,
		`SELECT name, record_type, fields, assets FROM records
		 WHERE scope = ? AND zone_name = ? AND zone_owner = ? ORDER BY name`,
		scope.String(), zone.Name, zone.Owner)
	if err != nil {
		return mapError("fetch zone changes", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, recordType string
		var fields, assets []byte
		if err := rows.Scan(&name, &recordType, &fields, &assets); err != nil {
			return mapError("fetch zone changes", err)
		}
		rec, err := buildRecord(zone, name, recordType, fields, assets)
		if err != nil {
			b.logger.Printf("WARNING: skipping undecodable record %s/%s: %v", zone, name, err)
			continue
		}
		if h.RecordChanged != nil {
			h.RecordChanged(rec)
		}
	}
	return mapError("fetch zone changes", rows.Err())
}

// zoneHistory streams the zone's log rows past sinceSeq, collapsed to the
// latest op per record name so a save-then-delete surfaces only the delete.
func (b *Backend) zoneHistory(ctx context.Context, scope record.Scope, zone record.ZoneID, sinceSeq int64, h remote.ZoneChangesHandlers) error {
	// SQLite resolves bare columns from the row that supplied MAX(seq).
	rows, err := b.conn.QueryContext(ctx,
		`SELECT record_name, record_type, op, MAX(seq) AS last FROM change_log
		 WHERE scope = ? AND zone_name = ? AND zone_owner = ? AND seq > ?
		   AND op IN (?, ?)
		 GROUP BY record_name ORDER BY last`,
		scope.String(), zone.Name, zone.Owner, sinceSeq, opUpsert, opDelete)
	if err != nil {
		return mapError("fetch zone changes", err)
	}
	defer rows.Close()

	type collapsed struct {
		name       string
		recordType string
		op         string
		seq        int64
	}
	var changes []collapsed
	for rows.Next() {
		var c collapsed
		if err := rows.Scan(&c.name, &c.recordType, &c.op, &c.seq); err != nil {
			return mapError("fetch zone changes", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return mapError("fetch zone changes", err)
	}

	for i, c := range changes {
		switch c.op {
		case opDelete:
			if h.RecordDeleted != nil {
				h.RecordDeleted(record.ID{Name: c.name, Zone: zone}, c.recordType)
			}
		case opUpsert:
			rec, ok, err := b.loadRecord(ctx, scope, zone, c.name)
			if err != nil {
				return err
			}
			if !ok {
				// Row vanished between log read and record read; the next
				// fetch delivers the delete.
				continue
			}
			if h.RecordChanged != nil {
				h.RecordChanged(rec)
			}
		}
		if (i+1)%b.checkpoint == 0 && h.TokenUpdated != nil {
			h.TokenUpdated(zone, tokenFor(c.seq))
		}
	}
	return nil
}

// zoneHead returns the zone's final cursor position: the max seq across all
// of its log rows, or the caller's position when the zone has none retained.
func (b *Backend) zoneHead(ctx context.Context, scope record.Scope, zone record.ZoneID, sinceSeq int64) (int64, error) {
	var head int64
	err := b.conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), ?) FROM change_log
		 WHERE scope = ? AND zone_name = ? AND zone_owner = ?`,
		sinceSeq, scope.String(), zone.Name, zone.Owner).Scan(&head)
	if err != nil {
		return 0, err
	}
	if head < sinceSeq {
		head = sinceSeq
	}
	return head, nil
}

func (b *Backend) loadRecord(ctx context.Context, scope record.Scope, zone record.ZoneID, name string) (record.Record, bool, error) {
	var recordType string
	var fields, assets []byte
	err := b.conn.QueryRowContext(ctx,
		`SELECT record_type, fields, assets FROM records
		 WHERE scope = ? AND zone_name = ? AND zone_owner = ? AND name = ?`,
		scope.String(), zone.Name, zone.Owner, name).Scan(&recordType, &fields, &assets)
	if err == sql.ErrNoRows {
		return record.Record{}, false, nil
	}
	if err != nil {
		return record.Record{}, false, mapError("fetch zone changes", err)
	}
	rec, err := buildRecord(zone, name, recordType, fields, assets)
	if err != nil {
		return record.Record{}, false, mapError("fetch zone changes", err)
	}
	return rec, true, nil
}

func buildRecord(zone record.ZoneID, name, recordType string, fieldsPayload, assetsPayload []byte) (record.Record, error) {
	fields, err := decodeFields(fieldsPayload)
	if err != nil {
		return record.Record{}, err
	}
	assets, err := decodeAssets(assetsPayload)
	if err != nil {
		return record.Record{}, err
	}
	return record.Record{
		Type:   recordType,
		ID:     record.ID{Name: name, Zone: zone},
		Fields: fields,
		Assets: assets,
	}, nil
}
