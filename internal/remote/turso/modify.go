package turso

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/lockstep-sync/lockstep/internal/record"
	"github.com/lockstep-sync/lockstep/internal/remote"
)

const (
	statusPending = "pending"
	statusDone    = "done"
	statusFailed  = "failed"
)

// ModifyRecords implements remote.Database. The operation row commits before
// the batch runs, so the id is durable the moment this returns; the batch
// itself runs on a backend goroutine and finishes the operation row in the
// same transaction that writes the records. A process that dies in between
// leaves the row pending, and AttachOperation resolves it.
func (b *Backend) ModifyRecords(ctx context.Context, scope record.Scope, save []record.Record, del []record.ID, done func(remote.ModifyResult)) (remote.OperationID, error) {
	if !scope.Valid() {
		return "", remote.NewError(remote.CodeMalformed, "unknown scope %q", scope)
	}
	if n := len(save) + len(del); n > b.maxBatch {
		return "", &remote.Error{
			Code:           remote.CodeLimitExceeded,
			Message:        fmt.Sprintf("batch of %d exceeds server limit of %d", n, b.maxBatch),
			SuggestedBatch: b.maxBatch,
		}
	}
	for _, rec := range save {
		if err := rec.Validate(); err != nil {
			return "", remote.WrapError(remote.CodeMalformed, err)
		}
	}
	for _, id := range del {
		if id.IsZero() {
			return "", remote.NewError(remote.CodeMalformed, "delete id is required")
		}
	}
	if done == nil {
		done = func(remote.ModifyResult) {}
	}

	id := remote.OperationID(uuid.NewString())
	_, err := b.conn.ExecContext(ctx,
		`INSERT INTO operations (id, kind, scope, status, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		string(id), string(remote.OpModify), scope.String(), statusPending, nowUTC())
	if err != nil {
		return "", mapError("submit modify operation", err)
	}

	// The operation outlives the submitting call's context.
	opCtx := context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		done(b.runModify(opCtx, scope, id, save, del))
	}()
	return id, nil
}

func (b *Backend) runModify(ctx context.Context, scope record.Scope, id remote.OperationID, save []record.Record, del []record.ID) remote.ModifyResult {
	res, err := b.applyModify(ctx, scope, id, save, del)
	if err != nil {
		// The transaction rolled back; no partial counts survive.
		res = remote.ModifyResult{Err: err}
		b.finishOperation(ctx, id, statusFailed, res, err)
	}
	return res
}

// applyModify writes the batch and flips the operation row to done inside
// one transaction. Either everything commits, including the status flip, or
// nothing does; there is no state where records landed but the operation
// still reads pending.
func (b *Backend) applyModify(ctx context.Context, scope record.Scope, id remote.OperationID, save []record.Record, del []record.ID) (remote.ModifyResult, error) {
	var res remote.ModifyResult

	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return res, mapError("modify records", err)
	}
	defer tx.Rollback()

	now := nowUTC()
	for _, rec := range save {
		ok, err := zoneExistsTx(ctx, tx, scope, rec.ID.Zone)
		if err != nil {
			return res, mapError("modify records", err)
		}
		if !ok {
			return res, remote.NewError(remote.CodeZoneMissing, "zone %s does not exist in %s", rec.ID.Zone, scope)
		}

		fields, err := encodeFields(rec.Fields)
		if err != nil {
			return res, remote.WrapError(remote.CodeMalformed, err)
		}
		assets, err := encodeAssets(rec.Assets)
		if err != nil {
			return res, remote.WrapError(remote.CodeMalformed, err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO records (scope, zone_name, zone_owner, name, record_type, fields, assets, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(scope, zone_name, zone_owner, name) DO UPDATE SET
			   record_type = excluded.record_type,
			   fields = excluded.fields,
			   assets = excluded.assets,
			   updated_at = excluded.updated_at`,
			scope.String(), rec.ID.Zone.Name, rec.ID.Zone.Owner, rec.ID.Name,
			rec.Type, fields, assets, now)
		if err != nil {
			return res, mapError("modify records", err)
		}
		if err := appendLog(ctx, tx, scope, rec.ID.Zone, rec.ID.Name, rec.Type, opUpsert); err != nil {
			return res, mapError("modify records", err)
		}
		res.Saved++
	}

	for _, rid := range del {
		var recordType string
		err := tx.QueryRowContext(ctx,
			`SELECT record_type FROM records
			 WHERE scope = ? AND zone_name = ? AND zone_owner = ? AND name = ?`,
			scope.String(), rid.Zone.Name, rid.Zone.Owner, rid.Name).Scan(&recordType)
		if err == sql.ErrNoRows {
			// Deleting an absent record is idempotent success.
			res.Deleted++
			continue
		}
		if err != nil {
			return res, mapError("modify records", err)
		}

		_, err = tx.ExecContext(ctx,
			`DELETE FROM records
			 WHERE scope = ? AND zone_name = ? AND zone_owner = ? AND name = ?`,
			scope.String(), rid.Zone.Name, rid.Zone.Owner, rid.Name)
		if err != nil {
			return res, mapError("modify records", err)
		}
		if err := appendLog(ctx, tx, scope, rid.Zone, rid.Name, recordType, opDelete); err != nil {
			return res, mapError("modify records", err)
		}
		res.Deleted++
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE operations SET status = ?, saved = ?, deleted = ?, finished_at = ? WHERE id = ?`,
		statusDone, res.Saved, res.Deleted, nowUTC(), string(id))
	if err != nil {
		return res, mapError("modify records", err)
	}

	if err := tx.Commit(); err != nil {
		return remote.ModifyResult{}, mapError("modify records", err)
	}
	return res, nil
}

// finishOperation records a terminal status outside the batch transaction.
// Best effort: the operation row is bookkeeping, the result already went to
// the caller's handler.
func (b *Backend) finishOperation(ctx context.Context, id remote.OperationID, status string, res remote.ModifyResult, opErr error) {
	msg := ""
	if opErr != nil {
		msg = opErr.Error()
	}
	_, err := b.conn.ExecContext(ctx,
		`UPDATE operations SET status = ?, saved = ?, deleted = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, res.Saved, res.Deleted, msg, nowUTC(), string(id))
	if err != nil {
		b.logger.Printf("WARNING: failed to mark operation %s %s: %v", id, status, err)
	}
}

func zoneExistsTx(ctx context.Context, tx *sql.Tx, scope record.Scope, zone record.ZoneID) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM zones WHERE scope = ? AND zone_name = ? AND zone_owner = ?`,
		scope.String(), zone.Name, zone.Owner).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PendingOperations implements remote.Database.
func (b *Backend) PendingOperations(ctx context.Context) ([]remote.OperationRef, error) {
	rows, err := b.conn.QueryContext(ctx,
		`SELECT id, kind FROM operations WHERE status = ? ORDER BY created_at, id`,
		statusPending)
	if err != nil {
		return nil, mapError("list pending operations", err)
	}
	defer rows.Close()

	var refs []remote.OperationRef
	for rows.Next() {
		var ref remote.OperationRef
		var id, kind string
		if err := rows.Scan(&id, &kind); err != nil {
			return nil, mapError("list pending operations", err)
		}
		ref.ID = remote.OperationID(id)
		ref.Kind = remote.OperationKind(kind)
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list pending operations", err)
	}
	return refs, nil
}

// AttachOperation implements remote.Database. An operation still pending at
// attach time means the submitting process died before its batch committed;
// the batch is gone, so the operation resolves as failed and the handler
// receives a transient error the caller can treat as a lost request.
func (b *Backend) AttachOperation(ctx context.Context, id remote.OperationID, done func(remote.ModifyResult)) error {
	var status string
	err := b.conn.QueryRowContext(ctx,
		`SELECT status FROM operations WHERE id = ?`, string(id)).Scan(&status)
	if err == sql.ErrNoRows {
		return remote.NewError(remote.CodeMalformed, "unknown operation %s", id)
	}
	if err != nil {
		return mapError("attach operation", err)
	}
	if status != statusPending {
		return remote.NewError(remote.CodeMalformed, "operation %s already finished (%s)", id, status)
	}

	b.mu.Lock()
	if b.attached[id] {
		b.mu.Unlock()
		panic(fmt.Sprintf("turso: operation %s already has a live handler", id))
	}
	b.attached[id] = true
	b.mu.Unlock()

	res := remote.ModifyResult{
		Err: remote.NewError(remote.CodeNetwork, "operation %s interrupted before commit", id),
	}
	b.finishOperation(ctx, id, statusFailed, res, res.Err)

	if done != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			done(res)
		}()
	}
	return nil
}

// Query implements remote.Database. Pages are ordered by record name; the
// cursor is the last name of the previous page.
func (b *Backend) Query(ctx context.Context, scope record.Scope, recordType string, cursor remote.QueryCursor, limit int) (remote.QueryPage, error) {
	if recordType == "" {
		return remote.QueryPage{}, remote.NewError(remote.CodeMalformed, "record type is required")
	}
	if limit <= 0 {
		limit = b.pageSize
	}

	// One row past the page decides whether a continuation cursor exists.
	rows, err := b.conn.QueryContext(ctx,
		`SELECT zone_name, zone_owner, name, fields, assets FROM records
		 WHERE scope = ? AND record_type = ? AND name > ?
		 ORDER BY name LIMIT ?`,
		scope.String(), recordType, string(cursor), limit+1)
	if err != nil {
		return remote.QueryPage{}, mapError("query records", err)
	}
	defer rows.Close()

	var page remote.QueryPage
	for rows.Next() {
		var zone record.ZoneID
		var name string
		var fields, assets []byte
		if err := rows.Scan(&zone.Name, &zone.Owner, &name, &fields, &assets); err != nil {
			return remote.QueryPage{}, mapError("query records", err)
		}
		rec, err := buildRecord(zone, name, recordType, fields, assets)
		if err != nil {
			b.logger.Printf("WARNING: skipping undecodable record %s/%s: %v", zone, name, err)
			continue
		}
		page.Records = append(page.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return remote.QueryPage{}, mapError("query records", err)
	}

	if len(page.Records) > limit {
		page.Records = page.Records[:limit]
		page.Next = remote.QueryCursor(page.Records[limit-1].ID.Name)
	}
	return page, nil
}
