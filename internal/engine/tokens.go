package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/lockstep-sync/lockstep/internal/kvstore"
	"github.com/lockstep-sync/lockstep/internal/record"
)

// TokenStore persists change tokens and sync bookkeeping flags in the
// key/value collaborator. Tokens are opaque bytes; the store never
// inspects them.
//
// Crash-safety contract: callers write a token only after the owning
// fetch step observed forward progress. A crash before the write replays
// the step from the prior token, which the apply path tolerates because
// upserts are idempotent.
type TokenStore struct {
	kv kvstore.Store
}

// NewTokenStore wraps kv. Keys are namespaced under fixed prefixes so one
// store can share the kv with unrelated bookkeeping.
func NewTokenStore(kv kvstore.Store) *TokenStore {
	return &TokenStore{kv: kv}
}

func dbTokenKey(scope record.Scope) string {
	return "token/db/" + scope.String()
}

func zoneTokenKey(scope record.Scope, zone record.ZoneID) string {
	return "token/zone/" + scope.String() + "/" + zone.String()
}

func zoneCreatedKey(scope record.Scope, zone record.ZoneID) string {
	return "created/" + scope.String() + "/" + zone.String()
}

func subscribedKey(scope record.Scope) string {
	return "subscribed/" + scope.String()
}

func knownZoneKey(scope record.Scope, zone record.ZoneID) string {
	return "zones/" + scope.String() + "/" + zone.String()
}

// DatabaseToken returns the stored database-level token for scope, or a
// nil token when none is stored (start of feed).
func (t *TokenStore) DatabaseToken(ctx context.Context, scope record.Scope) (record.Token, error) {
	return t.token(ctx, dbTokenKey(scope))
}

// SetDatabaseToken stores the database-level token for scope. A nil token
// deletes the stored value.
func (t *TokenStore) SetDatabaseToken(ctx context.Context, scope record.Scope, tok record.Token) error {
	return t.setToken(ctx, dbTokenKey(scope), tok)
}

// ZoneToken returns the stored token for one zone, or nil when none is
// stored.
func (t *TokenStore) ZoneToken(ctx context.Context, scope record.Scope, zone record.ZoneID) (record.Token, error) {
	return t.token(ctx, zoneTokenKey(scope, zone))
}

// SetZoneToken stores the token for one zone. A nil token deletes the
// stored value.
func (t *TokenStore) SetZoneToken(ctx context.Context, scope record.Scope, zone record.ZoneID, tok record.Token) error {
	return t.setToken(ctx, zoneTokenKey(scope, zone), tok)
}

func (t *TokenStore) token(ctx context.Context, key string) (record.Token, error) {
	val, err := t.kv.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	if len(val) == 0 {
		return nil, nil
	}
	return record.Token(val), nil
}

func (t *TokenStore) setToken(ctx context.Context, key string, tok record.Token) error {
	if tok.IsZero() {
		if err := t.kv.Delete(ctx, key); err != nil {
			return fmt.Errorf("clearing %s: %w", key, err)
		}
		return nil
	}
	if err := t.kv.Set(ctx, key, []byte(tok)); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// ZoneCreated reports whether the zone's created flag is set.
func (t *TokenStore) ZoneCreated(ctx context.Context, scope record.Scope, zone record.ZoneID) (bool, error) {
	return t.flag(ctx, zoneCreatedKey(scope, zone))
}

// SetZoneCreated marks the zone as created on the remote side.
func (t *TokenStore) SetZoneCreated(ctx context.Context, scope record.Scope, zone record.ZoneID) error {
	return t.setFlag(ctx, zoneCreatedKey(scope, zone))
}

// ClearZoneCreated drops the zone's created flag, forcing the next
// provisioning pass to recreate it. Used when the remote reports the zone
// deleted.
func (t *TokenStore) ClearZoneCreated(ctx context.Context, scope record.Scope, zone record.ZoneID) error {
	return t.kv.Delete(ctx, zoneCreatedKey(scope, zone))
}

// Subscribed reports whether the change-notification subscription for
// scope has been registered.
func (t *TokenStore) Subscribed(ctx context.Context, scope record.Scope) (bool, error) {
	return t.flag(ctx, subscribedKey(scope))
}

// SetSubscribed marks the scope's subscription as registered.
func (t *TokenStore) SetSubscribed(ctx context.Context, scope record.Scope) error {
	return t.setFlag(ctx, subscribedKey(scope))
}

func (t *TokenStore) flag(ctx context.Context, key string) (bool, error) {
	_, err := t.kv.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", key, err)
	}
	return true, nil
}

func (t *TokenStore) setFlag(ctx context.Context, key string) error {
	if err := t.kv.Set(ctx, key, []byte{1}); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// KnownZones lists zones previously discovered in scope, sorted by zone
// id. Shared-scope zones arrive at runtime rather than from the manifest,
// so the fetcher persists them here to seed later zone-level fetches.
func (t *TokenStore) KnownZones(ctx context.Context, scope record.Scope) ([]record.ZoneID, error) {
	prefix := "zones/" + scope.String() + "/"
	pairs, err := t.kv.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing known zones for %s: %w", scope, err)
	}
	zones := make([]record.ZoneID, 0, len(pairs))
	for key := range pairs {
		zone, err := record.ParseZoneID(key[len(prefix):])
		if err != nil {
			continue
		}
		zones = append(zones, zone)
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i].String() < zones[j].String() })
	return zones, nil
}

// AddKnownZone records a discovered zone.
func (t *TokenStore) AddKnownZone(ctx context.Context, scope record.Scope, zone record.ZoneID) error {
	return t.setFlag(ctx, knownZoneKey(scope, zone))
}

// RemoveKnownZone forgets a zone and its token.
func (t *TokenStore) RemoveKnownZone(ctx context.Context, scope record.Scope, zone record.ZoneID) error {
	if err := t.kv.Delete(ctx, knownZoneKey(scope, zone)); err != nil {
		return err
	}
	return t.SetZoneToken(ctx, scope, zone, nil)
}
