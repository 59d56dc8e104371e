package engine

import (
	"time"

	"github.com/lockstep-sync/lockstep/internal/record"
)

// EventKind tags what an Event reports.
type EventKind string

const (
	// EventFetchPhase reports a fetch state transition; Phase carries the
	// new state.
	EventFetchPhase EventKind = "fetch_phase"

	// EventTokenAdvanced reports a persisted token. Zone is zero for
	// database-level tokens.
	EventTokenAdvanced EventKind = "token_advanced"

	// EventApplied reports remote records applied locally; Count is how
	// many, Type the entity type.
	EventApplied EventKind = "applied"

	// EventDeleted reports remote deletions applied locally.
	EventDeleted EventKind = "deleted"

	// EventZoneCreated reports a successful zone provisioning.
	EventZoneCreated EventKind = "zone_created"

	// EventPushed reports records accepted by the remote side.
	EventPushed EventKind = "pushed"

	// EventPushFailed reports a terminally failed push batch.
	EventPushFailed EventKind = "push_failed"

	// EventResumed reports a durable operation re-attached after restart.
	EventResumed EventKind = "resumed"
)

// Event is one observable engine occurrence, consumed by the dashboard
// broadcast and the sync history log.
type Event struct {
	Kind  EventKind     `json:"kind"`
	Scope record.Scope  `json:"scope,omitempty"`
	Zone  record.ZoneID `json:"zone,omitempty"`
	Type  string        `json:"type,omitempty"`
	Phase Phase         `json:"phase,omitempty"`
	Count int           `json:"count,omitempty"`
	Error string        `json:"error,omitempty"`
	Time  time.Time     `json:"time"`
}

// EventSink consumes engine events. Sinks run on whatever goroutine
// produced the event and must not block.
type EventSink func(Event)

// emit stamps and delivers ev, tolerating a nil sink.
func emit(sink EventSink, ev Event) {
	if sink == nil {
		return
	}
	ev.Time = time.Now()
	sink(ev)
}
