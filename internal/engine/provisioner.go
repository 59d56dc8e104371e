package engine

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/lockstep-sync/lockstep/internal/record"
	"github.com/lockstep-sync/lockstep/internal/remote"
)

// Provisioner ensures the zones bound reconcilers write into exist on the
// remote side before anything is fetched or pushed into them.
type Provisioner struct {
	remote remote.Database
	tokens *TokenStore
	sched  *Scheduler
	logger *log.Logger
	events EventSink
}

// NewProvisioner builds a provisioner.
func NewProvisioner(db remote.Database, tokens *TokenStore, sched *Scheduler, logger *log.Logger, events EventSink) *Provisioner {
	if logger == nil {
		logger = log.New(os.Stderr, "[provision] ", log.LstdFlags)
	}
	return &Provisioner{remote: db, tokens: tokens, sched: sched, logger: logger, events: events}
}

// EnsureZones creates the not-yet-created zones across recs in one batch.
// Zones shared by several reconcilers are submitted once. On success each
// reconciler's zone is flagged created and its full local population is
// force-pushed once, metered network allowed, so writes made before the
// zone existed reach the remote. A transient failure reschedules the
// whole call; any other failure is dropped and provisioning is retried
// lazily on the next engine start.
func (p *Provisioner) EnsureZones(ctx context.Context, scope record.Scope, recs []*Reconciler) error {
	byZone := make(map[record.ZoneID][]*Reconciler)
	var zones []record.ZoneID
	for _, r := range recs {
		created, err := p.tokens.ZoneCreated(ctx, scope, r.Zone())
		if err != nil {
			return fmt.Errorf("checking zone %s: %w", r.Zone(), err)
		}
		if created {
			continue
		}
		if _, ok := byZone[r.Zone()]; !ok {
			zones = append(zones, r.Zone())
		}
		byZone[r.Zone()] = append(byZone[r.Zone()], r)
	}
	if len(zones) == 0 {
		return nil
	}

	err := p.remote.SaveZones(ctx, scope, zones)
	switch out := remote.Classify(err); out.Kind {
	case remote.Success:
		for _, zone := range zones {
			if err := p.tokens.SetZoneCreated(ctx, scope, zone); err != nil {
				return fmt.Errorf("flagging zone %s created: %w", zone, err)
			}
			p.logger.Printf("created zone %s in %s", zone, scope)
			emit(p.events, Event{Kind: EventZoneCreated, Scope: scope, Zone: zone})
		}
		for _, zone := range zones {
			for _, r := range byZone[zone] {
				if err := r.ForceFullPush(ctx, true); err != nil {
					p.logger.Printf("full push of %s after zone creation: %v", r.TypeName(), err)
				}
			}
		}

	case remote.Retry:
		p.sched.After("provision/"+scope.String(), out.RetryAfter, func() {
			p.EnsureZones(context.Background(), scope, recs)
		})

	default:
		// Dropped; the next engine start retries lazily.
		p.logger.Printf("zone creation in %s dropped: %v", scope, err)
	}
	return nil
}
