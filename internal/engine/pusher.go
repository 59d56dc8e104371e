package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lockstep-sync/lockstep/internal/record"
	"github.com/lockstep-sync/lockstep/internal/remote"
)

// Pusher is the outbound write path reconcilers hand converted records
// to. Implementations own batching, retry and durability bookkeeping;
// callers fire and forget.
type Pusher interface {
	// Push submits save and del to the remote store. allowMetered permits
	// the batch on a metered network; batches without it wait for the
	// network to change.
	Push(ctx context.Context, scope record.Scope, save []record.Record, del []record.ID, allowMetered bool)
}

// DefaultMaxBatch caps how many records one modify operation carries,
// matching the server's documented per-request limit.
const DefaultMaxBatch = 400

// DefaultMaxRetries bounds re-submissions of one batch before it is
// reported failed.
const DefaultMaxRetries = 5

// DefaultMeteredRecheck is how long a metered-excluded batch waits before
// re-checking the network.
const DefaultMeteredRecheck = time.Minute

// PusherConfig assembles a RemotePusher.
type PusherConfig struct {
	Remote remote.Database

	// Policy answers whether the current network is metered. Defaults to
	// AllowAllNetworks.
	Policy NetworkPolicy

	// Scheduler defers retries and metered re-checks. Required.
	Scheduler *Scheduler

	// Resumed tracks live durable-operation ids so the resumer never
	// re-attaches to an operation this process already owns. Required.
	Resumed *ResumeSet

	Logger *log.Logger
	Events EventSink

	// MaxBatch and MaxRetries default to the package constants when zero.
	MaxBatch   int
	MaxRetries int

	// MeteredRecheck defaults to DefaultMeteredRecheck when zero.
	MeteredRecheck time.Duration
}

// RemotePusher submits record batches as durable modify operations.
// Oversized submissions are split up front; server chunk verdicts split
// them further; transient failures are re-submitted after the suggested
// delay with one pending retry per batch.
type RemotePusher struct {
	remote  remote.Database
	policy  NetworkPolicy
	sched   *Scheduler
	resumed *ResumeSet
	logger  *log.Logger
	events  EventSink

	maxBatch       int
	maxRetries     int
	meteredRecheck time.Duration

	seq atomic.Uint64
}

// NewPusher builds a RemotePusher from cfg.
func NewPusher(cfg PusherConfig) (*RemotePusher, error) {
	if cfg.Remote == nil {
		return nil, fmt.Errorf("pusher requires a remote database")
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("pusher requires a scheduler")
	}
	if cfg.Resumed == nil {
		return nil, fmt.Errorf("pusher requires a resume set")
	}
	if cfg.Policy == nil {
		cfg.Policy = AllowAllNetworks
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[push] ", log.LstdFlags)
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MeteredRecheck <= 0 {
		cfg.MeteredRecheck = DefaultMeteredRecheck
	}
	return &RemotePusher{
		remote:         cfg.Remote,
		policy:         cfg.Policy,
		sched:          cfg.Scheduler,
		resumed:        cfg.Resumed,
		logger:         cfg.Logger,
		events:         cfg.Events,
		maxBatch:       cfg.MaxBatch,
		maxRetries:     cfg.MaxRetries,
		meteredRecheck: cfg.MeteredRecheck,
	}, nil
}

// pushBatch is one modify operation's worth of work. seq keys its retry
// slot in the scheduler so a batch never has two pending retries.
type pushBatch struct {
	seq     uint64
	save    []record.Record
	del     []record.ID
	attempt int
}

func (b *pushBatch) size() int { return len(b.save) + len(b.del) }

func (b *pushBatch) key(scope record.Scope) string {
	return fmt.Sprintf("push/%s/%d", scope, b.seq)
}

// Push implements Pusher.
func (p *RemotePusher) Push(ctx context.Context, scope record.Scope, save []record.Record, del []record.ID, allowMetered bool) {
	if len(save) == 0 && len(del) == 0 {
		return
	}
	if !allowMetered && p.policy.Metered() {
		seq := p.seq.Add(1)
		p.logger.Printf("withholding %d records, %d deletions from metered network", len(save), len(del))
		p.sched.After(fmt.Sprintf("push/metered/%d", seq), p.meteredRecheck, func() {
			p.Push(context.Background(), scope, save, del, allowMetered)
		})
		return
	}
	for _, b := range p.batches(save, del, p.maxBatch) {
		p.send(ctx, scope, b)
	}
}

// batches splits save and del into batches of at most size items each,
// saves first.
func (p *RemotePusher) batches(save []record.Record, del []record.ID, size int) []*pushBatch {
	var out []*pushBatch
	cur := &pushBatch{seq: p.seq.Add(1)}
	flush := func() {
		if cur.size() > 0 {
			out = append(out, cur)
			cur = &pushBatch{seq: p.seq.Add(1)}
		}
	}
	for _, rec := range save {
		if cur.size() >= size {
			flush()
		}
		cur.save = append(cur.save, rec)
	}
	for _, id := range del {
		if cur.size() >= size {
			flush()
		}
		cur.del = append(cur.del, id)
	}
	flush()
	return out
}

// inflight resolves the race between the operation id becoming known and
// the completion callback firing, which some backends do synchronously.
type inflight struct {
	mu       sync.Mutex
	id       remote.OperationID
	finished bool
}

func (p *RemotePusher) send(ctx context.Context, scope record.Scope, b *pushBatch) {
	fl := &inflight{}
	id, err := p.remote.ModifyRecords(ctx, scope, b.save, b.del, func(res remote.ModifyResult) {
		fl.mu.Lock()
		fl.finished = true
		opID := fl.id
		fl.mu.Unlock()
		if opID != "" {
			p.resumed.Remove(opID)
		}
		p.finish(scope, b, res.Err, res)
	})
	if err != nil {
		p.finish(scope, b, err, remote.ModifyResult{})
		return
	}
	fl.mu.Lock()
	fl.id = id
	finished := fl.finished
	fl.mu.Unlock()
	if !finished {
		// The operation is durable server-side now; claiming its id keeps
		// the resumer from attaching a second handler to it.
		p.resumed.Add(id)
	}
}

func (p *RemotePusher) finish(scope record.Scope, b *pushBatch, err error, res remote.ModifyResult) {
	out := remote.Classify(err)
	switch out.Kind {
	case remote.Success:
		p.logger.Printf("pushed %d records, %d deletions to %s", res.Saved, res.Deleted, scope)
		emit(p.events, Event{Kind: EventPushed, Scope: scope, Type: batchType(b), Count: res.Saved + res.Deleted})

	case remote.Retry:
		if b.attempt >= p.maxRetries {
			p.giveUp(scope, b, fmt.Errorf("push retries exhausted after %d attempts: %w", b.attempt, err))
			return
		}
		b.attempt++
		p.sched.After(b.key(scope), out.RetryAfter, func() {
			p.send(context.Background(), scope, b)
		})

	case remote.Chunk:
		p.chunk(scope, b, out.SuggestedBatch)

	default:
		p.giveUp(scope, b, err)
	}
}

// chunk re-submits the batch in smaller pieces. The server may suggest a
// size; otherwise the batch is halved.
func (p *RemotePusher) chunk(scope record.Scope, b *pushBatch, suggested int) {
	if b.size() <= 1 {
		p.giveUp(scope, b, fmt.Errorf("batch of one still exceeds the server limit"))
		return
	}
	size := suggested
	if size <= 0 || size >= b.size() {
		size = (b.size() + 1) / 2
	}
	p.logger.Printf("splitting batch of %d into pieces of %d", b.size(), size)
	for _, piece := range p.batches(b.save, b.del, size) {
		piece.attempt = b.attempt
		p.send(context.Background(), scope, piece)
	}
}

func (p *RemotePusher) giveUp(scope record.Scope, b *pushBatch, err error) {
	p.logger.Printf("push of %d records, %d deletions to %s failed: %v", len(b.save), len(b.del), scope, err)
	emit(p.events, Event{Kind: EventPushFailed, Scope: scope, Type: batchType(b), Count: b.size(), Error: err.Error()})
}

func batchType(b *pushBatch) string {
	if len(b.save) > 0 {
		return b.save[0].Type
	}
	return ""
}
