// Package eventbus guarantees that a state transition's follow-up work
// eventually executes. Events are persisted through the transactional outbox
// in the same transaction as the domain mutation; committed events are pushed
// onto per-type bounded queues drained by fixed worker pools; a periodic sweep
// re-queues anything still CREATED past its staleness threshold. Delivery is
// at-least-once, never at-most-once.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/contractmesh/dimebox/pkg/contracts"
	"github.com/contractmesh/dimebox/pkg/observability"
	"github.com/contractmesh/dimebox/pkg/store"
)

// Result is a callback's verdict on one dispatched event.
type Result int

const (
	// Pending leaves the event CREATED for the retry sweep.
	Pending Result = iota
	// Complete marks the event done.
	Complete
	// Failed marks the event errored; it will not be retried.
	Failed
)

// Callback processes one event of a registered type.
type Callback func(ctx context.Context, ev *contracts.EventRecord) Result

// QueueConfig sizes one event type's queue and worker pool.
type QueueConfig struct {
	Capacity int
	Workers  int
}

// Config sizes the bus. Types absent from PerType fall back to Default.
type Config struct {
	Default         QueueConfig
	PerType         map[contracts.EventType]QueueConfig
	ListenerBackoff time.Duration
}

// DefaultConfig returns the stock sizing: modest queues everywhere, wider
// pools for the high-volume mailbox types.
func DefaultConfig() Config {
	return Config{
		Default: QueueConfig{Capacity: 64, Workers: 2},
		PerType: map[contracts.EventType]QueueConfig{
			contracts.EventEnvelopeMailboxOutbound: {Capacity: 256, Workers: 8},
			contracts.EventEnvelopeFragment:        {Capacity: 256, Workers: 8},
		},
		ListenerBackoff: 3 * time.Second,
	}
}

func (c Config) forType(t contracts.EventType) QueueConfig {
	if qc, ok := c.PerType[t]; ok {
		return qc
	}
	return c.Default
}

// Bus is the process-wide event registry and dispatcher. It is constructed
// once at startup; all callbacks must be registered before Start, after which
// Register fails. This keeps registration from racing dispatch.
type Bus struct {
	cfg    Config
	events store.EventStore
	log    *slog.Logger
	obs    *observability.Provider

	mu        sync.Mutex
	started   bool
	callbacks map[contracts.EventType][]Callback
	queues    map[contracts.EventType]chan *contracts.EventRecord

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds an empty bus over the given outbox store.
func New(events store.EventStore, cfg Config, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	b := &Bus{
		cfg:       cfg,
		events:    events,
		log:       log.With("component", "eventbus"),
		callbacks: make(map[contracts.EventType][]Callback),
		queues:    make(map[contracts.EventType]chan *contracts.EventRecord),
		stop:      make(chan struct{}),
	}
	for _, t := range contracts.EventTypes() {
		b.queues[t] = make(chan *contracts.EventRecord, cfg.forType(t).Capacity)
	}
	return b
}

// SetObservability attaches dispatch tracing and metrics. Call before Start.
func (b *Bus) SetObservability(obs *observability.Provider) {
	b.obs = obs
}

// Register adds a callback for one event type. Must complete before Start.
func (b *Bus) Register(t contracts.EventType, cb Callback) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("eventbus: register after start")
	}
	if !t.Dispatchable() {
		return fmt.Errorf("eventbus: %s is never dispatched", t)
	}
	b.callbacks[t] = append(b.callbacks[t], cb)
	return nil
}

// Start launches the per-type listener pools.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("eventbus: already started")
	}
	b.started = true
	b.mu.Unlock()

	for _, t := range contracts.EventTypes() {
		qc := b.cfg.forType(t)
		for i := 0; i < qc.Workers; i++ {
			b.wg.Add(1)
			go b.listen(ctx, t)
		}
	}
	return nil
}

// Stop drains the listeners and waits for in-flight dispatches.
func (b *Bus) Stop() {
	close(b.stop)
	b.wg.Wait()
}

// Submit persists the event with status CREATED inside the caller's
// transaction and registers a post-commit hook that enqueues it. A rolled-back
// transaction never enqueues work.
func (b *Bus) Submit(ctx context.Context, tx *store.Tx, ev *contracts.EventRecord) error {
	if err := b.events.Submit(ctx, tx, ev); err != nil {
		return err
	}
	if !ev.Type.Dispatchable() {
		return nil
	}
	tx.AfterCommit(func() { b.Enqueue(ev) })
	return nil
}

// Enqueue pushes a committed event onto its type's bounded queue. When the
// queue is full the event is left to the retry sweep instead of blocking the
// committer.
func (b *Bus) Enqueue(ev *contracts.EventRecord) {
	q, ok := b.queues[ev.Type]
	if !ok {
		b.log.Warn("enqueue for unknown event type", "type", ev.Type, "event", ev.EventUUID)
		return
	}
	select {
	case q <- ev:
	default:
		b.log.Warn("queue full, leaving event for sweep", "type", ev.Type, "event", ev.EventUUID)
	}
}

// listen runs one blocking dequeue loop. An uncaught panic in a callback
// restarts the listener after a fixed backoff, so the bus self-heals from
// transient worker crashes.
func (b *Bus) listen(ctx context.Context, t contracts.EventType) {
	defer b.wg.Done()
	for {
		if !b.listenOnce(ctx, t) {
			return
		}
		select {
		case <-b.stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(b.cfg.ListenerBackoff):
		}
	}
}

// listenOnce consumes the queue until shutdown or panic. Returns true when the
// listener should restart.
func (b *Bus) listenOnce(ctx context.Context, t contracts.EventType) (restart bool) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("listener crashed, restarting", "type", t, "panic", r)
			restart = true
		}
	}()
	for {
		select {
		case <-b.stop:
			return false
		case <-ctx.Done():
			return false
		case ev := <-b.queues[t]:
			b.dispatch(ctx, ev)
		}
	}
}

// dispatch delivers one event to every registered callback and folds their
// verdicts: any Failed wins, then any Pending, then Complete. Pending leaves
// the stored status CREATED for the sweep. A database failure while recording
// the verdict is logged and likewise left to the sweep.
func (b *Bus) dispatch(ctx context.Context, ev *contracts.EventRecord) {
	b.mu.Lock()
	cbs := b.callbacks[ev.Type]
	b.mu.Unlock()

	if len(cbs) == 0 {
		b.log.Warn("no callbacks registered", "type", ev.Type, "event", ev.EventUUID)
		return
	}

	verdict := Complete
	if b.obs != nil {
		var done func(error)
		ctx, done = b.obs.TrackDispatch(ctx, string(ev.Type))
		defer func() {
			if verdict == Failed {
				done(fmt.Errorf("eventbus: %s dispatch failed", ev.Type))
				return
			}
			done(nil)
		}()
	}

	for _, cb := range cbs {
		switch cb(ctx, ev) {
		case Failed:
			verdict = Failed
		case Pending:
			if verdict != Failed {
				verdict = Pending
			}
		}
	}

	if verdict == Pending {
		return
	}
	status := contracts.EventStatusComplete
	if verdict == Failed {
		status = contracts.EventStatusError
	}
	matched, err := b.events.UpdateStatus(ctx, ev.EventUUID, ev.Type, status)
	if err != nil {
		b.log.Error("record event status failed, leaving for sweep",
			"event", ev.EventUUID, "type", ev.Type, "err", err)
		return
	}
	if !matched {
		b.log.Debug("event slot reused, skipping status update", "event", ev.EventUUID, "type", ev.Type)
	}
}
