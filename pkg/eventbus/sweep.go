package eventbus

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/contractmesh/dimebox/pkg/store"
)

// SweepConfig tunes the retry sweep.
type SweepConfig struct {
	Interval time.Duration
	// ShortAge applies to event types that require an actively connected
	// remote party; LongAge to everything else.
	ShortAge time.Duration
	LongAge  time.Duration
	// BatchLimit caps how many events one sweep pass re-queues.
	BatchLimit int
	// BatchesPerSecond bounds sweep throughput across consecutive full
	// batches.
	BatchesPerSecond float64
}

// DefaultSweepConfig mirrors the stock retry cadence.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Interval:         30 * time.Second,
		ShortAge:         time.Minute,
		LongAge:          10 * time.Minute,
		BatchLimit:       100,
		BatchesPerSecond: 2,
	}
}

// Sweeper periodically re-queues stale CREATED events so unacknowledged work
// is retried across process restarts.
type Sweeper struct {
	cfg     SweepConfig
	events  store.EventStore
	bus     *Bus
	log     *slog.Logger
	limiter *rate.Limiter
}

func NewSweeper(events store.EventStore, bus *Bus, cfg SweepConfig, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		cfg:     cfg,
		events:  events,
		bus:     bus,
		log:     log.With("component", "event-sweep"),
		limiter: rate.NewLimiter(rate.Limit(cfg.BatchesPerSecond), 1),
	}
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep drains stale events in full batches, throttling between batches so a
// large backlog cannot flood the queues.
func (s *Sweeper) sweep(ctx context.Context) {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		events, err := s.events.SweepStale(ctx, s.cfg.ShortAge, s.cfg.LongAge, s.cfg.BatchLimit)
		if err != nil {
			s.log.Error("sweep failed", "err", err)
			return
		}
		if len(events) == 0 {
			return
		}
		s.log.Info("re-queueing stale events", "count", len(events))
		for _, ev := range events {
			s.bus.Enqueue(ev)
		}
		if len(events) < s.cfg.BatchLimit {
			return
		}
	}
}
