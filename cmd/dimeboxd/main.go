// Command dimeboxd runs one contract party node: it opens the record and
// outbox stores, generates or loads the node identity, starts the event bus
// with its retry sweep, and polls the mailbox for inbound fragments.
package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/contractmesh/dimebox/pkg/chain"
	"github.com/contractmesh/dimebox/pkg/config"
	"github.com/contractmesh/dimebox/pkg/contracts"
	"github.com/contractmesh/dimebox/pkg/crypto"
	"github.com/contractmesh/dimebox/pkg/envelope"
	"github.com/contractmesh/dimebox/pkg/eventbus"
	"github.com/contractmesh/dimebox/pkg/mailbox"
	"github.com/contractmesh/dimebox/pkg/objectstore"
	"github.com/contractmesh/dimebox/pkg/observability"
	"github.com/contractmesh/dimebox/pkg/store"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tuning, err := config.LoadTuning(cfg.ProfilesDir, cfg.Profile)
	if err != nil {
		log.Fatalf("tuning profile: %v", err)
	}

	obs, err := observability.New(ctx, observability.DefaultConfig())
	if err != nil {
		log.Fatalf("observability: %v", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	// 1. Database and stores.
	db, err := sql.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("database ping: %v", err)
	}

	envelopes, events, err := buildStores(ctx, cfg, db)
	if err != nil {
		log.Fatalf("stores: %v", err)
	}
	logger.Info("database connected", "driver", cfg.DatabaseDriver)

	// 2. Mailbox object store.
	objects, err := objectstore.NewStoreFromEnv(ctx)
	if err != nil {
		log.Fatalf("mailbox store: %v", err)
	}
	logger.Info("mailbox store ready", "type", cfg.StorageType)

	// 3. Node identity.
	ident, err := crypto.NewIdentity(cfg.KeyID)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}
	logger.Info("identity ready",
		"key_id", cfg.KeyID,
		"signing_key", ident.SigningPublicKey(),
		"encryption_key", ident.EncryptionPublicKey(),
	)

	// 4. Event bus, service, dispatcher. Callbacks register before Start.
	busCfg := eventbus.Config{
		Default: eventbus.QueueConfig{
			Capacity: tuning.Queue.Capacity,
			Workers:  tuning.Queue.Workers,
		},
		PerType: map[contracts.EventType]eventbus.QueueConfig{
			contracts.EventEnvelopeMailboxOutbound: {
				Capacity: tuning.Queue.MailboxCapacity,
				Workers:  tuning.Queue.MailboxWorkers,
			},
			contracts.EventEnvelopeFragment: {
				Capacity: tuning.Queue.MailboxCapacity,
				Workers:  tuning.Queue.MailboxWorkers,
			},
		},
		ListenerBackoff: tuning.Queue.ListenerBackoff,
	}
	bus := eventbus.New(events, busCfg, logger)
	bus.SetObservability(obs)

	mail := mailbox.NewService(objects, logger)
	svc := envelope.NewService(db, envelopes, events, bus, passthroughEngine{}, logger)
	svc.SetObservability(obs)

	var chainClient chain.Client
	if cfg.ChainEndpoint != "" {
		chainClient, err = chain.NewHTTPClient(cfg.ChainEndpoint)
		if err != nil {
			log.Fatalf("chain client: %v", err)
		}
	} else {
		logger.Warn("no chain endpoint configured, chaincode events will stay pending")
		chainClient = unavailableChain{}
	}

	dispatcher := envelope.NewDispatcher(svc, mail, chainClient, []*crypto.Identity{ident}, logger)
	dispatcher.SetPoller(chain.PollerConfig{
		Interval:    tuning.Chain.Interval,
		MaxAttempts: tuning.Chain.MaxAttempts,
	})
	if err := dispatcher.Register(bus); err != nil {
		log.Fatalf("register callbacks: %v", err)
	}
	if err := bus.Start(ctx); err != nil {
		log.Fatalf("start event bus: %v", err)
	}
	defer bus.Stop()

	// 5. Retry sweep and mailbox reaper.
	sweeper := eventbus.NewSweeper(events, bus, eventbus.SweepConfig{
		Interval:         tuning.Sweep.Interval,
		ShortAge:         tuning.Sweep.ShortAge,
		LongAge:          tuning.Sweep.LongAge,
		BatchLimit:       tuning.Sweep.BatchLimit,
		BatchesPerSecond: tuning.Sweep.BatchesPerSecond,
	}, logger)

	reaper := mailbox.NewReaper(mailbox.ReaperConfig{
		PollInterval: tuning.Poll.Interval,
		InitialDelay: tuning.Poll.InitialDelay,
		BatchSize:    tuning.Poll.BatchSize,
	}, objects, mail, dispatcher, []*crypto.Identity{ident}, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()

	logger.Info("dimeboxd running", "profile", tuning.Name)
	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
}

func buildStores(ctx context.Context, cfg *config.Config, db *sql.DB) (store.EnvelopeStore, store.EventStore, error) {
	if cfg.DatabaseDriver == "sqlite" {
		s, err := store.NewSQLiteStore(db)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
	envelopes := store.NewPostgresEnvelopeStore(db)
	if err := envelopes.Init(ctx); err != nil {
		return nil, nil, err
	}
	events := store.NewPostgresEventStore(db)
	if err := events.Init(ctx); err != nil {
		return nil, nil, err
	}
	return envelopes, events, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
