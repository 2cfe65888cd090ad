package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"copytrade-core/internal/api"
	"copytrade-core/internal/auth"
	"copytrade-core/internal/autoclose"
	"copytrade-core/internal/events"
	"copytrade-core/internal/guard"
	"copytrade-core/internal/monitor"
	"copytrade-core/internal/protocol"
	"copytrade-core/internal/reconcile"
	"copytrade-core/internal/scheduler"
	"copytrade-core/internal/vault"
	"copytrade-core/pkg/broker"
	"copytrade-core/pkg/config"
	"copytrade-core/pkg/crypto"
	"copytrade-core/pkg/db"
)

var buildVersion = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ config load failed: %v", err)
	}
	log.Printf("🔄 copytrade-core %s starting on :%s", buildVersion, cfg.Port)

	// The vault key is non-negotiable: running without it would mean
	// storing exit levels in the clear.
	keyManager, err := crypto.NewKeyManager()
	if err != nil {
		log.Fatalf("❌ encryption key init failed: %v", err)
	}
	ownerVault := vault.New(keyManager)
	log.Printf("✓ vault ready (key version %d)", keyManager.CurrentVersion())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ database init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("❌ database migrations failed: %v", err)
	}
	log.Printf("✓ database ready at %s", cfg.DBPath)

	// Per-user guard overrides from guards.yaml, synced into the store.
	if cfg.GuardsConfigPath != "" {
		entries, err := guard.LoadConfigFile(cfg.GuardsConfigPath)
		if err != nil {
			log.Fatalf("❌ guards config %s: %v", cfg.GuardsConfigPath, err)
		}
		if err := guard.SyncConfigToDB(ctx, database, entries); err != nil {
			log.Fatalf("❌ guards config sync: %v", err)
		}
		log.Printf("✓ guard overrides loaded for %d users", len(entries))
	}

	// Broker gateway selection
	var brokerClient broker.Client
	brokerName := "mt5-bridge"
	if cfg.UseMockBroker {
		brokerClient = broker.NewMock()
		brokerName = "mock"
		log.Println("⚠️ using mock broker (dry run)")
	} else {
		bridge := broker.NewHTTPClient(cfg.BrokerBaseURL, cfg.BrokerAPIKey, cfg.BrokerTimeout, cfg.BrokerRetryMax)
		brokerClient = broker.NewCachedClient(bridge, 2*time.Second)
		log.Printf("✓ broker bridge at %s", cfg.BrokerBaseURL)
	}

	metrics := monitor.NewSystemMetrics()
	(&monitor.Monitor{Bus: bus}).Start(ctx)
	gateway := auth.NewGateway(database, cfg.AuthWindow)
	protocolSvc := protocol.NewService(database, ownerVault, bus, protocol.DefaultMaxFailures)
	reconSvc := reconcile.NewService(database, brokerClient, bus, reconcile.Tolerances{
		VolumePercent: cfg.VolumeTolerancePct,
		EntryPips:     cfg.EntryTolerancePips,
	})
	guardSvc := guard.NewService(database, brokerClient, bus)
	closer := autoclose.NewEngine(database, brokerClient, bus)

	// Background cycles
	go (&scheduler.Runner{
		Name:     "reconcile",
		Interval: cfg.ReconcileInterval,
		Task: func(ctx context.Context) error {
			return forEachUser(ctx, database, func(userID string) error {
				report, err := reconSvc.ReconcileUser(ctx, userID)
				if err != nil {
					return err
				}
				for range report.Divergences {
					metrics.IncrementDivergences()
				}
				return nil
			})
		},
	}).Run(ctx)

	go (&scheduler.Runner{
		Name:     "guard",
		Interval: cfg.GuardInterval,
		Task: func(ctx context.Context) error {
			return forEachUser(ctx, database, func(userID string) error {
				return runGuardCycle(ctx, userID, guardSvc, closer, metrics)
			})
		},
	}).Run(ctx)

	go (&scheduler.Runner{
		Name:     "replay-purge",
		Interval: cfg.ReplayPurgeInterval,
		Task: func(ctx context.Context) error {
			n, err := database.PurgeExpiredReplays(ctx, scheduler.RealClock().Now())
			if err == nil && n > 0 {
				log.Printf("✓ purged %d expired replay records", n)
			}
			return err
		},
	}).Run(ctx)

	// API
	server := api.NewServer(api.Deps{
		Bus:      bus,
		DB:       database,
		Gateway:  gateway,
		Protocol: protocolSvc,
		Recon:    reconSvc,
		Closer:   closer,
		Guard:    guardSvc,
		Vault:    ownerVault,
		Metrics:  metrics,
	}, api.SystemMeta{
		DryRun:  cfg.UseMockBroker,
		Broker:  brokerName,
		Version: buildVersion,
	}, cfg.JWTSecret)

	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("❌ api server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("🔄 shutting down")
}

// forEachUser applies fn to every registered user, reporting the first error
// after trying them all.
func forEachUser(ctx context.Context, database *db.Database, fn func(userID string) error) error {
	userIDs, err := database.ListUserIDs(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, uid := range userIDs {
		if err := fn(uid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// runGuardCycle evaluates both guards for a user, routes critical trips to
// the auto-close engine, and sweeps hidden exit levels.
func runGuardCycle(ctx context.Context, userID string, guardSvc *guard.Service, closer *autoclose.Engine, metrics *monitor.SystemMetrics) error {
	eval, err := guardSvc.Evaluate(ctx, userID)
	if err != nil {
		return err
	}
	for _, res := range eval.Results {
		if !res.Passed {
			metrics.IncrementGuardTrips()
		}
	}

	if crit := eval.Critical(); crit != nil {
		reason := autoclose.ReasonMarketGuard
		if crit.Guard == guard.TypeDrawdown {
			reason = autoclose.ReasonDrawdown
		}
		log.Printf("❌ critical %s guard for %s, closing all open positions", crit.Guard, userID)
		results, err := closer.CloseAll(ctx, userID, reason)
		if err != nil {
			return err
		}
		for _, r := range results {
			if r.Error == "" && r.Outcome != nil && !r.Outcome.Repeated {
				metrics.IncrementClosed()
			}
		}
		return nil
	}

	// No critical trip: check owner stop/take levels against live quotes.
	outcomes, err := closer.SweepUser(ctx, userID)
	if err != nil {
		return err
	}
	for range outcomes {
		metrics.IncrementClosed()
	}
	return nil
}
