package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/PRSENTINEL/internal/config"
	"github.com/PRSENTINEL/internal/conflict"
	"github.com/PRSENTINEL/internal/events"
	"github.com/PRSENTINEL/internal/ingest"
	"github.com/PRSENTINEL/internal/knowledge"
	"github.com/PRSENTINEL/internal/logger"
	"github.com/PRSENTINEL/internal/metrics"
	natslib "github.com/PRSENTINEL/internal/nats"
	"github.com/PRSENTINEL/internal/persistence"
	"github.com/PRSENTINEL/internal/policy"
	"github.com/PRSENTINEL/internal/retrieval"
	"github.com/PRSENTINEL/internal/review"
	"github.com/PRSENTINEL/internal/server"
)

func main() {
	configPath := flag.String("config", "configs/prsentinel.yaml", "Configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	noSync := flag.Bool("no-sync", false, "Skip the startup sync of knowledge sources")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *noSync {
		cfg.Sync.OnStartup = false
	}

	log, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	printBanner()

	if err := run(cfg, log); err != nil {
		log.Error("prsentinel stopped with error", "error", err)
		log.Sync()
		os.Exit(1)
	}
	fmt.Println("Goodbye!")
}

func run(cfg config.Config, log *logger.Logger) error {
	ctx := context.Background()

	// Persistence
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	db, err := persistence.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if n, err := db.MarkInterrupted(ctx, time.Now().UTC()); err != nil {
		log.Warn("marking interrupted reviews failed", "error", err)
	} else if n > 0 {
		log.Info("reviews interrupted by the last shutdown marked failed", "count", n)
	}

	eventLog, err := events.NewSQLiteStore(db.SQL())
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	bus := events.NewBus(eventLog, log)

	// Knowledge
	store := knowledge.NewStore(db, log)
	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("loading knowledge: %w", err)
	}
	syncer := ingest.New(store, ingest.Options{
		Timeout:    cfg.Sync.Timeout,
		StaleAfter: cfg.Sync.StaleAfter,
	}, bus, log)
	for _, seed := range cfg.Sources {
		if err := store.Register(ctx, seed.KnowledgeSource); err != nil {
			return fmt.Errorf("registering source %s: %w", seed.ID, err)
		}
		if len(seed.Items) > 0 {
			syncer.Inline().Set(seed.ID, seed.Items)
		}
	}
	log.Info("knowledge store ready", "sources", len(store.Sources()))

	// Engine
	retriever := retrieval.New(store, retrieval.Options{
		MaxResults:    cfg.Retrieval.MaxResults,
		SourceTimeout: cfg.Retrieval.SourceTimeout,
		SemanticDims:  cfg.Retrieval.SemanticDims,
	}, log)
	detector := conflict.NewDetector(store, conflict.Options{
		TopicThreshold: cfg.Conflict.TopicThreshold,
		SemanticDims:   cfg.Retrieval.SemanticDims,
	}, log)
	collector := metrics.NewCollector()
	orch := review.New(review.Deps{
		Retriever: retriever,
		Detector:  detector,
		Evaluator: policy.NewEvaluator(log),
		Recorder:  db,
		Events:    bus,
		Observer:  collector,
	}, review.Options{
		DefaultMode:     cfg.Review.DefaultMode,
		FileConcurrency: cfg.Review.FileConcurrency,
		Weights:         cfg.Review.Weights,
	}, log)

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	if cfg.Sync.OnStartup {
		go syncer.SyncAll(bgCtx)
	}
	go syncer.Run(bgCtx, cfg.Sync.SweepInterval)
	if cfg.Sync.WatchFiles {
		go func() {
			if err := syncer.Watch(bgCtx); err != nil {
				log.Warn("bundle watcher stopped", "error", err)
			}
		}()
	}

	// Optional NATS
	deps := server.Deps{
		Reviews:   orch,
		Lister:    db,
		Knowledge: store,
		Syncer:    syncer,
		Retriever: retriever,
		Detector:  detector,
		Metrics:   collector,
		Alerts: metrics.NewAlertEngine(metrics.AlertThresholds{
			BlockedReviewsMax: cfg.Alerts.BlockedReviewsMax,
			FailedReviewsMax:  cfg.Alerts.FailedReviewsMax,
			MinAverageScore:   cfg.Alerts.MinAverageScore,
			SourceErrorsMax:   cfg.Alerts.SourceErrorsMax,
		}),
		Bus:      bus,
		EventLog: eventLog,
	}
	if cfg.Review.PRDir != "" {
		deps.PRs = ingest.PRDirectory{Dir: cfg.Review.PRDir}
	}
	msg, err := startMessaging(cfg.NATS, bus, orch, syncer, log)
	if err != nil {
		log.Warn("NATS disabled after startup failure", "error", err)
	}
	if msg != nil && msg.client != nil {
		deps.NATS = msg.client
	}

	srv := server.NewServer(deps, server.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AlertInterval:    cfg.Alerts.CheckInterval,
		CleanupInterval:  cfg.Storage.CleanupInterval,
		EventRetention:   cfg.Storage.EventRetention,
		MetricsRetention: cfg.Storage.MetricsRetention,
	}, log)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start(fmt.Sprintf(":%d", cfg.Server.Port))
	}()
	fmt.Printf("  API ready at http://localhost:%d/api\n", cfg.Server.Port)
	fmt.Println("  Press Ctrl+C to shutdown")
	fmt.Println()

	var runErr error
	select {
	case runErr = <-serverErr:
	case <-shutdown:
		fmt.Println()
		fmt.Println("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", "error", err)
	}
	msg.stop()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Warn("orchestrator shutdown", "error", err)
	}
	bgCancel()
	if err := syncer.Shutdown(shutdownCtx); err != nil {
		log.Warn("syncer shutdown", "error", err)
	}
	return runErr
}

// messaging bundles the NATS pieces so shutdown can stop them in order
type messaging struct {
	server  *natslib.EmbeddedServer
	client  *natslib.Client
	bridge  *natslib.Bridge
	handler *natslib.Handler
}

func startMessaging(cfg config.NATSConfig, bus *events.Bus, orch *review.Orchestrator, syncer *ingest.Syncer, log *logger.Logger) (*messaging, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	m := &messaging{}

	ns, err := natslib.NewEmbeddedServer(natslib.EmbeddedServerConfig{
		Port:      cfg.Port,
		JetStream: cfg.JetStream,
		DataDir:   cfg.DataDir,
	}, log)
	if err != nil {
		return nil, err
	}
	if err := ns.Start(); err != nil {
		return nil, err
	}
	m.server = ns

	client, err := natslib.NewClient(ns.URL(), log)
	if err != nil {
		m.stop()
		return nil, err
	}
	m.client = client

	if cfg.JetStream {
		sm, err := natslib.NewStreamManager(client.RawConn(), log)
		if err == nil {
			err = sm.SetupStreams()
		}
		if err != nil {
			log.Warn("JetStream streams unavailable, publishing core NATS only", "error", err)
		}
	}

	m.bridge = natslib.NewBridge(bus, client, log)
	m.bridge.Start()

	m.handler = natslib.NewHandler(client, natslib.HandlerCallbacks{
		OnStartReview:     orch.Start,
		OnCancelReview:    orch.Cancel,
		OnResolveConflict: orch.ResolveConflict,
		OnSyncSource:      syncer.Sync,
	}, log)
	if err := m.handler.Start(); err != nil {
		m.stop()
		return nil, err
	}

	log.Info("NATS messaging started", "url", ns.URL())
	return m, nil
}

func (m *messaging) stop() {
	if m == nil {
		return
	}
	if m.handler != nil {
		m.handler.Stop()
	}
	if m.bridge != nil {
		m.bridge.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
	if m.server != nil {
		m.server.Shutdown()
	}
}

func printBanner() {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════════════╗")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║              PRSENTINEL v1.0.0                        ║")
	fmt.Println("  ║     Knowledge-Aware Code Review Engine                ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ╚═══════════════════════════════════════════════════════╝")
	fmt.Println()
}
