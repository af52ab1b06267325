package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/PRSENTINEL/internal/events"
	"github.com/PRSENTINEL/internal/handlers"
	"github.com/PRSENTINEL/internal/logger"
	"github.com/PRSENTINEL/internal/metrics"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const maxRecentAlerts = 100

// EventLog is the durable event table behind the bus
type EventLog interface {
	EventPurger
	Recent(target string, limit int) ([]*events.Event, error)
	MarkDelivered(eventID string) error
}

// NATSStatus reports broker connectivity for the health check
type NATSStatus interface {
	IsConnected() bool
}

// Deps are the engine components the server exposes. Only Reviews and Knowledge are required.
type Deps struct {
	Reviews   handlers.ReviewEngine
	Lister    handlers.ReviewLister
	Knowledge handlers.KnowledgeStore
	Syncer    handlers.SourceSyncer
	Retriever handlers.Retriever
	Detector  handlers.ConflictDetector
	Metrics   *metrics.MetricsCollector
	Alerts    metrics.AlertEngine
	Bus       *events.Bus
	EventLog  EventLog
	NATS      NATSStatus
	PRs       handlers.PRFetcher
}

// Options tunes the server's background work
type Options struct {
	AllowedOrigins   []string
	AlertInterval    time.Duration
	CleanupInterval  time.Duration
	EventRetention   time.Duration
	MetricsRetention time.Duration
}

// Server is the main HTTP server
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *Hub
	upgrader   websocket.Upgrader
	cleanup    *CleanupService
	deps       Deps
	opts       Options
	log        *logger.Logger

	startTime time.Time

	alertsMu sync.RWMutex
	alerts   []*metrics.Alert

	// Background tasks
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
	bgOnce   sync.Once
}

// NewServer creates a new server instance
func NewServer(deps Deps, opts Options, log *logger.Logger) *Server {
	if opts.AlertInterval <= 0 {
		opts.AlertInterval = time.Minute
	}
	log = logger.OrNop(log).With("component", "server")

	s := &Server{
		hub:       NewHub(),
		deps:      deps,
		opts:      opts,
		log:       log,
		startTime: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(opts.AllowedOrigins, r.Header.Get("Origin"))
		},
	}

	var purger EventPurger
	if deps.EventLog != nil {
		purger = deps.EventLog
	}
	var pruner ReviewPruner
	if deps.Metrics != nil {
		pruner = deps.Metrics
	}
	s.cleanup = NewCleanupService(purger, pruner, log)
	s.cleanup.SetIntervals(opts.CleanupInterval, opts.EventRetention, opts.MetricsRetention)

	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	s.setupRoutes()
	return s
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(SecurityHeadersMiddleware, CORSMiddleware(s.opts.AllowedOrigins), LoggingMiddleware(s.log))

	reviews := handlers.NewReviewHandler(s.deps.Reviews, s.deps.Lister, s.statsSource(), s.log)
	if s.deps.PRs != nil {
		reviews.WithPRFetcher(s.deps.PRs)
	}
	reviews.RegisterRoutes(api)
	handlers.NewKnowledgeHandler(s.deps.Knowledge, s.deps.Syncer, s.deps.Retriever, s.deps.Detector, s.log).RegisterRoutes(api)

	api.HandleFunc("/health", s.handleHealthCheck).Methods("GET")
	api.HandleFunc("/alerts", s.handleGetAlerts).Methods("GET")
	api.HandleFunc("/alerts/clear", s.handleClearAlerts).Methods("POST")
	api.HandleFunc("/thresholds", s.handleGetThresholds).Methods("GET")
	api.HandleFunc("/thresholds", s.handleUpdateThresholds).Methods("PUT")
	api.HandleFunc("/metrics/history", s.handleMetricsHistory).Methods("GET")
	api.HandleFunc("/events", s.handleRecentEvents).Methods("GET")
	api.PathPrefix("").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	// WebSocket
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

func (s *Server) statsSource() handlers.StatsSource {
	if s.deps.Metrics == nil {
		return nil
	}
	return s.deps.Metrics
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// StartBackground starts the hub, the event relay, alert checks and cleanup. Idempotent.
func (s *Server) StartBackground() {
	s.bgOnce.Do(func() {
		s.spawn(func(context.Context) { s.hub.Run() })
		if s.deps.Bus != nil {
			ch := s.deps.Bus.Subscribe(events.TargetAll, nil)
			s.spawn(func(ctx context.Context) { s.relayEvents(ctx, ch) })
		}
		s.spawn(s.backgroundTasks)
		s.spawn(s.cleanup.Start)
	})
}

func (s *Server) spawn(fn func(ctx context.Context)) {
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		fn(s.bgCtx)
	}()
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.StartBackground()

	s.log.Info("listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops background work and gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.bgCancel()
	s.hub.Stop()

	done := make(chan struct{})
	go func() {
		s.bgWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// relayEvents forwards bus events to websocket clients and marks them delivered
func (s *Server) relayEvents(ctx context.Context, ch <-chan events.Event) {
	defer s.deps.Bus.Unsubscribe(events.TargetAll, ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.hub.BroadcastEvent(&ev)
			if s.deps.EventLog != nil {
				if err := s.deps.EventLog.MarkDelivered(ev.ID); err != nil {
					s.log.Debug("event not marked delivered", "id", ev.ID, "error", err)
				}
			}
		}
	}
}

// backgroundTasks runs periodic alert checks and stats snapshots
func (s *Server) backgroundTasks(ctx context.Context) {
	ticker := time.NewTicker(s.opts.AlertInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAlerts()
			if s.deps.Metrics != nil {
				snap := s.deps.Metrics.TakeSnapshot()
				s.hub.BroadcastStats(snap.Stats)
			}
		}
	}
}

// checkAlerts evaluates alert conditions and returns the alerts raised
func (s *Server) checkAlerts() []*metrics.Alert {
	if s.deps.Alerts == nil {
		return nil
	}
	var raised []*metrics.Alert
	if s.deps.Metrics != nil {
		raised = append(raised, s.deps.Alerts.CheckStats(s.deps.Metrics.Stats())...)
	}
	if s.deps.Knowledge != nil {
		raised = append(raised, s.deps.Alerts.CheckSources(s.deps.Knowledge.Sources())...)
	}
	for _, alert := range raised {
		s.addAlert(alert)
		s.hub.BroadcastAlert(alert)
		s.log.Warn("alert raised", "type", alert.Type, "subject", alert.Subject, "message", alert.Message)
	}
	return raised
}

func (s *Server) addAlert(alert *metrics.Alert) {
	s.alertsMu.Lock()
	defer s.alertsMu.Unlock()
	s.alerts = append(s.alerts, alert)
	if len(s.alerts) > maxRecentAlerts {
		s.alerts = s.alerts[len(s.alerts)-maxRecentAlerts:]
	}
}

func (s *Server) recentAlerts() []*metrics.Alert {
	s.alertsMu.RLock()
	defer s.alertsMu.RUnlock()
	out := make([]*metrics.Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}
