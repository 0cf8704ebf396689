// Package api provides HTTP handlers and the main API server logic for DripFlow.
//
// It exposes RESTful endpoints for managing message sequences and their
// executions, scoped per organization. The API integrates the store,
// messaging, sequence engine and scheduler modules.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowdesk/DripFlow/internal/messaging"
	"github.com/flowdesk/DripFlow/internal/models"
	"github.com/flowdesk/DripFlow/internal/scheduler"
	"github.com/flowdesk/DripFlow/internal/sequence"
	"github.com/flowdesk/DripFlow/internal/store"
	"github.com/flowdesk/DripFlow/internal/twiliowhatsapp"
	"github.com/flowdesk/DripFlow/internal/whatsapp"
)

// Default API server configuration.
const (
	// DefaultAddr is the default API listen address.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultStaleClaimCron releases stale execution claims every minute.
	DefaultStaleClaimCron = "* * * * *"
	// DefaultPurgeCron purges old terminal executions nightly.
	DefaultPurgeCron = "30 3 * * *"
	// DefaultPurgeRetention is how long terminal executions are kept.
	DefaultPurgeRetention = 30 * 24 * time.Hour
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr           string
	PollInterval   time.Duration
	DefaultChannel models.ChannelType
	PurgeRetention time.Duration
	TwilioEnabled  bool
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the API listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithPollInterval sets the runner's scan interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.PollInterval = d
	}
}

// WithDefaultChannel sets the channel used for conversations that do not
// declare one.
func WithDefaultChannel(ch models.ChannelType) Option {
	return func(o *Opts) {
		o.DefaultChannel = ch
	}
}

// WithPurgeRetention sets how long terminal executions are kept before the
// nightly purge removes them.
func WithPurgeRetention(d time.Duration) Option {
	return func(o *Opts) {
		o.PurgeRetention = d
	}
}

// WithTwilio enables the Twilio WhatsApp channel.
func WithTwilio() Option {
	return func(o *Opts) {
		o.TwilioEnabled = true
	}
}

// Server ties the store, sequence engine and HTTP surface together.
type Server struct {
	st      store.Store
	service *sequence.Service
	runner  *sequence.Runner
	sender  messaging.Sender
}

// NewServer builds a server over an existing store and sender. The runner is
// created but not started; callers run it themselves (see Run).
func NewServer(st store.Store, sender messaging.Sender, opts ...Option) *Server {
	cfg := applyOptions(opts)

	s := &Server{st: st, sender: sender}
	s.service = sequence.NewService(st, sequence.WithWake(func() {
		if s.runner != nil {
			s.runner.Wake()
		}
	}))
	var runnerOpts []sequence.RunnerOption
	if cfg.PollInterval > 0 {
		runnerOpts = append(runnerOpts, sequence.WithPollInterval(cfg.PollInterval))
	}
	s.runner = sequence.NewRunner(st, s.service, sender, runnerOpts...)
	return s
}

func applyOptions(opts []Option) Opts {
	cfg := Opts{
		Addr:           DefaultAddr,
		DefaultChannel: models.ChannelWhatsApp,
		PurgeRetention: DefaultPurgeRetention,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	mux.HandleFunc("POST /sequences", s.createSequenceHandler)
	mux.HandleFunc("GET /sequences", s.listSequencesHandler)
	mux.HandleFunc("GET /sequences/search", s.searchSequencesHandler)
	mux.HandleFunc("GET /sequences/{id}", s.getSequenceHandler)
	mux.HandleFunc("PATCH /sequences/{id}", s.updateSequenceHandler)
	mux.HandleFunc("DELETE /sequences/{id}", s.deleteSequenceHandler)

	mux.HandleFunc("POST /sequences/{id}/steps", s.addStepHandler)
	mux.HandleFunc("GET /sequences/{id}/steps", s.listStepsHandler)
	mux.HandleFunc("PUT /sequences/{id}/steps/order", s.reorderStepsHandler)
	mux.HandleFunc("PATCH /sequences/{id}/steps/{stepID}", s.updateStepHandler)
	mux.HandleFunc("DELETE /sequences/{id}/steps/{stepID}", s.deleteStepHandler)

	mux.HandleFunc("POST /sequences/{id}/executions", s.startExecutionHandler)
	mux.HandleFunc("GET /executions/{id}", s.getExecutionHandler)
	mux.HandleFunc("POST /executions/{id}/stop", s.stopExecutionHandler)

	mux.HandleFunc("POST /conversations", s.createConversationHandler)
	mux.HandleFunc("GET /conversations/{id}/executions", s.listConversationExecutionsHandler)

	return mux
}

// Runner exposes the background runner for lifecycle management.
func (s *Server) Runner() *sequence.Runner {
	return s.runner
}

// Run wires the full service from options: store, channel senders, engine,
// maintenance scheduler and HTTP server. It blocks until SIGINT/SIGTERM and
// shuts everything down in order.
func Run(waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option, storeOpts []store.Option, apiOpts []Option) error {
	cfg := applyOptions(apiOpts)

	st, err := buildStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	router := messaging.NewRouter(cfg.DefaultChannel)

	waClient, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize WhatsApp client: %w", err)
	}
	router.Register(models.ChannelWhatsApp, messaging.NewWhatsAppService(waClient))

	if cfg.TwilioEnabled {
		twClient, err := twiliowhatsapp.NewClient(twilioOpts...)
		if err != nil {
			return fmt.Errorf("failed to initialize Twilio client: %w", err)
		}
		router.Register(models.ChannelTwilio, messaging.NewTwilioService(twClient))
	}

	srv := NewServer(st, router, apiOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := router.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging services: %w", err)
	}
	defer router.Stop()

	go srv.runner.Run(ctx)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(DefaultStaleClaimCron, func() {
		if _, err := st.ReleaseStaleClaims(time.Now().Add(-store.DefaultClaimLease)); err != nil {
			slog.Error("Stale claim release failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule stale claim release: %w", err)
	}
	if err := sched.AddJob(DefaultPurgeCron, func() {
		n, err := st.PurgeTerminalExecutions(time.Now().Add(-cfg.PurgeRetention))
		if err != nil {
			slog.Error("Execution purge failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("Purged old terminal executions", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule execution purge: %w", err)
	}

	httpServer := &http.Server{Addr: cfg.Addr, Handler: srv.Handler()}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("DripFlow API listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown failed: %w", err)
	}
	return nil
}

// buildStore picks the backend from the configured DSN: PostgreSQL, SQLite,
// or in-memory when no DSN is set.
func buildStore(storeOpts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range storeOpts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("No database DSN configured, using in-memory store; state will not survive restarts")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		return store.NewPostgresStore(storeOpts...)
	}
	return store.NewSQLiteStore(storeOpts...)
}
