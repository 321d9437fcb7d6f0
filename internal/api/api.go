// Package api provides the administrative HTTP server for WhatsHook.
//
// It exposes health and statistics, a manual queue drain, a reset of all in-memory
// deduplication state, synthetic event injection for testing, a websocket feed of delivery
// outcomes and, when configured, Twilio's inbound WhatsApp webhook.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BTreeMap/WhatsHook/internal/dedup"
	"github.com/BTreeMap/WhatsHook/internal/extract"
	"github.com/BTreeMap/WhatsHook/internal/ingest"
	"github.com/BTreeMap/WhatsHook/internal/messaging"
	"github.com/BTreeMap/WhatsHook/internal/models"
	"github.com/BTreeMap/WhatsHook/internal/queue"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// EventProcessor runs transport events through admission and delivery; *ingest.Processor
// implements it.
type EventProcessor interface {
	HandleEvent(accountID string, evt models.TransportEvent) ingest.Summary
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	TwilioHandler http.Handler // mounted at /twilio/whatsapp when set
	EnableInject  bool
	Now           func() time.Time
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioHandler mounts Twilio's inbound webhook.
func WithTwilioHandler(h http.Handler) Option {
	return func(o *Opts) { o.TwilioHandler = h }
}

// WithEventInjection enables POST /events/inject.
func WithEventInjection(enabled bool) Option {
	return func(o *Opts) { o.EnableInject = enabled }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Server is the admin HTTP server.
type Server struct {
	dedup     *dedup.Deduplicator
	extractor *extract.Extractor
	queue     *queue.Queue
	registry  *messaging.AccountRegistry
	processor EventProcessor
	hub       *DeliveryHub
	schema    *jsonschema.Schema
	opts      Opts
	srv       *http.Server
}

// NewServer creates the server and subscribes its delivery feed to q.
func NewServer(dd *dedup.Deduplicator, x *extract.Extractor, q *queue.Queue, reg *messaging.AccountRegistry, p EventProcessor, opts ...Option) (*Server, error) {
	cfg := Opts{Addr: DefaultAddr, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	schema, err := compileInjectSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to compile inject schema: %w", err)
	}
	s := &Server{
		dedup:     dd,
		extractor: x,
		queue:     q,
		registry:  reg,
		processor: p,
		hub:       NewDeliveryHub(),
		schema:    schema,
		opts:      cfg,
	}
	q.OnOutcome(s.hub.Publish)
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	mux.HandleFunc("/queue/process", s.processQueueHandler)
	mux.HandleFunc("/admin/reset", s.resetHandler)
	mux.HandleFunc("/events/inject", s.injectHandler)
	mux.HandleFunc("/ws/deliveries", s.deliveriesHandler)
	if s.opts.TwilioHandler != nil {
		mux.Handle("/twilio/whatsapp", s.opts.TwilioHandler)
	}
	return mux
}

// Hub returns the delivery outcome feed.
func (s *Server) Hub() *DeliveryHub {
	return s.hub
}

// Serve listens on the configured address until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	slog.Info("WhatsHook API listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.Close()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown failed: %w", err)
	}
	slog.Info("WhatsHook API stopped")
	return nil
}
