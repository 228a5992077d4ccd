package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/messaging"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/models"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/store"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server exposes the HTTP surface: inbound events, the Twilio webhook, and
// conversation inspection endpoints.
type Server struct {
	pipeline   *Pipeline
	store      store.Store
	msgService messaging.Service
	httpServer *http.Server
}

// NewServer creates the API server around an assembled pipeline.
func NewServer(pipeline *Pipeline, st store.Store, msgService messaging.Service, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	s := &Server{
		pipeline:   pipeline,
		store:      st,
		msgService: msgService,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", s.inboundEventHandler)
	mux.HandleFunc("GET /conversations/{key}", s.getConversationHandler)
	mux.HandleFunc("GET /conversations/{key}/outbox", s.getOutboxHandler)
	mux.HandleFunc("GET /health", s.healthHandler)

	if twilio, ok := s.msgService.(*messaging.TwilioService); ok {
		mux.HandleFunc("POST /webhook/twilio", twilio.WebhookHandler)
	}
	return mux
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// EventLoop consumes inbound events from the messaging service and feeds them
// through the pipeline. Each event is processed in its own goroutine: the turn
// controller's debounce sleep and the provider calls must not block the
// channel, or rapid messages from one user would never merge into one turn
// and a stalled send would stall every other conversation. The conversation
// lock serializes turns per key. Blocks until ctx is cancelled or the event
// channel closes, then waits for in-flight events.
func (s *Server) EventLoop(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Server.EventLoop: stopping")
			return
		case event, ok := <-s.msgService.Events():
			if !ok {
				slog.Info("Server.EventLoop: event channel closed")
				return
			}
			wg.Add(1)
			go func(event models.InboundEvent) {
				defer wg.Done()
				status, err := s.pipeline.ProcessEvent(ctx, event)
				if err != nil {
					slog.Error("Server.EventLoop: event processing failed",
						"conversation", event.ConversationKey, "error", err)
					return
				}
				slog.Debug("Server.EventLoop: event processed",
					"conversation", event.ConversationKey, "status", status)
			}(event)
		}
	}
}

// inboundEventHandler handles POST /events: a pre-authenticated inbound chat
// event submitted directly, mostly for integrations and manual testing.
func (s *Server) inboundEventHandler(w http.ResponseWriter, r *http.Request) {
	var event models.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		slog.Warn("inboundEventHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if event.ArrivalTime.IsZero() {
		event.ArrivalTime = time.Now()
	}
	if err := event.Validate(); err != nil {
		slog.Warn("inboundEventHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	status, err := s.pipeline.ProcessEvent(r.Context(), event)
	if err != nil {
		slog.Error("inboundEventHandler: processing failed", "conversation", event.ConversationKey, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process event"))
		return
	}

	switch status {
	case models.AdmitStatusDuplicate:
		writeJSONResponse(w, http.StatusOK, models.Duplicate())
	case models.AdmitStatusLockBusy:
		writeJSONResponse(w, http.StatusConflict, models.Busy())
	default:
		writeJSONResponse(w, http.StatusAccepted, models.Accepted(map[string]string{
			"conversation_key": event.ConversationKey,
		}))
	}
}

// getConversationHandler handles GET /conversations/{key}.
func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	conv, err := s.store.GetConversation(key)
	if err != nil {
		slog.Error("getConversationHandler: load failed", "conversation", key, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation"))
		return
	}
	if conv == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conv))
}

// getOutboxHandler handles GET /conversations/{key}/outbox for operators
// inspecting delivery state.
func (s *Server) getOutboxHandler(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	entries, err := s.store.GetOutboxEntries(key)
	if err != nil {
		slog.Error("getOutboxHandler: load failed", "conversation", key, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load outbox"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}
