package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/connhq/connd/pkg/agent"
	"github.com/connhq/connd/pkg/bus"
	"github.com/connhq/connd/pkg/config"
	"github.com/connhq/connd/pkg/logging"
	"github.com/connhq/connd/pkg/storage"
)

// Server serves the REST API and the WebSocket chat endpoint.
type Server struct {
	cfg      config.ServerConfig
	store    *storage.Store
	registry *agent.Registry
	orch     *agent.Orchestrator
	hub      *Hub
	bridge   *BusBridge
	log      *logging.Logger

	httpServer *http.Server
	baseCtx    context.Context
	startTime  time.Time
}

// New wires a server over an already-constructed store, registry, and
// orchestrator. The bus carries every outbound event; the server only
// ever reads from it.
func New(cfg config.ServerConfig, store *storage.Store, registry *agent.Registry, orch *agent.Orchestrator, b bus.MessageBus, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	hub := NewHub()
	store.AddObserver(NewStoreRelay(b, log))
	return &Server{
		cfg:      cfg,
		store:    store,
		registry: registry,
		orch:     orch,
		hub:      hub,
		bridge:   NewBusBridge(b, hub),
		log:      log,
	}
}

// Hub exposes the fan-out hub, mainly for tests.
func (s *Server) Hub() *Hub {
	return s.hub
}

// lifetime is the context running turns are bound to. Before Start it
// falls back to Background so handlers stay usable under httptest.
func (s *Server) lifetime() context.Context {
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

func (s *Server) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(s.corsMiddleware)
	router.Use(s.securityHeadersMiddleware)
	router.Use(s.authMiddleware)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", s.handleMetrics)
	router.Get("/ws/chat", s.handleWSChat)

	router.Get("/conversations", s.handleListConversations)
	router.Get("/conversations/active", s.handleActiveConversations)
	router.Route("/conversations/{id}", func(r chi.Router) {
		r.Delete("/", s.handleDeleteConversation)
		r.Get("/history", s.handleConversationHistory)
	})

	return router
}

// handleMetrics serves prometheus metrics. Without public_metrics it sits
// behind the same bearer token as the API; authMiddleware lets it through
// only when public.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// Start runs the server until ctx is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	s.startTime = time.Now()

	if err := s.bridge.Start(ctx); err != nil {
		return err
	}
	defer s.bridge.Stop()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Bind,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.log.Info(logging.CategoryNetwork, "listening", "", map[string]any{"bind": s.cfg.Bind})
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}
