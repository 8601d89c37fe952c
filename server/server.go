// ABOUTME: HTTP control surface for the chat coordination core behind a chi router.
// ABOUTME: Exposes transcripts, message submission, widget results, and interrupt decisions.

package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/2389-research/parley/hil"
	"github.com/2389-research/parley/store"
	"github.com/2389-research/parley/transport"
	"github.com/2389-research/parley/widget"
)

// Server wires the coordination core behind an HTTP API. It owns one session
// per conversation thread plus the shared broker and interrupt coordinator.
type Server struct {
	cfg         *Config
	log         *zap.Logger
	router      chi.Router
	transport   transport.ChatTransport
	broker      *widget.Broker
	coordinator *hil.Coordinator
	store       *store.Store // nil disables persistence
	rules       []widget.Rule

	mu       sync.Mutex
	sessions map[string]*Session

	httpSrv *http.Server
}

// NewServer assembles a Server from its collaborators. rules may be nil to
// use the built-in trigger rules; st may be nil to disable persistence.
func NewServer(cfg *Config, chat transport.ChatTransport, broker *widget.Broker, coordinator *hil.Coordinator, st *store.Store, rules []widget.Rule, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:         cfg,
		log:         log,
		transport:   chat,
		broker:      broker,
		coordinator: coordinator,
		store:       st,
		rules:       rules,
		sessions:    make(map[string]*Session),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if s.cfg.AuthToken != "" {
		r.Use(AuthMiddleware(s.cfg.AuthToken))
	}

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/widget/results", s.handleWidgetResult)

		r.Route("/threads/{threadID}", func(r chi.Router) {
			r.Post("/messages", s.handlePostMessage)
			r.Get("/transcript", s.handleTranscript)
			r.Get("/panels", s.handlePanels)
			r.Get("/interrupt", s.handleGetInterrupt)
			r.Post("/interrupt/decision", s.handleDecision)
			r.Post("/interrupt/dismiss", s.handleDismiss)
			r.Post("/widget/requests", s.handleWidgetRequest)
			r.Post("/rollback", s.handleRollback)
		})
	})

	return r
}

// Handler returns the server's HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs the HTTP server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Bind,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("bind", s.cfg.Bind))
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.httpSrv.Shutdown(shutdownCtx)
		s.closeSessions()
		return err
	case err := <-errCh:
		s.closeSessions()
		return err
	}
}
