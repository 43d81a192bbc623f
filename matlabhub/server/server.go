// Package server mounts the control API and the engine proxy under the
// configured base URL.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tomyedwab/matlabproxy/matlabhub/appstate"
	"github.com/tomyedwab/matlabproxy/matlabhub/internal/handlers"
	"github.com/tomyedwab/matlabproxy/matlabhub/webproxy/middleware"
)

// Config holds the pieces served by a Server.
type Config struct {
	ListenAddr string
	// BaseURL is a normalized prefix, "" or "/segment[/...]".
	BaseURL string
	State   *appstate.AppState
	Proxy   http.Handler
	// Terminate is called after the terminate_integration response is flushed.
	Terminate     func()
	CustomHeaders map[string]string
	Logger        *slog.Logger // Optional, defaults to slog.Default()
}

// Server is the HTTP front end of the integration.
type Server struct {
	listenAddr string
	router     chi.Router
	server     *http.Server
	logger     *slog.Logger
}

func New(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		listenAddr: config.ListenAddr,
		logger:     logger.With("component", "Server"),
	}
	s.router = s.buildRouter(config)
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) buildRouter(config Config) chi.Router {
	base := config.BaseURL
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(s.logger))

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return middleware.CustomHeaders(config.CustomHeaders, next)
		})

		c := handlers.NewControlHandler(config.State, s.logger, config.Terminate)
		r.Get(base+"/get_status", c.HandleGetStatus)
		r.Put(base+"/start_matlab", c.HandleStartEngine)
		r.Delete(base+"/stop_matlab", c.HandleStopEngine)
		r.Put(base+"/set_licensing_info", c.HandleSetLicensing)
		r.Delete(base+"/set_licensing_info", c.HandleUnsetLicensing)
		r.Delete(base+"/terminate_integration", c.HandleTerminateIntegration)
		r.Get(base+"/get_audit_events", c.HandleGetAuditEvents)
		if metrics := config.State.MetricsHandler(); metrics != nil {
			r.Method(http.MethodGet, base+"/metrics", metrics)
		}

		r.HandleFunc(base+"/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "./index.html", http.StatusFound)
		})
	})

	// The engine proxy applies custom headers itself, after the engine's.
	r.Handle(base+"/*", config.Proxy)
	return r
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until Stop is called.
// It returns http.ErrServerClosed after a clean stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve serves on an existing listener.
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("Serving", "address", listener.Addr().String())
	return s.server.Serve(listener)
}

// Stop gracefully shuts the server down. Hijacked connections, such as
// proxied WebSockets, are not waited for.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
