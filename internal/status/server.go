// Package status serves the daemon's health, lock status and metrics over
// HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codefionn/tablock/internal/control"
	"github.com/codefionn/tablock/internal/engine"
	"github.com/codefionn/tablock/internal/logger"
)

// Server provides the HTTP status interface
type Server struct {
	addr     string
	handler  control.Handler
	gatherer prometheus.Gatherer
	router   *httprouter.Router
	server   *http.Server
	listener net.Listener
	log      *logger.Logger
}

// NewServer creates a status server on addr. gatherer may be nil, in which
// case /metrics is not served.
func NewServer(addr string, handler control.Handler, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		addr:     addr,
		handler:  handler,
		gatherer: gatherer,
		router:   httprouter.New(),
		log:      logger.Named("status"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/v1/status", s.handleStatus)
	s.router.POST("/v1/commands/:action", s.handleCommand)

	if s.gatherer != nil {
		s.router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
			ErrorLog: logger.StdLogger(s.log, slog.LevelWarn),
		}))
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          logger.StdLogger(s.log, slog.LevelWarn),
	}

	s.log.Info("Status server listening on %s", listener.Addr())
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Status server failed: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop stops the HTTP server
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Serve runs the server until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	st, err := s.handler.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var err error
	switch action := ps.ByName("action"); action {
	case control.ActionLock:
		err = s.handler.Command(r.Context(), engine.CommandLock)
	case control.ActionUnlock:
		err = s.handler.Command(r.Context(), engine.CommandUnlock)
	case control.ActionSweep:
		err = s.handler.Sweep(r.Context())
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown action %q", action)})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
