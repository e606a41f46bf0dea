// Package httpserver exposes the node's operational surface: liveness,
// readiness, drain control and optional pprof. Drop state never crosses
// this listener; the mesh protocol is the only data plane.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"

	"github.com/dropmesh/dropmesh/common"
	"github.com/dropmesh/dropmesh/metrics"
)

type HTTPServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration

	// OnDrain and OnUndrain toggle the mesh engine's custody
	// acceptance alongside the readiness flag.
	OnDrain   func()
	OnUndrain func()
}

type Server struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
}

// New creates the ops server and its metrics listener. The node starts
// ready; /drain flips it.
func New(cfg *HTTPServerConfig) (*Server, error) {
	metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:        cfg,
		log:        cfg.Log,
		metricsSrv: metricsSrv,
	}
	srv.isReady.Store(true)

	mux := chi.NewRouter()
	mux.Use(func(next http.Handler) http.Handler {
		return httplogger.LoggingMiddlewareSlog(cfg.Log, next)
	})
	mux.Get("/livez", srv.handleLivez)
	mux.Get("/readyz", srv.handleReadyz)
	mux.Get("/drain", srv.handleDrain)
	mux.Get("/undrain", srv.handleUndrain)
	if cfg.EnablePprof {
		cfg.Log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv, nil
}

// Metrics returns the domain instruments registered on the metrics
// listener, for wiring into the engine.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metricsSrv.Metrics()
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write([]byte(`{"status":"` + status + `"}`))
}

func (s *Server) handleLivez(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "alive")
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.isReady.Load() {
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeStatus(w, http.StatusOK, "ready")
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !s.isReady.Swap(false) {
		writeStatus(w, http.StatusOK, "already draining")
		return
	}

	s.log.Info("Node marked as draining, custody acceptance stopped")
	if s.cfg.OnDrain != nil {
		s.cfg.OnDrain()
	}

	go func() {
		// Let load balancers observe the readiness flip before the
		// drain counts as complete.
		time.Sleep(s.cfg.DrainDuration)
		s.log.Info("Drain period completed")
	}()

	writeStatus(w, http.StatusOK, "draining")
}

func (s *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if s.isReady.Swap(true) {
		writeStatus(w, http.StatusOK, "already ready")
		return
	}

	s.log.Info("Node marked as ready, custody acceptance resumed")
	if s.cfg.OnUndrain != nil {
		s.cfg.OnUndrain()
	}

	writeStatus(w, http.StatusOK, "ready")
}

// RunInBackground starts the ops and metrics listeners on their own
// goroutines.
func (s *Server) RunInBackground() {
	if s.cfg.MetricsAddr != "" {
		go func() {
			s.log.Info("Starting metrics server", "metricsAddress", s.cfg.MetricsAddr)
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("Metrics server failed", "err", err)
			}
		}()
	}

	go func() {
		s.log.Info("Starting ops server", "listenAddress", s.cfg.ListenAddr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Ops server failed", "err", err)
		}
	}()
}

// Shutdown gracefully stops both listeners.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Error("Graceful ops server shutdown failed", "err", err)
	} else {
		s.log.Info("Ops server gracefully stopped")
	}

	if s.cfg.MetricsAddr != "" {
		mctx, mcancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdownDuration)
		defer mcancel()
		if err := s.metricsSrv.Shutdown(mctx); err != nil {
			s.log.Error("Graceful metrics server shutdown failed", "err", err)
		} else {
			s.log.Info("Metrics server gracefully stopped")
		}
	}
}
