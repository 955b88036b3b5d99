package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/iot-identity-provisioning/common"
	"github.com/ruteri/iot-identity-provisioning/metrics"
	"go.uber.org/atomic"
)

type HTTPServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	// Unseal, when set, is mounted under /admin and the server reports not
	// ready until the issuer seed has been reconstructed.
	Unseal *UnsealHandler

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

// Server is the provisioner's ops endpoint: health, drain control, metrics,
// and the unseal API while the issuer waits for its seed.
type Server struct {
	cfg      *HTTPServerConfig
	log      *slog.Logger
	draining atomic.Bool

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
}

func New(cfg *HTTPServerConfig) (*Server, error) {
	metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, log: cfg.Log, metricsSrv: metricsSrv}
	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.httpLogger)
		r.Get("/livez", s.handleLivez)
		r.Get("/readyz", s.handleReadyz)
		r.Get("/drain", s.handleDrain)
		r.Get("/undrain", s.handleUndrain)
		if s.cfg.Unseal != nil {
			s.log.Info("unseal API enabled")
			r.Mount("/admin", s.cfg.Unseal.Router())
		}
	})

	if s.cfg.EnablePprof {
		s.log.Info("pprof API enabled")
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (s *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(s.log, next)
}

// readiness returns "ready" or the reason the server should not get traffic.
func (s *Server) readiness() string {
	switch {
	case s.cfg.Unseal != nil && !s.cfg.Unseal.Unsealed():
		return "sealed"
	case s.draining.Load():
		return "draining"
	default:
		return "ready"
	}
}

// Ready reports whether the server should receive traffic.
func (s *Server) Ready() bool {
	return s.readiness() == "ready"
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) handleLivez(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, "alive")
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if status := s.readiness(); status != "ready" {
		writeStatus(w, http.StatusServiceUnavailable, status)
		return
	}
	writeStatus(w, http.StatusOK, "ready")
}

func (s *Server) handleDrain(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Swap(true) {
		writeStatus(w, http.StatusOK, "already draining")
		return
	}
	s.log.Info("draining", "duration", s.cfg.DrainDuration)
	time.AfterFunc(s.cfg.DrainDuration, func() {
		s.log.Info("drain period completed")
	})
	writeStatus(w, http.StatusOK, "draining")
}

func (s *Server) handleUndrain(w http.ResponseWriter, _ *http.Request) {
	if !s.draining.Swap(false) {
		writeStatus(w, http.StatusOK, "already ready")
		return
	}
	s.log.Info("accepting traffic again")
	writeStatus(w, http.StatusOK, "ready")
}

// RunInBackground starts the ops and metrics listeners.
func (s *Server) RunInBackground() {
	if s.cfg.MetricsAddr != "" {
		go s.serve("metrics", s.cfg.MetricsAddr, s.metricsSrv.ListenAndServe)
	}
	go s.serve("ops", s.cfg.ListenAddr, s.srv.ListenAndServe)
}

func (s *Server) serve(name, addr string, listen func() error) {
	s.log.Info("starting server", "server", name, "addr", addr)
	if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("server failed", "server", name, "err", err)
	}
}

// Shutdown stops both listeners, each within GracefulShutdownDuration.
func (s *Server) Shutdown() {
	s.stop("ops", s.srv.Shutdown)
	if s.cfg.MetricsAddr != "" {
		s.stop("metrics", s.metricsSrv.Shutdown)
	}
}

func (s *Server) stop(name string, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		s.log.Error("graceful shutdown failed", "server", name, "err", err)
		return
	}
	s.log.Info("server stopped", "server", name)
}
