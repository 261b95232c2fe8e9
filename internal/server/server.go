// Package server exposes the worker's operational endpoints.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openvideoplatform/encoder/internal/health"
	"github.com/openvideoplatform/encoder/internal/logger"
)

const slowRequest = 500 * time.Millisecond

// Server serves /healthz, /readyz and /metrics.
type Server struct {
	srv  *http.Server
	log  *logger.Logger
	addr net.Addr
}

func New(addr string, checker *health.Checker, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default().WithComponent("ops")
	}
	s := &Server{log: log}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.timing(NewRouter(checker)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// NewRouter builds the ops routes.
func NewRouter(checker *health.Checker) *mux.Router {
	h := health.NewHandler(checker)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/livez", h.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.ReadinessHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Handler returns the root handler, including middleware.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start listens on the configured address and serves in the background.
// Listen errors are returned synchronously.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr()
	s.log.Info(ctx, "Ops server listening", map[string]interface{}{"addr": ln.Addr().String()})
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error(context.Background(), "Ops server stopped", err)
		}
	}()
	return nil
}

// Addr reports the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.addr == nil {
		return s.srv.Addr
	}
	return s.addr.String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// timing logs requests that take longer than slowRequest. Readiness probes
// fan out to redis, postgres and the bucket, so these are the ones that show up.
func (s *Server) timing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		if d := time.Since(start); d > slowRequest {
			s.log.Warn(r.Context(), "Slow ops request", map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.statusCode,
				"duration_ms": d.Milliseconds(),
			})
		}
	})
}
