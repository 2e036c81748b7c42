// Package server wires the HTTP transport: the webhook endpoint, the
// Prometheus metrics endpoint, and a lightweight health check, behind a
// single net/http.Server with read/write timeouts the handlers themselves
// don't set.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/clawhq/dispatcher/internal/metrics"
	"github.com/clawhq/dispatcher/internal/webhook"
)

// healthzStartedAt tracks process start time for /healthz uptime reporting.
var healthzStartedAt = time.Now()

// healthzResponse is the JSON payload for the lightweight /healthz endpoint.
type healthzResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// Server bundles the mux router and the underlying net/http.Server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	log        *zap.Logger
}

// New builds the router (webhook endpoint, /metrics, /healthz) and the
// underlying http.Server with conservative read timeouts, since the
// webhook router's own body-size cap does not bound how long a slow
// client can take to send it.
func New(addr string, wh *webhook.Router, reg prometheus.Gatherer, log *zap.Logger) *Server {
	router := mux.NewRouter()
	router.Use(requestLoggingMiddleware(log))

	wh.Mount(router, "/webhook")
	router.Handle("/metrics", metrics.Handler(reg)).Methods(http.MethodGet)
	router.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)

	return &Server{
		router: router,
		log:    log,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// ListenAndServe blocks serving HTTP until the server is shut down or a
// fatal listen error occurs.
func (s *Server) ListenAndServe() error {
	s.log.Info("server: listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthzResponse{Status: "ok", Uptime: time.Since(healthzStartedAt).String()}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func requestLoggingMiddleware(log *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug("server: handled request",
				zap.String("method", r.Method), zap.String("path", r.URL.Path),
				zap.Duration("duration", time.Since(start)))
		})
	}
}
