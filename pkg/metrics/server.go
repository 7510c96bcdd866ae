package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server exposes /metrics and /health on a dedicated listener, separate
// from the worker/admin HTTP API, so metrics scraping keeps
// working even if the worker API is under load or mid-shutdown.
type Server struct {
	server *http.Server
	log    *logrus.Entry
}

// NewServer builds a metrics server bound to addr (just a port, e.g.
// "9090"; listens on all interfaces).
func NewServer(addr string, logger *logrus.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    ":" + addr,
			Handler: mux,
		},
		log: logger.WithField("component", "metrics_server"),
	}
}

// StartAsync starts serving in a background goroutine. Bind errors other
// than a clean shutdown are logged, not returned, since the caller has no
// synchronous path to observe them after this call returns.
func (s *Server) StartAsync() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("metrics server stopped unexpectedly")
		}
	}()
}

// Stop gracefully shuts the server down, honoring ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
