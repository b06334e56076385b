package server

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/k11v/enclave/internal/engine"
	"github.com/k11v/enclave/internal/metrics"
)

// New returns a new HTTP server for the engine and the API containers of its enclaves.
// It should be started with http.Server's ListenAndServe.
func New(cfg *Config, log *slog.Logger, e *engine.Engine, m *metrics.Collector) *http.Server {
	addr := net.JoinHostPort(cfg.host(), strconv.Itoa(cfg.port()))

	subLogger := log.With("component", "server")
	subLogLogger := slog.NewLogLogger(subLogger.Handler(), slog.LevelError)

	h := newHandler(cfg, e, m, subLogger)

	return &http.Server{
		Addr:              addr,
		ErrorLog:          subLogLogger,
		Handler:           h,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
