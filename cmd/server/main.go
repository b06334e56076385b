package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/k11v/enclave/internal/engine"
	"github.com/k11v/enclave/internal/metrics"
	"github.com/k11v/enclave/internal/partition"
	"github.com/k11v/enclave/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	run := func() int {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := parseConfig(os.Environ())
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

		log := newLogger(cfg.Development)
		slog.SetDefault(log)

		b, err := openBackends(ctx, cfg, log)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		defer func() {
			if err := b.Close(); err != nil {
				log.Error("didn't close backends", "error", err)
			}
		}()

		m := metrics.NewCollector()
		e, err := engine.New(ctx, &engine.NewParams{
			Database:   b.Database,
			Storage:    b.Storage,
			Runtime:    b.Runtime,
			Logs:       b.Logs,
			Enforcer:   &partition.LoggingEnforcer{Logger: log.With("component", "partition")},
			Mirror:     b.Mirror,
			Metrics:    m,
			HTTPClient: &http.Client{Timeout: time.Minute},
			Logger:     log.With("component", "engine"),
			Version:    cfg.version(),
		})
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		defer e.Close()

		srv := server.New(&cfg.Server, log, e, m)
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("didn't shut down server", "error", err)
			}
		}()

		log.Info("starting server", "addr", srv.Addr, "version", cfg.version())
		err = srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

		return 0
	}
	os.Exit(run())
}

func newLogger(development bool) *slog.Logger {
	if development {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}
