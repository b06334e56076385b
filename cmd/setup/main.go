package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"

	"github.com/k11v/enclave/internal/artifact/artifacts3"
	"github.com/k11v/enclave/internal/registry/registrypg"
)

// config holds the setup configuration.
type config struct {
	PostgresConnectionString string `env:"ENCLAVE_POSTGRES_CONNECTION_STRING"`
	S3ConnectionString       string `env:"ENCLAVE_S3_CONNECTION_STRING"`
}

// main applies the registry migrations and creates the artifact bucket.
// Backends without a connection string are skipped.
func main() {
	run := func() int {
		ctx := context.Background()

		var cfg config
		err := env.ParseWithOptions(&cfg, env.Options{Environment: env.ToMap(os.Environ())})
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		if cfg.PostgresConnectionString == "" && cfg.S3ConnectionString == "" {
			_, _ = fmt.Fprintln(os.Stderr, "error: nothing to set up, set ENCLAVE_POSTGRES_CONNECTION_STRING or ENCLAVE_S3_CONNECTION_STRING")
			return 1
		}

		if cfg.PostgresConnectionString != "" {
			if err = registrypg.Setup(cfg.PostgresConnectionString); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
				return 1
			}
			slog.Info("migrated postgres")
		}

		if cfg.S3ConnectionString != "" {
			client, err := artifacts3.NewClient(cfg.S3ConnectionString)
			if err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
				return 1
			}
			if err = artifacts3.Setup(ctx, client); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
				return 1
			}
			slog.Info("set up s3 bucket")
		}

		return 0
	}
	os.Exit(run())
}
