package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/k11v/enclave/internal/apic"
	"github.com/k11v/enclave/internal/artifact"
	"github.com/k11v/enclave/internal/artifact/artifactmem"
	"github.com/k11v/enclave/internal/artifact/artifacts3"
	"github.com/k11v/enclave/internal/logstore"
	"github.com/k11v/enclave/internal/logstore/logstoreredis"
	"github.com/k11v/enclave/internal/registry"
	"github.com/k11v/enclave/internal/registry/registrypg"
	"github.com/k11v/enclave/internal/runevent/runeventamqp"
	"github.com/k11v/enclave/internal/runtime"
	"github.com/k11v/enclave/internal/runtime/runtimedocker"
	"github.com/k11v/enclave/internal/runtime/runtimefake"
)

// backends holds the implementations chosen by the configuration.
type backends struct {
	Database registry.Database
	Storage  artifact.Storage
	Logs     logstore.Store
	Mirror   apic.EventMirror
	Runtime  runtime.Runtime

	closers []func() error
}

// Close releases the backends in reverse order of opening.
func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func openBackends(ctx context.Context, cfg *config, log *slog.Logger) (*backends, error) {
	b := &backends{}
	opened := false
	defer func() {
		if !opened {
			_ = b.Close()
		}
	}()

	if cs := cfg.Postgres.ConnectionString; cs != "" {
		pool, err := registrypg.NewPool(ctx, cs)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b.closers = append(b.closers, func() error { pool.Close(); return nil })
		b.Database = registrypg.NewDatabase(pool)
		log.Info("using postgres registry")
	} else {
		b.Database = registry.NewMemoryDatabase()
		log.Warn("using in-memory registry, enclaves won't survive a restart")
	}

	if cs := cfg.S3.ConnectionString; cs != "" {
		client, err := artifacts3.NewClient(cs)
		if err != nil {
			return nil, fmt.Errorf("s3: %w", err)
		}
		b.Storage = artifacts3.NewStorage(client)
		log.Info("using s3 artifact storage")
	} else {
		b.Storage = artifactmem.NewStorage()
		log.Warn("using in-memory artifact storage")
	}

	if cs := cfg.Redis.ConnectionString; cs != "" {
		client, err := logstoreredis.NewClient(cs)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		b.closers = append(b.closers, client.Close)
		b.Logs = logstoreredis.NewStore(client)
		log.Info("using redis log store")
	} else {
		b.Logs = logstore.NewMemoryStore()
	}

	if cs := cfg.AMQP.ConnectionString; cs != "" {
		publisher, err := runeventamqp.NewPublisher(cs)
		if err != nil {
			return nil, fmt.Errorf("amqp: %w", err)
		}
		b.closers = append(b.closers, publisher.Close)
		b.Mirror = publisher
		log.Info("mirroring run events", "queue", runeventamqp.QueueName)
	}

	switch kind := cfg.Runtime.kind(); kind {
	case "docker":
		rt, err := runtimedocker.New()
		if err != nil {
			return nil, fmt.Errorf("docker: %w", err)
		}
		b.closers = append(b.closers, rt.Close)
		b.Runtime = rt
	case "fake":
		b.Runtime = runtimefake.New()
		log.Warn("using fake container runtime")
	default:
		return nil, fmt.Errorf("unknown runtime kind %q", kind)
	}

	opened = true
	return b, nil
}
