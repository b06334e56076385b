package main

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/k11v/enclave/internal/runevent/runeventamqp"
)

// Worker consumes mirrored run events and reconnects with backoff when the
// broker goes away.
type Worker struct {
	ConnectionString string               // required
	Handler          runeventamqp.Handler // required
	Logger           *slog.Logger
}

func (w *Worker) Run(ctx context.Context) error {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retries := 0
	for {
		consumeErr := func() error {
			conn, err := amqp091.Dial(w.ConnectionString)
			if err != nil {
				return err
			}
			defer conn.Close()

			ch, err := conn.Channel()
			if err != nil {
				return err
			}
			defer ch.Close()

			if retries > 0 {
				logger.Info("recovered", "retries", retries)
				retries = 0
			}
			logger.Info("starting consuming", "queue", runeventamqp.QueueName)
			return runeventamqp.Consume(ctx, ch, w.Handler)
		}()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error("didn't consume", "err", consumeErr)

		retries++
		select {
		case <-time.After(retryWaitDuration(retries - 1)):
		case <-ctx.Done():
			return ctx.Err()
		}
		logger.Info("retrying", "retries", retries)
	}
}

// retryWaitDuration returns how long to wait before retry number retry,
// counting from 0. The base wait starts at 0.5s and grows 1.5x per retry up
// to the twelfth, then a jitter of up to 50% either way is applied.
func retryWaitDuration(retry int) time.Duration {
	base := float64(time.Second) / 2
	for i := 0; i < min(retry, 12); i++ {
		base *= 1.5
	}
	jitter := (rand.Float64() - 0.5) * base
	return time.Duration(base + jitter)
}
