package runeventamqp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

var ErrDeliveriesClosed = errors.New("delivery channel is closed")

// Handler processes one envelope. A returned error rejects the delivery without requeueing.
type Handler func(ctx context.Context, envelope *Envelope) error

// Consume declares the queue and handles deliveries until ctx ends or the channel closes.
func Consume(ctx context.Context, ch *amqp091.Channel, handle Handler) error {
	q, err := DeclareQueue(ch)
	if err != nil {
		return err
	}
	if err = ch.Qos(16, 0, false); err != nil {
		return err
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			envelope, err := decodeEnvelope(d.Body)
			if err == nil {
				err = handle(ctx, envelope)
			}
			if err != nil {
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func decodeEnvelope(body []byte) (*Envelope, error) {
	var envelope Envelope
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("invalid body: %w", err)
	}
	if dec.More() {
		return nil, errors.New("invalid body: multiple top-level values")
	}
	if envelope.Event == nil {
		return nil, errors.New("invalid body: missing event")
	}
	if err := envelope.Event.Validate(); err != nil {
		return nil, fmt.Errorf("invalid body: %w", err)
	}
	return &envelope, nil
}
