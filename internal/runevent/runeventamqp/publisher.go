package runeventamqp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/k11v/enclave/internal/runevent"
)

// QueueName is the queue run events are mirrored to.
const QueueName = "run.events"

const publishTimeout = 5 * time.Second

// Envelope identifies the run an event belongs to.
type Envelope struct {
	EnclaveUUID uuid.UUID       `json:"enclave_uuid"`
	RunID       uuid.UUID       `json:"run_id"`
	Sequence    int             `json:"sequence"`
	Event       *runevent.Event `json:"event"`
}

// Publisher publishes envelopes over one connection. It is safe for concurrent use.
type Publisher struct {
	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

func NewPublisher(connectionString string) (*Publisher, error) {
	conn, err := amqp091.Dial(connectionString)
	if err != nil {
		return nil, fmt.Errorf("runeventamqp.NewPublisher: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("runeventamqp.NewPublisher: %w", err)
	}
	if _, err = DeclareQueue(ch); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("runeventamqp.NewPublisher: %w", err)
	}
	return &Publisher{conn: conn, ch: ch}, nil
}

func DeclareQueue(ch *amqp091.Channel) (amqp091.Queue, error) {
	return ch.QueueDeclare(QueueName, true, false, false, false, nil)
}

func (p *Publisher) Publish(ctx context.Context, envelope *Envelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("publish run event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, "", QueueName, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    fmt.Sprintf("%s/%d", envelope.RunID, envelope.Sequence),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish run event: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ch.Close()
	return p.conn.Close()
}

// Sink returns a sink that publishes the events of one run.
func (p *Publisher) Sink(enclaveUUID uuid.UUID, runID uuid.UUID) runevent.Sink {
	sequence := 0
	return runevent.SinkFunc(func(e *runevent.Event) error {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		err := p.Publish(ctx, &Envelope{EnclaveUUID: enclaveUUID, RunID: runID, Sequence: sequence, Event: e})
		sequence++
		return err
	})
}
