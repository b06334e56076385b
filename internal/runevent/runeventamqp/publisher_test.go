package runeventamqp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/k11v/enclave/internal/runevent"
)

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "accepts an event", body: `{"sequence":1,"event":{"info":{"info_message":"hi"}}}`},
		{name: "rejects a missing event", body: `{"sequence":1}`, wantErr: true},
		{name: "rejects an empty event", body: `{"event":{}}`, wantErr: true},
		{name: "rejects trailing values", body: `{"event":{"info":{}}} {}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeEnvelope([]byte(tt.body))
			if tt.wantErr && err == nil {
				t.Fatalf("got nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("didn't want %q", err)
			}
		})
	}
}

func TestPublisher(t *testing.T) {
	ctx := context.Background()
	connectionString := NewTestConnectionString(t, ctx)

	p, err := NewPublisher(connectionString)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	defer p.Close()

	enclaveUUID, runID := uuid.New(), uuid.New()
	sink := p.Sink(enclaveUUID, runID)
	for _, e := range []*runevent.Event{runevent.NewInfo("hello"), {RunFinished: &runevent.RunFinished{IsRunSuccessful: true}}} {
		if err = sink.Send(e); err != nil {
			t.Fatalf("didn't want %q", err)
		}
	}

	conn, err := amqp091.Dial(connectionString)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}

	consumeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var got []*Envelope
	err = Consume(consumeCtx, ch, func(_ context.Context, envelope *Envelope) error {
		got = append(got, envelope)
		if envelope.Event.RunFinished != nil {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("didn't want %q", err)
	}

	if len(got) != 2 {
		t.Fatalf("got %d envelopes, want 2", len(got))
	}
	if got[0].RunID != runID || got[0].Sequence != 0 || got[1].Sequence != 1 || got[0].Event.Info.Message != "hello" {
		t.Fatalf("got %+v and %+v", got[0], got[1])
	}
}

func NewTestConnectionString(tb testing.TB, ctx context.Context) string {
	tb.Helper()

	if testing.Short() {
		tb.Skip("skipping test that needs a container runtime")
	}

	username := "guest"
	password := "guest"

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "rabbitmq:4.0-alpine",
			Env: map[string]string{
				"RABBITMQ_DEFAULT_USER": username,
				"RABBITMQ_DEFAULT_PASS": password,
			},
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForLog(".*Server startup complete.*").AsRegexp().WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	testcontainers.CleanupContainer(tb, c)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	endpoint, err := c.PortEndpoint(ctx, nat.Port("5672/tcp"), "")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	return fmt.Sprintf("amqp://%s:%s@%s", username, password, endpoint)
}
