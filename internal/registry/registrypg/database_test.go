package registrypg

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/k11v/enclave/internal/registry"
)

func NewTestDatabase(tb testing.TB, ctx context.Context) *Database {
	tb.Helper()

	if testing.Short() {
		tb.Skip("skipping test that needs a container runtime")
	}

	username := "postgres"
	password := "postgres"

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     username,
				"POSTGRES_PASSWORD": password,
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	testcontainers.CleanupContainer(tb, c)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	endpoint, err := c.PortEndpoint(ctx, "5432/tcp", "")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	connectionString := fmt.Sprintf("postgres://%s:%s@%s/postgres", username, password, endpoint)

	if err = Setup(connectionString); err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	pool, err := NewPool(ctx, connectionString)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	tb.Cleanup(pool.Close)

	return NewDatabase(pool)
}

func TestDatabase(t *testing.T) {
	ctx := context.Background()
	database := NewTestDatabase(t, ctx)

	t.Run("creates and lists records", func(t *testing.T) {
		record := &registry.Record{
			Kind:          registry.KindService,
			Scope:         "aaaaaaaa",
			UUID:          uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001"),
			Name:          "postgres",
			ShortenedUUID: "aaaaaaaa0000",
			Data:          []byte(`{"status": "RUNNING"}`),
			CreatedAt:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		if err := database.CreateRecord(ctx, record); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		got, err := database.ListRecords(ctx, &registry.DatabaseListRecordsParams{Kind: registry.KindService, Scope: "aaaaaaaa"})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if want := []*registry.Record{record}; !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("rejects a live name and accepts it after removal", func(t *testing.T) {
		first := &registry.Record{
			Kind:          registry.KindEnclave,
			UUID:          uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000001"),
			Name:          "test",
			ShortenedUUID: "bbbbbbbb0000",
			CreatedAt:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		second := &registry.Record{
			Kind:          registry.KindEnclave,
			UUID:          uuid.MustParse("cccccccc-0000-0000-0000-000000000001"),
			Name:          "test",
			ShortenedUUID: "cccccccc0000",
			CreatedAt:     time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		}

		if err := database.CreateRecord(ctx, first); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if err := database.CreateRecord(ctx, second); !errors.Is(err, registry.ErrNameTaken) {
			t.Fatalf("got %v, want %v", err, registry.ErrNameTaken)
		}

		removedAt := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		err := database.UpdateRecord(ctx, &registry.DatabaseUpdateRecordParams{UUID: first.UUID, RemovedAt: &removedAt})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if err = database.CreateRecord(ctx, second); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		got, err := database.ListRecords(ctx, &registry.DatabaseListRecordsParams{Kind: registry.KindEnclave})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d records, want 2", len(got))
		}
		if got[0].RemovedAt == nil || !got[0].RemovedAt.Equal(removedAt) {
			t.Fatalf("got %v, want %v", got[0].RemovedAt, removedAt)
		}
	})

	t.Run("doesn't update an unknown record", func(t *testing.T) {
		err := database.UpdateRecord(ctx, &registry.DatabaseUpdateRecordParams{UUID: uuid.New()})
		if !errors.Is(err, registry.ErrNotFound) {
			t.Fatalf("got %v, want %v", err, registry.ErrNotFound)
		}
	})
}
