package registrypg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/k11v/enclave/internal/registry"
)

var _ registry.Database = (*Database)(nil)

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Database struct {
	db Querier // required
}

func NewDatabase(db Querier) *Database {
	return &Database{db: db}
}

// CreateRecord implements registry.Database.
func (d *Database) CreateRecord(ctx context.Context, record *registry.Record) error {
	query := `
		INSERT INTO identities (uuid, kind, scope, name, shortened_uuid, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	args := []any{record.UUID, string(record.Kind), record.Scope, record.Name, record.ShortenedUUID, nullIfEmpty(record.Data), record.CreatedAt}

	_, err := d.db.Exec(ctx, query, args...)
	if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return registry.ErrNameTaken
	} else if err != nil {
		return fmt.Errorf("create record: %w", err)
	}

	return nil
}

// UpdateRecord implements registry.Database.
func (d *Database) UpdateRecord(ctx context.Context, params *registry.DatabaseUpdateRecordParams) error {
	query := `
		UPDATE identities
		SET data = $2, removed_at = $3
		WHERE uuid = $1
	`
	args := []any{params.UUID, nullIfEmpty(params.Data), params.RemovedAt}

	tag, err := d.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrNotFound
	}

	return nil
}

// ListRecords implements registry.Database.
func (d *Database) ListRecords(ctx context.Context, params *registry.DatabaseListRecordsParams) ([]*registry.Record, error) {
	query := `
		SELECT uuid, kind, scope, name, shortened_uuid, data, created_at, removed_at
		FROM identities
		WHERE kind = $1 AND scope = $2
		ORDER BY created_at ASC, shortened_uuid ASC
	`
	args := []any{string(params.Kind), params.Scope}

	rows, _ := d.db.Query(ctx, query, args...)
	records, err := pgx.CollectRows(rows, rowToRecord)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	return records, nil
}

func nullIfEmpty(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	return data
}
