package registrypg

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/k11v/enclave/internal/registry"
)

type row struct {
	UUID          uuid.UUID  `db:"uuid"`
	Kind          string     `db:"kind"`
	Scope         string     `db:"scope"`
	Name          string     `db:"name"`
	ShortenedUUID string     `db:"shortened_uuid"`
	Data          []byte     `db:"data"`
	CreatedAt     time.Time  `db:"created_at"`
	RemovedAt     *time.Time `db:"removed_at"`
}

func rowToRecord(collectableRow pgx.CollectableRow) (*registry.Record, error) {
	collectedRow, err := pgx.RowToStructByName[row](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to record: %w", err)
	}

	var removedAt *time.Time
	if collectedRow.RemovedAt != nil {
		t := collectedRow.RemovedAt.UTC()
		removedAt = &t
	}

	r := &registry.Record{
		Kind:          registry.Kind(collectedRow.Kind),
		Scope:         collectedRow.Scope,
		UUID:          collectedRow.UUID,
		Name:          collectedRow.Name,
		ShortenedUUID: collectedRow.ShortenedUUID,
		Data:          collectedRow.Data,
		CreatedAt:     collectedRow.CreatedAt.UTC(),
		RemovedAt:     removedAt,
	}
	return r, nil
}
