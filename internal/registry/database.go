package registry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNameTaken = errors.New("name taken")
	ErrNotFound  = errors.New("not found")
)

// Kind is the kind of entity an identity record belongs to.
type Kind string

const (
	KindEnclave          Kind = "enclave"
	KindService          Kind = "service"
	KindFilesArtifact    Kind = "files_artifact"
	KindInstructionState Kind = "instruction_state"
)

// Record is a persisted identity. Records are never deleted, removal only sets RemovedAt.
type Record struct {
	Kind          Kind
	Scope         string // enclave UUID for services and files artifacts, empty for enclaves
	UUID          uuid.UUID
	Name          string
	ShortenedUUID string
	Data          []byte // JSON attributes owned by the entity package
	CreatedAt     time.Time
	RemovedAt     *time.Time
}

func (r *Record) clone() *Record {
	c := *r
	c.Data = append([]byte(nil), r.Data...)
	if r.RemovedAt != nil {
		removedAt := *r.RemovedAt
		c.RemovedAt = &removedAt
	}
	return &c
}

type Database interface {
	CreateRecord(ctx context.Context, record *Record) error
	UpdateRecord(ctx context.Context, params *DatabaseUpdateRecordParams) error
	ListRecords(ctx context.Context, params *DatabaseListRecordsParams) ([]*Record, error)
}

type DatabaseUpdateRecordParams struct {
	UUID      uuid.UUID
	Data      []byte
	RemovedAt *time.Time
}

type DatabaseListRecordsParams struct {
	Kind  Kind
	Scope string
}
