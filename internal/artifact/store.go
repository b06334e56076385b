package artifact

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/k11v/enclave/internal/registry"
)

var (
	ErrNameTaken          = errors.New("files artifact name taken")
	ErrNameGenerationFail = errors.New("couldn't generate a unique files artifact name")
)

const maxNameGenerationAttempts = 5

// Artifact is an immutable named blob stored in an enclave.
type Artifact struct {
	UUID          uuid.UUID
	Name          string
	ShortenedUUID string
	Digest        string // hex BLAKE3 of the content
	Size          int64
	CreatedAt     time.Time
}

type recordData struct {
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
}

// Store indexes the files artifacts of one enclave and keeps their contents in Storage.
type Store struct {
	registry *registry.Registry // required
	storage  Storage            // required

	randomName func() string
}

func NewStore(ctx context.Context, db registry.Database, enclaveUUID uuid.UUID, storage Storage) (*Store, error) {
	r, err := registry.Open(ctx, db, registry.KindFilesArtifact, enclaveUUID.String())
	if err != nil {
		return nil, fmt.Errorf("new artifact store: %w", err)
	}
	return &Store{registry: r, storage: storage, randomName: RandomName}, nil
}

// Digest returns the hex BLAKE3 digest of content.
func Digest(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func blobKey(digest string) string {
	return "blake3/" + digest
}

// Put stores content under name. An empty name gets a generated one.
// Identical contents share one blob.
func (s *Store) Put(ctx context.Context, name string, content []byte) (*Artifact, error) {
	digest := Digest(content)
	key := blobKey(digest)

	has, err := s.storage.HasBlob(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("put artifact: %w", err)
	}
	if !has {
		err = s.storage.PutBlob(ctx, &StoragePutBlobParams{Key: key, Content: bytes.NewReader(content)})
		if err != nil {
			return nil, fmt.Errorf("put artifact: %w", err)
		}
	}

	data, err := json.Marshal(&recordData{Digest: digest, Size: int64(len(content))})
	if err != nil {
		return nil, fmt.Errorf("put artifact: %w", err)
	}

	if name != "" {
		record, err := s.registry.Create(ctx, name, data)
		if errors.Is(err, registry.ErrNameTaken) {
			return nil, fmt.Errorf("put artifact %q: %w", name, ErrNameTaken)
		} else if err != nil {
			return nil, fmt.Errorf("put artifact: %w", err)
		}
		return artifactFromRecord(record)
	}

	for attempt := 0; attempt < maxNameGenerationAttempts; attempt++ {
		record, err := s.registry.Create(ctx, s.randomName(), data)
		if errors.Is(err, registry.ErrNameTaken) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("put artifact: %w", err)
		}
		return artifactFromRecord(record)
	}
	return nil, ErrNameGenerationFail
}

// Get resolves identifier as a UUID, a name or a shortened UUID prefix.
func (s *Store) Get(identifier string) (*Artifact, error) {
	record, err := s.registry.Resolve(identifier)
	if err != nil {
		return nil, err
	}
	return artifactFromRecord(record)
}

// Download writes the content of the artifact referred to by identifier to w.
func (s *Store) Download(ctx context.Context, identifier string, w io.Writer) (*Artifact, error) {
	a, err := s.Get(identifier)
	if err != nil {
		return nil, err
	}
	err = s.storage.GetBlob(ctx, &StorageGetBlobParams{Key: blobKey(a.Digest), Writer: w})
	if err != nil {
		return nil, fmt.Errorf("download artifact %s: %w", a.Name, err)
	}
	return a, nil
}

// Content returns the content of the artifact referred to by identifier.
func (s *Store) Content(ctx context.Context, identifier string) ([]byte, *Artifact, error) {
	var buf bytes.Buffer
	a, err := s.Download(ctx, identifier, &buf)
	if err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), a, nil
}

// InspectContents lists the files inside the archive stored as the artifact.
func (s *Store) InspectContents(ctx context.Context, identifier string) ([]*FileDescription, error) {
	content, _, err := s.Content(ctx, identifier)
	if err != nil {
		return nil, err
	}
	return Describe(content)
}

// List returns all artifacts ordered by creation time.
func (s *Store) List() ([]*Artifact, error) {
	records := s.registry.Live()
	artifacts := make([]*Artifact, 0, len(records))
	for _, record := range records {
		a, err := artifactFromRecord(record)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

func artifactFromRecord(record *registry.Record) (*Artifact, error) {
	var data recordData
	if err := json.Unmarshal(record.Data, &data); err != nil {
		return nil, fmt.Errorf("artifact %s: %w", record.UUID, err)
	}
	return &Artifact{
		UUID:          record.UUID,
		Name:          record.Name,
		ShortenedUUID: record.ShortenedUUID,
		Digest:        data.Digest,
		Size:          data.Size,
		CreatedAt:     record.CreatedAt,
	}, nil
}
