package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/k11v/enclave/internal/identifier"
	"github.com/k11v/enclave/internal/registry"
)

type StubStorage struct {
	Blobs map[string][]byte
	Puts  int
}

func (s *StubStorage) PutBlob(_ context.Context, params *StoragePutBlobParams) error {
	content, err := io.ReadAll(params.Content)
	if err != nil {
		return err
	}
	if s.Blobs == nil {
		s.Blobs = make(map[string][]byte)
	}
	s.Blobs[params.Key] = content
	s.Puts++
	return nil
}

func (s *StubStorage) GetBlob(_ context.Context, params *StorageGetBlobParams) error {
	content, ok := s.Blobs[params.Key]
	if !ok {
		return ErrBlobNotFound
	}
	_, err := params.Writer.Write(content)
	return err
}

func (s *StubStorage) HasBlob(_ context.Context, key string) (bool, error) {
	_, ok := s.Blobs[key]
	return ok, nil
}

func newTestStore(t *testing.T) (*Store, *StubStorage) {
	t.Helper()

	storage := &StubStorage{}
	s, err := NewStore(context.Background(), registry.NewMemoryDatabase(), uuid.New(), storage)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	return s, storage
}

func TestStore(t *testing.T) {
	t.Run("puts and downloads by every identifier form", func(t *testing.T) {
		ctx := context.Background()
		s, _ := newTestStore(t)

		a, err := s.Put(ctx, "config", []byte("port: 8080"))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		for _, id := range []string{a.UUID.String(), "config", a.ShortenedUUID, identifier.Hex(a.UUID)[:6]} {
			var buf bytes.Buffer
			got, err := s.Download(ctx, id, &buf)
			if err != nil {
				t.Fatalf("didn't want %q for %q", err, id)
			}
			if got.UUID != a.UUID || buf.String() != "port: 8080" {
				t.Fatalf("got %v %q for %q", got.UUID, buf.String(), id)
			}
		}
	})

	t.Run("shares blobs between identical contents", func(t *testing.T) {
		ctx := context.Background()
		s, storage := newTestStore(t)

		first, err := s.Put(ctx, "first", []byte("same"))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		second, err := s.Put(ctx, "second", []byte("same"))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		if first.Digest != second.Digest || storage.Puts != 1 {
			t.Fatalf("got digests %s and %s with %d puts, want one shared blob", first.Digest, second.Digest, storage.Puts)
		}
	})

	t.Run("stores unnamed identical contents as separate artifacts", func(t *testing.T) {
		ctx := context.Background()
		s, storage := newTestStore(t)

		first, err := s.Put(ctx, "", []byte("same"))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		second, err := s.Put(ctx, "", []byte("same"))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		if first.UUID == second.UUID || first.Name == second.Name {
			t.Fatalf("got %s %q twice, want separate artifacts", first.UUID, first.Name)
		}
		if storage.Puts != 1 {
			t.Fatalf("got %d puts, want 1", storage.Puts)
		}
	})

	t.Run("rejects a taken name", func(t *testing.T) {
		ctx := context.Background()
		s, _ := newTestStore(t)

		if _, err := s.Put(ctx, "config", []byte("a")); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if _, err := s.Put(ctx, "config", []byte("b")); !errors.Is(err, ErrNameTaken) {
			t.Fatalf("got %v, want %v", err, ErrNameTaken)
		}
	})

	t.Run("generates a name", func(t *testing.T) {
		ctx := context.Background()
		s, _ := newTestStore(t)
		names := []string{"misty-river", "misty-river", "quiet-lake"}
		s.randomName = func() string {
			name := names[0]
			names = names[1:]
			return name
		}

		first, err := s.Put(ctx, "", []byte("a"))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		second, err := s.Put(ctx, "", []byte("b"))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if first.Name != "misty-river" || second.Name != "quiet-lake" {
			t.Fatalf("got %q and %q", first.Name, second.Name)
		}
	})

	t.Run("gives up generating a name", func(t *testing.T) {
		ctx := context.Background()
		s, _ := newTestStore(t)
		s.randomName = func() string { return "misty-river" }

		if _, err := s.Put(ctx, "", []byte("a")); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if _, err := s.Put(ctx, "", []byte("b")); !errors.Is(err, ErrNameGenerationFail) {
			t.Fatalf("got %v, want %v", err, ErrNameGenerationFail)
		}
	})

	t.Run("inspects archive contents", func(t *testing.T) {
		ctx := context.Background()
		s, _ := newTestStore(t)

		archive, err := Archive([]*File{
			{Path: "b/data.bin", Content: []byte{0, 1, 2}},
			{Path: "a.txt", Content: []byte("hello")},
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if _, err = s.Put(ctx, "files", archive); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		got, err := s.InspectContents(ctx, "files")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		want := []*FileDescription{
			{Path: "a.txt", Size: 5, TextPreview: "hello"},
			{Path: "b/data.bin", Size: 3},
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})
}

func TestArchive(t *testing.T) {
	files := []*File{
		{Path: "main.star", Content: []byte("def run(plan): pass"), Mode: 0o644},
		{Path: "lib/util.star", Content: []byte("x = 1"), Mode: 0o600},
	}

	data, err := Archive(files)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	got, err := Unarchive(data)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}

	want := []*File{files[1], files[0]}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
