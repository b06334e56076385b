package transfer

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func split(t *testing.T, data []byte, chunkSize int, name string) []*Chunk {
	t.Helper()

	var chunks []*Chunk
	err := Split(bytes.NewReader(data), chunkSize, name, func(c *Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	return chunks
}

func receiver(chunks []*Chunk, tail error) func() (*Chunk, error) {
	i := 0
	return func() (*Chunk, error) {
		if i == len(chunks) {
			return nil, tail
		}
		c := chunks[i]
		i++
		return c, nil
	}
}

func payload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestRoundTrip(t *testing.T) {
	const chunkSize = 16

	tests := []struct {
		name       string
		size       int
		wantChunks int
	}{
		{name: "empty", size: 0, wantChunks: 1},
		{name: "one byte", size: 1, wantChunks: 1},
		{name: "chunk size minus one", size: chunkSize - 1, wantChunks: 1},
		{name: "chunk size", size: chunkSize, wantChunks: 1},
		{name: "chunk size plus one", size: chunkSize + 1, wantChunks: 2},
		{name: "several chunks", size: 5*chunkSize + 3, wantChunks: 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := payload(tt.size)
			chunks := split(t, data, chunkSize, "artifact")
			if len(chunks) != tt.wantChunks {
				t.Fatalf("got %d chunks, want %d", len(chunks), tt.wantChunks)
			}
			for i, c := range chunks {
				if (c.Metadata != nil) != (i == 0) {
					t.Fatalf("chunk %d: got metadata %v", i, c.Metadata)
				}
			}

			got, err := Receive(receiver(chunks, io.EOF), &ReceiveParams{MaxChunkSize: chunkSize})
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if !bytes.Equal(got.Data, data) {
				t.Fatalf("got %d bytes, want %d identical bytes", len(got.Data), len(data))
			}
			if got.Name != "artifact" {
				t.Fatalf("got %q, want %q", got.Name, "artifact")
			}
		})
	}
}

func TestReceiveIntegrity(t *testing.T) {
	t.Run("detects a tampered chunk", func(t *testing.T) {
		chunks := split(t, payload(64), 16, "artifact")
		chunks[1].Data = append([]byte(nil), chunks[1].Data...)
		chunks[1].Data[0] ^= 0xff

		_, err := Receive(receiver(chunks, io.EOF), nil)
		var integrityErr *IntegrityError
		if !errors.As(err, &integrityErr) {
			t.Fatalf("got %v, want IntegrityError", err)
		}
		if integrityErr.Index != 2 {
			t.Fatalf("got index %d, want 2", integrityErr.Index)
		}
	})

	t.Run("detects reordered chunks", func(t *testing.T) {
		chunks := split(t, payload(64), 16, "artifact")
		chunks[1], chunks[2] = chunks[2], chunks[1]

		_, err := Receive(receiver(chunks, io.EOF), nil)
		var integrityErr *IntegrityError
		if !errors.As(err, &integrityErr) {
			t.Fatalf("got %v, want IntegrityError", err)
		}
	})

	t.Run("detects a forged hash on every position", func(t *testing.T) {
		for i := 1; i < 4; i++ {
			chunks := split(t, payload(64), 16, "artifact")
			chunks[i].PreviousChunkHash = Hash([]byte("forged"))

			_, err := Receive(receiver(chunks, io.EOF), nil)
			var integrityErr *IntegrityError
			if !errors.As(err, &integrityErr) {
				t.Fatalf("chunk %d: got %v, want IntegrityError", i, err)
			}
		}
	})

	t.Run("rejects a first chunk with a previous hash", func(t *testing.T) {
		chunks := split(t, payload(8), 16, "artifact")
		chunks[0].PreviousChunkHash = Hash(nil)

		_, err := Receive(receiver(chunks, io.EOF), nil)
		var integrityErr *IntegrityError
		if !errors.As(err, &integrityErr) {
			t.Fatalf("got %v, want IntegrityError", err)
		}
	})
}

func TestReceiveFailures(t *testing.T) {
	t.Run("fails when the stream breaks", func(t *testing.T) {
		chunks := split(t, payload(64), 16, "artifact")
		broken := errors.New("connection reset")

		_, err := Receive(receiver(chunks[:2], broken), nil)
		var incompleteErr *IncompleteTransferError
		if !errors.As(err, &incompleteErr) {
			t.Fatalf("got %v, want IncompleteTransferError", err)
		}
		if !errors.Is(err, broken) {
			t.Fatalf("got %v, want it to wrap %v", err, broken)
		}
	})

	t.Run("fails without chunks", func(t *testing.T) {
		_, err := Receive(receiver(nil, io.EOF), nil)
		var incompleteErr *IncompleteTransferError
		if !errors.As(err, &incompleteErr) {
			t.Fatalf("got %v, want IncompleteTransferError", err)
		}
	})

	t.Run("fails on an oversized chunk", func(t *testing.T) {
		chunks := split(t, payload(64), 32, "artifact")

		_, err := Receive(receiver(chunks, io.EOF), &ReceiveParams{MaxChunkSize: 16})
		var tooLargeErr *ChunkTooLargeError
		if !errors.As(err, &tooLargeErr) {
			t.Fatalf("got %v, want ChunkTooLargeError", err)
		}
	})

	t.Run("fails when the name changes", func(t *testing.T) {
		chunks := split(t, payload(64), 16, "artifact")
		chunks[2].Metadata = &Metadata{Name: "other"}

		_, err := Receive(receiver(chunks, io.EOF), nil)
		if !errors.Is(err, ErrMetadataChanged) {
			t.Fatalf("got %v, want %v", err, ErrMetadataChanged)
		}
	})
}

func TestFrames(t *testing.T) {
	t.Run("round trips through frames", func(t *testing.T) {
		data := payload(100)
		var body bytes.Buffer
		fw := NewFrameWriter(&body)
		err := Split(bytes.NewReader(data), 32, "files", fw.WriteChunk)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		fr := NewFrameReader(&body, 32)
		got, err := Receive(fr.ReadChunk, &ReceiveParams{MaxChunkSize: 32})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if !bytes.Equal(got.Data, data) || got.Name != "files" || got.Chunks != 4 {
			t.Fatalf("got %d bytes in %d chunks named %q", len(got.Data), got.Chunks, got.Name)
		}
	})

	t.Run("reports a truncated frame as incomplete", func(t *testing.T) {
		var body bytes.Buffer
		fw := NewFrameWriter(&body)
		err := Split(bytes.NewReader(payload(100)), 32, "files", fw.WriteChunk)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		truncated := body.Bytes()[:body.Len()-5]

		fr := NewFrameReader(bytes.NewReader(truncated), 32)
		_, err = Receive(fr.ReadChunk, nil)
		var incompleteErr *IncompleteTransferError
		if !errors.As(err, &incompleteErr) {
			t.Fatalf("got %v, want IncompleteTransferError", err)
		}
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("got %v, want it to wrap %v", err, io.ErrUnexpectedEOF)
		}
	})

	t.Run("rejects an oversized frame", func(t *testing.T) {
		var body bytes.Buffer
		fw := NewFrameWriter(&body)
		if err := fw.WriteChunk(&Chunk{Data: payload(4096)}); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		fr := NewFrameReader(&body, 16)
		_, err := Receive(fr.ReadChunk, nil)
		var tooLargeErr *ChunkTooLargeError
		if !errors.As(err, &tooLargeErr) {
			t.Fatalf("got %v, want ChunkTooLargeError", err)
		}
	})
}
