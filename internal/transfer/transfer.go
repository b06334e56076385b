package transfer

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

const (
	// DefaultChunkSize is the size of chunks produced by Split unless asked otherwise.
	DefaultChunkSize = 3 * 1024 * 1024
	// MaxChunkSize is the largest chunk data a receiver accepts.
	MaxChunkSize = 4 * 1024 * 1024
)

var ErrMetadataChanged = errors.New("metadata name changed during transfer")

// Chunk is one fragment of a payload. PreviousChunkHash is the hex BLAKE3
// of the previous chunk's data and is empty for the first chunk.
type Chunk struct {
	Data              []byte    `cbor:"1,keyasint" json:"data"`
	PreviousChunkHash string    `cbor:"2,keyasint,omitempty" json:"previous_chunk_hash,omitempty"`
	Metadata          *Metadata `cbor:"3,keyasint,omitempty" json:"metadata,omitempty"`
}

type Metadata struct {
	Name string `cbor:"1,keyasint" json:"name"`
}

// IntegrityError means a chunk declared a previous hash that doesn't match the
// data received before it. The stream was corrupted or reordered.
type IntegrityError struct {
	Index int // index of the chunk that declared the hash
	Want  string
	Got   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chunk %d: previous chunk hash is %q, want %q", e.Index, e.Got, e.Want)
}

// IncompleteTransferError means the stream ended before the payload was complete.
type IncompleteTransferError struct {
	Received int // number of chunks received
	Err      error
}

func (e *IncompleteTransferError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("incomplete transfer after %d chunks", e.Received)
	}
	return fmt.Sprintf("incomplete transfer after %d chunks: %v", e.Received, e.Err)
}

func (e *IncompleteTransferError) Unwrap() error {
	return e.Err
}

// ChunkTooLargeError means a single chunk exceeded the receiver's limit.
type ChunkTooLargeError struct {
	Index int
	Size  int
	Max   int
}

func (e *ChunkTooLargeError) Error() string {
	return fmt.Sprintf("chunk %d is %d bytes, max is %d", e.Index, e.Size, e.Max)
}

// Hash returns the hex BLAKE3 of data.
func Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Split reads r to the end and calls send with hash-chained chunks of at most
// chunkSize bytes. The first chunk carries name as metadata. An empty payload
// is sent as one empty chunk.
func Split(r io.Reader, chunkSize int, name string, send func(*Chunk) error) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	buf := make([]byte, chunkSize)
	previousHash := ""
	for index := 0; ; index++ {
		n, err := io.ReadFull(r, buf)
		if errors.Is(err, io.EOF) && index > 0 {
			return nil
		}
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("split: %w", err)
		}

		chunk := &Chunk{
			Data:              append([]byte(nil), buf[:n]...),
			PreviousChunkHash: previousHash,
		}
		if index == 0 {
			chunk.Metadata = &Metadata{Name: name}
		}
		if sendErr := send(chunk); sendErr != nil {
			return fmt.Errorf("split: %w", sendErr)
		}
		previousHash = Hash(chunk.Data)

		if err != nil {
			return nil
		}
	}
}

type ReceiveParams struct {
	MaxChunkSize int // default: MaxChunkSize
}

// Payload is a fully received and verified transfer.
type Payload struct {
	Name   string
	Data   []byte
	Chunks int
}

// Receive calls recv until it returns io.EOF and verifies the hash chain.
// A ChunkTooLargeError from recv is returned as is, any other error
// is reported as an IncompleteTransferError.
// Nothing is returned unless the whole chain verified.
func Receive(recv func() (*Chunk, error), params *ReceiveParams) (*Payload, error) {
	maxChunkSize := MaxChunkSize
	if params != nil && params.MaxChunkSize > 0 {
		maxChunkSize = params.MaxChunkSize
	}

	var (
		buf      bytes.Buffer
		previous []byte
		name     string
		index    int
	)
	for ; ; index++ {
		chunk, err := recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if tooLargeErr := (*ChunkTooLargeError)(nil); errors.As(err, &tooLargeErr) {
			return nil, tooLargeErr
		} else if err != nil {
			return nil, &IncompleteTransferError{Received: index, Err: err}
		}

		if len(chunk.Data) > maxChunkSize {
			return nil, &ChunkTooLargeError{Index: index, Size: len(chunk.Data), Max: maxChunkSize}
		}

		if index == 0 {
			if chunk.PreviousChunkHash != "" {
				return nil, &IntegrityError{Index: index, Want: "", Got: chunk.PreviousChunkHash}
			}
			if chunk.Metadata != nil {
				name = chunk.Metadata.Name
			}
		} else {
			if want := Hash(previous); chunk.PreviousChunkHash != want {
				return nil, &IntegrityError{Index: index, Want: want, Got: chunk.PreviousChunkHash}
			}
			if chunk.Metadata != nil && chunk.Metadata.Name != "" && chunk.Metadata.Name != name {
				return nil, ErrMetadataChanged
			}
		}

		buf.Write(chunk.Data)
		previous = chunk.Data
	}

	if index == 0 {
		return nil, &IncompleteTransferError{Received: 0}
	}

	return &Payload{Name: name, Data: buf.Bytes(), Chunks: index}, nil
}
