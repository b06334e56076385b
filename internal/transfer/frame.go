package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// ContentType is the media type of a body made of chunk frames.
const ContentType = "application/cbor-seq"

// frameOverhead leaves room for the CBOR map around the chunk data.
const frameOverhead = 1024

// FrameWriter writes chunks as CBOR frames, each behind a 4-byte big-endian length.
type FrameWriter struct {
	w io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

func (fw *FrameWriter) WriteChunk(chunk *Chunk) error {
	body, err := cbor.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err = fw.w.Write(header[:]); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	if _, err = fw.w.Write(body); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	return nil
}

// FrameReader reads chunks written by FrameWriter.
// It returns io.EOF only when the stream ends exactly between frames.
type FrameReader struct {
	r            io.Reader
	maxChunkSize int
	index        int
}

func NewFrameReader(r io.Reader, maxChunkSize int) *FrameReader {
	if maxChunkSize <= 0 {
		maxChunkSize = MaxChunkSize
	}
	return &FrameReader{r: r, maxChunkSize: maxChunkSize}
}

func (fr *FrameReader) ReadChunk() (*Chunk, error) {
	var header [4]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read chunk header: %w", err)
	}

	size := int(binary.BigEndian.Uint32(header[:]))
	if size > fr.maxChunkSize+frameOverhead {
		return nil, &ChunkTooLargeError{Index: fr.index, Size: size, Max: fr.maxChunkSize}
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read chunk body: %w", err)
	}

	var chunk Chunk
	if err := cbor.Unmarshal(body, &chunk); err != nil {
		return nil, fmt.Errorf("read chunk body: %w", err)
	}
	fr.index++
	return &chunk, nil
}
