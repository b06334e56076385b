package logstore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

const maxLineSize = 1024 * 1024

type CollectParams struct {
	EnclaveUUID uuid.UUID // required
	ServiceUUID uuid.UUID // required
	Output      io.Reader // required
}

// Collect appends every line read from params.Output to store until the output ends.
func Collect(ctx context.Context, store Store, params *CollectParams) error {
	scanner := bufio.NewScanner(params.Output)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := &Line{
			EnclaveUUID: params.EnclaveUUID,
			ServiceUUID: params.ServiceUUID,
			Time:        time.Now().UTC(),
			Text:        scanner.Text(),
		}
		if err := store.Append(ctx, line); err != nil {
			return fmt.Errorf("collect logs: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("collect logs: %w", err)
	}
	return nil
}
