package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/k11v/enclave/internal/runevent/runeventamqp"
)

// RunLogger logs the outcome of every mirrored run. It counts the
// instructions of runs in flight so the outcome line can report them.
type RunLogger struct {
	logger *slog.Logger

	mu           sync.Mutex
	instructions map[uuid.UUID]int
}

func NewRunLogger(logger *slog.Logger) runeventamqp.Handler {
	l := &RunLogger{logger: logger.With("component", "runlogger"), instructions: make(map[uuid.UUID]int)}
	return l.Handle
}

func (l *RunLogger) Handle(_ context.Context, envelope *runeventamqp.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := envelope.Event
	logger := l.logger.With("enclave_uuid", envelope.EnclaveUUID, "run_id", envelope.RunID)
	switch {
	case e.InstructionResult != nil:
		l.instructions[envelope.RunID]++
	case e.Error != nil:
		logger.Warn("run reported an error", "kind", e.Error.Kind, "message", e.Error.Message)
	case e.RunFinished != nil:
		logger.Info("run finished",
			"success", e.RunFinished.IsRunSuccessful,
			"instructions", l.instructions[envelope.RunID],
			"sequence", envelope.Sequence,
		)
		delete(l.instructions, envelope.RunID)
	}
	return nil
}
