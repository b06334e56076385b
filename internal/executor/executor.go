// Package executor performs the instructions of an interpreted plan against
// the network of an enclave and streams their progress as run events.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/k11v/enclave/internal/interpreter"
	"github.com/k11v/enclave/internal/metrics"
	"github.com/k11v/enclave/internal/network"
	"github.com/k11v/enclave/internal/runevent"
)

const (
	DefaultParallelism = 4

	progressMessage          = "Execution in progress"
	skippedInstructionOutput = "SKIPPED - This instruction has already been run in this enclave"
	outputSizeLimit          = 64 * 1024
	outputLimitSuffix        = "..."
)

var ErrRunCancelled = errors.New("run cancelled")

// Executor runs plans in one enclave. History and Values belong to the
// enclave and persist between runs.
type Executor struct {
	Network *network.Network // required
	History *History         // required
	Values  *ValueStore      // required
	State   *State           // persists History and Values when set
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

func New(n *network.Network, m *metrics.Collector) *Executor {
	return &Executor{
		Network: n,
		History: &History{},
		Values:  NewValueStore(),
		Metrics: m,
		Logger:  slog.Default().With("component", "executor", "enclave_uuid", n.EnclaveUUID),
	}
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default().With("component", "executor")
}

type RunParams struct {
	Plan   *interpreter.Plan // required
	DryRun bool
	// Cached is the number of leading instructions to skip. See History.CachedPrefix.
	Cached      int
	Parallelism int
	// Recreate replaces live services that the plan adds again.
	Recreate bool
}

// Result is what a finished run reports.
type Result struct {
	Success bool
	Output  string
	Err     error
}

type outcome struct {
	index    int
	result   string
	duration time.Duration
	err      error
}

// Run executes the plan and publishes its events to mux, ending with Finish.
// The first failing instruction stops dispatch. Instructions already running
// are waited for and keep their effects.
func (e *Executor) Run(ctx context.Context, mux *runevent.Multiplexer, params *RunParams) *Result {
	instructions := params.Plan.Instructions
	total := uint32(len(instructions))
	parallelism := params.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	cached := params.Cached
	if params.DryRun {
		cached = 0
	}

	publish := func(ev *runevent.Event) {
		if err := mux.Publish(ev); err != nil {
			e.logger().Warn("didn't publish run event", "error", err)
		}
	}

	for _, msg := range params.Plan.Messages {
		publish(runevent.NewInfo(msg))
	}

	if params.DryRun {
		for i, instr := range instructions {
			publish(runevent.NewProgress(i, total, progressMessage))
			publish(instr.Event(false))
		}
		mux.Finish(true, params.Plan.Output)
		return &Result{Success: true, Output: params.Plan.Output}
	}

	e.Values.Truncate(cached)
	done := make([]bool, len(instructions))
	for i := 0; i < cached; i++ {
		publish(runevent.NewProgress(i, total, progressMessage))
		publish(instructions[i].Event(true))
		publish(runevent.NewInstructionResult(i, skippedInstructionOutput, 0))
		e.Metrics.RecordInstruction(instructions[i].Name, "skipped", 0)
		done[i] = true
	}

	deps := dependencies(instructions)
	remaining := make([]int, len(instructions))
	dependents := make([][]int, len(instructions))
	var ready []int
	for i := cached; i < len(instructions); i++ {
		for _, j := range deps[i] {
			if !done[j] {
				remaining[i]++
				dependents[j] = append(dependents[j], i)
			}
		}
		if remaining[i] == 0 {
			ready = append(ready, i)
		}
	}

	sem := semaphore.NewWeighted(int64(parallelism))
	outcomes := make(chan *outcome)
	inFlight := 0
	var failed *outcome

	for {
		for failed == nil && ctx.Err() == nil && len(ready) > 0 && sem.TryAcquire(1) {
			i := ready[0]
			ready = ready[1:]
			inFlight++
			go func() {
				out := e.runInstruction(ctx, publish, instructions[i], total, params.Recreate, parallelism)
				sem.Release(1)
				outcomes <- out
			}()
		}
		if inFlight == 0 {
			break
		}

		out := <-outcomes
		inFlight--
		if out.err != nil {
			if failed == nil || out.index < failed.index {
				failed = out
			}
			continue
		}
		done[out.index] = true
		for _, d := range dependents[out.index] {
			remaining[d]--
			if remaining[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	e.updateHistory(instructions, done)
	e.save(ctx)

	if failed != nil {
		instr := instructions[failed.index]
		msg := fmt.Sprintf("An error occurred executing instruction (number %d) at %s:%d:\n%s\n%v",
			instr.Index+1, instr.Position.Filename, instr.Position.Line, instr.ExecutableForm(), failed.err)
		publish(runevent.NewError(runevent.ErrorKindExecution, msg))
		mux.Finish(false, "")
		return &Result{Err: failed.err}
	}
	if err := ctx.Err(); err != nil && slices.Contains(done, false) {
		publish(runevent.NewError(runevent.ErrorKindExecution, ErrRunCancelled.Error()))
		mux.Finish(false, "")
		return &Result{Err: fmt.Errorf("%w: %w", ErrRunCancelled, err)}
	}

	output, err := e.resolveOutput(params.Plan.Output)
	if err != nil {
		publish(runevent.NewError(runevent.ErrorKindExecution, err.Error()))
		mux.Finish(false, "")
		return &Result{Err: err}
	}
	mux.Finish(true, output)
	return &Result{Success: true, Output: output}
}

func (e *Executor) runInstruction(ctx context.Context, publish func(*runevent.Event), instr *interpreter.Instruction, total uint32, recreate bool, parallelism int) *outcome {
	publish(runevent.NewProgress(instr.Index, total, progressMessage))
	publish(instr.Event(false))

	start := time.Now()
	out := &outcome{index: instr.Index}
	resolved, err := interpreter.ResolveRefs(instr, e.Values.Get)
	if err == nil {
		out.result, err = e.execute(ctx, resolved, recreate, parallelism)
	}
	out.duration = time.Since(start)
	out.err = err

	if err != nil {
		e.Metrics.RecordInstruction(instr.Name, "failed", out.duration)
		e.logger().Info("instruction failed", "index", instr.Index, "instruction", instr.Name, "error", err)
		return out
	}
	e.Metrics.RecordInstruction(instr.Name, "executed", out.duration)
	publish(runevent.NewInstructionResult(instr.Index, truncate(out.result), out.duration))
	return out
}

// updateHistory keeps the longest prefix of instructions that are done.
func (e *Executor) updateHistory(instructions []*interpreter.Instruction, done []bool) {
	fingerprints := make([]string, 0, len(instructions))
	for i, instr := range instructions {
		if !done[i] {
			break
		}
		fingerprints = append(fingerprints, instr.Fingerprint())
	}
	e.History.Set(fingerprints)
}

// resolveOutput replaces the references in the serialized return value of
// the main function. Values are escaped because they land inside JSON strings.
func (e *Executor) resolveOutput(output string) (string, error) {
	return interpreter.ReplaceRefs(output, func(ref interpreter.Ref) (string, bool) {
		v, ok := e.Values.Get(ref)
		if !ok {
			return "", false
		}
		quoted, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(quoted[1 : len(quoted)-1]), true
	})
}

func truncate(s string) string {
	if len(s) <= outputSizeLimit {
		return s
	}
	return s[:outputSizeLimit] + outputLimitSuffix
}
