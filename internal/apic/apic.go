// Package apic is the API container of one enclave. It owns the enclave's
// run slot, uploaded packages and the network its services live in.
package apic

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/enclave/internal/executor"
	"github.com/k11v/enclave/internal/interpreter"
	"github.com/k11v/enclave/internal/metrics"
	"github.com/k11v/enclave/internal/network"
	"github.com/k11v/enclave/internal/runevent"
	"github.com/k11v/enclave/internal/service"
)

var (
	ErrRunInProgress           = errors.New("a run is already in progress in this enclave")
	ErrPackageCloneUnsupported = errors.New("cloning remote packages isn't supported, upload the package instead")
	ErrPackageNotFound         = errors.New("package not found, upload it first")
	ErrNoRun                   = errors.New("no run has happened in this enclave")
)

type RunState string

const (
	RunStatePending      RunState = "PENDING"
	RunStateInterpreting RunState = "INTERPRETING"
	RunStateExecuting    RunState = "EXECUTING"
	RunStateSucceeded    RunState = "SUCCEEDED"
	RunStateFailed       RunState = "FAILED"
)

type Feature string

const FeatureNoInstructionsCaching Feature = "NO_INSTRUCTIONS_CACHING"

type RestartPolicy string

const (
	RestartPolicyNever  RestartPolicy = "NEVER"
	RestartPolicyAlways RestartPolicy = "ALWAYS"
)

// Run is the request and state of a Starlark run.
type Run struct {
	ID                     uuid.UUID     `json:"run_id"`
	PackageID              string        `json:"package_id,omitempty"`
	SerializedScript       string        `json:"serialized_script,omitempty"`
	SerializedParams       string        `json:"serialized_params,omitempty"`
	DryRun                 bool          `json:"dry_run"`
	Parallelism            int           `json:"parallelism"`
	RelativePathToMainFile string        `json:"relative_path_to_main_file"`
	MainFunctionName       string        `json:"main_function_name"`
	ExperimentalFeatures   []Feature     `json:"experimental_features,omitempty"`
	RestartPolicy          RestartPolicy `json:"restart_policy"`
	State                  RunState      `json:"state"`
}

func (r *Run) hasFeature(f Feature) bool {
	for _, feature := range r.ExperimentalFeatures {
		if feature == f {
			return true
		}
	}
	return false
}

// EventMirror receives a copy of every run event, for example a message queue.
type EventMirror interface {
	Sink(enclaveUUID uuid.UUID, runID uuid.UUID) runevent.Sink
}

// APIContainer serves the operations of one enclave.
type APIContainer struct {
	Network    *network.Network   // required
	Executor   *executor.Executor // required
	Mirror     EventMirror
	Metrics    *metrics.Collector
	HTTPClient *http.Client
	Logger     *slog.Logger

	// OnServiceStarted is called after the first service of the enclave starts.
	OnServiceStarted func()

	mu       sync.Mutex
	running  bool
	lastRun  *Run
	packages map[string]*interpreter.Package
}

type NewParams struct {
	Network    *network.Network // required
	State      *executor.State
	Mirror     EventMirror
	Metrics    *metrics.Collector
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func New(params *NewParams) *APIContainer {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default().With("component", "apic", "enclave_uuid", params.Network.EnclaveUUID)
	}
	e := executor.New(params.Network, params.Metrics)
	e.Logger = logger
	e.State = params.State
	if err := e.Restore(); err != nil {
		logger.Warn("didn't restore instruction state, the next run executes every instruction", "error", err)
	}
	return &APIContainer{
		Network:    params.Network,
		Executor:   e,
		Mirror:     params.Mirror,
		Metrics:    params.Metrics,
		HTTPClient: params.HTTPClient,
		Logger:     logger,
		packages:   make(map[string]*interpreter.Package),
	}
}

func (a *APIContainer) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default().With("component", "apic")
}

func (a *APIContainer) httpClient() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return http.DefaultClient
}

// Close stops background work. Services keep running.
func (a *APIContainer) Close() {
	a.Network.Close()
}

type RunStarlarkScriptParams struct {
	SerializedScript     string // required
	SerializedParams     string
	DryRun               bool
	Parallelism          int
	MainFunctionName     string
	ExperimentalFeatures []Feature
	RestartPolicy        RestartPolicy
}

// RunStarlarkScript interprets, validates and executes a script, streaming
// its events to sink. It returns ErrRunInProgress without sending anything
// when another run holds the slot.
func (a *APIContainer) RunStarlarkScript(ctx context.Context, params *RunStarlarkScriptParams, sink runevent.Sink) error {
	r := &Run{
		SerializedScript:     params.SerializedScript,
		SerializedParams:     params.SerializedParams,
		DryRun:               params.DryRun,
		Parallelism:          params.Parallelism,
		MainFunctionName:     params.MainFunctionName,
		ExperimentalFeatures: params.ExperimentalFeatures,
		RestartPolicy:        params.RestartPolicy,
	}
	return a.run(ctx, r, nil, sink)
}

type RunStarlarkPackageParams struct {
	PackageID              string // required
	SerializedParams       string
	DryRun                 bool
	Parallelism            int
	ClonePackage           bool
	RelativePathToMainFile string
	MainFunctionName       string
	ExperimentalFeatures   []Feature
	RestartPolicy          RestartPolicy
}

// RunStarlarkPackage runs a package uploaded with UploadStarlarkPackage.
func (a *APIContainer) RunStarlarkPackage(ctx context.Context, params *RunStarlarkPackageParams, sink runevent.Sink) error {
	if params.ClonePackage {
		return ErrPackageCloneUnsupported
	}
	a.mu.Lock()
	pkg, ok := a.packages[params.PackageID]
	a.mu.Unlock()
	if !ok {
		return ErrPackageNotFound
	}

	r := &Run{
		PackageID:              params.PackageID,
		SerializedParams:       params.SerializedParams,
		DryRun:                 params.DryRun,
		Parallelism:            params.Parallelism,
		RelativePathToMainFile: params.RelativePathToMainFile,
		MainFunctionName:       params.MainFunctionName,
		ExperimentalFeatures:   params.ExperimentalFeatures,
		RestartPolicy:          params.RestartPolicy,
	}
	return a.run(ctx, r, pkg, sink)
}

func (a *APIContainer) acquire(r *Run) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return ErrRunInProgress
	}
	a.running = true
	a.lastRun = r
	return nil
}

func (a *APIContainer) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
}

func (a *APIContainer) setState(r *Run, state RunState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r.State = state
}

func (a *APIContainer) run(ctx context.Context, r *Run, pkg *interpreter.Package, sink runevent.Sink) error {
	r.ID = uuid.New()
	r.State = RunStatePending
	if r.Parallelism <= 0 {
		r.Parallelism = executor.DefaultParallelism
	}
	if r.MainFunctionName == "" {
		r.MainFunctionName = interpreter.DefaultMainFunction
	}
	if r.RelativePathToMainFile == "" {
		r.RelativePathToMainFile = interpreter.DefaultMainFile
	}
	if r.RestartPolicy == "" {
		r.RestartPolicy = RestartPolicyNever
	}
	if err := a.acquire(r); err != nil {
		return err
	}
	defer a.release()

	start := time.Now()
	logger := a.logger().With("run_id", r.ID)

	sinks := runevent.MultiSink{sink}
	if a.Mirror != nil {
		sinks = append(sinks, &bestEffortSink{sink: a.Mirror.Sink(a.Network.EnclaveUUID, r.ID), logger: logger})
	}
	mux := runevent.NewMultiplexer(sinks)

	success := a.execute(ctx, r, pkg, mux, logger)
	if success {
		a.setState(r, RunStateSucceeded)
	} else {
		a.setState(r, RunStateFailed)
	}
	a.Metrics.RecordRun(success, time.Since(start))

	if err := mux.Wait(); err != nil {
		logger.Warn("run event stream broke", "error", err)
	}
	logger.Info("finished run", "success", success, "duration", time.Since(start))
	return nil
}

// execute drives one run through interpretation, validation and execution
// and reports whether it succeeded. It always finishes mux.
func (a *APIContainer) execute(ctx context.Context, r *Run, pkg *interpreter.Package, mux *runevent.Multiplexer, logger *slog.Logger) bool {
	fail := func(kind runevent.ErrorKind, err error) bool {
		if pubErr := mux.Publish(runevent.NewError(kind, err.Error())); pubErr != nil {
			logger.Warn("didn't publish run error", "error", pubErr)
		}
		mux.Finish(false, "")
		return false
	}

	a.setState(r, RunStateInterpreting)
	plan, err := interpreter.Interpret(ctx, &interpreter.InterpretParams{
		Script:       r.SerializedScript,
		Package:      pkg,
		MainFile:     r.RelativePathToMainFile,
		MainFunction: r.MainFunctionName,
		Args:         r.SerializedParams,
	})
	if err != nil {
		return fail(runevent.ErrorKindInterpretation, err)
	}

	noCaching := r.hasFeature(FeatureNoInstructionsCaching)
	cached := 0
	if !noCaching && !r.DryRun {
		cached = a.Executor.History.CachedPrefix(plan)
	}
	env, err := a.environment(cached, noCaching)
	if err != nil {
		return fail(runevent.ErrorKindValidation, err)
	}
	if err = interpreter.Validate(plan, env); err != nil {
		return fail(runevent.ErrorKindValidation, err)
	}

	a.setState(r, RunStateExecuting)
	servicesBefore := len(a.Network.Services.Names())
	result := a.Executor.Run(ctx, mux, &executor.RunParams{
		Plan:        plan,
		DryRun:      r.DryRun,
		Cached:      cached,
		Parallelism: r.Parallelism,
		Recreate:    noCaching,
	})
	if servicesBefore == 0 && len(a.Network.Services.Names()) > 0 {
		a.serviceStarted()
	}
	return result.Success
}

func (a *APIContainer) environment(cached int, recreate bool) (*interpreter.Environment, error) {
	services, err := a.Network.Services.List()
	if err != nil {
		return nil, err
	}
	configs := make(map[string]*service.Config, len(services))
	for _, s := range services {
		configs[s.Name] = s.Config
	}
	return &interpreter.Environment{
		Services: configs,
		ArtifactExists: func(id string) bool {
			_, err := a.Network.Artifacts.Get(id)
			return err == nil
		},
		Cached:   cached,
		Recreate: recreate,
	}, nil
}

func (a *APIContainer) serviceStarted() {
	if a.OnServiceStarted != nil {
		a.OnServiceStarted()
	}
}

// GetStarlarkRun returns the parameters and state of the latest run.
func (a *APIContainer) GetStarlarkRun(_ context.Context) (*Run, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastRun == nil {
		return nil, ErrNoRun
	}
	r := *a.lastRun
	return &r, nil
}

// bestEffortSink keeps a failing mirror from breaking the client stream.
type bestEffortSink struct {
	sink   runevent.Sink
	logger *slog.Logger
	failed bool
}

func (s *bestEffortSink) Send(e *runevent.Event) error {
	if s.failed {
		return nil
	}
	if err := s.sink.Send(e); err != nil {
		s.failed = true
		s.logger.Warn("stopped mirroring run events", "error", err)
	}
	return nil
}
