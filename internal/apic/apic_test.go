package apic

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/enclave/internal/artifact"
	"github.com/k11v/enclave/internal/artifact/artifactmem"
	"github.com/k11v/enclave/internal/executor"
	"github.com/k11v/enclave/internal/identifier"
	"github.com/k11v/enclave/internal/logstore"
	"github.com/k11v/enclave/internal/network"
	"github.com/k11v/enclave/internal/partition"
	"github.com/k11v/enclave/internal/registry"
	"github.com/k11v/enclave/internal/runevent"
	"github.com/k11v/enclave/internal/runtime"
	"github.com/k11v/enclave/internal/runtime/runtimefake"
	"github.com/k11v/enclave/internal/service"
	"github.com/k11v/enclave/internal/transfer"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestAPIContainer(t *testing.T, rt *runtimefake.Runtime) *APIContainer {
	t.Helper()

	ctx := context.Background()
	enclaveUUID := uuid.New()
	if err := rt.CreateEnclave(ctx, enclaveUUID); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	n, err := network.New(ctx, &network.NewParams{
		EnclaveUUID: enclaveUUID,
		Database:    registry.NewMemoryDatabase(),
		Storage:     artifactmem.NewStorage(),
		Runtime:     rt,
		Logs:        logstore.NewMemoryStore(),
		Enforcer:    &partition.LoggingEnforcer{Logger: discardLogger},
		Logger:      discardLogger,
	})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	a := New(&NewParams{Network: n, Logger: discardLogger})
	t.Cleanup(a.Close)
	return a
}

func runScript(t *testing.T, a *APIContainer, params *RunStarlarkScriptParams) []*runevent.Event {
	t.Helper()

	recorder := &runevent.Recorder{}
	if err := a.RunStarlarkScript(context.Background(), params, recorder); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	return recorder.Events()
}

func lastFinished(t *testing.T, events []*runevent.Event) *runevent.RunFinished {
	t.Helper()

	if len(events) == 0 || events[len(events)-1].RunFinished == nil {
		t.Fatalf("got %d events without run finished last", len(events))
	}
	return events[len(events)-1].RunFinished
}

func skipped(events []*runevent.Event) []bool {
	var got []bool
	for _, ev := range events {
		if ev.Instruction != nil {
			got = append(got, ev.Instruction.IsSkipped)
		}
	}
	return got
}

const addDBScript = `
def run(plan):
    db = plan.add_service(name = "db", config = ServiceConfig(image = "postgres:16", ports = {"pg": PortSpec(number = 5432)}))
    plan.print(msg = "started")
    return db.hostname
`

type SpyMirror struct {
	mu     sync.Mutex
	events []*runevent.Event
}

func (m *SpyMirror) Sink(uuid.UUID, uuid.UUID) runevent.Sink {
	return runevent.SinkFunc(func(e *runevent.Event) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.events = append(m.events, e)
		return nil
	})
}

type FailingMirror struct{}

func (FailingMirror) Sink(uuid.UUID, uuid.UUID) runevent.Sink {
	return runevent.SinkFunc(func(*runevent.Event) error { return errors.New("broker unreachable") })
}

func TestRunStarlarkScript(t *testing.T) {
	t.Run("runs a script and records it", func(t *testing.T) {
		a := newTestAPIContainer(t, runtimefake.New())
		mirror := &SpyMirror{}
		a.Mirror = mirror

		events := runScript(t, a, &RunStarlarkScriptParams{SerializedScript: addDBScript})
		finished := lastFinished(t, events)
		if !finished.IsRunSuccessful || finished.SerializedOutput != `"db"` {
			t.Fatalf("got %+v", finished)
		}

		r, err := a.GetStarlarkRun(context.Background())
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if r.State != RunStateSucceeded || r.Parallelism != 4 || r.MainFunctionName != "run" || r.RestartPolicy != RestartPolicyNever {
			t.Fatalf("got %+v", r)
		}

		mirror.mu.Lock()
		defer mirror.mu.Unlock()
		if !reflect.DeepEqual(mirror.events, events) {
			t.Fatalf("got %d mirrored events, want %d", len(mirror.events), len(events))
		}
	})

	t.Run("keeps streaming when the mirror fails", func(t *testing.T) {
		a := newTestAPIContainer(t, runtimefake.New())
		a.Mirror = FailingMirror{}

		events := runScript(t, a, &RunStarlarkScriptParams{SerializedScript: addDBScript})
		if !lastFinished(t, events).IsRunSuccessful {
			t.Fatal("got failed run, want successful")
		}
	})

	t.Run("reports an interpretation error", func(t *testing.T) {
		a := newTestAPIContainer(t, runtimefake.New())

		events := runScript(t, a, &RunStarlarkScriptParams{SerializedScript: "def run(plan):\n    return undefined\n"})
		if len(events) != 2 || events[0].Error == nil || events[0].Error.Kind != runevent.ErrorKindInterpretation {
			t.Fatalf("got %+v", events)
		}
		if lastFinished(t, events).IsRunSuccessful {
			t.Fatal("got successful run, want failed")
		}
		r, err := a.GetStarlarkRun(context.Background())
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if r.State != RunStateFailed {
			t.Fatalf("got %s, want %s", r.State, RunStateFailed)
		}
	})

	t.Run("reports a validation error before any instruction", func(t *testing.T) {
		rt := runtimefake.New()
		a := newTestAPIContainer(t, rt)

		script := `
def run(plan):
    plan.add_service(name = "db", config = ServiceConfig(image = "postgres:16"))
    plan.remove_service(name = "cache")
`
		events := runScript(t, a, &RunStarlarkScriptParams{SerializedScript: script})
		if len(events) != 2 || events[0].Error == nil || events[0].Error.Kind != runevent.ErrorKindValidation {
			t.Fatalf("got %+v", events)
		}
		if got := len(rt.Containers(a.Network.EnclaveUUID)); got != 0 {
			t.Fatalf("got %d containers, want 0", got)
		}
	})

	t.Run("skips a rerun until an out-of-band change", func(t *testing.T) {
		ctx := context.Background()
		a := newTestAPIContainer(t, runtimefake.New())

		runScript(t, a, &RunStarlarkScriptParams{SerializedScript: addDBScript})

		events := runScript(t, a, &RunStarlarkScriptParams{SerializedScript: addDBScript})
		if got, want := skipped(events), []bool{true, true}; !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}

		events = runScript(t, a, &RunStarlarkScriptParams{
			SerializedScript:     addDBScript,
			ExperimentalFeatures: []Feature{FeatureNoInstructionsCaching},
		})
		if got, want := skipped(events), []bool{false, false}; !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		if !lastFinished(t, events).IsRunSuccessful {
			t.Fatalf("got failed run: %+v", events)
		}

		if _, err := a.RemoveService(ctx, "db"); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		events = runScript(t, a, &RunStarlarkScriptParams{SerializedScript: addDBScript})
		if got, want := skipped(events), []bool{false, false}; !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("skips a rerun after the enclave is reopened", func(t *testing.T) {
		ctx := context.Background()
		rt := runtimefake.New()
		db := registry.NewMemoryDatabase()
		storage := artifactmem.NewStorage()
		enclaveUUID := uuid.New()
		if err := rt.CreateEnclave(ctx, enclaveUUID); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		open := func() *APIContainer {
			t.Helper()
			n, err := network.New(ctx, &network.NewParams{
				EnclaveUUID: enclaveUUID,
				Database:    db,
				Storage:     storage,
				Runtime:     rt,
				Logs:        logstore.NewMemoryStore(),
				Enforcer:    &partition.LoggingEnforcer{Logger: discardLogger},
				Logger:      discardLogger,
			})
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			state, err := executor.OpenState(ctx, db, enclaveUUID)
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			return New(&NewParams{Network: n, State: state, Logger: discardLogger})
		}

		first := open()
		if !lastFinished(t, runScript(t, first, &RunStarlarkScriptParams{SerializedScript: addDBScript})).IsRunSuccessful {
			t.Fatal("got failed first run")
		}
		first.Close()

		second := open()
		events := runScript(t, second, &RunStarlarkScriptParams{SerializedScript: addDBScript})
		finished := lastFinished(t, events)
		if !finished.IsRunSuccessful || finished.SerializedOutput != `"db"` {
			t.Fatalf("got %+v", finished)
		}
		if got, want := skipped(events), []bool{true, true}; !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got := len(rt.Containers(enclaveUUID)); got != 1 {
			t.Fatalf("got %d containers, want 1", got)
		}

		if _, err := second.RemoveService(ctx, "db"); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		second.Close()

		third := open()
		t.Cleanup(third.Close)
		events = runScript(t, third, &RunStarlarkScriptParams{SerializedScript: addDBScript})
		if got, want := skipped(events), []bool{false, false}; !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("rejects a concurrent run", func(t *testing.T) {
		a := newTestAPIContainer(t, runtimefake.New())

		started := make(chan struct{})
		unblock := make(chan struct{})
		var once sync.Once
		sink := runevent.SinkFunc(func(*runevent.Event) error {
			once.Do(func() { close(started) })
			<-unblock
			return nil
		})

		done := make(chan error)
		go func() {
			done <- a.RunStarlarkScript(context.Background(), &RunStarlarkScriptParams{SerializedScript: addDBScript}, sink)
		}()
		<-started

		err := a.RunStarlarkScript(context.Background(), &RunStarlarkScriptParams{SerializedScript: addDBScript}, &runevent.Recorder{})
		if !errors.Is(err, ErrRunInProgress) {
			t.Fatalf("got %v, want %v", err, ErrRunInProgress)
		}

		close(unblock)
		if err = <-done; err != nil {
			t.Fatalf("didn't want %q", err)
		}
	})

	t.Run("calls back after the first service starts", func(t *testing.T) {
		a := newTestAPIContainer(t, runtimefake.New())
		calls := 0
		a.OnServiceStarted = func() { calls++ }

		runScript(t, a, &RunStarlarkScriptParams{SerializedScript: addDBScript})
		runScript(t, a, &RunStarlarkScriptParams{SerializedScript: addDBScript})
		if calls != 1 {
			t.Fatalf("got %d calls, want 1", calls)
		}
	})
}

func TestGetStarlarkRun(t *testing.T) {
	a := newTestAPIContainer(t, runtimefake.New())
	if _, err := a.GetStarlarkRun(context.Background()); !errors.Is(err, ErrNoRun) {
		t.Fatalf("got %v, want %v", err, ErrNoRun)
	}
}

func archiveChunks(t *testing.T, name string, files map[string]string) func() (*transfer.Chunk, error) {
	t.Helper()

	var archiveFiles []*artifact.File
	for p, content := range files {
		archiveFiles = append(archiveFiles, &artifact.File{Path: p, Content: []byte(content)})
	}
	archive, err := artifact.Archive(archiveFiles)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	var chunks []*transfer.Chunk
	err = transfer.Split(bytes.NewReader(archive), 64, name, func(c *transfer.Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	return func() (*transfer.Chunk, error) {
		if len(chunks) == 0 {
			return nil, io.EOF
		}
		c := chunks[0]
		chunks = chunks[1:]
		return c, nil
	}
}

func TestRunStarlarkPackage(t *testing.T) {
	ctx := context.Background()
	a := newTestAPIContainer(t, runtimefake.New())

	name, err := a.UploadStarlarkPackage(ctx, archiveChunks(t, "", map[string]string{
		"kurtosis.yml":        "name: github.com/example/web\n",
		"main.star":           "def run(plan, args):\n    return args[\"greeting\"]\n",
		"alt/entrypoint.star": "def start(plan):\n    plan.print(msg = \"alt\")\n",
	}))
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if name != "github.com/example/web" {
		t.Fatalf("got %q, want %q", name, "github.com/example/web")
	}

	t.Run("runs the main file", func(t *testing.T) {
		recorder := &runevent.Recorder{}
		err := a.RunStarlarkPackage(ctx, &RunStarlarkPackageParams{PackageID: name, SerializedParams: `{"greeting": "hi"}`}, recorder)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got := lastFinished(t, recorder.Events()).SerializedOutput; got != `"hi"` {
			t.Fatalf("got %s, want %s", got, `"hi"`)
		}
	})

	t.Run("runs another main file and function", func(t *testing.T) {
		recorder := &runevent.Recorder{}
		err := a.RunStarlarkPackage(ctx, &RunStarlarkPackageParams{
			PackageID:              name,
			RelativePathToMainFile: "alt/entrypoint.star",
			MainFunctionName:       "start",
		}, recorder)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if !lastFinished(t, recorder.Events()).IsRunSuccessful {
			t.Fatalf("got failed run: %+v", recorder.Events())
		}
	})

	t.Run("rejects cloning", func(t *testing.T) {
		err := a.RunStarlarkPackage(ctx, &RunStarlarkPackageParams{PackageID: name, ClonePackage: true}, &runevent.Recorder{})
		if !errors.Is(err, ErrPackageCloneUnsupported) {
			t.Fatalf("got %v, want %v", err, ErrPackageCloneUnsupported)
		}
	})

	t.Run("rejects an unknown package", func(t *testing.T) {
		err := a.RunStarlarkPackage(ctx, &RunStarlarkPackageParams{PackageID: "github.com/example/missing"}, &runevent.Recorder{})
		if !errors.Is(err, ErrPackageNotFound) {
			t.Fatalf("got %v, want %v", err, ErrPackageNotFound)
		}
	})
}

func TestFilesArtifacts(t *testing.T) {
	ctx := context.Background()
	a := newTestAPIContainer(t, runtimefake.New())

	uploaded, err := a.UploadFilesArtifact(ctx, archiveChunks(t, "site", map[string]string{"index.html": "<h1>hi</h1>"}))
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if uploaded.Name != "site" {
		t.Fatalf("got %q, want %q", uploaded.Name, "site")
	}

	var chunks []*transfer.Chunk
	err = a.DownloadFilesArtifact(ctx, uploaded.ShortenedUUID, func(c *transfer.Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	payload, err := transfer.Receive(func() (*transfer.Chunk, error) {
		if len(chunks) == 0 {
			return nil, io.EOF
		}
		c := chunks[0]
		chunks = chunks[1:]
		return c, nil
	}, nil)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if payload.Name != "site" || artifact.Digest(payload.Data) != uploaded.Digest {
		t.Fatalf("got %q with digest %s, want site with %s", payload.Name, artifact.Digest(payload.Data), uploaded.Digest)
	}

	contents, err := a.InspectFilesArtifactContents(ctx, "site")
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if len(contents) != 1 || contents[0].Path != "index.html" || contents[0].TextPreview != "<h1>hi</h1>" {
		t.Fatalf("got %+v", contents)
	}

	t.Run("stores a web archive", func(t *testing.T) {
		archive, err := artifact.Archive([]*artifact.File{{Path: "a.txt", Content: []byte("a")}})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/plain" {
				_, _ = io.WriteString(w, "not an archive")
				return
			}
			_, _ = w.Write(archive)
		}))
		defer server.Close()

		if _, err = a.StoreWebFilesArtifact(ctx, server.URL+"/archive.tgz", "web"); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if _, err = a.StoreWebFilesArtifact(ctx, server.URL+"/plain", "plain"); !errors.Is(err, ErrNotAnArchive) {
			t.Fatalf("got %v, want %v", err, ErrNotAnArchive)
		}

		list, err := a.ListFilesArtifactNamesAndUuids(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		var names []string
		for _, art := range list {
			names = append(names, art.Name)
		}
		if want := []string{"site", "web"}; !reflect.DeepEqual(names, want) {
			t.Fatalf("got %v, want %v", names, want)
		}
	})
}

func TestServices(t *testing.T) {
	ctx := context.Background()

	t.Run("adds, lists and removes services", func(t *testing.T) {
		rt := runtimefake.New()
		rt.FailImages = map[string]error{"broken:1": errors.New("pull access denied")}
		a := newTestAPIContainer(t, rt)

		result := a.AddServices(ctx, map[string]*service.Config{
			"db":     {Image: "postgres:16"},
			"broken": {Image: "broken:1"},
		})
		if len(result.Succeeded) != 1 || len(result.Failed) != 1 || result.Failed["broken"] == nil {
			t.Fatalf("got %d succeeded and %v failed", len(result.Succeeded), result.Failed)
		}

		services, err := a.GetServices(ctx, nil)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(services) != 1 || services["db"] == nil || services["db"].Status != service.StatusRunning {
			t.Fatalf("got %+v", services)
		}

		id, err := a.RemoveService(ctx, "db")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		_, err = a.GetServices(ctx, []string{"db"})
		var notFoundErr *identifier.NotFoundError
		if !errors.As(err, &notFoundErr) {
			t.Fatalf("got %v, want %T", err, notFoundErr)
		}

		live, all := a.GetExistingAndHistoricalServiceIdentifiers(ctx)
		if len(live) != 0 {
			t.Fatalf("got %d live identifiers, want 0", len(live))
		}
		found := false
		for _, identity := range all {
			if identity.UUID == id {
				found = true
			}
		}
		if !found {
			t.Fatalf("got %v, want %s among historical identifiers", all, id)
		}
	})

	t.Run("waits for an endpoint", func(t *testing.T) {
		var mu sync.Mutex
		calls := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = io.WriteString(w, "ok")
		}))
		defer server.Close()
		_, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		rt := runtimefake.New()
		rt.PublicPort = func(string, string, runtime.PortSpec) uint16 { return uint16(port) }
		a := newTestAPIContainer(t, rt)
		result := a.AddServices(ctx, map[string]*service.Config{
			"web": {Image: "nginx:1.27", Ports: map[string]service.Port{"http": {Number: 80}}},
		})
		if len(result.Failed) > 0 {
			t.Fatalf("didn't want %v", result.Failed)
		}

		err = a.WaitForEndpointAvailability(ctx, &WaitForEndpointAvailabilityParams{
			ServiceIdentifier: "web",
			Port:              80,
			Path:              "health",
			Retries:           5,
			RetryDelay:        10 * time.Millisecond,
			ExpectedBody:      "ok",
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		err = a.WaitForEndpointAvailability(ctx, &WaitForEndpointAvailabilityParams{
			ServiceIdentifier: "web",
			Port:              80,
			Retries:           1,
			ExpectedBody:      "something else",
		})
		if !errors.Is(err, ErrEndpointUnavailable) {
			t.Fatalf("got %v, want %v", err, ErrEndpointUnavailable)
		}

		err = a.WaitForEndpointAvailability(ctx, &WaitForEndpointAvailabilityParams{ServiceIdentifier: "web", Port: 8080})
		if !errors.Is(err, network.ErrNoSuchPort) {
			t.Fatalf("got %v, want %v", err, network.ErrNoSuchPort)
		}
	})
}
