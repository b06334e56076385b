package network

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/enclave/internal/artifact"
	"github.com/k11v/enclave/internal/artifact/artifactmem"
	"github.com/k11v/enclave/internal/identifier"
	"github.com/k11v/enclave/internal/logstore"
	"github.com/k11v/enclave/internal/partition"
	"github.com/k11v/enclave/internal/registry"
	"github.com/k11v/enclave/internal/runtime"
	"github.com/k11v/enclave/internal/runtime/runtimefake"
	"github.com/k11v/enclave/internal/service"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestNetwork(t *testing.T, rt *runtimefake.Runtime) *Network {
	t.Helper()

	ctx := context.Background()
	enclaveUUID := uuid.New()
	if err := rt.CreateEnclave(ctx, enclaveUUID); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	n, err := New(ctx, &NewParams{
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
	t.Cleanup(n.Close)
	return n
}

// FailingDatabase fails data updates with UpdateErr. Removals still pass.
type FailingDatabase struct {
	registry.Database
	UpdateErr error
}

func (db *FailingDatabase) UpdateRecord(ctx context.Context, params *registry.DatabaseUpdateRecordParams) error {
	if db.UpdateErr != nil && params.RemovedAt == nil {
		return db.UpdateErr
	}
	return db.Database.UpdateRecord(ctx, params)
}

func TestNetwork(t *testing.T) {
	t.Run("starts a service", func(t *testing.T) {
		ctx := context.Background()
		rt := runtimefake.New()
		n := newTestNetwork(t, rt)

		s, err := n.StartService(ctx, "db", &service.Config{
			Image: "postgres:16",
			Ports: map[string]service.Port{"pg": {Number: 5432}},
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if s.Status != service.StatusRunning || s.PrivateIP == "" {
			t.Fatalf("got status %s and ip %q, want a running service with an ip", s.Status, s.PrivateIP)
		}
		if got, want := s.PrivatePorts["pg"].TransportProtocol, service.TransportProtocolTCP; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if got := n.Partitions.Topology().Services["db"]; got != partition.DefaultPartitionID {
			t.Fatalf("got partition %q, want %q", got, partition.DefaultPartitionID)
		}

		ref := n.ref(s.UUID)
		if err = rt.WriteLogs(&ref, "ready to accept connections\n"); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		deadline := time.Now().Add(5 * time.Second)
		for {
			lines, err := n.Logs.Query(ctx, &logstore.QueryParams{EnclaveUUID: n.EnclaveUUID, ServiceUUID: s.UUID, ReturnAll: true})
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if len(lines) == 1 && lines[0].Text == "ready to accept connections" {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("got %d lines, want the collected line", len(lines))
			}
			time.Sleep(10 * time.Millisecond)
		}
	})

	t.Run("keeps identifiers of a service that failed to start", func(t *testing.T) {
		ctx := context.Background()
		rt := runtimefake.New()
		rt.FailImages = map[string]error{"broken:1": errors.New("pull access denied")}
		n := newTestNetwork(t, rt)

		if _, err := n.StartService(ctx, "api", &service.Config{Image: "broken:1"}); err == nil {
			t.Fatal("got no error, want start failure")
		}

		live, all := n.Services.Identifiers()
		if len(live) != 0 || len(all) != 1 || all[0].Name != "api" {
			t.Fatalf("got live %v and all %v, want one historical api", live, all)
		}
		if _, err := n.StartService(ctx, "api", &service.Config{Image: "api:1"}); err != nil {
			t.Fatalf("didn't want %q", err)
		}
	})

	t.Run("removes the container when the started service can't be recorded", func(t *testing.T) {
		ctx := context.Background()
		rt := runtimefake.New()
		enclaveUUID := uuid.New()
		if err := rt.CreateEnclave(ctx, enclaveUUID); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		db := &FailingDatabase{Database: registry.NewMemoryDatabase()}
		n, err := New(ctx, &NewParams{
			EnclaveUUID: enclaveUUID,
			Database:    db,
			Storage:     artifactmem.NewStorage(),
			Runtime:     rt,
			Logs:        logstore.NewMemoryStore(),
			Enforcer:    &partition.LoggingEnforcer{Logger: discardLogger},
			Logger:      discardLogger,
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		defer n.Close()

		db.UpdateErr = errors.New("connection reset")
		if _, err = n.StartService(ctx, "api", &service.Config{Image: "api:1"}); err == nil {
			t.Fatal("got no error, want update failure")
		}

		if got := len(rt.Containers(enclaveUUID)); got != 0 {
			t.Fatalf("got %d containers, want 0", got)
		}
		live, all := n.Services.Identifiers()
		if len(live) != 0 || len(all) != 1 {
			t.Fatalf("got live %v and all %v, want one historical api", live, all)
		}
	})

	t.Run("adds services with partial success", func(t *testing.T) {
		ctx := context.Background()
		rt := runtimefake.New()
		rt.FailImages = map[string]error{"broken:1": errors.New("pull access denied")}
		n := newTestNetwork(t, rt)

		if _, err := n.StartService(ctx, "taken", &service.Config{Image: "nginx:1.27"}); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		result := n.AddServices(ctx, map[string]*service.Config{
			"web":    {Image: "nginx:1.27"},
			"cache":  {Image: "redis:7"},
			"taken":  {Image: "nginx:1.27"},
			"broken": {Image: "broken:1"},
		}, 2)

		if len(result.Succeeded) != 2 || result.Succeeded["web"] == nil || result.Succeeded["cache"] == nil {
			t.Fatalf("got succeeded %v, want web and cache", result.Succeeded)
		}
		if !errors.Is(result.Failed["taken"], service.ErrNameTaken) {
			t.Fatalf("got %v, want %v", result.Failed["taken"], service.ErrNameTaken)
		}
		if result.Failed["broken"] == nil {
			t.Fatal("got no error for broken, want start failure")
		}
	})

	t.Run("removes a service", func(t *testing.T) {
		ctx := context.Background()
		rt := runtimefake.New()
		n := newTestNetwork(t, rt)

		s, err := n.StartService(ctx, "web", &service.Config{Image: "nginx:1.27"})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		removed, err := n.RemoveService(ctx, s.ShortenedUUID)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if removed != s.UUID {
			t.Fatalf("got %v, want %v", removed, s.UUID)
		}
		if got := rt.Containers(n.EnclaveUUID); len(got) != 0 {
			t.Fatalf("got %d containers, want none", len(got))
		}
		var notFoundErr *identifier.NotFoundError
		if _, err = n.Services.Get("web"); !errors.As(err, &notFoundErr) {
			t.Fatalf("got %v, want %T", err, notFoundErr)
		}
		if _, ok := n.Partitions.Topology().Services["web"]; ok {
			t.Fatal("got web in the topology, want it removed")
		}
	})

	t.Run("mounts files and stores them back", func(t *testing.T) {
		ctx := context.Background()
		n := newTestNetwork(t, runtimefake.New())

		archive, err := artifact.Archive([]*artifact.File{{Path: "app.yml", Content: []byte("port: 80")}})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if _, err = n.StoreArtifact(ctx, "config", archive); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if _, err = n.StartService(ctx, "web", &service.Config{Image: "nginx:1.27", Files: map[string]string{"/etc/app": "config"}}); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		if _, err = n.StoreServiceFiles(ctx, "web", "/etc/app", "copied"); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		got, err := n.Artifacts.InspectContents(ctx, "copied")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		want := []*artifact.FileDescription{{Path: "app/app.yml", Size: 8, TextPreview: "port: 80"}}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("doesn't start a service with a missing files artifact", func(t *testing.T) {
		ctx := context.Background()
		n := newTestNetwork(t, runtimefake.New())

		_, err := n.StartService(ctx, "web", &service.Config{Image: "nginx:1.27", Files: map[string]string{"/etc/app": "missing"}})
		var notFoundErr *identifier.NotFoundError
		if !errors.As(err, &notFoundErr) {
			t.Fatalf("got %v, want %T", err, notFoundErr)
		}
		if _, all := n.Services.Identifiers(); len(all) != 0 {
			t.Fatalf("got %v, want no registered service", all)
		}
	})

	t.Run("stores an artifact again only with the same content", func(t *testing.T) {
		ctx := context.Background()
		n := newTestNetwork(t, runtimefake.New())

		first, err := n.StoreArtifact(ctx, "artifact-0", []byte("a"))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		again, err := n.StoreArtifact(ctx, "artifact-0", []byte("a"))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if again.UUID != first.UUID {
			t.Fatalf("got %v, want %v", again.UUID, first.UUID)
		}
		if _, err = n.StoreArtifact(ctx, "artifact-0", []byte("b")); !errors.Is(err, artifact.ErrNameTaken) {
			t.Fatalf("got %v, want %v", err, artifact.ErrNameTaken)
		}
	})

	t.Run("sends an http request to a published port", func(t *testing.T) {
		ctx := context.Background()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, r.Method+" "+r.URL.Path)
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
		n := newTestNetwork(t, rt)
		if _, err = n.StartService(ctx, "web", &service.Config{Image: "nginx:1.27", Ports: map[string]service.Port{"http": {Number: 80}}}); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		resp, err := n.HTTPRequest(ctx, &HTTPRequestParams{ServiceIdentifier: "web", PortID: "http", Method: http.MethodGet, Path: "health"})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if resp.StatusCode != http.StatusOK || string(resp.Body) != "GET /health" {
			t.Fatalf("got %d %q", resp.StatusCode, resp.Body)
		}

		_, err = n.HTTPRequest(ctx, &HTTPRequestParams{ServiceIdentifier: "web", PortID: "grpc", Method: http.MethodGet})
		if !errors.Is(err, ErrNoSuchPort) {
			t.Fatalf("got %v, want %v", err, ErrNoSuchPort)
		}
	})

	t.Run("refreshes status and stops services", func(t *testing.T) {
		ctx := context.Background()
		n := newTestNetwork(t, runtimefake.New())

		s, err := n.StartService(ctx, "web", &service.Config{Image: "nginx:1.27"})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if err = n.PauseService(ctx, "web"); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if s, err = n.RefreshStatus(ctx, s); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if s.Status != service.StatusRunning || s.Container.Status != string(runtime.ContainerStatusPaused) {
			t.Fatalf("got %s and %s, want RUNNING and paused", s.Status, s.Container.Status)
		}

		if err = n.StopAll(ctx); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if s, err = n.Services.Get("web"); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if s.Status != service.StatusStopped {
			t.Fatalf("got %s, want %s", s.Status, service.StatusStopped)
		}
	})
}
