package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/k11v/enclave/internal/apic"
	"github.com/k11v/enclave/internal/artifact"
	"github.com/k11v/enclave/internal/artifact/artifactmem"
	"github.com/k11v/enclave/internal/enclave"
	"github.com/k11v/enclave/internal/engine"
	"github.com/k11v/enclave/internal/identifier"
	"github.com/k11v/enclave/internal/logstore"
	"github.com/k11v/enclave/internal/metrics"
	"github.com/k11v/enclave/internal/partition"
	"github.com/k11v/enclave/internal/registry"
	"github.com/k11v/enclave/internal/runevent"
	"github.com/k11v/enclave/internal/runtime/runtimefake"
	"github.com/k11v/enclave/internal/transfer"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	m := metrics.NewCollector()
	e, err := engine.New(context.Background(), &engine.NewParams{
		Database: registry.NewMemoryDatabase(),
		Storage:  artifactmem.NewStorage(),
		Runtime:  runtimefake.New(),
		Logs:     logstore.NewMemoryStore(),
		Enforcer: &partition.LoggingEnforcer{Logger: discardLogger},
		Metrics:  m,
		Logger:   discardLogger,
		Version:  "1.2.3",
	})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	t.Cleanup(e.Close)

	srv := httptest.NewServer(newHandler(&Config{Swagger: true}, e, m, discardLogger))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method string, url string, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	t.Cleanup(func() {
		_ = resp.Body.Close()
	})
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()

	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("got status %d with body %q, want %d", resp.StatusCode, body, want)
	}
}

func createEnclave(t *testing.T, srv *httptest.Server, name string) *enclave.Enclave {
	t.Helper()

	resp := do(t, http.MethodPost, srv.URL+"/enclaves", fmt.Sprintf(`{"enclave_name": %q}`, name))
	expectStatus(t, resp, http.StatusCreated)
	var info enclave.Enclave
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	return &info
}

const helloScript = `
def run(plan):
    plan.add_service(name = "web", config = ServiceConfig(image = "nginx:1.27"))
    return "hello"
`

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/health", "")
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	if got, want := string(body), "{\"status\":\"ok\"}\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	resp = do(t, http.MethodGet, srv.URL+"/metrics", "")
	expectStatus(t, resp, http.StatusOK)
	body, _ = io.ReadAll(resp.Body)
	if want := `enclave_http_requests_total{code="200",route="GET /health"} 1`; !strings.Contains(string(body), want) {
		t.Fatalf("got metrics without %q", want)
	}
}

func TestEnclaves(t *testing.T) {
	srv := newTestServer(t)

	created := createEnclave(t, srv, "test-net")
	if created.Name != "test-net" || created.ContainersStatus != enclave.ContainersStatusEmpty {
		t.Fatalf("got %+v", created)
	}

	resp := do(t, http.MethodPost, srv.URL+"/enclaves", `{"enclave_name": "test-net"}`)
	expectStatus(t, resp, http.StatusConflict)
	resp = do(t, http.MethodPost, srv.URL+"/enclaves", `{"enclave_name": "bad name"}`)
	expectStatus(t, resp, http.StatusUnprocessableEntity)
	resp = do(t, http.MethodPost, srv.URL+"/enclaves", `{"unknown": true}`)
	expectStatus(t, resp, http.StatusUnprocessableEntity)

	resp = do(t, http.MethodGet, srv.URL+"/enclaves/"+created.ShortenedUUID, "")
	expectStatus(t, resp, http.StatusOK)
	resp = do(t, http.MethodGet, srv.URL+"/enclaves/missing", "")
	expectStatus(t, resp, http.StatusNotFound)

	resp = do(t, http.MethodPost, srv.URL+"/enclaves/test-net/stop", "")
	expectStatus(t, resp, http.StatusNoContent)
	resp = do(t, http.MethodGet, srv.URL+"/enclaves/test-net/services", "")
	expectStatus(t, resp, http.StatusConflict)

	resp = do(t, http.MethodPost, srv.URL+"/enclaves/clean", "")
	expectStatus(t, resp, http.StatusOK)
	var cleaned struct {
		Removed []identifier.Identity `json:"removed_enclave_name_and_uuids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&cleaned); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if len(cleaned.Removed) != 1 || cleaned.Removed[0].UUID != created.UUID {
		t.Fatalf("got %+v", cleaned.Removed)
	}

	resp = do(t, http.MethodGet, srv.URL+"/enclaves/identifiers", "")
	expectStatus(t, resp, http.StatusOK)
	var ids identifiersResponse
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if len(ids.Live) != 0 || len(ids.All) != 1 {
		t.Fatalf("got %+v", ids)
	}
}

func TestRunStarlarkScript(t *testing.T) {
	t.Run("streams events as json lines", func(t *testing.T) {
		srv := newTestServer(t)
		createEnclave(t, srv, "runs")

		body, err := json.Marshal(map[string]string{"serialized_script": helloScript})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		resp := do(t, http.MethodPost, srv.URL+"/enclaves/runs/runs/script", string(body))
		expectStatus(t, resp, http.StatusOK)
		if got := resp.Header.Get("Content-Type"); got != contentTypeJSONLines {
			t.Fatalf("got %q, want %q", got, contentTypeJSONLines)
		}

		var events []*runevent.Event
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			var e runevent.Event
			if err = json.Unmarshal(scanner.Bytes(), &e); err != nil {
				t.Fatalf("didn't want %q", err)
			}
			events = append(events, &e)
		}
		if err = scanner.Err(); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		last := events[len(events)-1].RunFinished
		if last == nil || !last.IsRunSuccessful || last.SerializedOutput != `"hello"` {
			t.Fatalf("got last event %+v", events[len(events)-1])
		}

		resp = do(t, http.MethodGet, srv.URL+"/enclaves/runs/runs/last", "")
		expectStatus(t, resp, http.StatusOK)
		var run apic.Run
		if err = json.NewDecoder(resp.Body).Decode(&run); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if run.State != apic.RunStateSucceeded {
			t.Fatalf("got %s, want %s", run.State, apic.RunStateSucceeded)
		}
	})

	t.Run("streams events over a websocket", func(t *testing.T) {
		srv := newTestServer(t)
		createEnclave(t, srv, "ws")

		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/enclaves/ws/runs/script"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		defer func() {
			_ = conn.Close()
		}()
		if err = conn.WriteJSON(map[string]any{"serialized_script": helloScript, "dry_run": true}); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		var finished *runevent.RunFinished
		for {
			var e runevent.Event
			err = conn.ReadJSON(&e)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if e.RunFinished != nil {
				finished = e.RunFinished
			}
		}
		if finished == nil || !finished.IsRunSuccessful {
			t.Fatalf("got %+v, want a successful run", finished)
		}
	})

	t.Run("rejects a run of a missing package", func(t *testing.T) {
		srv := newTestServer(t)
		createEnclave(t, srv, "pkg")

		resp := do(t, http.MethodPost, srv.URL+"/enclaves/pkg/runs/package", `{"package_id": "github.com/example/pkg"}`)
		expectStatus(t, resp, http.StatusNotFound)
	})

	t.Run("rejects an unknown restart policy", func(t *testing.T) {
		srv := newTestServer(t)
		createEnclave(t, srv, "policy")

		resp := do(t, http.MethodPost, srv.URL+"/enclaves/policy/runs/script", `{"serialized_script": "", "restart_policy": "SOMETIMES"}`)
		expectStatus(t, resp, http.StatusUnprocessableEntity)
	})
}

func TestFilesArtifacts(t *testing.T) {
	srv := newTestServer(t)
	createEnclave(t, srv, "files")

	content := bytes.Repeat([]byte("apples "), 1000)
	var body bytes.Buffer
	fw := transfer.NewFrameWriter(&body)
	if err := transfer.Split(bytes.NewReader(content), 1024, "apples", fw.WriteChunk); err != nil {
		t.Fatalf("didn't want %q", err)
	}

	resp, err := http.Post(srv.URL+"/enclaves/files/artifacts", transfer.ContentType, &body)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	expectStatus(t, resp, http.StatusOK)
	var uploaded artifactResponse
	if err = json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if uploaded.Name != "apples" || uploaded.Size != int64(len(content)) {
		t.Fatalf("got %+v", uploaded)
	}

	download := do(t, http.MethodGet, srv.URL+"/enclaves/files/artifacts/"+uploaded.ShortenedUUID, "")
	expectStatus(t, download, http.StatusOK)
	payload, err := transfer.Receive(transfer.NewFrameReader(download.Body, 0).ReadChunk, nil)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if !bytes.Equal(payload.Data, content) || payload.Name != "apples" {
		t.Fatalf("got %d bytes named %q, want %d bytes named %q", len(payload.Data), payload.Name, len(content), "apples")
	}

	missing := do(t, http.MethodGet, srv.URL+"/enclaves/files/artifacts/missing", "")
	expectStatus(t, missing, http.StatusNotFound)

	plain := do(t, http.MethodPost, srv.URL+"/enclaves/files/artifacts", "not chunks")
	expectStatus(t, plain, http.StatusUnsupportedMediaType)
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", &identifier.NotFoundError{Identifier: "x"}, http.StatusNotFound},
		{"ambiguous", fmt.Errorf("get: %w", &identifier.AmbiguousIdentifierError{Identifier: "ab"}), http.StatusConflict},
		{"run in progress", apic.ErrRunInProgress, http.StatusConflict},
		{"integrity", &transfer.IntegrityError{Index: 1}, http.StatusUnprocessableEntity},
		{"incomplete", &transfer.IncompleteTransferError{Received: 0}, http.StatusUnprocessableEntity},
		{"chunk too large", &transfer.ChunkTooLargeError{Index: 0, Size: 2, Max: 1}, http.StatusRequestEntityTooLarge},
		{"taken artifact name", artifact.ErrNameTaken, http.StatusConflict},
		{"bad request", &requestError{err: errors.New("bad")}, http.StatusUnprocessableEntity},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusCode(tt.err); got != tt.want {
				t.Fatalf("got %d, want %d", got, tt.want)
			}
		})
	}
}
