package server

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/k11v/enclave/internal/enclave"
	"github.com/k11v/enclave/internal/engine"
	"github.com/k11v/enclave/internal/identifier"
	"github.com/k11v/enclave/internal/metrics"
)

const pathValueEnclave = "enclave"

type handler struct {
	mux         *http.ServeMux
	engine      *engine.Engine
	metrics     *metrics.Collector
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	maxBodySize int64
}

func newHandler(cfg *Config, e *engine.Engine, m *metrics.Collector, logger *slog.Logger) *handler {
	mux := http.NewServeMux()
	h := &handler{
		mux:         mux,
		engine:      e,
		metrics:     m,
		logger:      logger,
		upgrader:    websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		maxBodySize: cfg.maxRequestBodySize(),
	}

	if cfg.Swagger {
		mux.Handle("GET /swagger/", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
	}
	mux.HandleFunc("GET /health", h.GetHealth)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	mux.HandleFunc("GET /engine/info", h.GetEngineInfo)

	mux.HandleFunc("POST /enclaves", h.CreateEnclave)
	mux.HandleFunc("GET /enclaves", h.GetEnclaves)
	mux.HandleFunc("GET /enclaves/identifiers", h.GetExistingAndHistoricalEnclaveIdentifiers)
	mux.HandleFunc("POST /enclaves/clean", h.Clean)
	mux.HandleFunc("GET /enclaves/{enclave}", h.GetEnclave)
	mux.HandleFunc("POST /enclaves/{enclave}/stop", h.StopEnclave)
	mux.HandleFunc("DELETE /enclaves/{enclave}", h.DestroyEnclave)
	mux.HandleFunc("POST /enclaves/{enclave}/logs", h.GetServiceLogs)
	mux.HandleFunc("GET /enclaves/{enclave}/logs", h.GetServiceLogs)

	mux.HandleFunc("POST /enclaves/{enclave}/runs/script", h.RunStarlarkScript)
	mux.HandleFunc("GET /enclaves/{enclave}/runs/script", h.RunStarlarkScript)
	mux.HandleFunc("POST /enclaves/{enclave}/runs/package", h.RunStarlarkPackage)
	mux.HandleFunc("GET /enclaves/{enclave}/runs/package", h.RunStarlarkPackage)
	mux.HandleFunc("GET /enclaves/{enclave}/runs/last", h.GetStarlarkRun)
	mux.HandleFunc("POST /enclaves/{enclave}/packages", h.UploadStarlarkPackage)

	mux.HandleFunc("POST /enclaves/{enclave}/services", h.AddServices)
	mux.HandleFunc("GET /enclaves/{enclave}/services", h.GetServices)
	mux.HandleFunc("GET /enclaves/{enclave}/services/identifiers", h.GetExistingAndHistoricalServiceIdentifiers)
	mux.HandleFunc("DELETE /enclaves/{enclave}/services/{service}", h.RemoveService)
	mux.HandleFunc("POST /enclaves/{enclave}/services/{service}/exec", h.ExecCommand)
	mux.HandleFunc("POST /enclaves/{enclave}/services/{service}/pause", h.PauseService)
	mux.HandleFunc("POST /enclaves/{enclave}/services/{service}/unpause", h.UnpauseService)
	mux.HandleFunc("POST /enclaves/{enclave}/services/{service}/wait", h.WaitForEndpointAvailability)
	mux.HandleFunc("POST /enclaves/{enclave}/repartition", h.Repartition)

	mux.HandleFunc("POST /enclaves/{enclave}/artifacts", h.UploadFilesArtifact)
	mux.HandleFunc("GET /enclaves/{enclave}/artifacts", h.ListFilesArtifactNamesAndUuids)
	mux.HandleFunc("POST /enclaves/{enclave}/artifacts/web", h.StoreWebFilesArtifact)
	mux.HandleFunc("POST /enclaves/{enclave}/artifacts/service", h.StoreFilesArtifactFromService)
	mux.HandleFunc("GET /enclaves/{enclave}/artifacts/{artifact}", h.DownloadFilesArtifact)
	mux.HandleFunc("GET /enclaves/{enclave}/artifacts/{artifact}/contents", h.InspectFilesArtifactContents)

	return h
}

// ServeHTTP counts every request by its route pattern and status code.
func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
	h.mux.ServeHTTP(sw, r)

	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	h.metrics.RecordHTTPRequest(route, sw.code)
}

func (h *handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status string `json:"status"`
	}
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

func (h *handler) GetEngineInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetEngineInfo(r.Context()))
}

func (h *handler) CreateEnclave(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Name                 string `json:"enclave_name"`
		APIContainerVersion  string `json:"api_container_version_tag"`
		APIContainerLogLevel string `json:"api_container_log_level"`
		Mode                 string `json:"mode"`
		DebugMode            bool   `json:"should_api_container_run_in_debug_mode"`
	}

	var req request
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, h.maxBodySize), &req); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	var mode enclave.Mode
	if req.Mode != "" {
		var ok bool
		if mode, ok = enclave.ModeFromString(req.Mode); !ok {
			http.Error(w, "invalid request body: unknown mode "+strconv.Quote(req.Mode), http.StatusUnprocessableEntity)
			return
		}
	}

	info, err := h.engine.CreateEnclave(r.Context(), &engine.CreateEnclaveParams{
		Name:                 req.Name,
		APIContainerVersion:  req.APIContainerVersion,
		APIContainerLogLevel: req.APIContainerLogLevel,
		Mode:                 mode,
		DebugMode:            req.DebugMode,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *handler) GetEnclaves(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Enclaves []*enclave.Enclave `json:"enclave_info"`
	}

	enclaves, err := h.engine.GetEnclaves(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Enclaves: enclaves})
}

func (h *handler) GetEnclave(w http.ResponseWriter, r *http.Request) {
	info, err := h.engine.GetEnclave(r.Context(), r.PathValue(pathValueEnclave))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type identifiersResponse struct {
	Live []identifier.Identity `json:"existing"`
	All  []identifier.Identity `json:"all"`
}

func (h *handler) GetExistingAndHistoricalEnclaveIdentifiers(w http.ResponseWriter, r *http.Request) {
	live, all := h.engine.GetExistingAndHistoricalEnclaveIdentifiers(r.Context())
	writeJSON(w, http.StatusOK, identifiersResponse{Live: live, All: all})
}

func (h *handler) StopEnclave(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.StopEnclave(r.Context(), r.PathValue(pathValueEnclave)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) DestroyEnclave(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DestroyEnclave(r.Context(), r.PathValue(pathValueEnclave)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Clean destroys stopped enclaves. The query parameter all=true destroys every enclave.
func (h *handler) Clean(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Removed []identifier.Identity `json:"removed_enclave_name_and_uuids"`
	}

	all := false
	if v := r.URL.Query().Get("all"); v != "" {
		var err error
		if all, err = strconv.ParseBool(v); err != nil {
			http.Error(w, "invalid all query parameter: "+err.Error(), http.StatusUnprocessableEntity)
			return
		}
	}

	removed, err := h.engine.Clean(r.Context(), all)
	resp := response{Removed: make([]identifier.Identity, 0, len(removed))}
	for _, info := range removed {
		resp.Removed = append(resp.Removed, identifier.Identity{UUID: info.UUID, Name: info.Name, ShortenedUUID: info.ShortenedUUID})
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusWriter remembers the status code of the response.
type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.code = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("%T doesn't support hijacking", w.ResponseWriter)
	}
	w.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
