package server

import (
	"errors"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/enclave/internal/apic"
	"github.com/k11v/enclave/internal/artifact"
	"github.com/k11v/enclave/internal/engine"
	"github.com/k11v/enclave/internal/logstore"
	"github.com/k11v/enclave/internal/partition"
	"github.com/k11v/enclave/internal/service"
	"github.com/k11v/enclave/internal/transfer"
)

const (
	pathValueService  = "service"
	pathValueArtifact = "artifact"
)

// apiContainer resolves the enclave of the request path and replies with an
// error when it can't.
func (h *handler) apiContainer(w http.ResponseWriter, r *http.Request) (*apic.APIContainer, bool) {
	a, err := h.engine.APIContainer(r.Context(), r.PathValue(pathValueEnclave))
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return a, true
}

// decode reads a JSON request body of limited size and replies 422 when it is invalid.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, h.maxBodySize), v); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return false
	}
	return true
}

type runRequest struct {
	PackageID              string         `json:"package_id"`
	SerializedScript       string         `json:"serialized_script"`
	SerializedParams       string         `json:"serialized_params"`
	DryRun                 bool           `json:"dry_run"`
	Parallelism            int            `json:"parallelism"`
	ClonePackage           bool           `json:"clone_package"`
	RelativePathToMainFile string         `json:"relative_path_to_main_file"`
	MainFunctionName       string         `json:"main_function_name"`
	ExperimentalFeatures   []apic.Feature `json:"experimental_features"`
	RestartPolicy          string         `json:"restart_policy"`
}

func (req *runRequest) restartPolicy() (apic.RestartPolicy, error) {
	switch p := apic.RestartPolicy(req.RestartPolicy); p {
	case "", apic.RestartPolicyNever, apic.RestartPolicyAlways:
		return p, nil
	default:
		return "", errors.New("invalid request: unknown restart_policy " + req.RestartPolicy)
	}
}

// RunStarlarkScript streams the events of a script run. A websocket client
// sends the request as its first message.
func (h *handler) RunStarlarkScript(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, func(a *apic.APIContainer, s stream, req *runRequest, policy apic.RestartPolicy) error {
		return a.RunStarlarkScript(s.Context(), &apic.RunStarlarkScriptParams{
			SerializedScript:     req.SerializedScript,
			SerializedParams:     req.SerializedParams,
			DryRun:               req.DryRun,
			Parallelism:          req.Parallelism,
			MainFunctionName:     req.MainFunctionName,
			ExperimentalFeatures: req.ExperimentalFeatures,
			RestartPolicy:        policy,
		}, s.Sink())
	})
}

// RunStarlarkPackage streams the events of a run of an uploaded package.
func (h *handler) RunStarlarkPackage(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, func(a *apic.APIContainer, s stream, req *runRequest, policy apic.RestartPolicy) error {
		return a.RunStarlarkPackage(s.Context(), &apic.RunStarlarkPackageParams{
			PackageID:              req.PackageID,
			SerializedParams:       req.SerializedParams,
			DryRun:                 req.DryRun,
			Parallelism:            req.Parallelism,
			ClonePackage:           req.ClonePackage,
			RelativePathToMainFile: req.RelativePathToMainFile,
			MainFunctionName:       req.MainFunctionName,
			ExperimentalFeatures:   req.ExperimentalFeatures,
			RestartPolicy:          policy,
		}, s.Sink())
	})
}

type runFunc func(a *apic.APIContainer, s stream, req *runRequest, policy apic.RestartPolicy) error

func (h *handler) run(w http.ResponseWriter, r *http.Request, fn runFunc) {
	a, ok := h.apiContainer(w, r)
	if !ok {
		return
	}
	s, ok := h.openStream(w, r)
	if !ok {
		return
	}

	var req runRequest
	if err := s.Decode(&req); err != nil {
		s.Close(&requestError{err: err})
		return
	}
	policy, err := req.restartPolicy()
	if err != nil {
		s.Close(&requestError{err: err})
		return
	}
	s.Close(fn(a, s, &req, policy))
}

func (h *handler) GetStarlarkRun(w http.ResponseWriter, r *http.Request) {
	a, ok := h.apiContainer(w, r)
	if !ok {
		return
	}
	run, err := a.GetStarlarkRun(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// chunkReader checks that the request body is a chunk stream and returns its reader.
func chunkReader(w http.ResponseWriter, r *http.Request) (func() (*transfer.Chunk, error), bool) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != transfer.ContentType {
		http.Error(w, "unsupported Content-Type, want "+transfer.ContentType, http.StatusUnsupportedMediaType)
		return nil, false
	}
	return transfer.NewFrameReader(r.Body, transfer.MaxChunkSize).ReadChunk, true
}

func (h *handler) UploadStarlarkPackage(w http.ResponseWriter, r *http.Request) {
	type response struct {
		PackageID string `json:"package_id"`
	}

	a, ok := h.apiContainer(w, r)
	if !ok {
		return
	}
	recv, ok := chunkReader(w, r)
	if !ok {
		return
	}
	id, err := a.UploadStarlarkPackage(r.Context(), recv)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{PackageID: id})
}

func (h *handler) AddServices(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Configs map[string]*service.Config `json:"service_names_to_configs"`
	}
	type response struct {
		Succeeded map[string]*service.Service `json:"successful_service_name_to_service_info"`
		Failed    map[string]string           `json:"failed_service_name_to_error"`
	}

	a, ok := h.apiContainer(w, r)
	if !ok {
		return
	}
	var req request
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Configs) == 0 {
		http.Error(w, "invalid request body: missing service_names_to_configs", http.StatusUnprocessableEntity)
		return
	}

	result := a.AddServices(r.Context(), req.Configs)
	resp := response{Succeeded: result.Succeeded, Failed: make(map[string]string, len(result.Failed))}
	for name, err := range result.Failed {
		resp.Failed[name] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetServices returns the services named by repeated id query parameters,
// or every live service when there are none.
func (h *handler) GetServices(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Services map[string]*service.Service `json:"service_info"`
	}

	a, ok := h.apiContainer(w, r)
	if !ok {
		return
	}
	services, err := a.GetServices(r.Context(), r.URL.Query()["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Services: services})
}

func (h *handler) GetExistingAndHistoricalServiceIdentifiers(w http.ResponseWriter, r *http.Request) {
	a, ok := h.apiContainer(w, r)
	if !ok {
		return
	}
	live, all := a.GetExistingAndHistoricalServiceIdentifiers(r.Context())
	writeJSON(w, http.StatusOK, identifiersResponse{Live: live, All: all})
}

func (h *handler) RemoveService(w http.ResponseWriter, r *http.Request) {
	type response struct {
		ServiceUUID uuid.UUID `json:"service_uuid"`
	}

	a, ok := h.apiContainer(w, r)
	if !ok {
		return
	}
	id, err := a.RemoveService(r.Context(), r.PathValue(pathValueService))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{ServiceUUID: id})
}

func (h *handler) ExecCommand(w http.ResponseWriter, r *http.Request) {
	type request struct {
		CommandArgs []string `json:"command_args"`
	}
	type response struct {
		ExitCode int    `json:"exit_code"`
		Output   string `json:"log_output"`
	}

	a, ok := h.apiContainer(w, r)
	if !ok {
		return
	}
	var req request
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.CommandArgs) == 0 {
		http.Error(w, "invalid request body: missing command_args", http.StatusUnprocessableEntity)
		return
	}

	result, err := a.ExecCommand(r.Context(), r.PathValue(pathValueService), req.CommandArgs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{ExitCode: result.ExitCode, Output: result.Output})
}

func (h *handler) PauseService(w http.ResponseWriter, r *http.Request) {
	a, ok := h.apiContainer(w, r)
	if !ok {
		return
	}
	if err := a.PauseService(r.Context(), r.PathValue(pathValueService)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) UnpauseService(w http.ResponseWriter, r *http.Request) {
	a, ok := h.apiContainer(w, r)
	if !ok {
		return
	}
	if err := a.UnpauseService(r.Context(), r.PathValue(pathValueService)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) WaitForEndpointAvailability(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Port                     uint16 `json:"port"`
		Method                   string `json:"http_method"`
		Path                     string `json:"path"`
		InitialDelayMilliseconds int    `json:"initial_delay_milliseconds"`
		Retries                  int    `json:"retries"`
		RetriesDelayMilliseconds int    `json:"retries_delay_milliseconds"`
		ExpectedResponse         string `json:"body_text"`
		RequestBody              string `json:"request_body"`
	}

	a, ok := h.apiContainer(w, r)
	if !ok {
		return
	}
	var req request
	if !h.decode(w, r, &req) {
		return
	}
	if req.Port == 0 {
		http.Error(w, "invalid request body: missing port", http.StatusUnprocessableEntity)
		return
	}
	if req.Method != "" && req.Method != http.MethodGet && req.Method != http.MethodPost {
		http.Error(w, "invalid request body: http_method must be GET or POST", http.StatusUnprocessableEntity)
		return
	}

	err := a.WaitForEndpointAvailability(r.Context(), &apic.WaitForEndpointAvailabilityParams{
		ServiceIdentifier: r.PathValue(pathValueService),
		Port:              req.Port,
		Method:            req.Method,
		Path:              req.Path,
		InitialDelay:      time.Duration(req.InitialDelayMilliseconds) * time.Millisecond,
		Retries:           req.Retries,
		RetryDelay:        time.Duration(req.RetriesDelayMilliseconds) * time.Millisecond,
		ExpectedBody:      req.ExpectedResponse,
		Body:              req.RequestBody,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) Repartition(w http.ResponseWriter, r *http.Request) {
	type connection struct {
		A                    partition.PartitionID `json:"partition_a"`
		B                    partition.PartitionID `json:"partition_b"`
		PacketLossPercentage float64               `json:"packet_loss_percentage"`
	}
	type request struct {
		Partitions        map[partition.PartitionID][]string `json:"partition_services"`
		Connections       []connection                       `json:"partition_connections"`
		DefaultConnection partition.Connection               `json:"default_connection"`
	}

	a, ok := h.apiContainer(w, r)
	if !ok {
		return
	}
	var req request
	if !h.decode(w, r, &req) {
		return
	}

	params := &partition.RepartitionParams{
		Partitions:        req.Partitions,
		Connections:       make(map[partition.ConnectionID]partition.Connection, len(req.Connections)),
		DefaultConnection: req.DefaultConnection,
	}
	for _, c := range req.Connections {
		params.Connections[partition.NewConnectionID(c.A, c.B)] = partition.Connection{PacketLossPercentage: c.PacketLossPercentage}
	}
	if err := a.Repartition(r.Context(), params); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type artifactResponse struct {
	UUID          uuid.UUID `json:"uuid"`
	Name          string    `json:"name"`
	ShortenedUUID string    `json:"shortened_uuid"`
	Size          int64     `json:"size"`
}

func newArtifactResponse(a *artifact.Artifact) *artifactResponse {
	return &artifactResponse{UUID: a.UUID, Name: a.Name, ShortenedUUID: a.ShortenedUUID, Size: a.Size}
}

func (h *handler) UploadFilesArtifact(w http.ResponseWriter, r *http.Request) {
	a, ok := h.apiContainer(w, r)
	if !ok {
		return
	}
	recv, ok := chunkReader(w, r)
	if !ok {
		return
	}
	art, err := a.UploadFilesArtifact(r.Context(), recv)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newArtifactResponse(art))
}

func (h *handler) DownloadFilesArtifact(w http.ResponseWriter, r *http.Request) {
	a, ok := h.apiContainer(w, r)
	if !ok {
		return
	}

	tw := &trackingWriter{ResponseWriter: w}
	fw := transfer.NewFrameWriter(tw)
	w.Header().Set("Content-Type", transfer.ContentType)
	err := a.DownloadFilesArtifact(r.Context(), r.PathValue(pathValueArtifact), fw.WriteChunk)
	if err == nil {
		return
	}
	if !tw.wrote {
		h.writeError(w, r, err)
		return
	}
	// The client sees a truncated stream and fails the hash chain.
	h.logger.Warn("artifact download broke", "artifact", r.PathValue(pathValueArtifact), "error", err)
}

func (h *handler) ListFilesArtifactNamesAndUuids(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Artifacts []*artifactResponse `json:"file_names_and_uuids"`
	}

	a, ok := h.apiContainer(w, r)
	if !ok {
		return
	}
	artifacts, err := a.ListFilesArtifactNamesAndUuids(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := response{Artifacts: make([]*artifactResponse, 0, len(artifacts))}
	for _, art := range artifacts {
		resp.Artifacts = append(resp.Artifacts, newArtifactResponse(art))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) InspectFilesArtifactContents(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Files []*artifact.FileDescription `json:"file_descriptions"`
	}

	a, ok := h.apiContainer(w, r)
	if !ok {
		return
	}
	files, err := a.InspectFilesArtifactContents(r.Context(), r.PathValue(pathValueArtifact))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Files: files})
}

func (h *handler) StoreWebFilesArtifact(w http.ResponseWriter, r *http.Request) {
	type request struct {
		URL  string `json:"url"`
		Name string `json:"name"`
	}

	a, ok := h.apiContainer(w, r)
	if !ok {
		return
	}
	var req request
	if !h.decode(w, r, &req) {
		return
	}
	if req.URL == "" {
		http.Error(w, "invalid request body: missing url", http.StatusUnprocessableEntity)
		return
	}
	art, err := a.StoreWebFilesArtifact(r.Context(), req.URL, req.Name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newArtifactResponse(art))
}

func (h *handler) StoreFilesArtifactFromService(w http.ResponseWriter, r *http.Request) {
	type request struct {
		ServiceIdentifier string `json:"service_identifier"`
		SourcePath        string `json:"source_path"`
		Name              string `json:"name"`
	}

	a, ok := h.apiContainer(w, r)
	if !ok {
		return
	}
	var req request
	if !h.decode(w, r, &req) {
		return
	}
	if req.ServiceIdentifier == "" || req.SourcePath == "" {
		http.Error(w, "invalid request body: missing service_identifier or source_path", http.StatusUnprocessableEntity)
		return
	}
	art, err := a.StoreFilesArtifactFromService(r.Context(), req.ServiceIdentifier, req.SourcePath, req.Name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newArtifactResponse(art))
}

// GetServiceLogs streams batches of service log lines. Without follow the
// stream holds one batch.
func (h *handler) GetServiceLogs(w http.ResponseWriter, r *http.Request) {
	type request struct {
		ServiceUUIDs []uuid.UUID       `json:"service_uuid_set"`
		Follow       bool              `json:"follow_logs"`
		Filters      []logstore.Filter `json:"conjunctive_filters"`
		ReturnAll    bool              `json:"return_all_logs"`
		NumLines     int               `json:"num_log_lines"`
	}

	if _, err := h.engine.GetEnclave(r.Context(), r.PathValue(pathValueEnclave)); err != nil {
		h.writeError(w, r, err)
		return
	}
	s, ok := h.openStream(w, r)
	if !ok {
		return
	}

	var req request
	if err := s.Decode(&req); err != nil {
		s.Close(&requestError{err: err})
		return
	}
	if len(req.ServiceUUIDs) == 0 {
		s.Close(&requestError{err: errors.New("invalid request: missing service_uuid_set")})
		return
	}

	err := h.engine.GetServiceLogs(s.Context(), &engine.GetServiceLogsParams{
		EnclaveIdentifier: r.PathValue(pathValueEnclave),
		ServiceUUIDs:      req.ServiceUUIDs,
		Follow:            req.Follow,
		Filters:           req.Filters,
		ReturnAll:         req.ReturnAll,
		NumLines:          req.NumLines,
	}, func(batch *engine.ServiceLogs) error {
		return s.Send(batch)
	})
	s.Close(err)
}

// requestError marks a malformed request that arrived over a stream.
type requestError struct {
	err error
}

func (e *requestError) Error() string {
	return e.err.Error()
}

func (e *requestError) Unwrap() error {
	return e.err
}
