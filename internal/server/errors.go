package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/k11v/enclave/internal/apic"
	"github.com/k11v/enclave/internal/artifact"
	"github.com/k11v/enclave/internal/enclave"
	"github.com/k11v/enclave/internal/engine"
	"github.com/k11v/enclave/internal/identifier"
	"github.com/k11v/enclave/internal/interpreter"
	"github.com/k11v/enclave/internal/logstore"
	"github.com/k11v/enclave/internal/network"
	"github.com/k11v/enclave/internal/partition"
	"github.com/k11v/enclave/internal/registry"
	"github.com/k11v/enclave/internal/runtime"
	"github.com/k11v/enclave/internal/service"
	"github.com/k11v/enclave/internal/transfer"
)

// statusCode maps an error of the engine or an API container to an HTTP status.
func statusCode(err error) int {
	var (
		notFoundErr   *identifier.NotFoundError
		ambiguousErr  *identifier.AmbiguousIdentifierError
		integrityErr  *transfer.IntegrityError
		incompleteErr *transfer.IncompleteTransferError
		tooLargeErr   *transfer.ChunkTooLargeError
		validationErr *interpreter.ValidationError
		requestErr    *requestError
	)
	switch {
	case errors.As(err, &notFoundErr),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, runtime.ErrNotFound),
		errors.Is(err, apic.ErrPackageNotFound),
		errors.Is(err, apic.ErrNoRun),
		errors.Is(err, artifact.ErrBlobNotFound):
		return http.StatusNotFound
	case errors.As(err, &ambiguousErr),
		errors.Is(err, apic.ErrRunInProgress),
		errors.Is(err, enclave.ErrNameTaken),
		errors.Is(err, artifact.ErrNameTaken),
		errors.Is(err, engine.ErrEnclaveStopped):
		return http.StatusConflict
	case errors.As(err, &tooLargeErr):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &requestErr),
		errors.As(err, &integrityErr),
		errors.As(err, &incompleteErr),
		errors.As(err, &validationErr),
		errors.Is(err, transfer.ErrMetadataChanged),
		errors.Is(err, enclave.ErrInvalidName),
		errors.Is(err, service.ErrInvalidConfig),
		errors.Is(err, service.ErrInvalidName),
		errors.Is(err, network.ErrNoSuchPort),
		errors.Is(err, partition.ErrInvalidTopology),
		errors.Is(err, logstore.ErrInvalidFilter),
		errors.Is(err, interpreter.ErrNoManifest),
		errors.Is(err, apic.ErrNotAnArchive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apic.ErrPackageCloneUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, apic.ErrEndpointUnavailable):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, "internal server error", code)
		return
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON decodes exactly one JSON value from body and rejects unknown fields.
func decodeJSON(body io.Reader, v any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid request body: multiple top-level values")
	}
	return nil
}
