package apic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/k11v/enclave/internal/artifact"
	"github.com/k11v/enclave/internal/interpreter"
	"github.com/k11v/enclave/internal/transfer"
)

var ErrNotAnArchive = errors.New("content isn't a tar.gz archive")

const maxWebArtifactSize = 100 * 1024 * 1024

// UploadStarlarkPackage receives a tar.gz package and keeps it under the
// name its manifest declares, replacing an earlier upload of the same name.
func (a *APIContainer) UploadStarlarkPackage(_ context.Context, recv func() (*transfer.Chunk, error)) (string, error) {
	payload, err := transfer.Receive(recv, nil)
	a.Metrics.RecordTransfer("upload", payloadSize(payload), err)
	if err != nil {
		return "", err
	}
	pkg, err := interpreter.LoadPackage(payload.Data)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.packages[pkg.Name] = pkg
	a.logger().Info("uploaded package", "name", pkg.Name, "files", len(pkg.Files))
	return pkg.Name, nil
}

// UploadFilesArtifact receives a files artifact. The name comes from the
// metadata of the first chunk and is generated when empty.
func (a *APIContainer) UploadFilesArtifact(ctx context.Context, recv func() (*transfer.Chunk, error)) (*artifact.Artifact, error) {
	payload, err := transfer.Receive(recv, nil)
	a.Metrics.RecordTransfer("upload", payloadSize(payload), err)
	if err != nil {
		return nil, err
	}
	return a.Network.Artifacts.Put(ctx, payload.Name, payload.Data)
}

// DownloadFilesArtifact sends the content of an artifact as hash-chained chunks.
func (a *APIContainer) DownloadFilesArtifact(ctx context.Context, identifier string, send func(*transfer.Chunk) error) error {
	content, art, err := a.Network.Artifacts.Content(ctx, identifier)
	if err != nil {
		return err
	}
	err = transfer.Split(bytes.NewReader(content), transfer.DefaultChunkSize, art.Name, send)
	a.Metrics.RecordTransfer("download", len(content), err)
	return err
}

// StoreWebFilesArtifact downloads a tar.gz archive from url and stores it.
func (a *APIContainer) StoreWebFilesArtifact(ctx context.Context, url string, name string) (*artifact.Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("store web files artifact: %w", err)
	}
	resp, err := a.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("store web files artifact: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("store web files artifact: %s returned status %d", url, resp.StatusCode)
	}
	content, err := io.ReadAll(io.LimitReader(resp.Body, maxWebArtifactSize))
	if err != nil {
		return nil, fmt.Errorf("store web files artifact: %w", err)
	}
	if _, err = artifact.Describe(content); err != nil {
		return nil, fmt.Errorf("store web files artifact: %w: %w", ErrNotAnArchive, err)
	}
	return a.Network.Artifacts.Put(ctx, name, content)
}

func (a *APIContainer) StoreFilesArtifactFromService(ctx context.Context, identifier string, src string, name string) (*artifact.Artifact, error) {
	return a.Network.StoreServiceFiles(ctx, identifier, src, name)
}

func (a *APIContainer) ListFilesArtifactNamesAndUuids(_ context.Context) ([]*artifact.Artifact, error) {
	return a.Network.Artifacts.List()
}

func (a *APIContainer) InspectFilesArtifactContents(ctx context.Context, identifier string) ([]*artifact.FileDescription, error) {
	return a.Network.Artifacts.InspectContents(ctx, identifier)
}

func payloadSize(p *transfer.Payload) int {
	if p == nil {
		return 0
	}
	return len(p.Data)
}
