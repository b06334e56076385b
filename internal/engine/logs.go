package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/k11v/enclave/internal/logstore"
)

type GetServiceLogsParams struct {
	EnclaveIdentifier string      // required
	ServiceUUIDs      []uuid.UUID // required
	Follow            bool
	Filters           []logstore.Filter
	ReturnAll         bool
	NumLines          int
}

// ServiceLogs is one batch of log lines by service.
type ServiceLogs struct {
	Lines                map[uuid.UUID][]*logstore.Line `json:"service_logs_by_service_uuid"`
	NotFoundServiceUUIDs []uuid.UUID                    `json:"not_found_service_uuids,omitempty"`
}

// GetServiceLogs sends the stored lines of services that match every filter.
// Services the enclave never had are reported as not found. When following,
// new lines are sent as they arrive until ctx ends.
func (e *Engine) GetServiceLogs(ctx context.Context, params *GetServiceLogsParams, send func(*ServiceLogs) error) error {
	info, err := e.Enclaves.Get(params.EnclaveIdentifier)
	if err != nil {
		return err
	}
	matcher, err := logstore.NewMatcher(params.Filters)
	if err != nil {
		return err
	}
	a, err := e.open(ctx, info)
	if err != nil {
		return err
	}

	_, all := a.Network.Services.Identifiers()
	known := make(map[uuid.UUID]bool, len(all))
	for _, identity := range all {
		known[identity.UUID] = true
	}
	var found, notFound []uuid.UUID
	for _, id := range params.ServiceUUIDs {
		if known[id] {
			found = append(found, id)
		} else {
			notFound = append(notFound, id)
		}
	}

	query := func(id uuid.UUID) *logstore.QueryParams {
		return &logstore.QueryParams{
			EnclaveUUID: info.UUID,
			ServiceUUID: id,
			Matcher:     matcher,
			ReturnAll:   params.ReturnAll,
			NumLines:    params.NumLines,
		}
	}

	if !params.Follow {
		batch := &ServiceLogs{Lines: make(map[uuid.UUID][]*logstore.Line, len(found)), NotFoundServiceUUIDs: notFound}
		for _, id := range found {
			lines, err := e.Logs.Query(ctx, query(id))
			if err != nil {
				return err
			}
			batch.Lines[id] = lines
		}
		return send(batch)
	}

	if err = send(&ServiceLogs{Lines: map[uuid.UUID][]*logstore.Line{}, NotFoundServiceUUIDs: notFound}); err != nil {
		return err
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range found {
		g.Go(func() error {
			return e.Logs.Follow(gctx, query(id), func(line *logstore.Line) error {
				mu.Lock()
				defer mu.Unlock()
				return send(&ServiceLogs{Lines: map[uuid.UUID][]*logstore.Line{id: {line}}})
			})
		})
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}
