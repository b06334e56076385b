package apic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/enclave/internal/identifier"
	"github.com/k11v/enclave/internal/network"
	"github.com/k11v/enclave/internal/partition"
	"github.com/k11v/enclave/internal/runtime"
	"github.com/k11v/enclave/internal/service"
)

var ErrEndpointUnavailable = errors.New("endpoint didn't become available")

// AddServices starts services outside of a run. The instruction history is
// cleared so that the next run doesn't skip instructions whose effects drifted.
func (a *APIContainer) AddServices(ctx context.Context, configs map[string]*service.Config) *network.AddServicesResult {
	hadServices := len(a.Network.Services.Names()) > 0
	result := a.Network.AddServices(ctx, configs, 0)
	a.Executor.ClearHistory(ctx)
	if !hadServices && len(result.Succeeded) > 0 {
		a.serviceStarted()
	}
	return result
}

// GetServices returns the services referred to by identifiers, keyed by the
// identifier asked for, or every live service keyed by name.
func (a *APIContainer) GetServices(ctx context.Context, identifiers []string) (map[string]*service.Service, error) {
	services := make(map[string]*service.Service)
	if len(identifiers) == 0 {
		live, err := a.Network.Services.List()
		if err != nil {
			return nil, err
		}
		for _, s := range live {
			s, err = a.Network.RefreshStatus(ctx, s)
			if err != nil {
				return nil, err
			}
			services[s.Name] = s
		}
		return services, nil
	}

	for _, id := range identifiers {
		s, err := a.Network.Services.Get(id)
		if err != nil {
			return nil, err
		}
		if s, err = a.Network.RefreshStatus(ctx, s); err != nil {
			return nil, err
		}
		services[id] = s
	}
	return services, nil
}

func (a *APIContainer) RemoveService(ctx context.Context, identifier string) (uuid.UUID, error) {
	id, err := a.Network.RemoveService(ctx, identifier)
	if err != nil {
		return uuid.Nil, err
	}
	a.Executor.ClearHistory(ctx)
	return id, nil
}

func (a *APIContainer) Repartition(ctx context.Context, params *partition.RepartitionParams) error {
	if err := a.Network.Repartition(ctx, params); err != nil {
		return err
	}
	a.Executor.ClearHistory(ctx)
	return nil
}

func (a *APIContainer) ExecCommand(ctx context.Context, identifier string, args []string) (*runtime.ExecResult, error) {
	return a.Network.Exec(ctx, identifier, args)
}

func (a *APIContainer) PauseService(ctx context.Context, identifier string) error {
	return a.Network.PauseService(ctx, identifier)
}

func (a *APIContainer) UnpauseService(ctx context.Context, identifier string) error {
	return a.Network.UnpauseService(ctx, identifier)
}

// GetExistingAndHistoricalServiceIdentifiers returns the identities of live
// services and of every service the enclave ever had.
func (a *APIContainer) GetExistingAndHistoricalServiceIdentifiers(_ context.Context) (live []identifier.Identity, all []identifier.Identity) {
	return a.Network.Services.Identifiers()
}

type WaitForEndpointAvailabilityParams struct {
	ServiceIdentifier string // required
	Port              uint16 // required
	Method            string // GET or POST
	Path              string
	InitialDelay      time.Duration
	Retries           int
	RetryDelay        time.Duration
	// ExpectedBody must equal the response body when set.
	ExpectedBody string
	// Body is sent with POST requests.
	Body string
}

// WaitForEndpointAvailability polls an HTTP endpoint of a service until it
// answers 200 with the expected body or the retries run out.
func (a *APIContainer) WaitForEndpointAvailability(ctx context.Context, params *WaitForEndpointAvailabilityParams) error {
	s, err := a.Network.Services.Get(params.ServiceIdentifier)
	if err != nil {
		return err
	}
	portID, err := portIDByNumber(s, params.Port)
	if err != nil {
		return err
	}
	method := params.Method
	if method == "" {
		method = http.MethodGet
	}
	body := ""
	if method == http.MethodPost {
		body = params.Body
	}

	if err = sleep(ctx, params.InitialDelay); err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt <= params.Retries; attempt++ {
		if attempt > 0 {
			if err = sleep(ctx, params.RetryDelay); err != nil {
				return err
			}
		}
		resp, err := a.Network.HTTPRequest(ctx, &network.HTTPRequestParams{
			ServiceIdentifier: s.UUID.String(),
			PortID:            portID,
			Method:            method,
			Path:              params.Path,
			Body:              body,
		})
		switch {
		case err != nil:
			lastErr = err
		case resp.StatusCode != http.StatusOK:
			lastErr = fmt.Errorf("got status %d", resp.StatusCode)
		case params.ExpectedBody != "" && string(resp.Body) != params.ExpectedBody:
			lastErr = fmt.Errorf("got body %q, want %q", resp.Body, params.ExpectedBody)
		default:
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s on %s after %d retries: %w", ErrEndpointUnavailable, method, params.Path, s.Name, params.Retries, lastErr)
}

func portIDByNumber(s *service.Service, number uint16) (string, error) {
	for id, p := range s.PrivatePorts {
		if p.Number == number {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %s has no port %d", network.ErrNoSuchPort, s.Name, number)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
