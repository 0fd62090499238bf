package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/platform/apiclient"
)

// Provider answers patient lookups from one authoritative source. token is
// the caller's API bearer token; sources that do not need it ignore it.
type Provider interface {
	GetPatient(ctx context.Context, token, id string) (*Record, error)
}

// patientAPI is the part of apiclient.Client used here.
type patientAPI interface {
	GetPatient(ctx context.Context, token, id string) (*apiclient.Patient, error)
}

// RemoteProvider reads patients from the external EHR API.
type RemoteProvider struct {
	api patientAPI
}

// NewRemoteProvider wraps an API client.
func NewRemoteProvider(api patientAPI) *RemoteProvider {
	return &RemoteProvider{api: api}
}

func (p *RemoteProvider) GetPatient(ctx context.Context, token, id string) (*Record, error) {
	rec, err := p.api.GetPatient(ctx, token, id)
	switch {
	case err == nil:
		return &Record{
			ID:          rec.ID,
			MRN:         rec.MRN,
			FirstName:   rec.FirstName,
			LastName:    rec.LastName,
			DateOfBirth: rec.DateOfBirth,
		}, nil
	case errors.Is(err, apiclient.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, apiclient.ErrUnauthorized):
		return nil, ErrAccessDenied
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// FallbackProvider asks primary first and consults fallback only when
// primary is unavailable. A not-found or access-denied answer from primary
// is final.
type FallbackProvider struct {
	primary  Provider
	fallback Provider
	logger   zerolog.Logger
}

// NewFallbackProvider composes two providers. fallback may be nil.
func NewFallbackProvider(primary, fallback Provider, logger zerolog.Logger) *FallbackProvider {
	return &FallbackProvider{primary: primary, fallback: fallback, logger: logger}
}

func (p *FallbackProvider) GetPatient(ctx context.Context, token, id string) (*Record, error) {
	rec, err := p.primary.GetPatient(ctx, token, id)
	if err == nil || !errors.Is(err, ErrUnavailable) || p.fallback == nil {
		return rec, err
	}

	p.logger.Warn().Err(err).
		Str("type", "upstream").
		Str("operation", "get_patient").
		Msg("patient api unavailable, using local records")
	return p.fallback.GetPatient(ctx, token, id)
}
