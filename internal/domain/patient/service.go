// Package patient gates access to patient charts behind a date-of-birth
// challenge with per-user attempt limits and session-scoped signed grants.
package patient

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/platform/hipaa"
	"github.com/ehr/portal/internal/platform/ratelimit"
	"github.com/ehr/portal/internal/platform/session"
)

// Recorder receives one call per verification outcome.
type Recorder interface {
	Verification(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) Verification(string) {}

// GateConfig holds the deployment switch for record protection.
type GateConfig struct {
	// Enabled turns the DOB challenge on. When false every check passes.
	Enabled bool
}

// Gate runs the DOB challenge and answers access checks.
type Gate struct {
	cfg      GateConfig
	provider Provider
	limiter  *ratelimit.Limiter
	grants   *GrantStore
	audit    hipaa.AuditSink
	metrics  Recorder
	logger   zerolog.Logger
}

// NewGate wires the gate. metrics may be nil.
func NewGate(
	cfg GateConfig,
	provider Provider,
	limiter *ratelimit.Limiter,
	grants *GrantStore,
	audit hipaa.AuditSink,
	metrics Recorder,
	logger zerolog.Logger,
) *Gate {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Gate{
		cfg:      cfg,
		provider: provider,
		limiter:  limiter,
		grants:   grants,
		audit:    audit,
		metrics:  metrics,
		logger:   logger,
	}
}

// Enabled reports whether the challenge is active.
func (g *Gate) Enabled() bool {
	return g.cfg.Enabled
}

// Policy returns the attempt budget applied to challenges.
func (g *Gate) Policy() ratelimit.Policy {
	return g.limiter.Policy()
}

// CheckAccess answers whether s may view patientID now.
func (g *Gate) CheckAccess(s *session.Session, patientID string) Access {
	if !g.cfg.Enabled {
		return Granted
	}
	if g.grants.HasValidGrant(s, patientID) {
		return Granted
	}
	return NeedsVerification
}

// IsLockedOut reports whether the session's user has exhausted the attempt
// budget for patientID.
func (g *Gate) IsLockedOut(ctx context.Context, s *session.Session, patientID string) bool {
	return g.limiter.IsLimited(ctx, rateKey(s, patientID))
}

// Verify processes one challenge submission. On success the grant is
// written into s; the caller persists the session. Every outcome is audited.
func (g *Gate) Verify(ctx context.Context, s *session.Session, req VerifyRequest) Result {
	res := g.verify(ctx, s, req)
	g.record(ctx, s, req, res.Outcome)
	return res
}

func (g *Gate) verify(ctx context.Context, s *session.Session, req VerifyRequest) Result {
	if !session.ValidCSRF(s, req.CSRFToken) {
		return Result{Outcome: OutcomeCSRFFailure}
	}

	key := rateKey(s, req.PatientID)
	if g.limiter.IsLimited(ctx, key) {
		return Result{Outcome: OutcomeRateLimited}
	}

	submitted, ok := NormalizeDOB(req.DOB)
	if !ok {
		g.countAttempt(ctx, key)
		return Result{Outcome: OutcomeMalformed}
	}

	rec, err := g.provider.GetPatient(ctx, s.APIToken, req.PatientID)
	var expected string
	if err == nil {
		expected, err = authoritativeDigits(rec.DateOfBirth)
	}
	if err != nil {
		g.logger.Warn().Err(err).
			Str("type", "patient_verification").
			Str("patient_id", req.PatientID).
			Bool("not_found", errors.Is(err, ErrNotFound)).
			Msg("authoritative record unavailable, denying")
		g.countAttempt(ctx, key)
		if g.limiter.IsLimited(ctx, key) {
			return Result{Outcome: OutcomeRateLimited}
		}
		return Result{Outcome: OutcomeUpstreamUnavailable}
	}

	if !ConstantTimeEqual(submitted, expected) {
		g.countAttempt(ctx, key)
		if g.limiter.IsLimited(ctx, key) {
			return Result{Outcome: OutcomeRateLimited}
		}
		return Result{Outcome: OutcomeMismatch}
	}

	if err := g.limiter.Clear(ctx, key); err != nil {
		g.logger.Error().Err(err).Str("type", "rate_limit").Msg("failed to clear verification attempts")
	}
	grant := g.grants.Grant(s, req.PatientID)
	return Result{Outcome: OutcomeGranted, Grant: &grant}
}

func (g *Gate) countAttempt(ctx context.Context, key ratelimit.Key) {
	if err := g.limiter.RecordAttempt(ctx, key); err != nil {
		g.logger.Error().Err(err).Str("type", "rate_limit").Msg("failed to record verification attempt")
	}
}

func (g *Gate) record(ctx context.Context, s *session.Session, req VerifyRequest, outcome Outcome) {
	g.metrics.Verification(string(outcome))

	status := hipaa.OutcomeFailure
	if outcome == OutcomeGranted {
		status = hipaa.OutcomeSuccess
	}

	evt := g.logger.Info()
	if outcome != OutcomeGranted {
		evt = g.logger.Warn()
	}
	evt.Str("type", "patient_verification").
		Str("outcome", string(outcome)).
		Str("patient_id", req.PatientID).
		Str("user_id", s.UserID).
		Str("remote_ip", req.IP).
		Msg("patient verification attempt")

	err := g.audit.Record(ctx, hipaa.AuditEvent{
		Action:       "patient.verify",
		Outcome:      status,
		ResourceType: "Patient",
		ResourceID:   req.PatientID,
		UserID:       s.UserID,
		IPAddress:    req.IP,
		Details:      string(outcome),
	})
	if err != nil {
		g.logger.Error().Err(err).Str("type", "audit").Msg("failed to queue verification audit event")
	}
}

// rateKey scopes attempts to the acting user and the target record. An
// anonymous session falls back to its session ID.
func rateKey(s *session.Session, patientID string) ratelimit.Key {
	subject := s.UserID
	if subject == "" {
		subject = "session:" + s.ID
	}
	return ratelimit.VerifyKey(subject, patientID)
}
