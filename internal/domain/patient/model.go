package patient

import (
	"errors"
	"time"

	"github.com/ehr/portal/internal/platform/ratelimit"
)

var (
	// ErrNotFound means the authoritative source has no such patient.
	ErrNotFound = errors.New("patient not found")
	// ErrUnavailable means the source could not answer.
	ErrUnavailable = errors.New("patient source unavailable")
	// ErrAccessDenied means the source refused the caller's credentials.
	ErrAccessDenied = errors.New("patient source denied access")
)

// Record is the demographic subset read from a patient source. DateOfBirth
// is an ISO-8601 date.
type Record struct {
	ID          string `json:"id"`
	MRN         string `json:"mrn"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth"`
}

// AccessGrant unlocks one patient record for one session until ExpiresAt.
type AccessGrant struct {
	PatientID string    `json:"patient_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Signature string    `json:"-"`
}

// Access is the answer to a protected-resource check.
type Access int

const (
	NeedsVerification Access = iota
	Granted
)

func (a Access) String() string {
	if a == Granted {
		return "granted"
	}
	return "needs_verification"
}

// Outcome is the result of one verification attempt.
type Outcome string

const (
	OutcomeGranted             Outcome = "granted"
	OutcomeCSRFFailure         Outcome = "csrf_failure"
	OutcomeMalformed           Outcome = "malformed"
	OutcomeMismatch            Outcome = "mismatch"
	OutcomeRateLimited         Outcome = "rate_limited"
	OutcomeUpstreamUnavailable Outcome = "upstream_unavailable"
)

// Classification is what the client is told. An upstream failure is
// reported exactly like a mismatch.
func (o Outcome) Classification() string {
	switch o {
	case OutcomeUpstreamUnavailable:
		return string(OutcomeMismatch)
	case OutcomeCSRFFailure:
		return "csrf"
	default:
		return string(o)
	}
}

// Message is the user-facing text for the outcome. It never depends on
// which part of the date was wrong.
func (o Outcome) Message(p ratelimit.Policy) string {
	switch o {
	case OutcomeGranted:
		return ""
	case OutcomeCSRFFailure:
		return "Your session could not be verified. Reload the page and try again."
	case OutcomeMalformed:
		return "Enter the date of birth as MM/DD/YYYY."
	case OutcomeRateLimited:
		return "Too many attempts. Try again in " + p.LockoutDescription() + "."
	default:
		return "The date of birth does not match our records."
	}
}

// Result is returned by Gate.Verify.
type Result struct {
	Outcome Outcome
	// Grant is set only when Outcome is OutcomeGranted.
	Grant *AccessGrant
}

// VerifyRequest is one DOB challenge submission.
type VerifyRequest struct {
	PatientID string
	DOB       string
	CSRFToken string
	IP        string
}
