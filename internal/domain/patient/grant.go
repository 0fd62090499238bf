package patient

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/portal/internal/platform/session"
)

// GrantStore issues and checks signed access grants held in a session. The
// signature binds patient ID, expiry, session ID and user ID, so a grant
// whose fields are edited, or which is copied into another session, fails
// the check.
type GrantStore struct {
	secret []byte
	ttl    time.Duration
	nowFn  func() time.Time
}

// NewGrantStore creates a store signing with secret. ttl is the grant
// lifetime, independent of any rate limit window.
func NewGrantStore(secret []byte, ttl time.Duration) *GrantStore {
	return &GrantStore{secret: secret, ttl: ttl, nowFn: time.Now}
}

// TTL returns the grant lifetime.
func (g *GrantStore) TTL() time.Duration {
	return g.ttl
}

// Grant records a new grant for patientID in s. Expired grants for other
// patients are dropped at the same time. The caller persists s.
func (g *GrantStore) Grant(s *session.Session, patientID string) AccessGrant {
	now := g.nowFn()
	// Whole seconds survive every payload encoding unchanged.
	expires := now.Add(g.ttl).Truncate(time.Second).UTC()

	ag := AccessGrant{
		PatientID: patientID,
		ExpiresAt: expires,
		Signature: g.sign(s, patientID, expires),
	}

	if s.Grants == nil {
		s.Grants = make(map[string]session.Grant)
	}
	for id, existing := range s.Grants {
		if !now.Before(existing.ExpiresAt) {
			delete(s.Grants, id)
		}
	}
	s.Grants[patientID] = session.Grant{ExpiresAt: ag.ExpiresAt, Signature: ag.Signature}
	return ag
}

// HasValidGrant reports whether s holds an unexpired grant for patientID
// whose signature recomputes. Anything else is false.
func (g *GrantStore) HasValidGrant(s *session.Session, patientID string) bool {
	if s == nil || patientID == "" {
		return false
	}
	stored, ok := s.Grants[patientID]
	if !ok {
		return false
	}
	if !g.nowFn().Before(stored.ExpiresAt) {
		return false
	}
	want := g.sign(s, patientID, stored.ExpiresAt)
	return hmac.Equal([]byte(want), []byte(stored.Signature))
}

func (g *GrantStore) sign(s *session.Session, patientID string, expires time.Time) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(grantMessage(patientID, expires.Unix(), s.ID, s.UserID)))
	return hex.EncodeToString(mac.Sum(nil))
}

// grantMessage length-prefixes each field so no two field tuples serialize
// identically.
func grantMessage(patientID string, expiresUnix int64, sessionID, userID string) string {
	var b strings.Builder
	b.WriteString("grant.v1")
	for _, part := range []string{patientID, strconv.FormatInt(expiresUnix, 10), sessionID, userID} {
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte(':')
		b.WriteString(part)
	}
	return b.String()
}
