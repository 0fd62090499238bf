package patient

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// dobDigits is the length of an MMDDYYYY string.
const dobDigits = 8

// NormalizeDOB strips every non-digit from raw. It reports false unless
// exactly eight digits remain.
func NormalizeDOB(raw string) (string, bool) {
	var b strings.Builder
	b.Grow(dobDigits)
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	return s, len(s) == dobDigits
}

// authoritativeDigits converts an ISO-8601 date (optionally with a time
// component) to MMDDYYYY.
func authoritativeDigits(iso string) (string, error) {
	iso = strings.TrimSpace(iso)
	if len(iso) >= 10 {
		if t, err := time.Parse("2006-01-02", iso[:10]); err == nil {
			return t.Format("01022006"), nil
		}
	}
	return "", fmt.Errorf("unparseable date of birth")
}

// ConstantTimeEqual compares two strings without short-circuiting on the
// first differing byte.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskName reduces a name to its first letter and a placeholder, enough to
// confirm the right chart without disclosing it.
func MaskName(first string) string {
	first = strings.TrimSpace(first)
	r, _ := utf8.DecodeRuneInString(first)
	if first == "" || r == utf8.RuneError {
		return "****"
	}
	return string(unicode.ToUpper(r)) + "***"
}
