// Package ratelimit counts failed attempts per key inside a trailing time
// window. It backs the patient DOB challenge and the login form.
package ratelimit

import (
	"strconv"
	"strings"
	"time"
)

// Action names the operation an attempt is counted against.
type Action string

const (
	ActionVerifyDOB Action = "dob_verify"
	ActionLogin     Action = "login"
)

// Key identifies one attempt counter. Subject is who is acting (user id or
// client address) and Resource is what they are acting on; either may be empty.
type Key struct {
	Action   Action
	Subject  string
	Resource string
}

// VerifyKey scopes DOB attempts to one user against one patient record, so a
// user's failures never lock out a colleague.
func VerifyKey(userID, patientID string) Key {
	return Key{Action: ActionVerifyDOB, Subject: userID, Resource: patientID}
}

// LoginKey scopes login attempts to the client address.
func LoginKey(ip string) Key {
	return Key{Action: ActionLogin, Subject: ip}
}

// String serializes the key with length-prefixed components so that no two
// distinct keys map to the same storage key.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(string(k.Action))
	for _, part := range []string{k.Subject, k.Resource} {
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte(':')
		b.WriteString(part)
	}
	return b.String()
}

// Policy is the attempt budget for one action.
type Policy struct {
	MaxAttempts int
	Window      time.Duration
}

// VerifyPolicy is the default DOB challenge budget: 5 attempts per 15 minutes.
func VerifyPolicy() Policy {
	return Policy{MaxAttempts: 5, Window: 15 * time.Minute}
}

// LoginPolicy is the default login budget: 5 attempts per 5 minutes.
func LoginPolicy() Policy {
	return Policy{MaxAttempts: 5, Window: 5 * time.Minute}
}

// LockoutDescription renders the window as a coarse duration class for user
// facing messages, e.g. "15 minutes".
func (p Policy) LockoutDescription() string {
	switch {
	case p.Window >= time.Hour && p.Window%time.Hour == 0:
		h := int(p.Window / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return strconv.Itoa(h) + " hours"
	case p.Window >= time.Minute:
		m := int((p.Window + time.Minute - 1) / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return strconv.Itoa(m) + " minutes"
	default:
		return "a few moments"
	}
}
