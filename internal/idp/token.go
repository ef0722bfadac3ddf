package idp

import (
	"time"
)

// IdentityToken is the client-credentials grant result. The access
// token is opaque here, it is only ever forwarded.
type IdentityToken struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int
	// IssuedAt is the local time the token response was received.
	IssuedAt time.Time
}

// ExpiresAt is IssuedAt plus the advertised lifetime. A token without
// an advertised lifetime reports the zero time.
func (t *IdentityToken) ExpiresAt() time.Time {
	if t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Expired reports whether the token is, or within skew will be, past its
// advertised lifetime.
func (t *IdentityToken) Expired(now time.Time, skew time.Duration) bool {
	exp := t.ExpiresAt()
	if exp.IsZero() {
		return false
	}
	return !now.Add(skew).Before(exp)
}
