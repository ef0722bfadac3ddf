package credentialexchange

import (
	"fmt"
	"slices"
	"time"

	"github.com/dnitsch/rds-auth-probe/internal/idp"
	"github.com/golang-jwt/jwt/v5"
)

// TrustExpectation is what the role trust policy is expected to match on.
// Empty fields are not checked.
type TrustExpectation struct {
	Issuer   string
	Audience string
	// ClockSkew is the minimum validity the token must have left, STS may
	// run slightly ahead of the local clock.
	ClockSkew time.Duration
}

// CheckToken rejects tokens that STS would reject anyway, before
// spending a call on them. Only the advertised lifetime is used.
func CheckToken(token *idp.IdentityToken, now time.Time, skew time.Duration) error {
	if token == nil || token.AccessToken == "" {
		return ErrIdentityTokenEmpty
	}
	if token.Expired(now, skew) {
		return fmt.Errorf("expired at %s (skew %s), %w", token.ExpiresAt().Format(time.RFC3339), skew, ErrIdentityTokenExpired)
	}
	return nil
}

// CheckClaims inspects the access token without verifying its signature,
// verification is the job of STS against the registered OIDC provider.
// Opaque tokens pass unless an issuer or audience expectation is set.
func CheckClaims(accessToken string, want TrustExpectation, now time.Time) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		if want.Issuer != "" || want.Audience != "" {
			return fmt.Errorf("token is not a JWT, cannot match issuer/audience: %s, %w", err, ErrIdentityTokenMismatch)
		}
		return nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("exp claim: %s, %w", err, ErrIdentityTokenMismatch)
	}
	if exp != nil && !now.Add(want.ClockSkew).Before(exp.Time) {
		return fmt.Errorf("exp claim %s (skew %s), %w", exp.Time.Format(time.RFC3339), want.ClockSkew, ErrIdentityTokenExpired)
	}

	if want.Issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != want.Issuer {
			return fmt.Errorf("issuer %q, wanted %q, %w", iss, want.Issuer, ErrIdentityTokenMismatch)
		}
	}

	if want.Audience != "" {
		aud, _ := claims.GetAudience()
		if !slices.Contains([]string(aud), want.Audience) {
			return fmt.Errorf("audience %v does not contain %q, %w", []string(aud), want.Audience, ErrIdentityTokenMismatch)
		}
	}
	return nil
}
