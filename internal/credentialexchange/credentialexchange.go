package credentialexchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/dnitsch/rds-auth-probe/internal/idp"
	log "github.com/sirupsen/logrus"
)

var (
	ErrCredentialExchange    = errors.New("credential exchange failed")
	ErrTokenGeneration       = errors.New("database auth token generation failed")
	ErrExchangeNotConfigured = errors.New("trust exchange not configured: STS AssumeRoleWithWebIdentity needs a role ARN (--role) trusting the identity provider")
	ErrInvalidTrustConfig    = errors.New("invalid trust configuration")
	ErrIdentityTokenExpired  = errors.New("identity token expired")
	ErrIdentityTokenEmpty    = errors.New("identity token empty")
	ErrIdentityTokenMismatch = errors.New("identity token claims do not match the trust configuration")
	ErrUnableAssume          = errors.New("unable to assume")
	ErrMissingDatabaseTarget = errors.New("database target incomplete")
	ErrMissingTemporaryCreds = errors.New("sts returned no credentials")
)

// DatabaseAuthToken is used as the password of a single connection attempt.
type DatabaseAuthToken string

// AWSCredentials are the temporary credentials returned by STS. They live
// for the duration of one exchange only.
type AWSCredentials struct {
	AWSAccessKey    string    `json:"AccessKeyId"`
	AWSSecretKey    string    `json:"SecretAccessKey"`
	AWSSessionToken string    `json:"SessionToken"`
	PrincipalARN    string    `json:"-"`
	Expires         time.Time `json:"Expiration"`
}

// Provider exposes the credentials to SDK signers.
func (a *AWSCredentials) Provider() aws.CredentialsProvider {
	return credentials.NewStaticCredentialsProvider(a.AWSAccessKey, a.AWSSecretKey, a.AWSSessionToken)
}

// Exchanger turns an identity provider token into a database auth token.
type Exchanger interface {
	Exchange(ctx context.Context, token *idp.IdentityToken) (DatabaseAuthToken, error)
}

// AuthWebTokenApi is the part of the STS client used by the exchange.
type AuthWebTokenApi interface {
	AssumeRoleWithWebIdentity(ctx context.Context, params *sts.AssumeRoleWithWebIdentityInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithWebIdentityOutput, error)
}

// AWSRole describes the role to assume with the web identity.
type AWSRole struct {
	RoleARN  string
	Name     string
	Duration int
}

// LoginAwsWebToken exchanges the web identity token for STS credentials.
func LoginAwsWebToken(ctx context.Context, webIdentityToken string, role AWSRole, svc AuthWebTokenApi) (*AWSCredentials, error) {
	input := &sts.AssumeRoleWithWebIdentityInput{
		RoleArn:          aws.String(role.RoleARN),
		RoleSessionName:  aws.String(role.Name),
		WebIdentityToken: aws.String(webIdentityToken),
	}
	if role.Duration > 0 {
		input.DurationSeconds = aws.Int32(int32(role.Duration))
	}

	log.WithFields(log.Fields{
		"roleARN":         role.RoleARN,
		"roleSessionName": role.Name,
	}).Debug("STS: calling AssumeRoleWithWebIdentity")

	resp, err := svc.AssumeRoleWithWebIdentity(ctx, input)
	if err != nil {
		log.WithFields(log.Fields{
			"roleARN": role.RoleARN,
			"error":   err.Error(),
		}).Debug("STS: failed to assume role")
		return nil, fmt.Errorf("failed to retrieve STS credentials using web identity: %s, %w", describeStsError(err), ErrUnableAssume)
	}
	if resp.Credentials == nil {
		return nil, fmt.Errorf("role %s, %w", role.RoleARN, ErrMissingTemporaryCreds)
	}

	creds := &AWSCredentials{
		AWSAccessKey:    aws.ToString(resp.Credentials.AccessKeyId),
		AWSSecretKey:    aws.ToString(resp.Credentials.SecretAccessKey),
		AWSSessionToken: aws.ToString(resp.Credentials.SessionToken),
		Expires:         aws.ToTime(resp.Credentials.Expiration).Local(),
	}
	if resp.AssumedRoleUser != nil {
		creds.PrincipalARN = aws.ToString(resp.AssumedRoleUser.Arn)
	}

	log.WithFields(log.Fields{
		"principalARN": creds.PrincipalARN,
		"expiration":   creds.Expires,
	}).Debug("STS: assumed role with web identity")
	return creds, nil
}

// describeStsError surfaces the STS error code, e.g. InvalidIdentityToken
// when the issuer is not a trusted OIDC provider of the account or
// IDPRejectedClaim when the role trust policy conditions do not match.
func describeStsError(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return err.Error()
}

// ReloadBeforeExpiry returns true if the time
// to expiry, as seen at now, is less than the specified time in seconds
// false if there is more than required time in seconds
func ReloadBeforeExpiry(now, expiry time.Time, reloadBeforeSeconds int) bool {
	diff := expiry.Sub(now)
	return diff.Seconds() < float64(reloadBeforeSeconds)
}
