package credentialexchange

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	SELF_NAME = "rds-auth-probe"

	// RDS signs tokens against the db-connect action, RDS itself enforces
	// the 15 minute lifetime.
	RDS_TOKEN_LIFETIME_MINUTES = 15

	maxSessionNameLength = 64
)

const roleARNPattern = `^arn:aws[\w-]*:iam::[0-9]{1,30}:role/.{1,200}$`

var roleARNRegex = regexp.MustCompile(roleARNPattern)

const stsEndpointPattern = `^https://(.+\.)?sts(-fips)?(\.[^.]+)?(\.vpce)?\.amazonaws\.com$`

var stsEndpointRegex = regexp.MustCompile(stsEndpointPattern)

var sessionNameInvalid = regexp.MustCompile(`[^\w+=,.@-]`)

// ValidateRoleArn checks the role matches the IAM role ARN format.
func ValidateRoleArn(role string) error {
	if !roleARNRegex.MatchString(role) {
		return fmt.Errorf("invalid role ARN: '%s'. must match %s, %w", role, roleARNPattern, ErrInvalidTrustConfig)
	}
	return nil
}

// ValidateSTSEndpoint checks the override is a global, regional,
// FIPS or VPC endpoint of STS.
func ValidateSTSEndpoint(endpoint string) error {
	if !stsEndpointRegex.MatchString(endpoint) {
		return fmt.Errorf("invalid STS endpoint: '%s'. must match %s, %w", endpoint, stsEndpointPattern, ErrInvalidTrustConfig)
	}
	return nil
}

// SessionName builds the role session name, characters STS does not
// accept are replaced and the result is capped at 64 characters.
func SessionName(username, selfName string) string {
	name := selfName
	if username != "" {
		name = fmt.Sprintf("%s-%s", username, selfName)
	}
	name = sessionNameInvalid.ReplaceAllString(strings.TrimSpace(name), "-")
	if len(name) > maxSessionNameLength {
		name = name[:maxSessionNameLength]
	}
	return name
}

// DBEndpoint is the host:port pair the auth token is scoped to.
func DBEndpoint(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
