package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	SELF_NAME  = "rds-auth-probe"
	ENV_PREFIX = "RDS_AUTH_PROBE"

	DEFAULT_SSL_MODE        = "require"
	DEFAULT_DB_PORT         = 5432
	DEFAULT_SESSION_SECONDS = 900
	DEFAULT_TIMEOUT         = 10 * time.Second
	DEFAULT_CLOCK_SKEW      = 30 * time.Second
)

var (
	ErrMissingConfig = errors.New("missing required configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// IdpConfig holds the client credentials used against the
// identity provider's realm token endpoint.
type IdpConfig struct {
	BaseUrl      string
	Realm        string
	ClientId     string
	ClientSecret string
}

// AwsConfig describes the trust relationship between the identity
// provider and the IAM role that may generate database auth tokens.
type AwsConfig struct {
	Region           string
	RoleArn          string
	SessionName      string
	SessionDuration  int
	StsEndpoint      string
	ExpectedIssuer   string
	ExpectedAudience string
	ClockSkew        time.Duration
}

type DatabaseConfig struct {
	Host         string
	Port         int
	Name         string
	User         string
	SSLMode      string
	RootCertPath string
}

type Timeouts struct {
	Http    time.Duration
	Connect time.Duration
	Query   time.Duration
}

// Config is built once at start up and handed to each step.
type Config struct {
	Idp      IdpConfig
	Aws      AwsConfig
	Database DatabaseConfig
	Timeouts Timeouts
	Verbose  bool
}

// New returns a Config populated with defaults only.
func New() *Config {
	return &Config{
		Aws: AwsConfig{
			SessionDuration: DEFAULT_SESSION_SECONDS,
			ClockSkew:       DEFAULT_CLOCK_SKEW,
		},
		Database: DatabaseConfig{
			Port:    DEFAULT_DB_PORT,
			SSLMode: DEFAULT_SSL_MODE,
		},
		Timeouts: Timeouts{
			Http:    DEFAULT_TIMEOUT,
			Connect: DEFAULT_TIMEOUT,
			Query:   DEFAULT_TIMEOUT,
		},
	}
}

// ValidateIdp checks only the values needed to request a token.
func (c *Config) ValidateIdp() error {
	missing := []string{}
	for k, v := range map[string]string{
		"idp-url":       c.Idp.BaseUrl,
		"realm":         c.Idp.Realm,
		"client-id":     c.Idp.ClientId,
		"client-secret": c.Idp.ClientSecret,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, k)
		}
	}
	return missingErr(missing)
}

// Validate reports every missing value needed for a full probe run.
// The AWS role is deliberately not required here, an empty role
// surfaces later as an unconfigured trust exchange.
func (c *Config) Validate() error {
	missing := []string{}
	if err := c.ValidateIdp(); err != nil {
		missing = append(missing, err.(*missingError).keys...)
	}
	for k, v := range map[string]string{
		"db-host": c.Database.Host,
		"db-name": c.Database.Name,
		"db-user": c.Database.User,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, k)
		}
	}
	if err := missingErr(missing); err != nil {
		return err
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("db-port %d out of range, %w", c.Database.Port, ErrInvalidConfig)
	}
	if c.Aws.SessionDuration < 900 || c.Aws.SessionDuration > 43200 {
		return fmt.Errorf("session-duration %d must be within [900-43200], %w", c.Aws.SessionDuration, ErrInvalidConfig)
	}
	return nil
}

type missingError struct {
	keys []string
}

func (e *missingError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingConfig, strings.Join(e.keys, ", "))
}

func (e *missingError) Unwrap() error {
	return ErrMissingConfig
}

func missingErr(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	return &missingError{keys: keys}
}
