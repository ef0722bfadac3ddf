package credentialexchange

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	rdsauth "github.com/aws/aws-sdk-go-v2/feature/rds/auth"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/dnitsch/rds-auth-probe/internal/config"
	"github.com/dnitsch/rds-auth-probe/internal/idp"
	log "github.com/sirupsen/logrus"
)

// TokenBuilder signs an RDS IAM auth token, rdsauth.BuildAuthToken in
// production.
type TokenBuilder func(ctx context.Context, endpoint, region, dbUser string, creds aws.CredentialsProvider, optFns ...func(options *rdsauth.BuildAuthTokenOptions)) (string, error)

// WebIdentityExchanger federates the identity token into AWS through
// AssumeRoleWithWebIdentity and signs an auth token for the database user.
type WebIdentityExchanger struct {
	svc        AuthWebTokenApi
	buildToken TokenBuilder
	role       AWSRole
	region     string
	db         config.DatabaseConfig
	trust      TrustExpectation
	now        func() time.Time
}

func (w *WebIdentityExchanger) WithTokenBuilder(b TokenBuilder) *WebIdentityExchanger {
	w.buildToken = b
	return w
}

func (w *WebIdentityExchanger) WithClock(now func() time.Time) *WebIdentityExchanger {
	w.now = now
	return w
}

// NewWebIdentityExchanger wires an already constructed STS client.
func NewWebIdentityExchanger(svc AuthWebTokenApi, conf config.AwsConfig, db config.DatabaseConfig, username string) (*WebIdentityExchanger, error) {
	if err := ValidateRoleArn(conf.RoleArn); err != nil {
		return nil, err
	}
	if conf.Region == "" {
		return nil, fmt.Errorf("region is required to sign the database auth token, %w", ErrInvalidTrustConfig)
	}
	if db.Host == "" || db.User == "" || db.Port <= 0 {
		return nil, fmt.Errorf("host, port and user are required, %w", ErrMissingDatabaseTarget)
	}

	sessionName := conf.SessionName
	if sessionName == "" {
		sessionName = SessionName(username, SELF_NAME)
	}

	return &WebIdentityExchanger{
		svc:        svc,
		buildToken: rdsauth.BuildAuthToken,
		role: AWSRole{
			RoleARN:  conf.RoleArn,
			Name:     SessionName("", sessionName),
			Duration: conf.SessionDuration,
		},
		region: conf.Region,
		db:     db,
		trust: TrustExpectation{
			Issuer:    conf.ExpectedIssuer,
			Audience:  conf.ExpectedAudience,
			ClockSkew: conf.ClockSkew,
		},
		now: time.Now,
	}, nil
}

// NewExchanger returns the exchanger for the configuration. Without a role
// ARN there is no trust relationship to exchange against and the returned
// exchanger fails every call with ErrExchangeNotConfigured.
func NewExchanger(ctx context.Context, conf config.AwsConfig, db config.DatabaseConfig, username string) (Exchanger, error) {
	if conf.RoleArn == "" {
		return &NotConfiguredExchanger{}, nil
	}

	confOpts := []func(*awsconfig.LoadOptions) error{}
	if conf.Region != "" {
		confOpts = append(confOpts, awsconfig.WithRegion(conf.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, confOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %s, %w", err, ErrInvalidTrustConfig)
	}
	conf.Region = awsCfg.Region

	stsOpts := []func(*sts.Options){
		func(o *sts.Options) {
			// the web identity token is the only credential
			o.Credentials = aws.AnonymousCredentials{}
		},
	}
	if e := conf.StsEndpoint; e != "" {
		if err := ValidateSTSEndpoint(e); err != nil {
			return nil, err
		}
		stsOpts = append(stsOpts, func(o *sts.Options) {
			o.BaseEndpoint = aws.String(e)
		})
	}

	return NewWebIdentityExchanger(sts.NewFromConfig(awsCfg, stsOpts...), conf, db, username)
}

// Exchange implements Exchanger.
func (w *WebIdentityExchanger) Exchange(ctx context.Context, token *idp.IdentityToken) (DatabaseAuthToken, error) {
	now := w.now()
	if err := CheckToken(token, now, w.trust.ClockSkew); err != nil {
		return "", fmt.Errorf("%w, %w", err, ErrCredentialExchange)
	}
	if err := CheckClaims(token.AccessToken, w.trust, now); err != nil {
		return "", fmt.Errorf("%w, %w", err, ErrCredentialExchange)
	}

	creds, err := LoginAwsWebToken(ctx, token.AccessToken, w.role, w.svc)
	if err != nil {
		return "", fmt.Errorf("%w, %w", err, ErrCredentialExchange)
	}

	if ReloadBeforeExpiry(now, creds.Expires, RDS_TOKEN_LIFETIME_MINUTES*60) {
		log.WithField("expiration", creds.Expires).Warn("temporary credentials expire before the database auth token would")
	}

	endpoint := DBEndpoint(w.db.Host, w.db.Port)
	log.WithFields(log.Fields{
		"endpoint": endpoint,
		"region":   w.region,
		"dbUser":   w.db.User,
	}).Debug("RDS: building IAM auth token")

	authToken, err := w.buildToken(ctx, endpoint, w.region, w.db.User, creds.Provider())
	if err != nil {
		return "", fmt.Errorf("endpoint %s user %s: %s, %w", endpoint, w.db.User, err, ErrTokenGeneration)
	}
	if authToken == "" {
		return "", fmt.Errorf("endpoint %s user %s: empty token, %w", endpoint, w.db.User, ErrTokenGeneration)
	}
	return DatabaseAuthToken(authToken), nil
}

// NotConfiguredExchanger stands in for a missing trust relationship.
type NotConfiguredExchanger struct{}

// Exchange implements Exchanger.
func (NotConfiguredExchanger) Exchange(context.Context, *idp.IdentityToken) (DatabaseAuthToken, error) {
	return "", fmt.Errorf("%w, %w", ErrExchangeNotConfigured, ErrCredentialExchange)
}

var (
	_ Exchanger = (*WebIdentityExchanger)(nil)
	_ Exchanger = (*NotConfiguredExchanger)(nil)
)
