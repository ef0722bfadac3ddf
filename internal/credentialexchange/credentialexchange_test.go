package credentialexchange_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	rdsauth "github.com/aws/aws-sdk-go-v2/feature/rds/auth"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/aws/smithy-go"
	"github.com/dnitsch/rds-auth-probe/internal/config"
	"github.com/dnitsch/rds-auth-probe/internal/credentialexchange"
	"github.com/dnitsch/rds-auth-probe/internal/idp"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

const testRole = "arn:aws:iam::111122342343:role/keycloak-rds-role"

type authWebTokenApi struct {
	assumewithwebId func(ctx context.Context, params *sts.AssumeRoleWithWebIdentityInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithWebIdentityOutput, error)
}

func (a *authWebTokenApi) AssumeRoleWithWebIdentity(ctx context.Context, params *sts.AssumeRoleWithWebIdentityInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithWebIdentityOutput, error) {
	return a.assumewithwebId(ctx, params, optFns...)
}

var mockSuccessAwsCreds = &types.Credentials{
	AccessKeyId:     aws.String("123"),
	SecretAccessKey: aws.String("456"),
	SessionToken:    aws.String("abcd"),
	Expiration:      aws.Time(time.Now().Local().Add(time.Duration(60) * time.Minute)),
}

type smithyErrTyp struct {
	err     func() string
	errCode func() string
	errMsg  func() string
}

func (e *smithyErrTyp) Error() string {
	return e.err()
}
func (e *smithyErrTyp) ErrorCode() string {
	return e.errCode()
}

func (e *smithyErrTyp) ErrorMessage() string {
	return e.errMsg()
}

func (e *smithyErrTyp) ErrorFault() smithy.ErrorFault {
	return smithy.FaultClient
}

func successSts(t *testing.T) *authWebTokenApi {
	a := &authWebTokenApi{}
	a.assumewithwebId = func(ctx context.Context, params *sts.AssumeRoleWithWebIdentityInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithWebIdentityOutput, error) {
		if *params.RoleArn != testRole {
			t.Errorf("expected role: %s got: %s", testRole, *params.RoleArn)
		}
		if *params.WebIdentityToken != "abc" {
			t.Errorf("expected web identity token: abc got: %s", *params.WebIdentityToken)
		}
		if *params.RoleSessionName != "probe-user-rds-auth-probe" {
			t.Errorf("expected session name: probe-user-rds-auth-probe got: %s", *params.RoleSessionName)
		}
		if *params.DurationSeconds != 900 {
			t.Errorf("expected duration: 900 got: %d", *params.DurationSeconds)
		}
		return &sts.AssumeRoleWithWebIdentityOutput{
			AssumedRoleUser: &types.AssumedRoleUser{Arn: aws.String("arn:aws:sts::111122342343:assumed-role/keycloak-rds-role/probe-user-rds-auth-probe")},
			Credentials:     mockSuccessAwsCreds,
		}, nil
	}
	return a
}

func testAwsConfig() config.AwsConfig {
	return config.AwsConfig{
		Region:          "eu-west-1",
		RoleArn:         testRole,
		SessionDuration: 900,
		ClockSkew:       30 * time.Second,
	}
}

func testDbConfig() config.DatabaseConfig {
	return config.DatabaseConfig{
		Host: "your-aurora-cluster.eu-west-1.rds.amazonaws.com",
		Port: 5432,
		Name: "postgres",
		User: "iam_probe",
	}
}

func validToken() *idp.IdentityToken {
	return &idp.IdentityToken{AccessToken: "abc", TokenType: "Bearer", ExpiresIn: 300, IssuedAt: time.Now()}
}

func Test_LoginAwsWebToken_with(t *testing.T) {
	ttests := map[string]struct {
		srv       func(t *testing.T) *authWebTokenApi
		expectErr bool
		errTyp    error
		errMsg    string
	}{
		"succeeds with correct input": {
			srv: successSts,
		},
		"fails on rest call to assume": {
			srv: func(t *testing.T) *authWebTokenApi {
				a := &authWebTokenApi{}
				a.assumewithwebId = func(ctx context.Context, params *sts.AssumeRoleWithWebIdentityInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithWebIdentityOutput, error) {
					return nil, fmt.Errorf("some err")
				}
				return a
			},
			expectErr: true,
			errTyp:    credentialexchange.ErrUnableAssume,
		},
		"trust policy rejects the token issuer": {
			srv: func(t *testing.T) *authWebTokenApi {
				a := &authWebTokenApi{}
				a.assumewithwebId = func(ctx context.Context, params *sts.AssumeRoleWithWebIdentityInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithWebIdentityOutput, error) {
					return nil, &smithyErrTyp{
						err:     func() string { return "api error InvalidIdentityToken" },
						errCode: func() string { return "InvalidIdentityToken" },
						errMsg:  func() string { return "No OpenIDConnect provider found in your account for http://localhost:8080/realms/company-realm" },
					}
				}
				return a
			},
			expectErr: true,
			errTyp:    credentialexchange.ErrUnableAssume,
			errMsg:    "InvalidIdentityToken: No OpenIDConnect provider found",
		},
		"sts returns no credentials": {
			srv: func(t *testing.T) *authWebTokenApi {
				a := &authWebTokenApi{}
				a.assumewithwebId = func(ctx context.Context, params *sts.AssumeRoleWithWebIdentityInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithWebIdentityOutput, error) {
					return &sts.AssumeRoleWithWebIdentityOutput{}, nil
				}
				return a
			},
			expectErr: true,
			errTyp:    credentialexchange.ErrMissingTemporaryCreds,
		},
	}
	for name, tt := range ttests {
		t.Run(name, func(t *testing.T) {
			got, err := credentialexchange.LoginAwsWebToken(context.TODO(), "abc", credentialexchange.AWSRole{
				RoleARN:  testRole,
				Name:     "probe-user-rds-auth-probe",
				Duration: 900,
			}, tt.srv(t))

			if tt.expectErr {
				if err == nil {
					t.Fatalf("got <nil>, wanted %s", tt.errTyp)
				}
				if !errors.Is(err, tt.errTyp) {
					t.Errorf("got %s, wanted %s", err, tt.errTyp)
				}
				if tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("got %s, wanted it to contain %s", err, tt.errMsg)
				}
				return
			}

			if err != nil {
				t.Fatalf("got %s, wanted <nil>", err)
			}
			if got.AWSAccessKey != *mockSuccessAwsCreds.AccessKeyId {
				t.Errorf("expected %v, got %v", *mockSuccessAwsCreds.AccessKeyId, got.AWSAccessKey)
			}
			if got.AWSSessionToken != "abcd" {
				t.Errorf("incorrect session token\nwanted: %s\ngot: %s", "abcd", got.AWSSessionToken)
			}
			if !strings.HasPrefix(got.PrincipalARN, "arn:aws:sts::111122342343:assumed-role/") {
				t.Errorf("unexpected principal: %s", got.PrincipalARN)
			}
		})
	}
}

func Test_Exchange_with(t *testing.T) {
	ttests := map[string]struct {
		srv       func(t *testing.T) *authWebTokenApi
		token     func() *idp.IdentityToken
		builder   credentialexchange.TokenBuilder
		expectErr bool
		errTyp    []error
	}{
		"exchanges and signs the auth token": {
			srv:   successSts,
			token: validToken,
			builder: func(ctx context.Context, endpoint, region, dbUser string, creds aws.CredentialsProvider, optFns ...func(options *rdsauth.BuildAuthTokenOptions)) (string, error) {
				if endpoint != "your-aurora-cluster.eu-west-1.rds.amazonaws.com:5432" {
					t.Errorf("unexpected endpoint: %s", endpoint)
				}
				if region != "eu-west-1" || dbUser != "iam_probe" {
					t.Errorf("unexpected region/user: %s/%s", region, dbUser)
				}
				c, err := creds.Retrieve(ctx)
				if err != nil {
					t.Fatal(err)
				}
				if c.SessionToken != "abcd" {
					t.Errorf("expected the temporary credentials to sign the token, got: %s", c.SessionToken)
				}
				return "signed-token", nil
			},
		},
		"expired identity token never reaches sts": {
			srv: func(t *testing.T) *authWebTokenApi {
				a := &authWebTokenApi{}
				a.assumewithwebId = func(ctx context.Context, params *sts.AssumeRoleWithWebIdentityInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithWebIdentityOutput, error) {
					t.Error("sts must not be called with an expired token")
					return nil, nil
				}
				return a
			},
			token: func() *idp.IdentityToken {
				return &idp.IdentityToken{AccessToken: "abc", ExpiresIn: 300, IssuedAt: time.Now().Add(-10 * time.Minute)}
			},
			expectErr: true,
			errTyp:    []error{credentialexchange.ErrCredentialExchange, credentialexchange.ErrIdentityTokenExpired},
		},
		"empty identity token": {
			srv: successSts,
			token: func() *idp.IdentityToken {
				return &idp.IdentityToken{}
			},
			expectErr: true,
			errTyp:    []error{credentialexchange.ErrCredentialExchange, credentialexchange.ErrIdentityTokenEmpty},
		},
		"trust exchange rejected": {
			srv: func(t *testing.T) *authWebTokenApi {
				a := &authWebTokenApi{}
				a.assumewithwebId = func(ctx context.Context, params *sts.AssumeRoleWithWebIdentityInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithWebIdentityOutput, error) {
					return nil, fmt.Errorf("AccessDenied")
				}
				return a
			},
			token:     validToken,
			expectErr: true,
			errTyp:    []error{credentialexchange.ErrCredentialExchange, credentialexchange.ErrUnableAssume},
		},
		"token generation fails": {
			srv:   successSts,
			token: validToken,
			builder: func(ctx context.Context, endpoint, region, dbUser string, creds aws.CredentialsProvider, optFns ...func(options *rdsauth.BuildAuthTokenOptions)) (string, error) {
				return "", fmt.Errorf("unable to sign")
			},
			expectErr: true,
			errTyp:    []error{credentialexchange.ErrTokenGeneration},
		},
	}
	for name, tt := range ttests {
		t.Run(name, func(t *testing.T) {
			ex, err := credentialexchange.NewWebIdentityExchanger(tt.srv(t), testAwsConfig(), testDbConfig(), "probe-user")
			if err != nil {
				t.Fatalf("got %s, wanted <nil>", err)
			}
			if tt.builder != nil {
				ex.WithTokenBuilder(tt.builder)
			}

			got, err := ex.Exchange(context.TODO(), tt.token())
			if tt.expectErr {
				if err == nil {
					t.Fatalf("got <nil>, wanted %v", tt.errTyp)
				}
				for _, e := range tt.errTyp {
					if !errors.Is(err, e) {
						t.Errorf("got %s, wanted %s", err, e)
					}
				}
				if errors.Is(err, credentialexchange.ErrTokenGeneration) && errors.Is(err, credentialexchange.ErrCredentialExchange) {
					t.Errorf("token generation and exchange failures must stay distinct: %s", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("got %s, wanted <nil>", err)
			}
			if got != "signed-token" {
				t.Errorf("got %s, wanted signed-token", got)
			}
		})
	}
}

func Test_Exchange_signs_real_rds_token(t *testing.T) {
	ex, err := credentialexchange.NewWebIdentityExchanger(successSts(t), testAwsConfig(), testDbConfig(), "probe-user")
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}

	got, err := ex.Exchange(context.TODO(), validToken())
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}

	tok := string(got)
	if !strings.HasPrefix(tok, "your-aurora-cluster.eu-west-1.rds.amazonaws.com:5432?") {
		t.Errorf("token not scoped to the endpoint: %s", tok)
	}
	for _, part := range []string{"Action=connect", "DBUser=iam_probe", "X-Amz-Security-Token=abcd", "X-Amz-Signature="} {
		if !strings.Contains(tok, part) {
			t.Errorf("token missing %s: %s", part, tok)
		}
	}
	if strings.HasPrefix(tok, "https://") {
		t.Errorf("scheme must be stripped from the token: %s", tok)
	}
}

func Test_NewWebIdentityExchanger_validation(t *testing.T) {
	ttests := map[string]struct {
		aws    func() config.AwsConfig
		db     func() config.DatabaseConfig
		errTyp error
	}{
		"invalid role arn": {
			aws: func() config.AwsConfig {
				c := testAwsConfig()
				c.RoleArn = "keycloak-rds-role"
				return c
			},
			db:     testDbConfig,
			errTyp: credentialexchange.ErrInvalidTrustConfig,
		},
		"missing region": {
			aws: func() config.AwsConfig {
				c := testAwsConfig()
				c.Region = ""
				return c
			},
			db:     testDbConfig,
			errTyp: credentialexchange.ErrInvalidTrustConfig,
		},
		"missing db user": {
			aws: testAwsConfig,
			db: func() config.DatabaseConfig {
				c := testDbConfig()
				c.User = ""
				return c
			},
			errTyp: credentialexchange.ErrMissingDatabaseTarget,
		},
	}
	for name, tt := range ttests {
		t.Run(name, func(t *testing.T) {
			_, err := credentialexchange.NewWebIdentityExchanger(successSts(t), tt.aws(), tt.db(), "probe-user")
			if !errors.Is(err, tt.errTyp) {
				t.Errorf("got %v, wanted %s", err, tt.errTyp)
			}
		})
	}
}

func Test_NewExchanger_without_role(t *testing.T) {
	conf := testAwsConfig()
	conf.RoleArn = ""

	ex, err := credentialexchange.NewExchanger(context.TODO(), conf, testDbConfig(), "probe-user")
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}

	_, err = ex.Exchange(context.TODO(), validToken())
	if !errors.Is(err, credentialexchange.ErrExchangeNotConfigured) {
		t.Errorf("got %v, wanted %s", err, credentialexchange.ErrExchangeNotConfigured)
	}
	if !errors.Is(err, credentialexchange.ErrCredentialExchange) {
		t.Errorf("got %v, wanted %s", err, credentialexchange.ErrCredentialExchange)
	}
	if !strings.Contains(err.Error(), "AssumeRoleWithWebIdentity") {
		t.Errorf("message must name the missing trust exchange step, got: %s", err)
	}
}

func Test_NewExchanger_rejects_foreign_sts_endpoint(t *testing.T) {
	conf := testAwsConfig()
	conf.StsEndpoint = "https://sts.example.com"

	_, err := credentialexchange.NewExchanger(context.TODO(), conf, testDbConfig(), "probe-user")
	if !errors.Is(err, credentialexchange.ErrInvalidTrustConfig) {
		t.Errorf("got %v, wanted %s", err, credentialexchange.ErrInvalidTrustConfig)
	}
}

func TestReloadBeforeExpirySuccess(t *testing.T) {

	now := time.Now()
	expiry := now.Add(time.Second * 305)

	got := credentialexchange.ReloadBeforeExpiry(now, expiry, 300)

	if got {
		t.Errorf("Expected %v, got: %v", false, got)
	}
}

func TestReloadBeforeExpiryNeedToRefresh(t *testing.T) {

	now := time.Now()
	expiry := now.Add(time.Second * 299)

	got := credentialexchange.ReloadBeforeExpiry(now, expiry, 300)

	if !got {
		t.Errorf("Expected %v, got: %v", true, got)
	}
}

func Test_Exchange_warns_on_short_lived_credentials(t *testing.T) {
	ttests := map[string]struct {
		clock  func() time.Time
		warned bool
	}{
		"credentials outlive the auth token": {
			clock:  time.Now,
			warned: false,
		},
		"credentials expire before the auth token": {
			clock: func() time.Time {
				return aws.ToTime(mockSuccessAwsCreds.Expiration).Add(-10 * time.Minute)
			},
			warned: true,
		},
	}
	for name, tt := range ttests {
		t.Run(name, func(t *testing.T) {
			hook := logtest.NewGlobal()
			defer hook.Reset()

			ex, err := credentialexchange.NewWebIdentityExchanger(successSts(t), testAwsConfig(), testDbConfig(), "probe-user")
			if err != nil {
				t.Fatalf("got %s, wanted <nil>", err)
			}
			ex.WithClock(tt.clock)

			token := validToken()
			token.IssuedAt = tt.clock()
			if _, err := ex.Exchange(context.TODO(), token); err != nil {
				t.Fatalf("got %s, wanted <nil>", err)
			}

			warned := false
			for _, e := range hook.AllEntries() {
				if e.Level == log.WarnLevel {
					warned = true
				}
			}
			if warned != tt.warned {
				t.Errorf("got warning %v, wanted %v", warned, tt.warned)
			}
		})
	}
}
