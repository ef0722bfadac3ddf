package cmdutils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dnitsch/rds-auth-probe/internal/config"
	"github.com/dnitsch/rds-auth-probe/internal/connector"
	"github.com/dnitsch/rds-auth-probe/internal/credentialexchange"
	"github.com/dnitsch/rds-auth-probe/internal/idp"
	"github.com/dnitsch/rds-auth-probe/internal/util"
)

const TOKEN_DISPLAY_PREFIX = 50

var (
	ErrProbeFailed = errors.New("probe failed")
	ErrMissingStep = errors.New("probe step not wired")
)

type TokenAcquirer interface {
	Acquire(ctx context.Context) (*idp.IdentityToken, error)
}

type DatabaseVerifier interface {
	Verify(ctx context.Context, params connector.ConnectionParameters, token string) (*connector.Result, error)
}

// Steps are run in order, each one only after the previous succeeded.
type Steps struct {
	Acquirer  TokenAcquirer
	Exchanger credentialexchange.Exchanger
	Verifier  DatabaseVerifier
}

func (s Steps) validate() error {
	if s.Acquirer == nil || s.Exchanger == nil || s.Verifier == nil {
		return ErrMissingStep
	}
	return nil
}

// RunProbe walks the identity token through to a database session and
// reports every step on out. The first failing step ends the run.
func RunProbe(ctx context.Context, out io.Writer, steps Steps, conf config.Config) error {
	if err := steps.validate(); err != nil {
		return err
	}

	banner(out, fmt.Sprintf("Identity provider -> RDS (%s) connection probe", conf.Database.Host))

	util.Fwriteln(out, "Step 1: identity provider token")
	token, err := acquire(ctx, out, steps.Acquirer)
	if err != nil {
		return failed(out, 1, err)
	}
	util.Fwriteln(out, "")

	util.Fwriteln(out, "Step 2: RDS IAM auth token")
	dbToken, err := exchange(ctx, steps.Exchanger, token, conf.Timeouts.Http)
	if err != nil {
		if errors.Is(err, credentialexchange.ErrExchangeNotConfigured) {
			util.Fwriteln(out, "⚠️  identity token to AWS exchange is not configured")
			util.Fwriteln(out, "   set the role ARN (--role) trusted for AssumeRoleWithWebIdentity")
		}
		return failed(out, 2, err)
	}
	util.Fwriteln(out, "✅ RDS auth token generated")
	util.Fwriteln(out, "   Endpoint: %s", credentialexchange.DBEndpoint(conf.Database.Host, conf.Database.Port))
	util.Fwriteln(out, "   DB User: %s", conf.Database.User)
	util.Fwriteln(out, "")

	util.Fwriteln(out, "Step 3: RDS connection")
	result, err := steps.Verifier.Verify(ctx, ConnectionParameters(conf.Database), string(dbToken))
	if err != nil {
		return failed(out, 3, err)
	}
	util.Fwriteln(out, "✅ RDS connection succeeded")
	util.Fwriteln(out, "   PostgreSQL version: %s", result.Version)

	banner(out, "✅ all steps passed")
	return nil
}

// RunToken only performs the identity provider step.
func RunToken(ctx context.Context, out io.Writer, acquirer TokenAcquirer) error {
	if acquirer == nil {
		return ErrMissingStep
	}
	util.Fwriteln(out, "Step 1: identity provider token")
	if _, err := acquire(ctx, out, acquirer); err != nil {
		return failed(out, 1, err)
	}
	return nil
}

func acquire(ctx context.Context, out io.Writer, acquirer TokenAcquirer) (*idp.IdentityToken, error) {
	token, err := acquirer.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	util.Fwriteln(out, "✅ token issued")
	util.Fwriteln(out, "   Access Token: %s", util.Truncate(token.AccessToken, TOKEN_DISPLAY_PREFIX))
	util.Fwriteln(out, "   Token Type: %s", token.TokenType)
	if exp := token.ExpiresAt(); !exp.IsZero() {
		util.Fwriteln(out, "   Expires In: %d seconds (%s)", token.ExpiresIn, exp.Format(time.RFC3339))
	} else {
		util.Fwriteln(out, "   Expires In: not advertised")
	}
	return token, nil
}

// exchange bounds the STS round trip, token signing itself is local.
func exchange(ctx context.Context, exchanger credentialexchange.Exchanger, token *idp.IdentityToken, timeout time.Duration) (credentialexchange.DatabaseAuthToken, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return exchanger.Exchange(ctx, token)
}

func failed(out io.Writer, step int, err error) error {
	util.Fwriteln(out, "❌ Step %d failed: %s", step, err)
	banner(out, "❌ probe failed")
	return fmt.Errorf("step %d: %w, %w", step, err, ErrProbeFailed)
}

func banner(out io.Writer, title string) {
	line := strings.Repeat("=", 60)
	util.Fwriteln(out, "%s", line)
	util.Fwriteln(out, "%s", title)
	util.Fwriteln(out, "%s", line)
}

// ConnectionParameters maps the database target onto the connector input.
func ConnectionParameters(db config.DatabaseConfig) connector.ConnectionParameters {
	return connector.ConnectionParameters{
		Host:         db.Host,
		Port:         db.Port,
		Database:     db.Name,
		User:         db.User,
		SSLMode:      db.SSLMode,
		RootCertPath: db.RootCertPath,
	}
}
