// Package connector opens a single TLS protected PostgreSQL session with an
// IAM auth token as the password, runs one read only verification query and
// releases the session again.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	log "github.com/sirupsen/logrus"
)

const VerificationQuery = "SELECT version()"

var (
	ErrConnection  = errors.New("database connection failed")
	ErrTLSRequired = errors.New("TLS is mandatory for IAM database authentication")
	ErrEmptyToken  = errors.New("database auth token is empty")
)

// sslmodes that may end up on a plaintext connection.
var plaintextModes = map[string]bool{
	"disable": true,
	"allow":   true,
	"prefer":  true,
}

// ConnectionParameters are static, nothing here is derived at runtime.
type ConnectionParameters struct {
	Host         string
	Port         int
	Database     string
	User         string
	SSLMode      string
	RootCertPath string
}

// Result is for display only.
type Result struct {
	OK      bool
	Version string
}

// Conn is the subset of *pgx.Conn the connector needs.
type Conn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close(ctx context.Context) error
}

// Dialer establishes the session.
type Dialer interface {
	Dial(ctx context.Context, config *pgx.ConnConfig) (Conn, error)
}

type pgxDialer struct{}

func (pgxDialer) Dial(ctx context.Context, config *pgx.ConnConfig) (Conn, error) {
	conn, err := pgx.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connector verifies connectivity, it never retries and has no fallback
// credential path.
type Connector struct {
	dialer         Dialer
	connectTimeout time.Duration
	queryTimeout   time.Duration
}

// New returns a Connector dialing through pgx.
func New(connectTimeout, queryTimeout time.Duration) *Connector {
	return &Connector{dialer: pgxDialer{}, connectTimeout: connectTimeout, queryTimeout: queryTimeout}
}

func (c *Connector) WithDialer(d Dialer) *Connector {
	c.dialer = d
	return c
}

// ConnConfig builds the pgx configuration. The token is set on the parsed
// config and never interpolated into the connection string. Any parameter
// combination that could result in a plaintext session is rejected.
func ConnConfig(params ConnectionParameters, token string, connectTimeout time.Duration) (*pgx.ConnConfig, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}

	sslmode := params.SSLMode
	if sslmode == "" {
		sslmode = "require"
	}
	if plaintextModes[sslmode] {
		return nil, fmt.Errorf("sslmode=%s, %w", sslmode, ErrTLSRequired)
	}

	q := url.Values{}
	q.Set("sslmode", sslmode)
	if params.RootCertPath != "" {
		q.Set("sslrootcert", params.RootCertPath)
	}
	if connectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(connectTimeout.Seconds())))
	}
	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.User(params.User),
		Host:     net.JoinHostPort(params.Host, strconv.Itoa(params.Port)),
		Path:     "/" + params.Database,
		RawQuery: q.Encode(),
	}

	cfg, err := pgx.ParseConfig(dsn.String())
	if err != nil {
		return nil, err
	}
	cfg.Password = token
	if connectTimeout > 0 {
		cfg.ConnectTimeout = connectTimeout
	}

	if err := enforceTLS(&cfg.Config); err != nil {
		return nil, err
	}
	return cfg, nil
}

// enforceTLS drops plaintext fallbacks and fails when none is left with TLS.
func enforceTLS(cfg *pgconn.Config) error {
	fallbacks := make([]*pgconn.FallbackConfig, 0, len(cfg.Fallbacks))
	for _, fb := range cfg.Fallbacks {
		if fb.TLSConfig != nil {
			fallbacks = append(fallbacks, fb)
		}
	}
	cfg.Fallbacks = fallbacks
	if cfg.TLSConfig == nil {
		return ErrTLSRequired
	}
	return nil
}

// Verify connects with the token as the password, runs VerificationQuery
// once and releases the connection on every path.
func (c *Connector) Verify(ctx context.Context, params ConnectionParameters, token string) (*Result, error) {
	cfg, err := ConnConfig(params, token, c.connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w, %w", err, ErrConnection)
	}

	log.WithFields(log.Fields{
		"host":     cfg.Host,
		"port":     cfg.Port,
		"database": cfg.Database,
		"user":     cfg.User,
	}).Debug("DB: dialing")

	conn, err := c.dialer.Dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s, %w", err, ErrConnection)
	}
	s := &session{conn: conn}
	defer s.close()

	qctx := ctx
	if c.queryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, c.queryTimeout)
		defer cancel()
	}

	var version string
	if err := conn.QueryRow(qctx, VerificationQuery).Scan(&version); err != nil {
		return nil, fmt.Errorf("verification query: %s, %w", err, ErrConnection)
	}

	s.close()
	return &Result{OK: true, Version: version}, nil
}

// session makes releasing the connection idempotent.
type session struct {
	conn     Conn
	released bool
}

// close releases and logs a failed close, the verification outcome is
// already decided at that point.
func (s *session) close() {
	if err := s.release(); err != nil {
		log.WithError(err).Warn("DB: closing connection")
	}
}

func (s *session) release() error {
	if s.released {
		return nil
	}
	s.released = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.conn.Close(ctx)
}
