package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"syscall"

	"github.com/dnitsch/rds-auth-probe/internal/config"
	"github.com/dnitsch/rds-auth-probe/internal/util"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// rootOptions are the persistent flags that are not part of config.Config.
type rootOptions struct {
	cfgSectionName string
	cfgFile        string
	verbose        bool
}

func (o *rootOptions) configFile() string {
	if o.cfgFile != "" {
		return o.cfgFile
	}
	return config.ConfigIniFile("")
}

// NewRootCmd builds the full command tree, every call returns
// independent flag state.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   config.SELF_NAME,
		Short: "CLI tool for probing IAM authenticated access to RDS through an OIDC identity provider",
		Long: `CLI tool for probing IAM authenticated access to RDS PostgreSQL.
Requests a client credentials token from the identity provider, exchanges it via AWS STS AssumeRoleWithWebIdentity,
signs an RDS IAM auth token and opens a single TLS connection running SELECT version().
Values are read from flags, RDS_AUTH_PROBE_* env vars or a [target.<name>] section in $HOME/.rds-auth-probe.ini`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.ConfigureLogging(opts.verbose)
		},
	}

	f := rootCmd.PersistentFlags()
	f.StringVarP(&opts.cfgFile, "config", "c", "", "Path to the ini config file, defaults to $HOME/.rds-auth-probe.ini")
	f.StringVarP(&opts.cfgSectionName, "cfg-section", "", "", "config section name in the ini config file, i.e. prod => [target.prod]")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output")
	configFlags(f)

	rootCmd.AddCommand(
		newProbeCmd(opts),
		newTokenCmd(opts),
		newTargetsCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		util.Exit(err)
	}
}

// configFlags registers every flag that maps onto config.Config, ini keys
// and env vars use the same names.
func configFlags(f *pflag.FlagSet) {
	// identity provider
	f.StringP("idp-url", "u", "", "Base URL of the identity provider, i.e. http://localhost:8080")
	f.StringP("realm", "", "", "Realm the client is registered in")
	f.StringP("client-id", "", "", "Client id of the service account client")
	f.StringP("client-secret", "", "", "Client secret, prefer RDS_AUTH_PROBE_CLIENT_SECRET over the flag")

	// aws
	f.StringP("region", "", "", "AWS region of the database, falls back to the AWS default config chain")
	f.StringP("role", "r", "", "Role ARN trusted for AssumeRoleWithWebIdentity")
	f.StringP("session-name", "", "", "Role session name, defaults to <username>-rds-auth-probe")
	f.IntP("session-duration", "d", config.DEFAULT_SESSION_SECONDS, "Role session duration in seconds [900-43200]")
	f.StringP("sts-endpoint", "", "", "Override the STS endpoint, must be an AWS STS endpoint")
	f.StringP("expected-issuer", "", "", "Fail before calling STS unless the token iss claim matches")
	f.StringP("expected-audience", "", "", "Fail before calling STS unless the token aud claim contains this value")
	f.DurationP("clock-skew", "", config.DEFAULT_CLOCK_SKEW, "Minimum validity the identity token must have left")

	// database
	f.StringP("db-host", "", "", "RDS instance or cluster endpoint")
	f.IntP("db-port", "p", config.DEFAULT_DB_PORT, "Database port")
	f.StringP("db-name", "", "", "Database name")
	f.StringP("db-user", "", "", "Database user granted rds_iam")
	f.StringP("sslmode", "", config.DEFAULT_SSL_MODE, "One of require, verify-ca, verify-full")
	f.StringP("sslrootcert", "", "", "CA bundle used with verify-ca and verify-full")

	// timeouts
	f.DurationP("http-timeout", "", config.DEFAULT_TIMEOUT, "Timeout for the token request and the STS call")
	f.DurationP("connect-timeout", "", config.DEFAULT_TIMEOUT, "Timeout for establishing the database connection")
	f.DurationP("query-timeout", "", config.DEFAULT_TIMEOUT, "Timeout for the verification query")
}

// resolveConfig layers flags over env vars over the selected ini target
// over flag defaults.
func resolveConfig(flags *pflag.FlagSet, file, section string, verbose bool) (*config.Config, error) {
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(config.ENV_PREFIX)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	target, err := config.LoadTarget(file, section)
	if err != nil {
		return nil, err
	}
	if err := v.MergeConfigMap(target); err != nil {
		return nil, fmt.Errorf("%s, %w", err, config.ErrConfigFailure)
	}
	util.Traceln("Using config file: %s, target: %q", file, section)

	conf := config.New()
	conf.Verbose = verbose
	conf.Idp = config.IdpConfig{
		BaseUrl:      v.GetString("idp-url"),
		Realm:        v.GetString("realm"),
		ClientId:     v.GetString("client-id"),
		ClientSecret: v.GetString("client-secret"),
	}
	conf.Aws = config.AwsConfig{
		Region:           v.GetString("region"),
		RoleArn:          v.GetString("role"),
		SessionName:      v.GetString("session-name"),
		SessionDuration:  v.GetInt("session-duration"),
		StsEndpoint:      v.GetString("sts-endpoint"),
		ExpectedIssuer:   v.GetString("expected-issuer"),
		ExpectedAudience: v.GetString("expected-audience"),
		ClockSkew:        v.GetDuration("clock-skew"),
	}
	conf.Database = config.DatabaseConfig{
		Host:         v.GetString("db-host"),
		Port:         v.GetInt("db-port"),
		Name:         v.GetString("db-name"),
		User:         v.GetString("db-user"),
		SSLMode:      v.GetString("sslmode"),
		RootCertPath: v.GetString("sslrootcert"),
	}
	conf.Timeouts = config.Timeouts{
		Http:    v.GetDuration("http-timeout"),
		Connect: v.GetDuration("connect-timeout"),
		Query:   v.GetDuration("query-timeout"),
	}
	return conf, nil
}

func username() string {
	u, err := user.Current()
	if err != nil {
		return os.Getenv("USER")
	}
	return u.Username
}
