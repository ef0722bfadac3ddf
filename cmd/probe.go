package cmd

import (
	"net/http"

	"github.com/dnitsch/rds-auth-probe/internal/cmdutils"
	"github.com/dnitsch/rds-auth-probe/internal/connector"
	"github.com/dnitsch/rds-auth-probe/internal/credentialexchange"
	"github.com/dnitsch/rds-auth-probe/internal/idp"
	"github.com/spf13/cobra"
)

func newProbeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <flags>",
		Short: "Run the token, exchange and connection steps end to end",
		Long: `Requests an identity provider token, exchanges it for temporary AWS credentials,
signs an RDS IAM auth token and verifies it by running SELECT version() over TLS.
Exits non zero on the first failing step.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return probe(cmd, opts)
		},
	}
}

func probe(cmd *cobra.Command, opts *rootOptions) error {
	conf, err := resolveConfig(cmd.Flags(), opts.configFile(), opts.cfgSectionName, opts.verbose)
	if err != nil {
		return err
	}
	if err := conf.Validate(); err != nil {
		return err
	}

	ctx := cmd.Context()
	exchanger, err := credentialexchange.NewExchanger(ctx, conf.Aws, conf.Database, username())
	if err != nil {
		return err
	}

	steps := cmdutils.Steps{
		Acquirer:  idp.New(conf.Idp, &http.Client{Timeout: conf.Timeouts.Http}),
		Exchanger: exchanger,
		Verifier:  connector.New(conf.Timeouts.Connect, conf.Timeouts.Query),
	}
	return cmdutils.RunProbe(ctx, cmd.OutOrStdout(), steps, *conf)
}
