package cmd

import (
	"net/http"

	"github.com/dnitsch/rds-auth-probe/internal/cmdutils"
	"github.com/dnitsch/rds-auth-probe/internal/idp"
	"github.com/spf13/cobra"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token <flags>",
		Short: "Only request a client credentials token from the identity provider",
		Long:  `Useful to check the identity provider client setup without touching AWS or the database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := resolveConfig(cmd.Flags(), opts.configFile(), opts.cfgSectionName, opts.verbose)
			if err != nil {
				return err
			}
			if err := conf.ValidateIdp(); err != nil {
				return err
			}
			acquirer := idp.New(conf.Idp, &http.Client{Timeout: conf.Timeouts.Http})
			return cmdutils.RunToken(cmd.Context(), cmd.OutOrStdout(), acquirer)
		},
	}
}
