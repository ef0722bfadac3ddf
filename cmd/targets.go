package cmd

import (
	"fmt"

	"github.com/dnitsch/rds-auth-probe/internal/config"
	"github.com/spf13/cobra"
)

func newTargetsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List the targets declared in the ini config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := config.GetAllTargets(opts.configFile())
			if err != nil {
				return fmt.Errorf("%s, %w", err, config.ErrConfigFailure)
			}
			for _, t := range targets {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
}
