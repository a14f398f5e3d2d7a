package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"jobsched/internal/config"
	"jobsched/internal/work"
	"jobsched/pkg/logx"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file without starting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(opts.configPath).Parse()
			if err != nil {
				return err
			}
			if err := config.Validate(cfg, work.NewRegistry(logx.Nop())); err != nil {
				return err
			}
			scheduled := 0
			for _, j := range cfg.Jobs {
				if j.Schedule != nil {
					scheduled++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d jobs, %d scheduled)\n", opts.configPath, len(cfg.Jobs), scheduled)
			return nil
		},
	}
}
