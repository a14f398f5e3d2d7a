package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "jobsched",
		Short: "Recurring job scheduler",
		Long: `jobsched runs named jobs on timer, daily, weekly and cron schedules.

Examples:
  # Validate a config file
  jobsched validate -c /etc/jobsched/jobsched.yaml

  # Run the scheduler
  jobsched daemon -c /etc/jobsched/jobsched.yaml

  # List jobs and run one now
  jobsched jobs list
  jobsched jobs run nightly-backup`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadEnvFile(opts.envFile)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./jobsched.yaml", "config file (JSON or YAML)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config; ignored when missing")

	cmd.AddCommand(
		newDaemonCmd(opts),
		newValidateCmd(opts),
		newJobsCmd(opts),
	)
	return cmd
}

// loadEnvFile exports the variables of path without overriding the real
// environment, so ${VAR} references in the config can use them.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}
