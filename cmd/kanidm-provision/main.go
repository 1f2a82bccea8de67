// Command kanidm-provision reconciles a declarative state file against
// a kanidm instance.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oddlama/kanidm-provision/internal/kanidm"
	"github.com/oddlama/kanidm-provision/internal/provision"
	"github.com/oddlama/kanidm-provision/internal/state"
)

const adminTokenEnv = "KANIDM_PROVISION_IDM_ADMIN_TOKEN"

func newRootCmd() *cobra.Command {
	var (
		url                string
		statePath          string
		acceptInvalidCerts bool
		noAutoRemove       bool
	)

	cmd := &cobra.Command{
		Use:           "kanidm-provision",
		Short:         "Provision groups, persons and oauth2 clients on a kanidm instance from a declarative state file",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// a .env file is optional
			_ = godotenv.Load()

			password := os.Getenv(adminTokenEnv)
			if password == "" {
				return fmt.Errorf("environment variable %s is not set", adminTokenEnv)
			}

			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			st, err := state.Load(statePath)
			if err != nil {
				return err
			}

			client := kanidm.NewClient(url, kanidm.Options{
				AcceptInvalidCerts: acceptInvalidCerts,
				Logger:             logger,
			})
			if err := client.Authenticate("idm_admin", password); err != nil {
				return fmt.Errorf("failed to authenticate: %w", err)
			}

			return provision.NewEngine(client, logger, !noAutoRemove).Run(st)
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "URL of the kanidm instance")
	cmd.Flags().StringVar(&statePath, "state", "", "path to the state file describing the desired target state")
	cmd.Flags().BoolVar(&acceptInvalidCerts, "accept-invalid-certs", false, "DANGEROUS: accept invalid TLS certificates, e.g. for testing instances")
	cmd.Flags().BoolVar(&noAutoRemove, "no-auto-remove", false, "do not remove orphaned entities that were previously provisioned but are no longer declared")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("state")

	return cmd
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return cfg.Build()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
