package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"taskpilot/internal/assistant"
	"taskpilot/internal/auth"
	"taskpilot/internal/credential"
	"taskpilot/internal/metrics"
	"taskpilot/internal/provider/factory"
	"taskpilot/internal/secrets"
	"taskpilot/internal/server"
	"taskpilot/internal/store"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var overridePort int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the HTTP server.

Examples:
  # Serve with defaults and secrets from the environment or .env
  taskpilot serve

  # Serve with a config file on another port
  taskpilot serve --config taskpilot.yaml --port 9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}

			if overridePort != 0 {
				if overridePort < 0 || overridePort > 65535 {
					return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
				}
				cfg.Server.Port = overridePort
			}
			if err := cfg.RequireSecrets(); err != nil {
				return err
			}

			st, err := store.Open(cfg.Storage)
			if err != nil {
				return err
			}
			defer func() {
				if err := st.Close(); err != nil {
					logger.Error().Err(err).Msg("close store")
				}
			}()

			cipher, err := secrets.New(cfg.Security.EncryptionKey)
			if err != nil {
				return err
			}
			authn, err := auth.New(cfg.Auth, logger)
			if err != nil {
				return err
			}

			collector := metrics.New()
			creds := credential.New(st, cipher)
			f := factory.New(factory.WithLogger(logger), factory.WithConfig(cfg.Providers))
			svc := assistant.New(f, creds, st,
				assistant.WithMetrics(collector),
				assistant.WithLogger(logger),
			)

			srv, err := server.New(cfg, server.Deps{
				Assistant:   svc,
				Credentials: creds,
				Factory:     f,
				Auth:        authn,
				Metrics:     collector,
				Logger:      logger,
			})
			if err != nil {
				return err
			}

			logger.Info().
				Str("storage", cfg.Storage.Driver).
				Int("port", cfg.Server.Port).
				Msg("taskpilot configured")
			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().IntVarP(&overridePort, "port", "p", 0, "override server port from configuration")
	return cmd
}
