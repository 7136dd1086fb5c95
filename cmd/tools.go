package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"taskpilot/internal/auth"
	"taskpilot/internal/models"
	"taskpilot/internal/provider"
	"taskpilot/internal/provider/detect"
	"taskpilot/internal/provider/factory"
)

func newDetectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect <api-key>",
		Short: "Report which provider an API key belongs to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, ok := detect.Detect(args[0])
			if !ok {
				return errors.New("unable to determine AI provider from API key format")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", id, id.DisplayName())
			return nil
		},
	}
}

func newProvidersCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List supported providers and their models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			f := factory.New(factory.WithLogger(logger), factory.WithConfig(cfg.Providers))

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODEL\tNAME\tMAX TOKENS")
			for _, id := range f.SupportedProviders() {
				info, err := f.ProviderInfo(id)
				if err != nil {
					return err
				}
				for _, m := range info.Models {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", id, m.ID, m.Name, m.ContextWindow)
				}
			}
			return w.Flush()
		},
	}
}

func newPingCmd(opts *rootOptions) *cobra.Command {
	var providerName string

	cmd := &cobra.Command{
		Use:   "ping <api-key>",
		Short: "Check that an API key can reach its provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id models.ProviderID
			if providerName != "" {
				parsed, ok := models.ParseProviderID(strings.ToLower(providerName))
				if !ok {
					return fmt.Errorf("provider %q is not supported", providerName)
				}
				id = parsed
			}

			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			f := factory.New(factory.WithLogger(logger), factory.WithConfig(cfg.Providers))

			ctx, cancel := context.WithTimeout(cmd.Context(), provider.TestTimeout)
			defer cancel()

			result := f.TestConnection(ctx, args[0], id)
			if !result.Success {
				return fmt.Errorf("%s: %s", result.ProviderName, result.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: connection ok\n", result.ProviderName)
			return nil
		},
	}

	cmd.Flags().StringVar(&providerName, "provider", "", "provider to test against (detected from the key when empty)")
	return cmd
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token for local development",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			authn, err := auth.New(cfg.Auth, logger)
			if err != nil {
				return err
			}
			token, err := authn.Issue(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
