package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
	"github.com/JakeFAU/bylaw-capture/internal/config"
	"github.com/JakeFAU/bylaw-capture/internal/server"
)

// buildApp is the application factory. Tests replace it.
var buildApp = func(ctx context.Context, cfg *config.Config) (application, error) {
	return server.Build(ctx, cfg)
}

// application is the slice of *server.App the commands use.
type application interface {
	Run(ctx context.Context) error
	RunJob(ctx context.Context, siteID string) (bylaw.CaptureJob, error)
	Close(ctx context.Context) error
}

type cfgKey struct{}

// newRootCmd creates the command tree. Configuration is loaded once in
// PersistentPreRunE and handed to subcommands through the context.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "bylawd",
		Short: "Captures, preserves and versions municipal bylaws.",
		Long: `bylawd tracks municipal bylaw sites. It discovers bylaw documents,
preserves every fetched byte with integrity digests, versions the
canonical text and extracts structured requirements from it.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), cfgKey{}, &cfg))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); BYLAW_* env vars override it")

	cmd.AddCommand(newServeCmd(), newCaptureCmd(), newMigrateCmd())
	return cmd
}

func configFrom(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(cfgKey{}).(*config.Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return cfg, nil
}
