package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

// errJobFailed reports a capture that ran but ended in the failed state.
var errJobFailed = errors.New("capture job failed")

func newCaptureCmd() *cobra.Command {
	var siteID string
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture one site now and print the finished job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			app, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			job, runErr := app.RunJob(cmd.Context(), siteID)
			if err := app.Close(cmd.Context()); err != nil {
				return fmt.Errorf("close application: %w", err)
			}
			if runErr != nil {
				return runErr
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(job); err != nil {
				return fmt.Errorf("encode job: %w", err)
			}
			if job.Status == bylaw.JobStatusFailed {
				return fmt.Errorf("%w: %s", errJobFailed, job.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&siteID, "site", "", "tracked site id")
	_ = cmd.MarkFlagRequired("site")
	return cmd
}
