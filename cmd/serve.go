package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quarryd/quarry/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and HTTP status server until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("assemble service: %w", err)
			}
			defer a.Close()

			return a.Serve(cmd.Context())
		},
	}
}
