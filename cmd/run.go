package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quarryd/quarry/internal/app"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job>",
		Short: "Execute one configured job immediately and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			name := args[0]
			report, err := a.RunJob(cmd.Context(), name)
			logger.Info("run finished",
				zap.String("job", name),
				zap.Int("searched", report.Searched),
				zap.Int("looked_up", report.LookedUp),
				zap.Int("skipped", report.Skipped),
				zap.Int("failed", report.Failed),
			)
			if err != nil {
				return fmt.Errorf("job %s: %w", name, err)
			}
			return nil
		},
	}
}
