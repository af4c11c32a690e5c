package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/quarryd/quarry/internal/extract"
)

func newExtractCmd() *cobra.Command {
	var marker string

	cmd := &cobra.Command{
		Use:   "extract [file]",
		Short: "Extract the embedded JSON value following a marker from markup",
		Long: `Reads markup from a file (or stdin) and prints the balanced JSON value
that follows the marker, for example a page's window.__APP_STATE__ blob.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 1 {
				data, err = os.ReadFile(args[0])
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}

			doc, err := extract.Extract(string(data), marker)
			if err != nil {
				return fmt.Errorf("extract %q: %w", marker, err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(doc.Raw))
			return err
		},
	}

	cmd.Flags().StringVarP(&marker, "marker", "m", "", "text preceding the embedded value (required)")
	_ = cmd.MarkFlagRequired("marker")
	return cmd
}
