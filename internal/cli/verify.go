package cli

import (
	"github.com/spf13/cobra"

	"intent-registry/internal/app"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Verify a signed intent JSON document (stdin when no file is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.VerifyOptions{Input: "-"}
		if len(args) == 1 {
			opts.Input = args[0]
		}
		return getApp().Verify(cmd.Context(), opts)
	},
}
