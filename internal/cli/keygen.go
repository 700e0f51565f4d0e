package cli

import (
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a signing key for local use",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Keygen(cmd.Context())
	},
}
