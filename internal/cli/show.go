package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"intent-registry/internal/app"
)

var (
	showLimit  int
	showSigner string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent registry records",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Signer: showSigner,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of records to display")
	showCmd.Flags().StringVar(&showSigner, "signer", "", "Only show records of this signer address")
}
