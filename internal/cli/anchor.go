package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"intent-registry/internal/app"
)

var (
	anchorEnd   string
	anchorAudit bool
)

var anchorCmd = &cobra.Command{
	Use:   "anchor",
	Short: "Publish accepted intents not yet covered by an anchor",
	RunE: func(cmd *cobra.Command, args []string) error {
		if anchorAudit {
			return getApp().AuditAnchor(cmd.Context())
		}

		opts := app.AnchorOptions{}
		if anchorEnd != "" {
			end, err := time.Parse(time.RFC3339, anchorEnd)
			if err != nil {
				return fmt.Errorf("invalid --end value: %w", err)
			}
			opts.End = end
		}
		return getApp().Anchor(cmd.Context(), opts)
	},
}

func init() {
	anchorCmd.Flags().StringVar(&anchorEnd, "end", "", "Window end (RFC3339, exclusive; defaults to now)")
	anchorCmd.Flags().BoolVar(&anchorAudit, "audit", false, "Check the latest anchor against its on-chain announcement instead")
}
