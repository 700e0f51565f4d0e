package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"intent-registry/internal/app"
)

var (
	signAsset     string
	signSize      string
	signPrice     string
	signDirection string
	signExpiresIn time.Duration
	signExpiry    string
	signNonce     string
	signSubmit    bool
)

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a trade intent with the configured wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		if signAsset == "" || signSize == "" || signPrice == "" || signDirection == "" {
			return fmt.Errorf("--asset, --size, --price and --direction must be provided")
		}

		expiry := time.Now().Add(signExpiresIn)
		if signExpiry != "" {
			parsed, err := time.Parse(time.RFC3339, signExpiry)
			if err != nil {
				return fmt.Errorf("invalid --expiry value: %w", err)
			}
			expiry = parsed
		}

		opts := app.SignOptions{
			Asset:          signAsset,
			Size:           signSize,
			ReferencePrice: signPrice,
			Direction:      signDirection,
			Expiry:         expiry,
			Nonce:          signNonce,
			Submit:         signSubmit,
		}
		return getApp().Sign(cmd.Context(), opts)
	},
}

func init() {
	signCmd.Flags().StringVar(&signAsset, "asset", "", "Asset identifier, e.g. ETH")
	signCmd.Flags().StringVar(&signSize, "size", "", "Quantity in whole units, e.g. 1.5")
	signCmd.Flags().StringVar(&signPrice, "price", "", "Reference price in whole units")
	signCmd.Flags().StringVar(&signDirection, "direction", "", "BUY or SELL")
	signCmd.Flags().DurationVar(&signExpiresIn, "expires-in", 24*time.Hour, "Validity window from now")
	signCmd.Flags().StringVar(&signExpiry, "expiry", "", "Absolute expiry (RFC3339), overrides --expires-in")
	signCmd.Flags().StringVar(&signNonce, "nonce", "", "Nonce as 32 hex digits (random when empty)")
	signCmd.Flags().BoolVar(&signSubmit, "submit", false, "Submit the signed intent to the registry")
}
