package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/streetview-cache/internal/pipeline"
)

// newCaptureCmd photographs one target and prints the result as JSON.
func newCaptureCmd() *cobra.Command {
	var req pipeline.Request
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Captures one target and prints the result",
		Long: `Runs the strategy chain for a single target without starting the API.
A cached image is reported without opening the browser.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer appInstance.Close()

			res, err := appInstance.Capture(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("capture %s: %w", req.TargetID, err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&req.TargetID, "target-id", "", "identifier of the target record")
	cmd.Flags().StringVar(&req.Address, "address", "", "postal address to photograph")
	_ = cmd.MarkFlagRequired("target-id")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}
