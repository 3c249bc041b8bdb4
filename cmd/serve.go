package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API and the capture workers",
		Long: `Starts the HTTP API, the asynchronous capture workers and the metrics
endpoint. The process drains in-flight captures on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer appInstance.Close()
			return appInstance.Run(cmd.Context())
		},
	}
}
