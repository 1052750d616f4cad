// Command facilitator runs the x402 payment facilitator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "facilitator",
		Short:   "x402 payment facilitator for AI agents",
		Version: Version,
		RunE:    runServe,
	}
	bindServeFlags(rootCmd)

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(verifyTxCmd())
	rootCmd.AddCommand(storeServeCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the facilitator version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
