// Daraja — multi-account event gateway connector for the QQ bot platform.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "daraja",
	Short: "Daraja — event gateway connector for QQ bot accounts.",
	Long: `Daraja maintains inbound event streams for one or more QQ bot accounts,
over a persistent socket or a signed webhook callback per account, and hands
every message to a consumer as one canonical event shape regardless of the
transport that carried it.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
