// Tuma — sandboxed script execution and rate-governed dispatch for bot automation.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tuma",
	Short: "Tuma — sandboxed script execution and rate-governed dispatch.",
	Long: `Tuma runs untrusted automation scripts inside disposable, capability-limited
isolates and mediates every outbound call they make: remote API calls pass a
rate governor with admission control, retry/backoff, and circuit breaking;
data-store access passes a per-run grant with its own rate limits.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, validateCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
