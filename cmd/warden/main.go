package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wardenscan/warden/cmd/warden/commands"
	"github.com/wardenscan/warden/logger"
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden - security scan orchestration service",
	Long: `Warden orchestrates autonomous security scans against web targets.

It admits scan requests (target validation, network placement checks,
instruction screening, rate limiting), supervises the external scanner
process per job, and streams progress and findings to subscribers over
WebSocket with full replay.

Available commands:
  serve   - Start the scan orchestration server
  version - Show version information

Examples:
  warden serve                 # Start with discovered config
  warden serve --port 9000     # Override the listen port
  warden version --json        # Version info as JSON`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
