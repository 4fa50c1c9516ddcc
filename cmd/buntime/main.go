package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/buntime/buntime/cmd/buntime/commands"
	"github.com/buntime/buntime/logger"
)

var rootCmd = &cobra.Command{
	Use:   "buntime",
	Short: "Buntime - multi-tenant application runtime",
	Long: `Buntime - a multi-tenant application runtime.

Buntime serves versioned app bundles from worker directories, each app
version running in its own isolated child process with at most one
request in flight, behind a shared HTTP front door.

Available commands:
  serve     - Start the runtime server
  install   - Install an app archive into the first worker directory
  uninstall - Remove an installed app version
  resolve   - Show which app version a URL path resolves to
  version   - Show build information

Examples:
  buntime serve                      # Start with RUNTIME_* env config
  buntime install ./blog-1.2.0.tgz   # Install a local archive
  buntime resolve /blog@1.2          # Print the resolved version`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		logger.SetVerbosity(verbosity)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v enables debug output)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.InstallCmd)
	rootCmd.AddCommand(commands.UninstallCmd)
	rootCmd.AddCommand(commands.ResolveCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
