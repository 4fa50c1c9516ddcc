package commands

import (
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/buntime/buntime/config"
	"github.com/buntime/buntime/registry"
)

// ResolveCmd shows what an app URL path resolves to on disk
var ResolveCmd = &cobra.Command{
	Use:   "resolve <path>",
	Short: "Show which installed app version a URL path resolves to",
	Long: `Resolve a URL path like /blog or /blog@1.2 against the configured
worker directories and print the selected version and its directory.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			pterm.Error.Printf("Configuration error: %v\n", err)
			os.Exit(1)
		}

		path := args[0]
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}

		app, err := registry.NewResolver(cfg.WorkerDirList()).Resolve(path)
		if err != nil {
			pterm.Error.Printf("Resolution failed: %v\n", err)
			os.Exit(exitCodeHandler)
		}

		pterm.Success.Printf("%s resolves to %s@%s\n", path, app.Name, app.Version)
		pterm.Info.Printf("Directory: %s\n", app.Dir)
	},
}
