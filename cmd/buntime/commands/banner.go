package commands

import (
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/buntime/buntime/config"
	"github.com/buntime/buntime/internal/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(cfg *config.Config) {
	info := version.Get()

	pterm.DefaultBox.
		WithTitle("Buntime").
		WithTitleTopCenter().
		Println("Multi-tenant application runtime\n" +
			"One app version per worker, one request per worker")

	data := pterm.TableData{
		{"Version", info.Version + " (" + info.Short() + ")"},
		{"Port", strconv.Itoa(cfg.ListenPort())},
		{"Environment", envName(cfg)},
		{"Worker dirs", strings.Join(cfg.WorkerDirList(), ", ")},
		{"Pool size", strconv.Itoa(cfg.PoolSize)},
		{"Runner", cfg.Runner},
	}
	if dirs := cfg.PluginDirList(); len(dirs) > 0 {
		data = append(data, []string{"Plugin dirs", strings.Join(dirs, ", ")})
	}
	if len(cfg.Plugins) > 0 {
		data = append(data, []string{"Plugins", strings.Join(cfg.Plugins, ", ")})
	}
	if cfg.DelayMS > 0 {
		data = append(data, []string{"Dispatch delay", strconv.Itoa(cfg.DelayMS) + "ms"})
	}

	pterm.DefaultTable.WithData(data).Render()
	pterm.Info.Println("Press Ctrl+C to stop")
}

func envName(cfg *config.Config) string {
	if cfg.IsProduction() {
		return "production"
	}
	return "development"
}
