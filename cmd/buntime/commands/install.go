package commands

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/buntime/buntime/config"
	"github.com/buntime/buntime/errors"
	"github.com/buntime/buntime/registry"
)

// exitCodeHandler distinguishes operation failures from config failures
const exitCodeHandler = 2

// InstallCmd installs a local app archive
var InstallCmd = &cobra.Command{
	Use:   "install <archive>",
	Short: "Install an app archive into the first worker directory",
	Long: `Extract a .tgz or .zip app bundle, validate its manifest, and
install it under <workerDir>/<name>/<version>. The install is atomic: a
failed validation leaves the worker directory untouched.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, err := firstWorkerStore()
		if err != nil {
			pterm.Error.Printf("Configuration error: %v\n", err)
			os.Exit(1)
		}

		manifest, err := installArchive(store, args[0])
		if err != nil {
			pterm.Error.Printf("Install failed: %v\n", err)
			os.Exit(exitCodeHandler)
		}
		pterm.Success.Printf("Installed %s@%s into %s\n", manifest.Name, manifest.Version, store.Root())
	},
}

// UninstallCmd removes an installed app version
var UninstallCmd = &cobra.Command{
	Use:   "uninstall <name> <version>",
	Short: "Remove an installed app version",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		store, err := firstWorkerStore()
		if err != nil {
			pterm.Error.Printf("Configuration error: %v\n", err)
			os.Exit(1)
		}

		if err := store.Uninstall(args[0], args[1]); err != nil {
			pterm.Error.Printf("Uninstall failed: %v\n", err)
			os.Exit(exitCodeHandler)
		}
		pterm.Success.Printf("Removed %s@%s\n", args[0], args[1])
	},
}

func firstWorkerStore() (*registry.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	dirs := cfg.WorkerDirList()
	if len(dirs) == 0 {
		return nil, errors.NewInvalidConfig("no usable worker directories in %q", cfg.WorkerDirs)
	}
	return registry.NewStore(dirs[0]), nil
}

func installArchive(store *registry.Store, path string) (*registry.Manifest, error) {
	kind, err := registry.DetectArchiveKind(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open archive %s", path)
	}
	defer file.Close()

	return store.Install(file, kind)
}
