package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/buntime/buntime/config"
	"github.com/buntime/buntime/errors"
	"github.com/buntime/buntime/server"
)

// ServeCmd starts the runtime server
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server", "start"},
	Short:   "Start the Buntime runtime server",
	Long: `Start the front-door HTTP server: apps resolve from the worker
directories, workers spawn on demand, plugins mount their routes, and
the admin surface lives under /_/.`,
	RunE: runServe,
}

var serveConfigPath string

func init() {
	ServeCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to a buntime.toml config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig()
	if err != nil {
		// Config errors are fatal at boot
		pterm.Error.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}

	rt, err := server.New(cfg)
	if err != nil {
		pterm.Error.Printf("Failed to build runtime: %v\n", err)
		os.Exit(1)
	}

	if file := config.GetViper().ConfigFileUsed(); file != "" {
		if err := rt.WatchConfig(file); err != nil {
			pterm.Warning.Printf("Config watching disabled: %v\n", err)
		}
	}

	printStartupBanner(cfg)

	errChan := make(chan error, 1)
	go func() {
		errChan <- rt.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server failed")
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- rt.Stop()
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "shutdown failed")
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}

func loadServeConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if serveConfigPath != "" {
		cfg, err = config.LoadFromFile(serveConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
