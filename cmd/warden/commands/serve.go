package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/wardenscan/warden/agent"
	"github.com/wardenscan/warden/config"
	"github.com/wardenscan/warden/errors"
	"github.com/wardenscan/warden/logger"
	"github.com/wardenscan/warden/scan"
	"github.com/wardenscan/warden/server"
)

// ServeCmd starts the scan orchestration server
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the scan orchestration server",
	Long: `Launch the Warden server: the HTTP API for creating and managing scan
jobs, and the WebSocket feed streaming per-scan progress and findings.`,
	RunE: runServe,
}

var servePort int

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}

	scanAgent, err := agent.NewExecAgent(
		cfg.Scan.AgentCommand,
		time.Duration(cfg.Scan.AgentGraceSeconds)*time.Second,
	)
	if err != nil {
		return errors.Wrap(err, "failed to configure scanner agent")
	}

	svc, err := scan.NewService(
		scan.PolicyFromConfig(cfg.Admission),
		scanAgent,
		time.Duration(cfg.Scan.MaxDurationSeconds)*time.Second,
	)
	if err != nil {
		return errors.Wrap(err, "failed to build scan service")
	}

	// Hot-reload the admission policy when the config file changes.
	var watcher *config.Watcher
	if configPath := config.FindProjectConfig(); configPath != "" {
		watcher, err = config.NewWatcher(configPath)
		if err != nil {
			logger.Warnw("Config watcher unavailable", logger.FieldError, err)
		} else {
			watcher.OnReload(func(updated *config.Config) error {
				return svc.Validator().SetPolicy(scan.PolicyFromConfig(updated.Admission))
			})
			watcher.Start()
			defer watcher.Stop()
			logger.Infow("Watching config for admission policy changes",
				logger.FieldPath, configPath,
			)
		}
	}

	srv := server.New(svc, cfg.Server)

	printStartupBanner(port, cfg.Scan.AgentCommand)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server failed to start")
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- srv.Stop()
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
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
