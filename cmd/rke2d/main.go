package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/analyzer"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/api"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/events"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/guard"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/kubectl"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/log"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/metrics"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/orchestrator"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/preflight"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/runner"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/security"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/status"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rke2d",
	Short: "rke2d - lifecycle controller for on-premise RKE2 clusters",
	Long: `rke2d is a centralized controller that installs, scales and removes
RKE2 Kubernetes clusters on existing machines over SSH, driving
ansible-playbook runs through staged, per-cluster serialized jobs.`,
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		listenAddr, _ := cmd.Flags().GetString("listen")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		workDir, _ := cmd.Flags().GetString("work-dir")
		playbookDir, _ := cmd.Flags().GetString("playbook-dir")
		logLevel, _ := cmd.Flags().GetString("log-level")
		logJSON, _ := cmd.Flags().GetBool("log-json")

		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
		logger := log.WithComponent("rke2d")

		secrets, err := security.NewSecretsManagerFromEnv()
		if err != nil {
			return fmt.Errorf("failed to initialize secrets manager: %w", err)
		}

		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return fmt.Errorf("failed to create work directory: %w", err)
		}

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		reconciled, err := store.ReconcileStaleLocks()
		if err != nil {
			return fmt.Errorf("failed to reconcile stale locks: %w", err)
		}
		if len(reconciled) > 0 {
			metrics.StaleLocksReconciled.Add(float64(len(reconciled)))
			logger.Warn().Ints64("cluster_ids", reconciled).Msg("released locks orphaned by restart")
		}

		hub := events.NewHub()
		kc := kubectl.NewRunner()
		an := analyzer.NewFromEnv()
		if an.Enabled() {
			logger.Info().Msg("analyzer endpoint configured")
		}

		orch := orchestrator.New(orchestrator.Config{
			Store:       store,
			Hub:         hub,
			Runner:      runner.New(store),
			Guard:       guard.New(),
			Secrets:     secrets,
			Checker:     preflight.New(kc),
			Analyzer:    an,
			WorkDir:     workDir,
			PlaybookDir: playbookDir,
		})

		server := api.New(api.Config{
			Store:        store,
			Orchestrator: orch,
			Hub:          hub,
			Status:       status.New(store, kc),
			Secrets:      secrets,
		})

		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", listenAddr).Msg("API server listening")
			errCh <- server.Start(listenAddr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			return fmt.Errorf("server error: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("server shutdown failed")
		}

		// Running jobs get to finish; their playbooks are already in flight
		logger.Info().Msg("waiting for in-flight jobs")
		orch.Wait()
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"rke2d version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().String("listen", ":8080", "API listen address")
	serveCmd.Flags().String("data-dir", "/var/lib/rke2d", "State directory for the bbolt database")
	serveCmd.Flags().String("work-dir", "/var/lib/rke2d/work", "Scratch directory for per-job inventories")
	serveCmd.Flags().String("playbook-dir", "/usr/share/rke2d/playbooks", "Directory holding the ansible playbooks")
	serveCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().Bool("log-json", false, "Emit JSON logs instead of console output")

	rootCmd.AddCommand(serveCmd)
}
