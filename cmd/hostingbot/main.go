package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hostingbot/hostingbot/pkg/api"
	"github.com/hostingbot/hostingbot/pkg/config"
	"github.com/hostingbot/hostingbot/pkg/events"
	"github.com/hostingbot/hostingbot/pkg/ingest"
	"github.com/hostingbot/hostingbot/pkg/layout"
	"github.com/hostingbot/hostingbot/pkg/log"
	"github.com/hostingbot/hostingbot/pkg/quota"
	"github.com/hostingbot/hostingbot/pkg/sandbox"
	"github.com/hostingbot/hostingbot/pkg/security"
	"github.com/hostingbot/hostingbot/pkg/storage"
	"github.com/hostingbot/hostingbot/pkg/supervisor"
	"github.com/hostingbot/hostingbot/pkg/watchdog"
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
	Use:   "hostingbot",
	Short: "Hostingbot - multi-tenant hosting supervisor for user projects",
	Long: `Hostingbot hosts user-supplied Python projects: it ingests uploads,
provisions per-project dependency sandboxes, runs projects as supervised
long-lived processes with crash-restart backoff, and enforces per-user
resource quotas.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hostingbot version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().String("config", "", "Path to YAML config file")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hosting supervisor",
	Long: `Start the supervisor: open the metadata store, launch the watchdog
and staging janitor, autostart flagged projects and expose the health
endpoint. Runs until SIGINT/SIGTERM.

Shutdown stops the service tasks but leaves project processes running;
they are reattached by autostart on the next boot.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServe(configPath)
	},
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")

	lm, err := layout.NewManager(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to prepare data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer store.Close()

	box, err := security.NewSecretBoxFromPassword(cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("failed to initialize secret box: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	guard := quota.NewGuard(store, cfg, lm)
	sb := sandbox.NewProvisioner(store, cfg, lm)
	sup := supervisor.New(store, cfg, lm, guard, box, sb, broker)
	ing := ingest.NewIngestor(store, cfg, lm, guard)
	facade := api.NewFacade(store, cfg, lm, guard, box, sb, ing, sup, broker)
	_ = facade // the front-end transport attaches here

	wd := watchdog.New(sup, store, cfg, lm)
	wd.Start()
	defer wd.Stop()

	ing.StartJanitor()
	defer ing.StopJanitor()

	healthServer := api.NewHealthServer(store, sup, Version)
	errCh := make(chan error, 1)
	go func() {
		if err := healthServer.Start(cfg.ListenAddr); err != nil {
			errCh <- fmt.Errorf("health server error: %w", err)
		}
	}()
	logger.Info().Str("addr", cfg.ListenAddr).Msg("Health endpoint listening")

	go sup.AutostartAll(context.Background())

	logger.Info().Str("data_dir", cfg.DataDir).Msg("Hostingbot is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("Shutting down")
	case err := <-errCh:
		return err
	}
	return nil
}
