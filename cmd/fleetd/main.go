package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/fleetd/pkg/agent"
	"github.com/cuemby/fleetd/pkg/config"
	"github.com/cuemby/fleetd/pkg/log"
	"github.com/cuemby/fleetd/pkg/metrics"
)

// Version information, set via ldflags during build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	exitOK             = 0
	exitFatalInit      = 1
	exitInterrupted    = 130
	exitTerminated     = 143
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFatalInit)
	}
}

var rootCmd = &cobra.Command{
	Use:     "fleetd",
	Short:   "fleetd - the edge device agent for fleet management",
	Long:    `fleetd runs on a managed edge device, reconciling its running containers against cloud-declared target state, reporting status back, and executing remotely-dispatched jobs.`,
	Version: Version,
	RunE:    runAgent,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("fleetd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.Flags().String("config", "/etc/fleetd/config.yaml", "Path to the bootstrap config file")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve the Prometheus /metrics endpoint on")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runAgent(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := log.WithComponent("agent")

	a, err := agent.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize agent: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	startMetricsServer(metricsAddr, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	cancel()

	shutdownDone := make(chan struct{})
	go func() {
		a.Stop()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("graceful shutdown timed out, exiting anyway")
	}

	if sig == syscall.SIGTERM {
		os.Exit(exitTerminated)
	}
	os.Exit(exitInterrupted)
	return nil
}

// startMetricsServer serves the Prometheus scrape endpoint on a background
// goroutine. A bind failure is logged, not fatal: a device that can't
// serve /metrics should still reconcile and report.
func startMetricsServer(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn().Err(err).Str("addr", addr).Msg("metrics server exited")
		}
	}()
	logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
}
