package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/developingchet/keygate/internal/config"
	"github.com/developingchet/keygate/internal/gatekeeper"
	"github.com/developingchet/keygate/internal/logger"
	"github.com/developingchet/keygate/internal/metrics"
	"github.com/developingchet/keygate/internal/sink"
	"github.com/developingchet/keygate/internal/sink/webhook"
	"github.com/developingchet/keygate/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// runtimeService is the part of *gatekeeper.Gatekeeper main depends on.
type runtimeService interface {
	Run(ctx context.Context) error
	Healthy(ctx context.Context) error
	Close()
}

// Seams replaced by tests.
var (
	loadConfig       = config.Load
	registerMetrics  = metrics.Register
	newSignalContext = func(parent context.Context) (context.Context, context.CancelFunc) {
		return signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	}
	newRuntime = func(cfg *config.Config, sinks []sink.Sink) (runtimeService, error) {
		return gatekeeper.New(cfg, sinks)
	}
	probe = gatekeeper.Probe
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}

// newRootCmd builds and returns the root cobra command. Extracted from main so
// that tests can invoke it directly without spawning a subprocess.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "keygate",
		Short: "Issue and validate plugin license keys",
		Long: `A key issuance and validation service for game-server plugins. Plugins
call the HTTP API to validate their key; operators manage keys and plugins from
the interactive console.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start the service (same as running without a subcommand)",
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "healthcheck",
		Short: "Probe a running instance's metrics server (for Docker HEALTHCHECK)",
		RunE:  runHealthcheck,
	})

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the configured backend's keys and blocks to flat files",
		RunE:  runExport,
	}
	exportCmd.Flags().String("out", "", "destination directory (default: DATA_DIR/export)")
	rootCmd.AddCommand(exportCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keygate %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	return rootCmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	cfg.BuildVersion = version

	closer := logger.Setup(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	defer closer.Close()

	registerMetrics()

	ctx, cancel := newSignalContext(context.Background())
	defer cancel()

	rt, err := newRuntime(cfg, buildSinks(cfg))
	if err != nil {
		return fmt.Errorf("keygate init: %w", err)
	}
	defer rt.Close()

	return rt.Run(ctx)
}

func runHealthcheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	closer := logger.Setup(logger.Options{Level: "error", Format: cfg.LogFormat})
	defer closer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return probe(ctx, cfg.MetricsAddr)
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	closer := logger.Setup(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer closer.Close()

	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		out = filepath.Join(cfg.DataDir, "export")
	}

	backend, err := storage.OpenBackend(cfg.StateBackend, cfg.DataDir, cfg.KeysFile, cfg.LedgerFile)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer backend.Close()

	nkeys, nblocks, err := storage.Export(backend, out, cfg.KeysFile, cfg.LedgerFile)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "exported %d keys and %d blocks to %s\n", nkeys, nblocks, out)
	return nil
}

// buildSinks creates the ordered list of notification sinks from configuration.
func buildSinks(cfg *config.Config) []sink.Sink {
	if cfg.NotifyWebhookURL == "" {
		return nil
	}
	return []sink.Sink{
		webhook.NewClient(webhook.ClientConfig{
			URL:      cfg.NotifyWebhookURL,
			Username: cfg.NotifyUsername,
			Timeout:  cfg.NotifyTimeout,
		}),
	}
}
