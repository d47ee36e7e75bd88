// Package cli wires configuration, stores, the ingestion pipeline and the
// lookup service into the ipgeo command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/evyataryagoni/ipgeo/internal/config"
	"github.com/evyataryagoni/ipgeo/internal/logger"
	"github.com/evyataryagoni/ipgeo/internal/metrics"
	"github.com/evyataryagoni/ipgeo/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// app holds what every subcommand shares once flags and config are resolved
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	stdout   io.Writer

	// persistent flags
	datastoreType string
	datastorePath string
	logLevel      string
	metricsFile   string
}

// NewRootCommand builds the command tree. Output goes to stdout; logs go to stderr.
func NewRootCommand(version string, stdout io.Writer) *cobra.Command {
	a := &app{stdout: stdout}

	root := &cobra.Command{
		Use:           "ipgeo",
		Short:         "IP-range geolocation store",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.writeMetrics()
		},
	}
	root.SetOut(stdout)

	flags := root.PersistentFlags()
	flags.StringVar(&a.datastoreType, "datastore-type", "", "datastore backend (overrides DATASTORE_TYPE)")
	flags.StringVar(&a.datastorePath, "datastore-path", "", "database file or directory (overrides DATASTORE_PATH)")
	flags.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	flags.StringVar(&a.metricsFile, "metrics-file", "", "write Prometheus metrics in text format to this file on exit")

	root.AddCommand(a.newLoadCommand())
	root.AddCommand(a.newSplitCommand())
	root.AddCommand(a.newLocateCommand())
	return root
}

// Execute runs the command tree and returns the process exit code
func Execute(version string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(version, os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// setup loads configuration, applies flag overrides and builds the logger and metrics
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("datastore-type") {
		cfg.DatastoreType = a.datastoreType
	}
	if flags.Changed("datastore-path") {
		cfg.DatastorePath = a.datastorePath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.cfg = cfg
	a.log = logger.New(cfg.LoggerConfig())
	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)

	a.log.Debug().
		Str("datastore_type", cfg.DatastoreType).
		Str("datastore_path", cfg.DatastorePath).
		Strs("config_sources", cfg.Sources).
		Msg("Configuration loaded")
	return nil
}

// openStore creates the configured datastore
func (a *app) openStore(readOnly bool) (store.Store, error) {
	s, err := store.New(a.cfg.StoreConfig(readOnly))
	if err != nil {
		return nil, err
	}
	a.log.Info().
		Str("datastore_type", a.cfg.DatastoreType).
		Bool("read_only", readOnly).
		Msg("Datastore opened")
	return s, nil
}

func (a *app) writeMetrics() error {
	if a.metricsFile == "" || a.registry == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(a.metricsFile, a.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
