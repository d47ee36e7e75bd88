package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/evyataryagoni/ipgeo/internal/ingest"
	"github.com/evyataryagoni/ipgeo/internal/store"
	"github.com/spf13/cobra"
)

// emptinessChecker is implemented by stores that can report whether they hold any ranges
type emptinessChecker interface {
	IsEmpty(ctx context.Context) (bool, error)
}

type loadFlags struct {
	batchSize      int
	strictNumeric  bool
	rejectOverlaps bool
	header         string
	ifEmpty        bool
	skipMaintain   bool
}

func (a *app) newLoadCommand() *cobra.Command {
	var f loadFlags
	cmd := &cobra.Command{
		Use:   "load [input.csv]",
		Short: "Ingest a geolocation CSV file into the datastore",
		Long: "Reads 15-column rows (ip_start, ip_end, country, ... organization_name) and\n" +
			"commits them to the configured datastore in atomic batches. The input path\n" +
			"defaults to INPUT_PATH.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runLoad(cmd, args, f)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&f.batchSize, "batch-size", 0, "rows per atomic batch (overrides BATCH_SIZE)")
	flags.BoolVar(&f.strictNumeric, "strict-numeric", false, "fail on unparsable non-blank numeric fields")
	flags.BoolVar(&f.rejectOverlaps, "reject-overlaps", false, "require sorted, non-overlapping ranges per family")
	flags.StringVar(&f.header, "header", "", "auto, present or absent (overrides INPUT_HEADER)")
	flags.BoolVar(&f.ifEmpty, "if-empty", false, "skip loading when the datastore already holds data (redis)")
	flags.BoolVar(&f.skipMaintain, "skip-maintenance", false, "skip the post-load compaction or integrity check")
	return cmd
}

func (a *app) runLoad(cmd *cobra.Command, args []string, f loadFlags) error {
	ctx := cmd.Context()
	log := a.log.WithComponent("Load")

	input := a.cfg.InputPath
	if len(args) == 1 {
		input = args[0]
	}
	if input == "" {
		return errors.New("no input file: pass one or set INPUT_PATH")
	}

	flags := cmd.Flags()
	if flags.Changed("batch-size") {
		a.cfg.BatchSize = f.batchSize
	}
	if flags.Changed("strict-numeric") {
		a.cfg.StrictNumeric = f.strictNumeric
	}
	if flags.Changed("reject-overlaps") {
		a.cfg.RejectOverlaps = f.rejectOverlaps
	}
	if flags.Changed("header") {
		a.cfg.InputHeader = f.header
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	opts, err := a.cfg.IngestOptions()
	if err != nil {
		return err
	}

	s, err := a.openStore(false)
	if err != nil {
		return err
	}
	defer s.Close()

	if f.ifEmpty {
		if checker, ok := s.(emptinessChecker); ok {
			empty, err := checker.IsEmpty(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to check if the datastore is empty")
			} else if !empty {
				log.Info().Msg("Datastore already holds data, skipping load")
				return nil
			}
		}
	}

	opts.Progress = func(rows int) {
		log.Info().Str("rows", humanize.Comma(int64(rows))).Msg("Rows committed")
	}
	stats, err := ingest.New(s, opts, a.metrics, a.log).IngestFile(ctx, input)
	if err != nil {
		if ingest.IsCancelled(err) {
			log.Warn().
				Str("committed_rows", humanize.Comma(int64(stats.Rows))).
				Msg("Load interrupted; committed batches were kept")
		}
		return err
	}

	if !f.skipMaintain {
		if err := maintain(ctx, s); err != nil {
			return err
		}
	}

	fmt.Fprintf(a.stdout, "loaded %s rows (%s IPv4, %s IPv6) in %d batches from %s in %s\n",
		humanize.Comma(int64(stats.Rows)),
		humanize.Comma(int64(stats.RowsV4)),
		humanize.Comma(int64(stats.RowsV6)),
		stats.Batches, input, stats.Duration.Round(1e6))
	if stats.NumericDefaults > 0 {
		fmt.Fprintf(a.stdout, "%s numeric fields defaulted to 0\n", humanize.Comma(int64(stats.NumericDefaults)))
	}
	return nil
}

// maintain runs the backend's post-load step: Pebble compaction or the SQLite integrity check
func maintain(ctx context.Context, s store.Store) error {
	switch st := s.(type) {
	case *store.PebbleStore:
		if err := st.Compact(); err != nil {
			return fmt.Errorf("compact pebble store: %w", err)
		}
	case *store.SQLiteStore:
		if err := st.QuickCheck(ctx); err != nil {
			return fmt.Errorf("sqlite integrity check: %w", err)
		}
	}
	return nil
}
