// Package ingest streams delimited geolocation rows into a store in
// bounded atomic batches.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/evyataryagoni/ipgeo/internal/addrkey"
	"github.com/evyataryagoni/ipgeo/internal/logger"
	"github.com/evyataryagoni/ipgeo/internal/metrics"
	"github.com/evyataryagoni/ipgeo/internal/models"
	"github.com/evyataryagoni/ipgeo/internal/store"
)

// DefaultBatchSize is the number of rows committed per transaction
const DefaultBatchSize = 100000

// Options configures an ingestion run
type Options struct {
	BatchSize      int        // rows per atomic batch; <= 0 means DefaultBatchSize
	StrictNumeric  bool       // fail on non-blank unparsable numeric fields
	RejectOverlaps bool       // require ranges sorted by start and disjoint per family
	Header         HeaderMode // first-record handling

	// Progress is called with the cumulative committed row count after
	// every batch commit. It must not block for long.
	Progress func(rows int)
}

// Stats summarizes a run. On failure the row and batch counts cover only
// the batches committed before the error.
type Stats struct {
	Rows            int
	RowsV4          int
	RowsV6          int
	Batches         int
	NumericDefaults int
	Duration        time.Duration
}

// Pipeline ingests rows into a store.
// A Pipeline is not safe for concurrent runs.
type Pipeline struct {
	store   store.Store
	opts    Options
	metrics *metrics.Metrics
	logger  *logger.Logger
}

// New creates a pipeline writing to s. m and log may be nil.
func New(s store.Store, opts Options, m *metrics.Metrics, log *logger.Logger) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Pipeline{
		store:   s,
		opts:    opts,
		metrics: m,
		logger:  log.WithComponent("Pipeline"),
	}
}

// IngestFile ingests the CSV file at path
func (p *Pipeline) IngestFile(ctx context.Context, path string) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		err = &InputAccessError{Source: path, Err: err}
		p.recordFailure(err)
		return Stats{}, err
	}
	defer f.Close()
	return p.Run(ctx, NewSource(f, path, p.opts.Header))
}

// Ingest ingests CSV rows read from r
func (p *Pipeline) Ingest(ctx context.Context, r io.Reader) (Stats, error) {
	return p.Run(ctx, NewSource(r, "input", p.opts.Header))
}

// run holds the state of one ingestion
type run struct {
	stats     Stats
	batch     store.Batch
	pendingV4 int
	pendingV6 int
	lastEnd   map[addrkey.Family]addrkey.Key
}

// Run creates both family schemas, then reads src to the end, committing a
// batch every BatchSize rows and once more for the remainder. The first
// error aborts the run; batches already committed stay committed.
func (p *Pipeline) Run(ctx context.Context, src *Source) (Stats, error) {
	started := time.Now()
	r := &run{lastEnd: make(map[addrkey.Family]addrkey.Key)}

	p.logger.Info().
		Str("source", src.Name()).
		Int("batch_size", p.opts.BatchSize).
		Bool("strict_numeric", p.opts.StrictNumeric).
		Bool("reject_overlaps", p.opts.RejectOverlaps).
		Msg("Starting ingestion")

	err := p.run(ctx, src, r)
	if r.batch != nil {
		_ = r.batch.Rollback()
	}
	r.stats.Duration = time.Since(started)

	if err != nil {
		p.recordFailure(err)
		p.logger.Error().
			Err(err).
			Str("source", src.Name()).
			Str("committed_rows", humanize.Comma(int64(r.stats.Rows))).
			Int("committed_batches", r.stats.Batches).
			Msg("Ingestion aborted")
		return r.stats, err
	}

	p.logger.Info().
		Str("source", src.Name()).
		Str("rows", humanize.Comma(int64(r.stats.Rows))).
		Int("rows_v4", r.stats.RowsV4).
		Int("rows_v6", r.stats.RowsV6).
		Int("batches", r.stats.Batches).
		Int("numeric_defaults", r.stats.NumericDefaults).
		Dur("duration", r.stats.Duration).
		Msg("Ingestion finished")
	return r.stats, nil
}

func (p *Pipeline) run(ctx context.Context, src *Source, r *run) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w before start: %w", ErrCancelled, err)
	}
	for _, family := range addrkey.Families {
		if err := p.store.CreateSchema(ctx, family); err != nil {
			return &SchemaCreationError{Family: family, Err: err}
		}
	}

	for {
		row, fields, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		rec, notices, err := ParseRow(row, fields, p.opts.StrictNumeric)
		if err != nil {
			return err
		}
		p.noteDefaults(notices)
		r.stats.NumericDefaults += len(notices)

		if p.opts.RejectOverlaps {
			if err := r.checkOrder(row, rec); err != nil {
				return err
			}
		}

		if r.batch == nil {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("%w after %d rows: %w", ErrCancelled, r.stats.Rows, err)
			}
			r.batch, err = p.store.BeginBatch(ctx)
			if err != nil {
				r.batch = nil
				return r.batchError(ctx, err)
			}
		}
		if err := r.batch.Append(rec); err != nil {
			return r.batchError(ctx, err)
		}
		if rec.Family() == addrkey.V4 {
			r.pendingV4++
		} else {
			r.pendingV6++
		}

		if r.batch.Len() >= p.opts.BatchSize {
			if err := p.commit(ctx, r); err != nil {
				return err
			}
		}
	}

	if r.batch != nil && r.batch.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w after %d rows: %w", ErrCancelled, r.stats.Rows, err)
		}
		return p.commit(ctx, r)
	}
	return nil
}

// commit commits the open batch, updates counters and reports progress
func (p *Pipeline) commit(ctx context.Context, r *run) error {
	batch := r.batch
	r.batch = nil
	rows := batch.Len()

	started := time.Now()
	if err := batch.Commit(); err != nil {
		_ = batch.Rollback()
		return r.batchError(ctx, err)
	}
	elapsed := time.Since(started)

	r.stats.Batches++
	r.stats.Rows += rows
	r.stats.RowsV4 += r.pendingV4
	r.stats.RowsV6 += r.pendingV6
	if p.metrics != nil {
		p.metrics.IngestBatchesTotal.Inc()
		p.metrics.IngestBatchDuration.Observe(elapsed.Seconds())
		p.metrics.IngestRowsTotal.WithLabelValues(addrkey.V4.String()).Add(float64(r.pendingV4))
		p.metrics.IngestRowsTotal.WithLabelValues(addrkey.V6.String()).Add(float64(r.pendingV6))
	}
	r.pendingV4, r.pendingV6 = 0, 0

	p.logger.Debug().
		Int("batch", r.stats.Batches).
		Int("rows", rows).
		Dur("commit_duration", elapsed).
		Msg("Batch committed")
	p.logger.Info().
		Str("rows", humanize.Comma(int64(r.stats.Rows))).
		Msg("Ingestion progress")

	if p.opts.Progress != nil {
		p.opts.Progress(r.stats.Rows)
	}
	return nil
}

// batchError wraps a failed batch step. A failure caused by ctx ending is
// reported as a cancelled run.
func (r *run) batchError(ctx context.Context, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return fmt.Errorf("%w after %d rows: %w", ErrCancelled, r.stats.Rows, err)
	}
	return &BatchCommitError{Batch: r.stats.Batches + 1, Committed: r.stats.Rows, Err: err}
}

// checkOrder enforces start > previous end within each family
func (r *run) checkOrder(row int, rec models.RangeRecord) error {
	family := rec.Family()
	if prev, ok := r.lastEnd[family]; ok && rec.Start.Compare(prev) <= 0 {
		return &OverlapError{Row: row, Start: rec.Start.String(), PreviousEnd: prev.String()}
	}
	r.lastEnd[family] = rec.End
	return nil
}

func (p *Pipeline) noteDefaults(notices []NumericNotice) {
	for _, n := range notices {
		p.logger.Debug().
			Int("row", n.Row).
			Str("field", n.Field).
			Str("value", n.Value).
			Msg("Numeric field defaulted")
		if p.metrics != nil {
			p.metrics.IngestNumericDefaults.WithLabelValues(n.Field).Inc()
		}
	}
}

func (p *Pipeline) recordFailure(err error) {
	if p.metrics != nil {
		p.metrics.IngestFailuresTotal.WithLabelValues(errorKind(err)).Inc()
	}
}

// IsCancelled reports whether err ended a run at a batch boundary because of cancellation
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
