package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/store"
	"github.com/fyrsmithlabs/memoryd/internal/telemetry"
)

// FactSource produces activity facts newer than a given time. Sources
// are external instrumentation boundaries: git history, test logs,
// working-memory session envelopes.
type FactSource interface {
	Name() string
	// FactTypes declares which fact types the source owns. A full
	// collection clears exactly these types over its window before
	// re-appending, leaving facts from other writers untouched.
	FactTypes() []FactType
	FactsSince(ctx context.Context, since time.Time) ([]Fact, error)
}

// CollectorOptions tune the delta collector.
type CollectorOptions struct {
	// MinInterval throttles collection: a run starting inside the
	// interval since the previous run's start is a no-op unless forced.
	MinInterval time.Duration
	// Backfill is the lookback window used when no successful run
	// exists, and the window for forced full runs.
	Backfill time.Duration
	// Retention is how long raw facts are kept; it also sets the
	// hotspot recomputation window.
	Retention time.Duration
}

// DefaultCollectorOptions match the tuned production values.
func DefaultCollectorOptions() CollectorOptions {
	return CollectorOptions{
		MinInterval: time.Hour,
		Backfill:    30 * 24 * time.Hour,
		Retention:   30 * 24 * time.Hour,
	}
}

// CollectResult reports one Collect call's outcome.
type CollectResult struct {
	// Throttled is true when the call was a no-op inside MinInterval.
	Throttled bool
	Run       *CollectionRun
	Pruned    int
	Hotspots  int
}

// Collector pulls deltas from fact sources into the metrics store.
// Collection is transactional per run: a failing source rolls back the
// whole run, leaving the log and facts as if it never started.
type Collector struct {
	db      *store.DB
	store   *Store
	sources []FactSource
	opts    CollectorOptions
	logger  *zap.Logger
	now     func() time.Time
}

// NewCollector creates a collector over the given sources.
func NewCollector(db *store.DB, ms *Store, sources []FactSource, opts CollectorOptions, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultCollectorOptions()
	if opts.MinInterval <= 0 {
		opts.MinInterval = def.MinInterval
	}
	if opts.Backfill <= 0 {
		opts.Backfill = def.Backfill
	}
	if opts.Retention <= 0 {
		opts.Retention = def.Retention
	}
	return &Collector{
		db:      db,
		store:   ms,
		sources: sources,
		opts:    opts,
		logger:  logger.Named("collector"),
		now:     time.Now,
	}
}

// Collect runs one collection pass. Without forceFull the pass is
// throttled against the previous run's start time and pulls only facts
// newer than the last successful run (falling back to the backfill
// window). With forceFull the throttle is bypassed and the full
// backfill window is pulled, replacing whatever the sources
// previously contributed to it. On success, facts past retention are
// pruned and file hotspots recomputed, all in the same transaction as
// the appended facts and the success log row.
func (c *Collector) Collect(ctx context.Context, forceFull bool) (*CollectResult, error) {
	now := c.now().UTC()

	if !forceFull {
		last, err := c.store.LastRun(ctx)
		if err != nil {
			return nil, err
		}
		if last != nil && now.Sub(last.StartedAt) < c.opts.MinInterval {
			c.logger.Debug("collection throttled",
				zap.Time("last_start", last.StartedAt),
				zap.Duration("min_interval", c.opts.MinInterval))
			telemetry.CollectionRuns.WithLabelValues("throttled", "success").Inc()
			return &CollectResult{Throttled: true}, nil
		}
	}

	since, kind, err := c.window(ctx, now, forceFull)
	if err != nil {
		return nil, err
	}

	run := &CollectionRun{StartedAt: now, Kind: kind, Success: true}
	res := &CollectResult{Run: run}

	err = c.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, src := range c.sources {
			facts, err := src.FactsSince(ctx, since)
			if err != nil {
				return fmt.Errorf("source %s: %w", src.Name(), err)
			}
			if kind == RunFull {
				// A full run replays the whole window, so the
				// source's own types are cleared first; appending
				// on top would double-count everything already
				// collected.
				if _, err := c.store.DeleteFactsSince(ctx, tx, src.FactTypes(), since.Format(store.DateFormat)); err != nil {
					return fmt.Errorf("source %s: %w", src.Name(), err)
				}
			}
			if err := c.store.AppendFacts(ctx, tx, facts); err != nil {
				return fmt.Errorf("source %s: %w", src.Name(), err)
			}
			run.Records += len(facts)
		}

		cutoff := now.Add(-c.opts.Retention).Format(store.DateFormat)
		pruned, err := c.store.PruneFacts(ctx, tx, cutoff)
		if err != nil {
			return err
		}
		res.Pruned = pruned

		n, err := c.recomputeHotspots(ctx, tx, now)
		if err != nil {
			return err
		}
		res.Hotspots = n

		run.Duration = c.now().UTC().Sub(now)
		return c.store.RecordRun(ctx, tx, run)
	})
	if err != nil {
		telemetry.CollectionRuns.WithLabelValues(string(kind), "failure").Inc()
		// The failed attempt is logged outside the rolled-back
		// transaction so the next delta window still starts at the
		// last success.
		failed := &CollectionRun{StartedAt: now, Kind: kind, Duration: c.now().UTC().Sub(now)}
		if logErr := c.store.RecordRun(ctx, c.db.Handle(), failed); logErr != nil {
			c.logger.Warn("recording failed run", zap.Error(logErr))
		}
		return nil, err
	}

	telemetry.CollectionRuns.WithLabelValues(string(kind), "success").Inc()
	telemetry.CollectionDuration.Observe(run.Duration.Seconds())
	c.logger.Info("collection complete",
		zap.String("kind", string(kind)),
		zap.Int("records", run.Records),
		zap.Int("pruned", res.Pruned),
		zap.Int("hotspots", res.Hotspots),
		zap.Duration("duration", run.Duration))
	return res, nil
}

// window picks the delta start and run kind.
func (c *Collector) window(ctx context.Context, now time.Time, forceFull bool) (time.Time, RunKind, error) {
	if forceFull {
		return now.Add(-c.opts.Backfill), RunFull, nil
	}
	lastOK, err := c.store.LastSuccessfulRun(ctx)
	if err != nil {
		return time.Time{}, "", err
	}
	if lastOK == nil {
		return now.Add(-c.opts.Backfill), RunFull, nil
	}
	return lastOK.StartedAt, RunDelta, nil
}

// recomputeHotspots rebuilds every file's rolling-window summary from
// the surviving file-touch facts. Churn rate is a file's edits divided
// by the project's total commits over the window, so a file touched in
// every commit scores 1.0 regardless of project pace.
func (c *Collector) recomputeHotspots(ctx context.Context, tx *sql.Tx, now time.Time) (int, error) {
	from := now.Add(-c.opts.Retention).Format(store.DateFormat)
	to := now.Format(store.DateFormat)

	totals, err := c.store.FileTouchTotals(ctx, tx, from, to)
	if err != nil {
		return 0, err
	}
	totalCommits, err := c.store.TotalCommits(ctx, tx, from, to)
	if err != nil {
		return 0, err
	}

	computed := now
	for path, t := range totals {
		churn := 0.0
		if totalCommits > 0 {
			churn = float64(t.Edits) / float64(totalCommits)
		}
		h := &FileHotspot{
			Path:        path,
			WindowStart: from,
			WindowEnd:   to,
			Edits:       t.Edits,
			Commits:     t.Commits,
			ChurnRate:   churn,
			ComputedAt:  computed,
		}
		if err := c.store.UpsertHotspot(ctx, tx, h); err != nil {
			return 0, err
		}
	}
	return len(totals), nil
}
