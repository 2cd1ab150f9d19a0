// Package engine assembles the memory tiers into one process-level
// facade: working memory feeding consolidation, pattern lifecycle
// maintenance, throttled metric collection, and insight generation,
// plus the degraded-tolerant query surface that callers read through.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/config"
	"github.com/fyrsmithlabs/memoryd/internal/consolidate"
	"github.com/fyrsmithlabs/memoryd/internal/insight"
	"github.com/fyrsmithlabs/memoryd/internal/metrics"
	"github.com/fyrsmithlabs/memoryd/internal/metrics/gitsource"
	"github.com/fyrsmithlabs/memoryd/internal/pattern"
	"github.com/fyrsmithlabs/memoryd/internal/store"
	"github.com/fyrsmithlabs/memoryd/internal/telemetry"
	"github.com/fyrsmithlabs/memoryd/internal/workingmem"
)

// minWorkflowQueryConfidence is the confidence floor applied to
// workflow suggestions served through the query surface. Patterns
// below it exist (they may recover through reinforcement) but are not
// offered to callers.
const minWorkflowQueryConfidence = 0.70

// CorrelationCommitsVsTestFailures names the standing correlation the
// maintenance pass keeps current: daily commit volume against daily
// test failures over the collector's rolling window.
const CorrelationCommitsVsTestFailures = "daily_commits_vs_test_failures"

// correlationWindow matches the collector's backfill so coefficients
// cover the same history the raw facts do.
const correlationWindow = 30 * 24 * time.Hour

// Engine owns the datastore and every tier built on it.
type Engine struct {
	cfg    *config.Config
	db     *store.DB
	logger *zap.Logger

	working   *workingmem.Store
	patterns  *pattern.Store
	lifecycle *pattern.Lifecycle
	pipeline  *consolidate.Pipeline
	metrics   *metrics.Store
	collector *metrics.Collector
	insights  *insight.Store
	correlate *insight.Engine
	generator *insight.Generator
}

// New opens the datastore at cfg.Database.Path, applies the schema,
// and wires every tier. The caller owns Close.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	patterns := pattern.NewStore(db, logger)
	pipeline := consolidate.New(db, patterns, consolidate.Options{
		SimilarityThreshold: cfg.Consolidation.SimilarityThreshold,
		MinWorkflowSteps:    cfg.Consolidation.MinWorkflowSteps,
	}, logger)

	ms := metrics.NewStore(db, logger)
	bridge := &sessionBridge{
		pipeline: pipeline,
		metrics:  ms,
		db:       db,
		logger:   logger.Named("engine"),
	}
	working, err := workingmem.NewStore(db, cfg.WorkingMemory.Capacity, bridge, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	lifecycle := pattern.NewLifecycle(db, patterns,
		cfg.Maintenance.DecayAfter.Duration(),
		cfg.Maintenance.PruneAfter.Duration(),
		logger)

	sources, err := factSources(cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	collector := metrics.NewCollector(db, ms, sources, metrics.CollectorOptions{
		MinInterval: cfg.Collection.MinInterval.Duration(),
		Backfill:    cfg.Collection.Backfill.Duration(),
		Retention:   cfg.Collection.Retention.Duration(),
	}, logger)

	insights := insight.NewStore(db, logger)
	generator := insight.NewGenerator(db, ms, insights, insight.Thresholds{
		VelocityWarn:    cfg.Insights.VelocityWarn,
		VelocityError:   cfg.Insights.VelocityError,
		ChurnWarn:       cfg.Insights.ChurnWarn,
		TestFailureWarn: cfg.Insights.TestFailureWarn,
		Expiry:          cfg.Insights.Expiry.Duration(),
	}, logger)

	return &Engine{
		cfg:       cfg,
		db:        db,
		logger:    logger.Named("engine"),
		working:   working,
		patterns:  patterns,
		lifecycle: lifecycle,
		pipeline:  pipeline,
		metrics:   ms,
		collector: collector,
		insights:  insights,
		correlate: insight.NewEngine(db, logger),
		generator: generator,
	}, nil
}

func factSources(cfg *config.Config, logger *zap.Logger) ([]metrics.FactSource, error) {
	if cfg.Collection.RepoPath == "" {
		return nil, nil
	}
	src, err := gitsource.New(cfg.Collection.RepoPath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening reference repository: %w", err)
	}
	return []metrics.FactSource{src}, nil
}

// Close releases the datastore.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Working exposes the Tier-1 record pool.
func (e *Engine) Working() *workingmem.Store { return e.working }

// Patterns exposes the pattern store for direct lifecycle operations.
func (e *Engine) Patterns() *pattern.Store { return e.patterns }

// Lifecycle exposes reinforce/penalize for callers reporting outcomes.
func (e *Engine) Lifecycle() *pattern.Lifecycle { return e.lifecycle }

// Insights exposes acknowledge/dismiss on stored insights.
func (e *Engine) Insights() *insight.Store { return e.insights }

// Correlations exposes the cross-series correlation engine.
func (e *Engine) Correlations() *insight.Engine { return e.correlate }

// Metrics exposes the raw activity-fact store.
func (e *Engine) Metrics() *metrics.Store { return e.metrics }

// Maintain runs one pattern maintenance pass and refreshes the
// per-type pattern gauges.
func (e *Engine) Maintain(ctx context.Context) (*pattern.MaintenanceResult, error) {
	res, err := e.lifecycle.Maintain(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := e.patterns.CountsByType(ctx)
	if err != nil {
		return res, err
	}
	for _, typ := range pattern.Types() {
		telemetry.PatternsTotal.WithLabelValues(string(typ)).Set(float64(counts[typ]))
	}
	return res, nil
}

// Collect runs one metric collection pass; forceFull bypasses the
// throttle and re-reads the whole backfill window.
func (e *Engine) Collect(ctx context.Context, forceFull bool) (*metrics.CollectResult, error) {
	return e.collector.Collect(ctx, forceFull)
}

// GenerateInsights runs one insight generation pass.
func (e *Engine) GenerateInsights(ctx context.Context) (*insight.Report, error) {
	return e.generator.Generate(ctx)
}

// ComputeCorrelations refreshes the standing correlations from the
// stored daily series. Undersized series leave the stored rows alone.
func (e *Engine) ComputeCorrelations(ctx context.Context) error {
	now := time.Now().UTC()
	from := now.Add(-correlationWindow).Format(store.DateFormat)
	to := now.Format(store.DateFormat)

	commits, err := e.metrics.DailyCommitSeries(ctx, from, to)
	if err != nil {
		return err
	}
	failures, err := e.metrics.DailyTestFailureSeries(ctx, from, to)
	if err != nil {
		return err
	}
	_, err = e.correlate.Compute(ctx, CorrelationCommitsVsTestFailures,
		"daily_commits", "daily_test_failures", commits, failures)
	return err
}

// RunMaintenance runs the full background pass: pattern maintenance,
// a throttled collection, correlation refresh, then insight
// generation. Each stage runs even when an earlier one fails; the
// first error is returned.
func (e *Engine) RunMaintenance(ctx context.Context) error {
	var firstErr error
	if _, err := e.Maintain(ctx); err != nil {
		e.logger.Error("pattern maintenance failed", zap.Error(err))
		firstErr = err
	}
	if _, err := e.Collect(ctx, false); err != nil {
		e.logger.Error("metric collection failed", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := e.ComputeCorrelations(ctx); err != nil {
		e.logger.Error("correlation refresh failed", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	if _, err := e.GenerateInsights(ctx); err != nil {
		e.logger.Error("insight generation failed", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FindSimilarWorkflow returns workflow suggestions matching tags, best
// first. On internal failure it returns an empty slice with degraded
// set; callers always get a usable answer.
func (e *Engine) FindSimilarWorkflow(ctx context.Context, tags []string) (results []*pattern.Pattern, degraded bool) {
	results, err := e.patterns.FindSimilarWorkflows(ctx, tags, minWorkflowQueryConfidence)
	if err != nil {
		e.degrade("find_similar_workflow", err)
		return nil, true
	}
	return results, false
}

// GetRelatedFiles returns files co-modified with file at or above
// minConfidence, strongest first.
func (e *Engine) GetRelatedFiles(ctx context.Context, file string, minConfidence float64) (rels []*pattern.FileRelationship, degraded bool) {
	rels, err := e.patterns.RelatedFiles(ctx, file, minConfidence)
	if err != nil {
		e.degrade("get_related_files", err)
		return nil, true
	}
	return rels, false
}

// MatchIntent interprets a request phrase against learned intent
// patterns, best first.
func (e *Engine) MatchIntent(ctx context.Context, phrase string) (matches []pattern.IntentMatch, degraded bool) {
	matches, err := e.patterns.MatchIntent(ctx, phrase)
	if err != nil {
		e.degrade("match_intent", err)
		return nil, true
	}
	return matches, false
}

// GetActiveInsights returns active insights at or above severityFloor,
// most severe first.
func (e *Engine) GetActiveInsights(ctx context.Context, severityFloor insight.Severity) (ins []*insight.Insight, degraded bool) {
	ins, err := e.insights.Active(ctx, severityFloor)
	if err != nil {
		e.degrade("get_active_insights", err)
		return nil, true
	}
	return ins, false
}

// GetFileStability classifies a file from its rolling churn window.
// A file with no recorded churn is STABLE; that is an answer, not a
// degraded result.
func (e *Engine) GetFileStability(ctx context.Context, file string) (metrics.Stability, bool) {
	h, err := e.metrics.Hotspot(ctx, file)
	if err != nil {
		e.degrade("get_file_stability", err)
		return metrics.StabilityStable, true
	}
	if h == nil {
		return metrics.StabilityStable, false
	}
	return h.Stability, false
}

func (e *Engine) degrade(query string, err error) {
	telemetry.DegradedQueries.WithLabelValues(query).Inc()
	e.logger.Warn("query degraded",
		zap.String("query", query),
		zap.Error(err))
}

// WatchGit starts the filesystem watcher over the reference
// repository, triggering a throttled collection on head movement. It
// blocks until ctx is cancelled. Returns immediately when watching is
// disabled.
func (e *Engine) WatchGit(ctx context.Context) error {
	if !e.cfg.Collection.Watch || e.cfg.Collection.RepoPath == "" {
		return nil
	}
	trigger := func(ctx context.Context) {
		if _, err := e.Collect(ctx, false); err != nil {
			e.logger.Warn("watch-triggered collection failed", zap.Error(err))
		}
	}
	// One trigger per minute at most; the collector's own throttle
	// gates the real work.
	w, err := gitsource.NewWatcher(e.cfg.Collection.RepoPath, watchRate, trigger, e.logger)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

const watchRate = 1.0 / 60 // events per second
