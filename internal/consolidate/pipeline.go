// Package consolidate turns interaction records into durable pattern
// candidates at eviction time. Five extraction kinds run per record,
// each in its own transaction with a provenance row, so a failure in
// one kind neither aborts the others nor lets a re-run double-count.
package consolidate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/pattern"
	"github.com/fyrsmithlabs/memoryd/internal/store"
	"github.com/fyrsmithlabs/memoryd/internal/telemetry"
	"github.com/fyrsmithlabs/memoryd/internal/workingmem"
)

// Kind names one extraction performed per record.
type Kind string

const (
	KindWorkflow         Kind = "workflow"
	KindFileRelationship Kind = "file_relationship"
	KindIntent           Kind = "intent"
	KindCorrection       Kind = "correction"
	KindStructural       Kind = "structural"
)

// kinds is the fixed extraction order. The order carries no semantic
// weight; it is fixed so logs and metrics are comparable across runs.
var kinds = []Kind{
	KindWorkflow,
	KindFileRelationship,
	KindIntent,
	KindCorrection,
	KindStructural,
}

// Result outcomes per candidate, mirrored into telemetry labels.
const (
	resultCreated = "created"
	resultMerged  = "merged"
	resultSkipped = "skipped"
	resultError   = "error"
)

// Candidate reports one extraction outcome for observability and for
// the pipeline's direct callers.
type Candidate struct {
	Kind      Kind
	Result    string
	PatternID string
}

// Options tune the pipeline.
type Options struct {
	// SimilarityThreshold is the step-sequence similarity at or above
	// which a new workflow observation merges into an existing
	// pattern instead of creating a new one.
	SimilarityThreshold float64
	// MinWorkflowSteps is the minimum attributed steps for a workflow
	// candidate; shorter sequences carry no signal.
	MinWorkflowSteps int
}

// DefaultOptions match the tuned production values.
func DefaultOptions() Options {
	return Options{
		SimilarityThreshold: 0.80,
		MinWorkflowSteps:    3,
	}
}

// Pipeline extracts pattern candidates from records. It satisfies
// workingmem.Consolidator.
type Pipeline struct {
	db       *store.DB
	patterns *pattern.Store
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a pipeline writing through ps.
func New(db *store.DB, ps *pattern.Store, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = DefaultOptions().SimilarityThreshold
	}
	if opts.MinWorkflowSteps <= 0 {
		opts.MinWorkflowSteps = DefaultOptions().MinWorkflowSteps
	}
	return &Pipeline{
		db:       db,
		patterns: ps,
		opts:     opts,
		logger:   logger.Named("consolidate"),
		now:      time.Now,
	}
}

// Consolidate runs every extraction kind against rec. Kinds are
// independent and best-effort: each runs in its own transaction
// alongside a provenance row keyed (record, kind), a failed kind is
// logged and the rest still run, and a kind already recorded for this
// record is a no-op. The returned error joins per-kind failures; the
// caller may log it, but eviction proceeds regardless.
func (p *Pipeline) Consolidate(ctx context.Context, rec *workingmem.Record) error {
	results, err := p.Run(ctx, rec)
	for _, c := range results {
		telemetry.Candidates.WithLabelValues(string(c.Kind), c.Result).Inc()
	}
	return err
}

// Run is Consolidate returning per-kind outcomes.
func (p *Pipeline) Run(ctx context.Context, rec *workingmem.Record) ([]Candidate, error) {
	var (
		results []Candidate
		errs    []error
	)
	for _, kind := range kinds {
		cands, err := p.runKind(ctx, kind, rec)
		if err != nil {
			p.logger.Error("extraction failed",
				zap.String("record_id", rec.ID),
				zap.String("kind", string(kind)),
				zap.Error(err))
			results = append(results, Candidate{Kind: kind, Result: resultError})
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			continue
		}
		results = append(results, cands...)
	}
	return results, errors.Join(errs...)
}

// runKind runs one extraction in a transaction guarded by the
// provenance ledger.
func (p *Pipeline) runKind(ctx context.Context, kind Kind, rec *workingmem.Record) ([]Candidate, error) {
	var out []Candidate
	err := p.db.WithTx(ctx, func(tx *sql.Tx) error {
		done, err := p.alreadyConsolidated(ctx, tx, rec.ID, kind)
		if err != nil {
			return err
		}
		if done {
			out = []Candidate{{Kind: kind, Result: resultSkipped}}
			return nil
		}

		switch kind {
		case KindWorkflow:
			out, err = p.extractWorkflow(ctx, tx, rec)
		case KindFileRelationship:
			out, err = p.extractFileRelationships(ctx, tx, rec)
		case KindIntent:
			out, err = p.extractIntents(ctx, tx, rec)
		case KindCorrection:
			out, err = p.extractCorrections(ctx, tx, rec)
		case KindStructural:
			out, err = p.extractStructural(ctx, tx, rec)
		default:
			return fmt.Errorf("unknown extraction kind %q", kind)
		}
		if err != nil {
			return err
		}

		return p.markConsolidated(ctx, tx, rec.ID, kind)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pipeline) alreadyConsolidated(ctx context.Context, tx *sql.Tx, recordID string, kind Kind) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM consolidated_records WHERE record_id = ? AND kind = ?`,
		recordID, string(kind)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking provenance: %w", err)
	}
	return n > 0, nil
}

func (p *Pipeline) markConsolidated(ctx context.Context, tx *sql.Tx, recordID string, kind Kind) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO consolidated_records (record_id, kind, consolidated_at) VALUES (?, ?, ?)`,
		recordID, string(kind), store.FormatTime(p.now().UTC()))
	if err != nil {
		return fmt.Errorf("recording provenance: %w", err)
	}
	return nil
}
