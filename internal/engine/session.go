package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/consolidate"
	"github.com/fyrsmithlabs/memoryd/internal/metrics"
	"github.com/fyrsmithlabs/memoryd/internal/store"
	"github.com/fyrsmithlabs/memoryd/internal/workingmem"
)

// sessionBridge consolidates an evicted record and then feeds its
// envelope to the metrics tier as a work-session fact, so session
// history outlives the record itself. The fact write is best-effort:
// pattern extraction is the eviction's primary job.
type sessionBridge struct {
	pipeline *consolidate.Pipeline
	metrics  *metrics.Store
	db       *store.DB
	logger   *zap.Logger
}

func (b *sessionBridge) Consolidate(ctx context.Context, rec *workingmem.Record) error {
	err := b.pipeline.Consolidate(ctx, rec)

	if rec.CompletedAt != nil {
		fact := metrics.Fact{
			Date: rec.CompletedAt.Format(store.DateFormat),
			Type: metrics.FactWorkSession,
			Session: &metrics.WorkSession{
				Workspace: rec.Workspace,
				Turns:     len(rec.Turns),
				Files:     len(rec.Files),
				Duration:  rec.CompletedAt.Sub(rec.CreatedAt),
			},
		}
		if ferr := b.metrics.AppendFacts(ctx, b.db.Handle(), []metrics.Fact{fact}); ferr != nil {
			b.logger.Warn("recording work session fact",
				zap.String("record_id", rec.ID),
				zap.Error(ferr))
		}
	}
	return err
}
