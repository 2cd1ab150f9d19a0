package pattern

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/store"
	"github.com/fyrsmithlabs/memoryd/internal/telemetry"
)

// Confidence band and transition rates. Confidence asymptotically
// approaches the ceiling under reinforcement and is clamped at the
// floor under penalty and decay, so no amount of history makes a
// pattern unquestionable or erases it outright.
const (
	ConfidenceCeiling = 0.98
	ConfidenceFloor   = 0.30

	reinforceRate = 0.10
	penaltyFactor = 0.85
	decayFactor   = 0.95

	// pruneMaxUsage: patterns validated this many times or more are
	// never pruned, regardless of confidence or idleness.
	pruneMaxUsage = 3
)

// Reinforced returns confidence after one successful application.
func Reinforced(c float64) float64 {
	return c + (ConfidenceCeiling-c)*reinforceRate
}

// Penalized returns confidence after one failed application.
func Penalized(c float64) float64 {
	c *= penaltyFactor
	if c < ConfidenceFloor {
		return ConfidenceFloor
	}
	return c
}

// Decayed returns confidence after one idle-decay pass.
func Decayed(c float64) float64 {
	c *= decayFactor
	if c < ConfidenceFloor {
		return ConfidenceFloor
	}
	return c
}

// Lifecycle applies confidence transitions to stored patterns.
type Lifecycle struct {
	store      *Store
	db         *store.DB
	logger     *zap.Logger
	decayAfter time.Duration
	pruneAfter time.Duration
	now        func() time.Time
}

// NewLifecycle creates a lifecycle manager. decayAfter is the idle
// period before decay applies; pruneAfter the idle period before a
// low-confidence, low-usage pattern is pruned.
func NewLifecycle(db *store.DB, ps *Store, decayAfter, pruneAfter time.Duration, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		store:      ps,
		db:         db,
		logger:     logger.Named("lifecycle"),
		decayAfter: decayAfter,
		pruneAfter: pruneAfter,
		now:        time.Now,
	}
}

// Reinforce records a successful application of the pattern: usage and
// success counters advance, confidence moves a tenth of the way to the
// ceiling, and the idle clock resets.
func (l *Lifecycle) Reinforce(ctx context.Context, id string) (*Pattern, error) {
	return l.apply(ctx, id, true)
}

// Penalize records a failed application: usage advances without a
// success, and confidence is cut by 15%, floored.
func (l *Lifecycle) Penalize(ctx context.Context, id string) (*Pattern, error) {
	return l.apply(ctx, id, false)
}

func (l *Lifecycle) apply(ctx context.Context, id string, success bool) (*Pattern, error) {
	var out *Pattern
	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		p, err := l.store.GetIn(ctx, tx, id)
		if err != nil {
			return err
		}
		prev := p.Confidence
		p.UsageCount++
		if success {
			p.SuccessCount++
			p.Confidence = Reinforced(p.Confidence)
		} else {
			p.Confidence = Penalized(p.Confidence)
		}
		now := l.now().UTC()
		p.LastUsed = &now
		if err := l.store.UpdateIn(ctx, tx, p); err != nil {
			return err
		}
		l.logger.Debug("confidence adjusted",
			zap.String("id", p.ID),
			zap.Bool("success", success),
			zap.Float64("from", prev),
			zap.Float64("to", p.Confidence))
		out = p
		return nil
	})
	return out, err
}

// MaintenanceResult summarizes one maintenance pass.
type MaintenanceResult struct {
	Decayed  int
	Pruned   int
	Duration time.Duration
}

// Maintain runs one decay-and-prune pass in a single transaction.
// Patterns idle past decayAfter lose 5% confidence (floored); patterns
// below the floor that have been idle past pruneAfter with fewer than
// three validations are deleted. A never-used pattern's idle clock
// runs from creation.
func (l *Lifecycle) Maintain(ctx context.Context) (*MaintenanceResult, error) {
	start := l.now()
	res := &MaintenanceResult{}

	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := l.now().UTC()
		decayCutoff := store.FormatTime(now.Add(-l.decayAfter))
		pruneCutoff := store.FormatTime(now.Add(-l.pruneAfter))

		// Decay computed here rather than in SQL: the driver has no
		// power function, and the clamp reads better in Go anyway.
		rows, err := tx.QueryContext(ctx, `
			SELECT id, confidence FROM patterns
			WHERE COALESCE(last_used, created_at) < ? AND confidence > ?`,
			decayCutoff, ConfidenceFloor)
		if err != nil {
			return fmt.Errorf("selecting decay candidates: %w", err)
		}
		type decayRow struct {
			id   string
			conf float64
		}
		var stale []decayRow
		for rows.Next() {
			var r decayRow
			if err := rows.Scan(&r.id, &r.conf); err != nil {
				rows.Close()
				return fmt.Errorf("scanning decay candidate: %w", err)
			}
			stale = append(stale, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		nowStr := store.FormatTime(now)
		for _, r := range stale {
			if _, err := tx.ExecContext(ctx,
				`UPDATE patterns SET confidence = ?, updated_at = ? WHERE id = ?`,
				Decayed(r.conf), nowStr, r.id); err != nil {
				return fmt.Errorf("decaying pattern %s: %w", r.id, err)
			}
			res.Decayed++
		}

		pruned, err := tx.ExecContext(ctx, `
			DELETE FROM patterns
			WHERE confidence < ?
			  AND COALESCE(last_used, created_at) < ?
			  AND usage_count < ?`,
			ConfidenceFloor, pruneCutoff, pruneMaxUsage)
		if err != nil {
			return fmt.Errorf("pruning patterns: %w", err)
		}
		n, _ := pruned.RowsAffected()
		res.Pruned = int(n)
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Duration = l.now().Sub(start)
	telemetry.PatternsPruned.Add(float64(res.Pruned))
	l.logger.Info("maintenance pass complete",
		zap.Int("decayed", res.Decayed),
		zap.Int("pruned", res.Pruned),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// Resolve picks the more credible of two contradicting patterns: a
// clear confidence gap wins outright, then a clear success-rate gap,
// then recency of use. Returns the winner.
func Resolve(a, b *Pattern) *Pattern {
	const (
		confidenceGap  = 0.10
		successRateGap = 0.05
	)
	switch {
	case a.Confidence-b.Confidence > confidenceGap:
		return a
	case b.Confidence-a.Confidence > confidenceGap:
		return b
	}
	switch {
	case a.SuccessRate()-b.SuccessRate() > successRateGap:
		return a
	case b.SuccessRate()-a.SuccessRate() > successRateGap:
		return b
	}
	if lastTouched(b).After(lastTouched(a)) {
		return b
	}
	return a
}

func lastTouched(p *Pattern) time.Time {
	if p.LastUsed != nil {
		return *p.LastUsed
	}
	return p.CreatedAt
}
