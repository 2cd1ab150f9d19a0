package insight

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/metrics"
	"github.com/fyrsmithlabs/memoryd/internal/store"
	"github.com/fyrsmithlabs/memoryd/internal/telemetry"
)

// Thresholds tune the generator's fixed signal rules.
type Thresholds struct {
	// VelocityWarn and VelocityError are fractional weekly velocity
	// drops against the 30-day baseline.
	VelocityWarn  float64
	VelocityError float64
	// ChurnWarn marks a file a hotspot.
	ChurnWarn float64
	// TestFailureWarn marks a test suite unreliable.
	TestFailureWarn float64
	// Expiry is how long an insight stays active without a renewed
	// trigger.
	Expiry time.Duration
}

// DefaultThresholds match the tuned production values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		VelocityWarn:    0.30,
		VelocityError:   0.50,
		ChurnWarn:       0.20,
		TestFailureWarn: 0.10,
		Expiry:          14 * 24 * time.Hour,
	}
}

// baselineWindow is the lookback used for velocity and test signals.
const baselineWindow = 30 * 24 * time.Hour

// Report summarizes one generation pass.
type Report struct {
	Triggered []*Insight
	Expired   int
}

// Generator applies the fixed signal rules after each collection and
// maintenance pass.
type Generator struct {
	db      *store.DB
	metrics *metrics.Store
	store   *Store
	thr     Thresholds
	logger  *zap.Logger
	now     func() time.Time
}

// NewGenerator creates a generator reading from ms and writing through
// is.
func NewGenerator(db *store.DB, ms *metrics.Store, is *Store, thr Thresholds, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultThresholds()
	if thr.VelocityWarn <= 0 {
		thr.VelocityWarn = def.VelocityWarn
	}
	if thr.VelocityError <= 0 {
		thr.VelocityError = def.VelocityError
	}
	if thr.ChurnWarn <= 0 {
		thr.ChurnWarn = def.ChurnWarn
	}
	if thr.TestFailureWarn <= 0 {
		thr.TestFailureWarn = def.TestFailureWarn
	}
	if thr.Expiry <= 0 {
		thr.Expiry = def.Expiry
	}
	return &Generator{
		db:      db,
		metrics: ms,
		store:   is,
		thr:     thr,
		logger:  logger.Named("generator"),
		now:     time.Now,
	}
}

// Generate runs one pass: evaluates every signal, upserts triggered
// insights, expires stale ones, and refreshes the active-insight
// gauges. Signals are evaluated from the store outside any shared
// transaction; each upsert is its own write.
func (g *Generator) Generate(ctx context.Context) (*Report, error) {
	now := g.now().UTC()
	report := &Report{}

	candidates, err := g.evaluate(ctx, now)
	if err != nil {
		return nil, err
	}

	expiresAt := now.Add(g.thr.Expiry)
	for _, cand := range candidates {
		cand.ExpiresAt = &expiresAt
		stored, err := g.store.Upsert(ctx, g.db.Handle(), cand)
		if err != nil {
			return nil, err
		}
		report.Triggered = append(report.Triggered, stored)
	}

	expired, err := g.store.ExpireStale(ctx, g.db.Handle(), now.Add(-g.thr.Expiry))
	if err != nil {
		return nil, err
	}
	report.Expired = expired

	if err := g.refreshGauges(ctx); err != nil {
		return nil, err
	}

	g.logger.Info("insight pass complete",
		zap.Int("triggered", len(report.Triggered)),
		zap.Int("expired", report.Expired))
	return report, nil
}

func (g *Generator) evaluate(ctx context.Context, now time.Time) ([]*Insight, error) {
	var out []*Insight

	velocity, err := g.velocitySignal(ctx, now)
	if err != nil {
		return nil, err
	}
	if velocity != nil {
		out = append(out, velocity)
	}

	hotspots, err := g.hotspotSignals(ctx)
	if err != nil {
		return nil, err
	}
	out = append(out, hotspots...)

	tests, err := g.testSignals(ctx, now)
	if err != nil {
		return nil, err
	}
	return append(out, tests...), nil
}

// velocitySignal compares the trailing week's commit velocity against
// the 30-day weekly baseline.
func (g *Generator) velocitySignal(ctx context.Context, now time.Time) (*Insight, error) {
	from := now.Add(-baselineWindow).Format(store.DateFormat)
	to := now.Format(store.DateFormat)
	series, err := g.metrics.DailyCommitSeries(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return nil, nil
	}

	weekStart := now.Add(-7 * 24 * time.Hour).Format(store.DateFormat)
	var total, lastWeek float64
	for _, p := range series {
		total += p.Value
		if p.Date > weekStart {
			lastWeek += p.Value
		}
	}
	baseline := total / (baselineWindow.Hours() / (7 * 24))
	if baseline <= 0 {
		return nil, nil
	}
	drop := (baseline - lastWeek) / baseline
	if drop < g.thr.VelocityWarn {
		return nil, nil
	}

	severity := SeverityWarning
	if drop >= g.thr.VelocityError {
		severity = SeverityError
	}
	return &Insight{
		Type:     TypeVelocityDrop,
		Severity: severity,
		Title:    fmt.Sprintf("weekly velocity down %.0f%% vs 30-day baseline", drop*100),
		Recommendation: "check for blocked work or an environment problem; " +
			"compare against the hotspot list for a concentration of churn",
		Data: map[string]any{
			"baseline_weekly": baseline,
			"last_week":       lastWeek,
			"drop":            drop,
		},
	}, nil
}

// hotspotSignals flags files whose rolling churn crosses the warning
// bar.
func (g *Generator) hotspotSignals(ctx context.Context) ([]*Insight, error) {
	hs, err := g.metrics.Hotspots(ctx, g.thr.ChurnWarn)
	if err != nil {
		return nil, err
	}
	var out []*Insight
	for _, h := range hs {
		out = append(out, &Insight{
			Type:          TypeChurnHotspot,
			RelatedEntity: h.Path,
			Severity:      SeverityWarning,
			Title:         fmt.Sprintf("%s is churning (%.0f%% of commits touch it, %s)", h.Path, h.ChurnRate*100, h.Stability),
			Recommendation: "repeated edits to one file suggest a design pressure point; " +
				"consider splitting it or adding tests before the next change",
			Data: map[string]any{
				"churn_rate": h.ChurnRate,
				"edits":      h.Edits,
				"commits":    h.Commits,
				"stability":  string(h.Stability),
			},
		})
	}
	return out, nil
}

// testSignals flags suites whose failure rate over the window crosses
// the unreliability bar.
func (g *Generator) testSignals(ctx context.Context, now time.Time) ([]*Insight, error) {
	facts, err := g.metrics.FactsSince(ctx, metrics.FactTestRun, now.Add(-baselineWindow))
	if err != nil {
		return nil, err
	}

	type tally struct{ passed, failed int }
	suites := make(map[string]*tally)
	var order []string
	for _, f := range facts {
		name := f.Test.Suite
		t := suites[name]
		if t == nil {
			t = &tally{}
			suites[name] = t
			order = append(order, name)
		}
		t.passed += f.Test.Passed
		t.failed += f.Test.Failed
	}

	var out []*Insight
	for _, name := range order {
		t := suites[name]
		runs := t.passed + t.failed
		if runs == 0 {
			continue
		}
		rate := float64(t.failed) / float64(runs)
		if rate < g.thr.TestFailureWarn {
			continue
		}
		out = append(out, &Insight{
			Type:          TypeUnreliableTest,
			RelatedEntity: name,
			Severity:      SeverityWarning,
			Title:         fmt.Sprintf("test suite %q failing %.0f%% of the time", name, rate*100),
			Recommendation: "an unreliable suite erodes trust in every green run; " +
				"quarantine or fix the flaky cases",
			Data: map[string]any{
				"failure_rate": rate,
				"passed":       t.passed,
				"failed":       t.failed,
			},
		})
	}
	return out, nil
}

func (g *Generator) refreshGauges(ctx context.Context) error {
	counts, err := g.store.CountActiveBySeverity(ctx)
	if err != nil {
		return err
	}
	for _, sev := range []Severity{SeverityInfo, SeverityWarning, SeverityError, SeverityCritical} {
		telemetry.InsightsActive.WithLabelValues(string(sev)).Set(float64(counts[sev]))
	}
	return nil
}
