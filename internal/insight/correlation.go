package insight

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/metrics"
	"github.com/fyrsmithlabs/memoryd/internal/store"
)

// minCorrelationSamples is the smallest aligned sample the engine will
// draw a coefficient from.
const minCorrelationSamples = 3

// Correlation is one named, overwritten coefficient between two daily
// series.
type Correlation struct {
	Name            string    `json:"name"`
	SeriesA         string    `json:"series_a"`
	SeriesB         string    `json:"series_b"`
	Coefficient     float64   `json:"coefficient"`
	SampleSize      int       `json:"sample_size"`
	ConfidenceLevel float64   `json:"confidence_level"`
	ComputedAt      time.Time `json:"computed_at"`
}

// Engine computes and stores correlations between metric series.
type Engine struct {
	db     *store.DB
	logger *zap.Logger
}

// NewEngine creates a correlation engine over db.
func NewEngine(db *store.DB, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{db: db, logger: logger.Named("correlation")}
}

// Compute correlates two daily series on their shared dates and
// overwrites the named row. Fewer than three aligned samples yields a
// nil correlation without touching the stored row.
func (e *Engine) Compute(ctx context.Context, name, labelA, labelB string, a, b []metrics.DailyPoint) (*Correlation, error) {
	x, y := AlignDaily(a, b)
	if len(x) < minCorrelationSamples {
		e.logger.Debug("correlation skipped",
			zap.String("name", name), zap.Int("aligned", len(x)))
		return nil, nil
	}

	c := &Correlation{
		Name:        name,
		SeriesA:     labelA,
		SeriesB:     labelB,
		Coefficient: Pearson(x, y),
		SampleSize:  len(x),
		ComputedAt:  time.Now().UTC(),
	}
	c.ConfidenceLevel = ConfidenceLevel(c.Coefficient, c.SampleSize)

	_, err := e.db.Handle().ExecContext(ctx, `
		INSERT INTO correlations
			(name, series_a, series_b, coefficient, sample_size, confidence_level, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			series_a         = excluded.series_a,
			series_b         = excluded.series_b,
			coefficient      = excluded.coefficient,
			sample_size      = excluded.sample_size,
			confidence_level = excluded.confidence_level,
			computed_at      = excluded.computed_at`,
		c.Name, c.SeriesA, c.SeriesB, c.Coefficient, c.SampleSize,
		c.ConfidenceLevel, store.FormatTime(c.ComputedAt))
	if err != nil {
		return nil, fmt.Errorf("storing correlation: %w", err)
	}
	return c, nil
}

// Get returns a stored correlation by name, or nil when absent.
func (e *Engine) Get(ctx context.Context, name string) (*Correlation, error) {
	var (
		c          Correlation
		computedAt string
	)
	err := e.db.Handle().QueryRowContext(ctx, `
		SELECT name, series_a, series_b, coefficient, sample_size, confidence_level, computed_at
		FROM correlations WHERE name = ?`, name).
		Scan(&c.Name, &c.SeriesA, &c.SeriesB, &c.Coefficient, &c.SampleSize,
			&c.ConfidenceLevel, &computedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying correlation: %w", err)
	}
	if c.ComputedAt, err = store.ParseTime(computedAt); err != nil {
		return nil, fmt.Errorf("parsing computed_at: %w", err)
	}
	return &c, nil
}

// AlignDaily intersects two daily series on date, returning paired
// value slices in date order.
func AlignDaily(a, b []metrics.DailyPoint) (x, y []float64) {
	byDate := make(map[string]float64, len(b))
	for _, p := range b {
		byDate[p.Date] = p.Value
	}
	for _, p := range a {
		if v, ok := byDate[p.Date]; ok {
			x = append(x, p.Value)
			y = append(y, v)
		}
	}
	return x, y
}

// Pearson computes the sample correlation coefficient of two equal
// length series. A zero-variance series yields 0: a flat line carries
// no linear relation either way.
func Pearson(x, y []float64) float64 {
	n := float64(len(x))
	if n == 0 || len(x) != len(y) {
		return 0
	}

	var sumX, sumY float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for i := range x {
		dx, dy := x[i]-meanX, y[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}

// ConfidenceLevel maps a coefficient and sample size to a discrete
// significance level (0, 0.90, 0.95, or 0.99) via the t statistic
// t = r*sqrt((n-2)/(1-r^2)) against large-sample two-tailed critical
// values. The derivation is deliberately coarse: the consumer only
// needs "is this worth surfacing", not a p-value.
func ConfidenceLevel(r float64, n int) float64 {
	if n < minCorrelationSamples {
		return 0
	}
	r2 := r * r
	if r2 >= 1 {
		return 0.99
	}
	t := math.Abs(r) * math.Sqrt(float64(n-2)/(1-r2))
	switch {
	case t >= 2.576:
		return 0.99
	case t >= 1.960:
		return 0.95
	case t >= 1.645:
		return 0.90
	default:
		return 0
	}
}
