package insight

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/metrics"
	"github.com/fyrsmithlabs/memoryd/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()

	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema(context.Background()))
	return db
}

func TestPearson(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		x, y []float64
		want float64
	}{
		{"perfect positive", []float64{1, 2, 3, 4}, []float64{2, 4, 6, 8}, 1.0},
		{"perfect negative", []float64{1, 2, 3, 4}, []float64{8, 6, 4, 2}, -1.0},
		{"flat series", []float64{1, 2, 3}, []float64{5, 5, 5}, 0.0},
		{"empty", nil, nil, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Pearson(tt.x, tt.y), 1e-9)
		})
	}
}

func TestAlignDaily(t *testing.T) {
	t.Parallel()

	a := []metrics.DailyPoint{
		{Date: "2026-08-01", Value: 1},
		{Date: "2026-08-02", Value: 2},
		{Date: "2026-08-04", Value: 4},
	}
	b := []metrics.DailyPoint{
		{Date: "2026-08-02", Value: 20},
		{Date: "2026-08-03", Value: 30},
		{Date: "2026-08-04", Value: 40},
	}

	x, y := AlignDaily(a, b)
	assert.Equal(t, []float64{2, 4}, x, "only shared dates survive")
	assert.Equal(t, []float64{20, 40}, y)
}

func TestConfidenceLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, ConfidenceLevel(0.9, 2), "too few samples")
	assert.Equal(t, 0.0, ConfidenceLevel(0.1, 10), "weak coefficient")
	assert.Equal(t, 0.99, ConfidenceLevel(1.0, 10), "degenerate perfect fit")
	assert.Equal(t, 0.99, ConfidenceLevel(0.9, 30), "strong coefficient, large sample")
	// r=0.5, n=14: t = 0.5*sqrt(12/0.75) = 2.0 -> 95% band.
	assert.Equal(t, 0.95, ConfidenceLevel(0.5, 14))
}

func TestEngineCompute_OverwritesNamedRow(t *testing.T) {
	t.Parallel()
	e := NewEngine(openTestDB(t), zap.NewNop())
	ctx := context.Background()

	a := []metrics.DailyPoint{{Date: "2026-08-01", Value: 1}, {Date: "2026-08-02", Value: 2}, {Date: "2026-08-03", Value: 3}, {Date: "2026-08-04", Value: 4}}
	b := []metrics.DailyPoint{{Date: "2026-08-01", Value: 2}, {Date: "2026-08-02", Value: 4}, {Date: "2026-08-03", Value: 6}, {Date: "2026-08-04", Value: 8}}

	c, err := e.Compute(ctx, "commits_vs_failures", "commits", "failures", a, b)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.InDelta(t, 1.0, c.Coefficient, 1e-9)
	assert.Equal(t, 4, c.SampleSize)

	// Recomputing under the same name replaces, never duplicates.
	inverse := []metrics.DailyPoint{{Date: "2026-08-01", Value: 8}, {Date: "2026-08-02", Value: 6}, {Date: "2026-08-03", Value: 4}, {Date: "2026-08-04", Value: 2}}
	_, err = e.Compute(ctx, "commits_vs_failures", "commits", "failures", a, inverse)
	require.NoError(t, err)

	got, err := e.Get(ctx, "commits_vs_failures")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.InDelta(t, -1.0, got.Coefficient, 1e-9)
}

func TestEngineCompute_TooFewSamples(t *testing.T) {
	t.Parallel()
	e := NewEngine(openTestDB(t), zap.NewNop())
	ctx := context.Background()

	a := []metrics.DailyPoint{{Date: "2026-08-01", Value: 1}}
	b := []metrics.DailyPoint{{Date: "2026-08-01", Value: 2}}

	c, err := e.Compute(ctx, "sparse", "a", "b", a, b)
	require.NoError(t, err)
	assert.Nil(t, c)

	got, err := e.Get(ctx, "sparse")
	require.NoError(t, err)
	assert.Nil(t, got, "nothing stored for an undersized sample")
}
