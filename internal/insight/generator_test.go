package insight

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/metrics"
	"github.com/fyrsmithlabs/memoryd/internal/store"
)

func newTestGenerator(t *testing.T) (*Generator, *metrics.Store, *Store, *store.DB) {
	t.Helper()
	db := openTestDB(t)
	ms := metrics.NewStore(db, zap.NewNop())
	is := NewStore(db, zap.NewNop())
	g := NewGenerator(db, ms, is, DefaultThresholds(), zap.NewNop())
	return g, ms, is, db
}

// seedCommits inserts one git-activity fact per day.
func seedCommits(t *testing.T, ms *metrics.Store, db *store.DB, perDay map[string]int) {
	t.Helper()
	var facts []metrics.Fact
	for date, commits := range perDay {
		facts = append(facts, metrics.Fact{
			Date: date, Type: metrics.FactGitActivity,
			Git: &metrics.GitActivity{Commits: commits},
		})
	}
	require.NoError(t, ms.AppendFacts(context.Background(), db.Handle(), facts))
}

func TestGenerate_VelocityDropUpsertsOneRow(t *testing.T) {
	t.Parallel()
	g, ms, is, db := newTestGenerator(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	// Steady 7 commits/day for the first three weeks, then a slump.
	perDay := map[string]int{}
	for d := 2; d <= 23; d++ {
		perDay[fmt.Sprintf("2026-08-%02d", d)] = 7
	}
	// Trailing week totals 27 against a ~43/week baseline.
	for d, commits := range map[int]int{25: 5, 26: 4, 27: 4, 28: 4, 29: 4, 30: 3, 31: 3} {
		perDay[fmt.Sprintf("2026-08-%02d", d)] = commits
	}
	seedCommits(t, ms, db, perDay)

	report, err := g.Generate(ctx)
	require.NoError(t, err)
	require.Len(t, report.Triggered, 1)

	first := report.Triggered[0]
	assert.Equal(t, TypeVelocityDrop, first.Type)
	assert.Equal(t, "", first.RelatedEntity)
	assert.Equal(t, SeverityWarning, first.Severity)

	// A deeper slump later must update the same row, not add one.
	g.now = func() time.Time { return now.Add(7 * 24 * time.Hour) }
	report, err = g.Generate(ctx)
	require.NoError(t, err)
	require.Len(t, report.Triggered, 1)

	second := report.Triggered[0]
	assert.Equal(t, first.ID, second.ID, "same (type, entity) key keeps one row")
	assert.Equal(t, SeverityError, second.Severity)

	active, err := is.Active(ctx, SeverityInfo)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, SeverityError, active[0].Severity)
}

func TestGenerate_NoVelocityInsightWhenSteady(t *testing.T) {
	t.Parallel()
	g, ms, _, db := newTestGenerator(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	perDay := map[string]int{}
	for d := 2; d <= 31; d++ {
		perDay[fmt.Sprintf("2026-08-%02d", d)] = 5
	}
	seedCommits(t, ms, db, perDay)

	report, err := g.Generate(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Triggered)
}

func TestGenerate_ChurnHotspot(t *testing.T) {
	t.Parallel()
	g, ms, is, db := newTestGenerator(t)
	ctx := context.Background()

	require.NoError(t, ms.UpsertHotspot(ctx, db.Handle(), &metrics.FileHotspot{
		Path: "internal/core/engine.go", WindowStart: "2026-08-01", WindowEnd: "2026-08-31",
		Edits: 9, Commits: 6, ChurnRate: 0.30,
	}))
	require.NoError(t, ms.UpsertHotspot(ctx, db.Handle(), &metrics.FileHotspot{
		Path: "internal/core/quiet.go", WindowStart: "2026-08-01", WindowEnd: "2026-08-31",
		Edits: 1, Commits: 1, ChurnRate: 0.03,
	}))

	report, err := g.Generate(ctx)
	require.NoError(t, err)
	require.Len(t, report.Triggered, 1, "only the file past the churn bar")

	got := report.Triggered[0]
	assert.Equal(t, TypeChurnHotspot, got.Type)
	assert.Equal(t, "internal/core/engine.go", got.RelatedEntity)
	assert.Equal(t, SeverityWarning, got.Severity)

	active, err := is.Active(ctx, SeverityWarning)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestGenerate_UnreliableTestSuite(t *testing.T) {
	t.Parallel()
	g, ms, _, db := newTestGenerator(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	facts := []metrics.Fact{
		{Date: "2026-08-29", Type: metrics.FactTestRun, Test: &metrics.TestRun{Suite: "flaky", Passed: 8, Failed: 2}},
		{Date: "2026-08-30", Type: metrics.FactTestRun, Test: &metrics.TestRun{Suite: "solid", Passed: 50, Failed: 1}},
	}
	require.NoError(t, ms.AppendFacts(ctx, db.Handle(), facts))

	report, err := g.Generate(ctx)
	require.NoError(t, err)
	require.Len(t, report.Triggered, 1)
	assert.Equal(t, TypeUnreliableTest, report.Triggered[0].Type)
	assert.Equal(t, "flaky", report.Triggered[0].RelatedEntity)
}

func TestGenerate_ExpiresStaleInsights(t *testing.T) {
	t.Parallel()
	g, ms, is, db := newTestGenerator(t)
	ctx := context.Background()

	require.NoError(t, ms.UpsertHotspot(ctx, db.Handle(), &metrics.FileHotspot{
		Path: "hot.go", WindowStart: "2026-08-01", WindowEnd: "2026-08-31",
		Edits: 9, Commits: 6, ChurnRate: 0.30,
	}))
	_, err := g.Generate(ctx)
	require.NoError(t, err)

	// Backdate the row past the expiry window and clear its trigger.
	_, err = db.Handle().ExecContext(ctx,
		`UPDATE insights SET updated_at = ?`,
		store.FormatTime(time.Now().UTC().Add(-20*24*time.Hour)))
	require.NoError(t, err)
	_, err = db.Handle().ExecContext(ctx, `DELETE FROM file_hotspots`)
	require.NoError(t, err)

	report, err := g.Generate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)

	active, err := is.Active(ctx, SeverityInfo)
	require.NoError(t, err)
	assert.Empty(t, active, "expired insights leave the active view but stay stored")

	var n int
	require.NoError(t, db.Handle().QueryRowContext(ctx, `SELECT COUNT(*) FROM insights`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestUpsert_AcknowledgedRowIsLeftAlone(t *testing.T) {
	t.Parallel()
	g, ms, is, db := newTestGenerator(t)
	ctx := context.Background()

	require.NoError(t, ms.UpsertHotspot(ctx, db.Handle(), &metrics.FileHotspot{
		Path: "hot.go", WindowStart: "2026-08-01", WindowEnd: "2026-08-31",
		Edits: 9, Commits: 6, ChurnRate: 0.30,
	}))
	report, err := g.Generate(ctx)
	require.NoError(t, err)
	require.Len(t, report.Triggered, 1)
	id := report.Triggered[0].ID

	require.NoError(t, is.Acknowledge(ctx, id))

	// The renewed trigger must not overwrite what the user has seen.
	_, err = g.Generate(ctx)
	require.NoError(t, err)

	got, err := is.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Acknowledged)
}

func TestActive_OrderingAndFloor(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	is := NewStore(db, zap.NewNop())
	ctx := context.Background()

	mk := func(typ, entity string, sev Severity) {
		_, err := is.Upsert(ctx, db.Handle(), &Insight{
			Type: typ, RelatedEntity: entity, Severity: sev, Title: typ,
		})
		require.NoError(t, err)
	}
	mk(TypeChurnHotspot, "a.go", SeverityWarning)
	mk(TypeVelocityDrop, "", SeverityError)
	mk(TypeUnreliableTest, "slow", SeverityInfo)

	all, err := is.Active(ctx, SeverityInfo)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, SeverityError, all[0].Severity, "most severe first")

	warnUp, err := is.Active(ctx, SeverityWarning)
	require.NoError(t, err)
	assert.Len(t, warnUp, 2, "floor excludes INFO")
}
