package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/config"
	"github.com/fyrsmithlabs/memoryd/internal/insight"
	"github.com/fyrsmithlabs/memoryd/internal/metrics"
	"github.com/fyrsmithlabs/memoryd/internal/store"
	"github.com/fyrsmithlabs/memoryd/internal/workingmem"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	cfg := config.Default()
	cfg.Database.Path = ":memory:"

	eng, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

// completedRecord adds a finished three-step interaction, the smallest
// shape that consolidates into a workflow pattern.
func completedRecord(t *testing.T, eng *Engine, id string, files ...string) *workingmem.Record {
	t.Helper()
	ctx := context.Background()

	rec := &workingmem.Record{
		ID:        id,
		Workspace: "/repo/app",
		Turns: []workingmem.Turn{
			{Role: workingmem.RoleUser, Content: "please fix the flaky login test"},
			{Role: workingmem.RoleAssistant, Agent: "investigator", Content: "searching for the stale session check"},
			{Role: workingmem.RoleAssistant, Agent: "implementer", Content: "writing the session handling change"},
			{Role: workingmem.RoleAssistant, Agent: "tester", Content: "running the test suite to verify"},
		},
	}
	for _, f := range files {
		rec.Files = append(rec.Files, workingmem.FileMention{Path: f, Action: workingmem.ActionWrite})
	}
	require.NoError(t, eng.Working().Add(ctx, rec))
	require.NoError(t, eng.Working().MarkComplete(ctx, id))
	return rec
}

func TestEngine_EvictionFeedsQuerySurface(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)
	ctx := context.Background()

	// Fill past capacity so the oldest completed record is consumed.
	for i := 0; i <= eng.cfg.WorkingMemory.Capacity; i++ {
		completedRecord(t, eng, fmt.Sprintf("rec-%03d", i),
			"internal/auth/session.go", "internal/auth/session_test.go")
	}

	count, err := eng.Working().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, eng.cfg.WorkingMemory.Capacity, count)

	workflows, degraded := eng.FindSimilarWorkflow(ctx, nil)
	assert.False(t, degraded)
	require.NotEmpty(t, workflows, "evicted record should have consolidated a workflow")
	assert.GreaterOrEqual(t, workflows[0].Confidence, 0.70)

	rels, degraded := eng.GetRelatedFiles(ctx, "internal/auth/session.go", 0.0)
	assert.False(t, degraded)
	require.Len(t, rels, 1)
	assert.Equal(t, "internal/auth/session_test.go", rels[0].FileB)

	// The evicted session's envelope crossed into the metrics tier.
	sessions, err := eng.Metrics().FactsSince(ctx, metrics.FactWorkSession, time.Time{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "/repo/app", sessions[0].Session.Workspace)
	assert.Equal(t, 4, sessions[0].Session.Turns)
}

func TestEngine_MatchIntent(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i <= eng.cfg.WorkingMemory.Capacity; i++ {
		completedRecord(t, eng, fmt.Sprintf("rec-%03d", i), "a.go")
	}

	matches, degraded := eng.MatchIntent(ctx, "please fix the flaky checkout test")
	assert.False(t, degraded)
	require.NotEmpty(t, matches)
	assert.Equal(t, "fix_bug", matches[0].Intent)
}

func TestEngine_FileStabilityDefaultsToStable(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)
	ctx := context.Background()

	stability, degraded := eng.GetFileStability(ctx, "never/seen.go")
	assert.False(t, degraded, "no data is an answer, not a failure")
	assert.Equal(t, metrics.StabilityStable, stability)

	require.NoError(t, eng.Metrics().UpsertHotspot(ctx, eng.db.Handle(), &metrics.FileHotspot{
		Path: "hot/path.go", WindowStart: "2026-08-01", WindowEnd: "2026-08-31",
		Edits: 9, ChurnRate: 0.30,
	}))
	stability, degraded = eng.GetFileStability(ctx, "hot/path.go")
	assert.False(t, degraded)
	assert.Equal(t, metrics.StabilityUnstable, stability)
}

func TestEngine_DegradedQueryAfterClose(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Database.Path = ":memory:"
	eng, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	ctx := context.Background()
	workflows, degraded := eng.FindSimilarWorkflow(ctx, nil)
	assert.True(t, degraded)
	assert.Empty(t, workflows)

	stability, degraded := eng.GetFileStability(ctx, "a.go")
	assert.True(t, degraded)
	assert.Equal(t, metrics.StabilityStable, stability, "degraded still yields a safe value")
}

func TestEngine_RunMaintenanceEndToEnd(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.RunMaintenance(ctx))

	// The collection pass must have logged a run even with no sources.
	n, err := eng.Metrics().CountRuns(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A second pass inside the throttle window logs nothing new.
	require.NoError(t, eng.RunMaintenance(ctx))
	n, err = eng.Metrics().CountRuns(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_RunMaintenanceRefreshesCorrelations(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)
	ctx := context.Background()

	// Three days of perfectly aligned commit and failure volume.
	var facts []metrics.Fact
	for i := 1; i <= 3; i++ {
		date := time.Now().UTC().AddDate(0, 0, -i).Format(store.DateFormat)
		facts = append(facts,
			metrics.Fact{Date: date, Type: metrics.FactGitActivity,
				Git: &metrics.GitActivity{Commits: 2 * i}},
			metrics.Fact{Date: date, Type: metrics.FactTestRun,
				Test: &metrics.TestRun{Suite: "unit", Passed: 20, Failed: i}},
		)
	}
	require.NoError(t, eng.Metrics().AppendFacts(ctx, eng.db.Handle(), facts))

	require.NoError(t, eng.RunMaintenance(ctx))

	corr, err := eng.Correlations().Get(ctx, CorrelationCommitsVsTestFailures)
	require.NoError(t, err)
	require.NotNil(t, corr, "the standing correlation is written by the maintenance pass")
	assert.Equal(t, "daily_commits", corr.SeriesA)
	assert.Equal(t, "daily_test_failures", corr.SeriesB)
	assert.Equal(t, 3, corr.SampleSize)
	assert.InDelta(t, 1.0, corr.Coefficient, 1e-9)
	assert.InDelta(t, 0.99, corr.ConfidenceLevel, 1e-9)
}

func TestEngine_ActiveInsightsThroughFacade(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Metrics().UpsertHotspot(ctx, eng.db.Handle(), &metrics.FileHotspot{
		Path: "internal/core/engine.go", WindowStart: "2026-08-01", WindowEnd: "2026-08-31",
		Edits: 9, ChurnRate: 0.30,
	}))
	_, err := eng.GenerateInsights(ctx)
	require.NoError(t, err)

	ins, degraded := eng.GetActiveInsights(ctx, insight.SeverityInfo)
	assert.False(t, degraded)
	require.Len(t, ins, 1)
	assert.Equal(t, insight.TypeChurnHotspot, ins[0].Type)

	// An ERROR floor filters the WARNING out.
	ins, degraded = eng.GetActiveInsights(ctx, insight.SeverityError)
	assert.False(t, degraded)
	assert.Empty(t, ins)
}

func TestScheduler_StartStop(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)

	s, err := NewScheduler(eng, 50*time.Millisecond, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "double start is rejected")

	// Let at least one tick land.
	require.Eventually(t, func() bool {
		n, err := eng.Metrics().CountRuns(context.Background(), true)
		return err == nil && n >= 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop() // idempotent
}

func TestScheduler_RejectsBadArguments(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)

	_, err := NewScheduler(nil, time.Minute, zap.NewNop())
	assert.Error(t, err)

	_, err = NewScheduler(eng, 0, zap.NewNop())
	assert.Error(t, err)
}
