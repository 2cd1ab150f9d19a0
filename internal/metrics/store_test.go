package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

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

func newTestMetricsStore(t *testing.T) (*Store, *store.DB) {
	t.Helper()
	db := openTestDB(t)
	return NewStore(db, zap.NewNop()), db
}

func TestClassifyStability_Boundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		churn float64
		want  Stability
	}{
		{0.0, StabilityStable},
		{0.099, StabilityStable},
		{0.10, StabilityModerate},
		{0.199, StabilityModerate},
		{0.20, StabilityUnstable},
		{1.5, StabilityUnstable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyStability(tt.churn), "churn %v", tt.churn)
	}
}

func TestAppendFacts_RoundTrip(t *testing.T) {
	t.Parallel()
	s, db := newTestMetricsStore(t)
	ctx := context.Background()

	facts := []Fact{
		{Date: "2026-08-20", Type: FactGitActivity, Git: &GitActivity{Commits: 4, Insertions: 120, Deletions: 30}},
		{Date: "2026-08-20", Type: FactFileTouch, File: &FileTouch{Path: "internal/api/export.go", Edits: 3, Commits: 2}},
		{Date: "2026-08-21", Type: FactTestRun, Test: &TestRun{Suite: "api", Passed: 40, Failed: 2}},
		{Date: "2026-08-21", Type: FactWorkSession, Session: &WorkSession{Workspace: "demo", Turns: 8, Files: 3, Duration: 20 * time.Minute}},
	}
	require.NoError(t, s.AppendFacts(ctx, db.Handle(), facts))
	for _, f := range facts {
		assert.NotZero(t, f.ID)
	}

	git, err := s.FactsSince(ctx, FactGitActivity, time.Time{})
	require.NoError(t, err)
	require.Len(t, git, 1)
	assert.Equal(t, 4, git[0].Git.Commits)

	sessions, err := s.FactsSince(ctx, FactWorkSession, time.Time{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 20*time.Minute, sessions[0].Session.Duration)
}

func TestAppendFacts_Validation(t *testing.T) {
	t.Parallel()
	s, db := newTestMetricsStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		fact Fact
	}{
		{"unknown type", Fact{Date: "2026-08-20", Type: "bogus"}},
		{"bad date", Fact{Date: "20-08-2026", Type: FactGitActivity, Git: &GitActivity{}}},
		{"missing payload", Fact{Date: "2026-08-20", Type: FactGitActivity}},
		{"payload type mismatch", Fact{Date: "2026-08-20", Type: FactGitActivity, Test: &TestRun{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.AppendFacts(ctx, db.Handle(), []Fact{tt.fact})
			require.ErrorIs(t, err, ErrInvalidFact)
		})
	}
}

func TestDailyCommitSeries_AggregatesPerDate(t *testing.T) {
	t.Parallel()
	s, db := newTestMetricsStore(t)
	ctx := context.Background()

	facts := []Fact{
		{Date: "2026-08-20", Type: FactGitActivity, Git: &GitActivity{Commits: 3}},
		{Date: "2026-08-20", Type: FactGitActivity, Git: &GitActivity{Commits: 2}},
		{Date: "2026-08-22", Type: FactGitActivity, Git: &GitActivity{Commits: 7}},
	}
	require.NoError(t, s.AppendFacts(ctx, db.Handle(), facts))

	series, err := s.DailyCommitSeries(ctx, "2026-08-01", "2026-08-31")
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, DailyPoint{Date: "2026-08-20", Value: 5}, series[0])
	assert.Equal(t, DailyPoint{Date: "2026-08-22", Value: 7}, series[1])
}

func TestPruneFacts(t *testing.T) {
	t.Parallel()
	s, db := newTestMetricsStore(t)
	ctx := context.Background()

	facts := []Fact{
		{Date: "2026-06-01", Type: FactGitActivity, Git: &GitActivity{Commits: 1}},
		{Date: "2026-08-20", Type: FactGitActivity, Git: &GitActivity{Commits: 1}},
	}
	require.NoError(t, s.AppendFacts(ctx, db.Handle(), facts))

	pruned, err := s.PruneFacts(ctx, db.Handle(), "2026-08-01")
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	left, err := s.FactsSince(ctx, FactGitActivity, time.Time{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "2026-08-20", left[0].Date)
}

func TestUpsertHotspot_OverwritesAndClassifies(t *testing.T) {
	t.Parallel()
	s, db := newTestMetricsStore(t)
	ctx := context.Background()

	h := &FileHotspot{
		Path: "internal/api/export.go", WindowStart: "2026-07-22", WindowEnd: "2026-08-21",
		Edits: 2, Commits: 1, ChurnRate: 0.066,
	}
	require.NoError(t, s.UpsertHotspot(ctx, db.Handle(), h))
	assert.Equal(t, StabilityStable, h.Stability)

	h.Edits = 9
	h.ChurnRate = 0.30
	require.NoError(t, s.UpsertHotspot(ctx, db.Handle(), h))

	got, err := s.Hotspots(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1, "same path overwrites, never duplicates")
	assert.Equal(t, 9, got[0].Edits)
	assert.Equal(t, StabilityUnstable, got[0].Stability)
}

func TestCollectionLog_LastRuns(t *testing.T) {
	t.Parallel()
	s, db := newTestMetricsStore(t)
	ctx := context.Background()

	none, err := s.LastRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	base := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordRun(ctx, db.Handle(), &CollectionRun{StartedAt: base, Kind: RunFull, Success: true}))
	require.NoError(t, s.RecordRun(ctx, db.Handle(), &CollectionRun{StartedAt: base.Add(2 * time.Hour), Kind: RunDelta, Success: false}))

	last, err := s.LastRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, RunDelta, last.Kind)
	assert.False(t, last.Success)

	lastOK, err := s.LastSuccessfulRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, lastOK)
	assert.Equal(t, RunFull, lastOK.Kind)
	assert.Equal(t, base, lastOK.StartedAt)
}
