package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/store"
)

// fakeSource serves canned facts and records the delta windows it was
// asked for.
type fakeSource struct {
	name   string
	types  []FactType
	facts  []Fact
	err    error
	sinces []time.Time
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FactTypes() []FactType { return f.types }

func (f *fakeSource) FactsSince(_ context.Context, since time.Time) ([]Fact, error) {
	f.sinces = append(f.sinces, since)
	if f.err != nil {
		return nil, f.err
	}
	var out []Fact
	for _, fact := range f.facts {
		if fact.RecordedAt.After(since) {
			out = append(out, fact)
		}
	}
	return out, nil
}

func newTestCollector(t *testing.T, src ...FactSource) (*Collector, *Store, *store.DB) {
	t.Helper()
	db := openTestDB(t)
	ms := NewStore(db, zap.NewNop())
	c := NewCollector(db, ms, src, DefaultCollectorOptions(), zap.NewNop())
	return c, ms, db
}

func gitFact(date string, commits int, recorded time.Time) Fact {
	return Fact{
		Date: date, Type: FactGitActivity,
		Git:        &GitActivity{Commits: commits},
		RecordedAt: recorded,
	}
}

func TestCollect_FirstRunBackfills(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "git", facts: []Fact{
		gitFact("2026-08-20", 3, now.Add(-time.Hour)),
	}}
	c, ms, _ := newTestCollector(t, src)
	c.now = func() time.Time { return now }

	res, err := c.Collect(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, res.Run)
	assert.False(t, res.Throttled)
	assert.Equal(t, RunFull, res.Run.Kind, "no prior success means a full backfill")
	assert.Equal(t, 1, res.Run.Records)

	require.Len(t, src.sinces, 1)
	assert.Equal(t, now.Add(-30*24*time.Hour), src.sinces[0])

	n, err := ms.CountRuns(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCollect_ThrottledInsideMinInterval(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "git"}
	c, ms, _ := newTestCollector(t, src)
	c.now = func() time.Time { return now }

	_, err := c.Collect(context.Background(), false)
	require.NoError(t, err)

	// Ten minutes later: inside the hour, the call is a no-op.
	c.now = func() time.Time { return now.Add(10 * time.Minute) }
	res, err := c.Collect(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, res.Throttled)
	assert.Nil(t, res.Run)

	n, err := ms.CountRuns(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the log shows only the one real run")
	assert.Len(t, src.sinces, 1, "throttled runs never reach the sources")
}

func TestCollect_ForceFullBypassesThrottle(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "git"}
	c, ms, _ := newTestCollector(t, src)
	c.now = func() time.Time { return now }

	_, err := c.Collect(context.Background(), false)
	require.NoError(t, err)

	c.now = func() time.Time { return now.Add(10 * time.Minute) }
	res, err := c.Collect(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, res.Throttled)
	assert.Equal(t, RunFull, res.Run.Kind)

	n, err := ms.CountRuns(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCollect_DeltaWindowStartsAtLastSuccess(t *testing.T) {
	t.Parallel()
	first := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "git"}
	c, _, _ := newTestCollector(t, src)
	c.now = func() time.Time { return first }

	_, err := c.Collect(context.Background(), false)
	require.NoError(t, err)

	second := first.Add(2 * time.Hour)
	c.now = func() time.Time { return second }
	res, err := c.Collect(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, RunDelta, res.Run.Kind)

	require.Len(t, src.sinces, 2)
	assert.Equal(t, first, src.sinces[1], "delta starts at the last successful run")
}

func TestCollect_SourceFailureRollsBack(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)
	good := &fakeSource{name: "git", facts: []Fact{
		gitFact("2026-08-20", 3, now.Add(-time.Hour)),
	}}
	bad := &fakeSource{name: "tests", err: errors.New("log unreadable")}
	c, ms, _ := newTestCollector(t, good, bad)
	c.now = func() time.Time { return now }

	_, err := c.Collect(context.Background(), false)
	require.Error(t, err)

	facts, err := ms.FactsSince(context.Background(), FactGitActivity, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, facts, "facts from the healthy source roll back too")

	okRuns, err := ms.CountRuns(context.Background(), true)
	require.NoError(t, err)
	assert.Zero(t, okRuns)
	failedRuns, err := ms.CountRuns(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, failedRuns, "the failed attempt is still logged")

	// The next (unthrottled) run backfills again: no success exists.
	c.now = func() time.Time { return now.Add(2 * time.Hour) }
	res, err := c.Collect(context.Background(), false)
	require.Error(t, err, "bad source still failing")
	assert.Nil(t, res)
	require.Len(t, good.sinces, 2)
	assert.Equal(t, now.Add(2*time.Hour).Add(-30*24*time.Hour), good.sinces[1])
}

func TestCollect_ForcedFullReplacesWindow(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{
		name:  "git",
		types: []FactType{FactGitActivity, FactFileTouch},
		facts: []Fact{
			gitFact("2026-08-20", 3, now.Add(-time.Hour)),
		},
	}
	c, ms, db := newTestCollector(t, src)
	c.now = func() time.Time { return now }

	_, err := c.Collect(context.Background(), false)
	require.NoError(t, err)

	// A session fact written outside the collector must survive the
	// replacement: the git source does not own that type.
	session := Fact{Date: "2026-08-20", Type: FactWorkSession,
		Session: &WorkSession{Workspace: "/repo", Turns: 4}}
	require.NoError(t, ms.AppendFacts(context.Background(), db.Handle(), []Fact{session}))

	// Ten minutes later a forced full run replays the same window.
	c.now = func() time.Time { return now.Add(10 * time.Minute) }
	res, err := c.Collect(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, RunFull, res.Run.Kind)

	series, err := ms.DailyCommitSeries(context.Background(), "2026-08-20", "2026-08-21")
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.InDelta(t, 3.0, series[0].Value, 1e-9, "replayed history counts once")

	sessions, err := ms.DailySessionSeries(context.Background(), "2026-08-20", "2026-08-21")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.InDelta(t, 1.0, sessions[0].Value, 1e-9)
}

func TestCollect_PrunesOldFactsAndRecomputesHotspots(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "git", facts: []Fact{
		{Date: "2026-06-01", Type: FactGitActivity, Git: &GitActivity{Commits: 1}, RecordedAt: now.Add(-time.Hour)},
		{Date: "2026-08-20", Type: FactGitActivity, Git: &GitActivity{Commits: 7}, RecordedAt: now.Add(-time.Hour)},
		{Date: "2026-08-21", Type: FactGitActivity, Git: &GitActivity{Commits: 3}, RecordedAt: now.Add(-time.Minute)},
		{Date: "2026-08-20", Type: FactFileTouch, File: &FileTouch{Path: "core.go", Edits: 6, Commits: 2}, RecordedAt: now.Add(-time.Hour)},
		{Date: "2026-08-21", Type: FactFileTouch, File: &FileTouch{Path: "core.go", Edits: 3, Commits: 1}, RecordedAt: now.Add(-time.Minute)},
	}}
	c, ms, _ := newTestCollector(t, src)
	c.now = func() time.Time { return now }

	res, err := c.Collect(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pruned, "the fact dated before the retention window is dropped")
	assert.Equal(t, 1, res.Hotspots)

	hs, err := ms.Hotspots(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.Equal(t, "core.go", hs[0].Path)
	assert.Equal(t, 9, hs[0].Edits)
	assert.Equal(t, 3, hs[0].Commits)
	assert.InDelta(t, 9.0/10.0, hs[0].ChurnRate, 1e-9, "9 edits over 10 project commits")
	assert.Equal(t, StabilityUnstable, hs[0].Stability)
}
