package consolidate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/pattern"
	"github.com/fyrsmithlabs/memoryd/internal/store"
	"github.com/fyrsmithlabs/memoryd/internal/workingmem"
)

func newTestPipeline(t *testing.T) (*Pipeline, *pattern.Store) {
	t.Helper()

	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema(context.Background()))

	ps := pattern.NewStore(db, zap.NewNop())
	return New(db, ps, DefaultOptions(), zap.NewNop()), ps
}

// threeStepRecord is a completed record with three role-attributed
// turns inferring the investigate > implement > test sequence.
func threeStepRecord(id string) *workingmem.Record {
	created := time.Now().UTC().Add(-30 * time.Minute)
	completed := time.Now().UTC()
	return &workingmem.Record{
		ID:          id,
		Workspace:   "demo",
		CreatedAt:   created,
		CompletedAt: &completed,
		Turns: []workingmem.Turn{
			{Role: workingmem.RoleUser, Content: "please wire up the export endpoint"},
			{Role: workingmem.RoleAssistant, Content: "searching for the existing route definitions", Agent: "investigator"},
			{Role: workingmem.RoleAssistant, Content: "implementing the endpoint handler", Agent: "implementer"},
			{Role: workingmem.RoleAssistant, Content: "adding a test covering the new handler", Agent: "implementer"},
		},
	}
}

func TestSequenceSimilarity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"a", "b", "c"}, []string{"a", "b", "c"}, 1.0},
		{"disjoint", []string{"a", "b"}, []string{"c", "d"}, 0.0},
		{"one position differs", []string{"a", "b", "c", "d"}, []string{"a", "b", "x", "d"}, 0.75},
		{"length mismatch penalized", []string{"a", "b", "c"}, []string{"a", "b", "c", "d", "e"}, 0.6},
		{"insertion shifts the tail", []string{"a", "b", "c"}, []string{"x", "a", "b", "c"}, 0.0},
		{"both empty", nil, nil, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, sequenceSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestInferStepType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		content string
		want    string
	}{
		{"searching the codebase for usages", "investigate"},
		{"adding a test for the parser", "test"},
		{"fix the nil pointer panic", "debug"},
		{"refactor the session handling", "refactor"},
		{"commit and push the change", "commit"},
		{"updating the readme", "document"},
		{"wiring the new endpoint", "implement"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, inferStepType(tt.content), tt.content)
	}
}

func TestExtractWorkflow_CreatesNewPattern(t *testing.T) {
	t.Parallel()
	p, ps := newTestPipeline(t)
	ctx := context.Background()

	results, err := p.Run(ctx, threeStepRecord("rec-a"))
	require.NoError(t, err)

	var workflow *Candidate
	for i := range results {
		if results[i].Kind == KindWorkflow {
			workflow = &results[i]
		}
	}
	require.NotNil(t, workflow)
	assert.Equal(t, "created", workflow.Result)

	got, err := ps.Get(ctx, workflow.PatternID)
	require.NoError(t, err)
	assert.Equal(t, 0.70, got.Confidence)
	assert.Equal(t, 1, got.UsageCount)
	require.NotNil(t, got.Workflow)
	assert.Equal(t, []string{"investigate", "implement", "test"}, got.Workflow.StepTypes())
	assert.Equal(t, "investigator", got.Workflow.Steps[0].Role)
	assert.Greater(t, got.Workflow.Steps[0].EstimatedDuration, time.Duration(0))
}

func TestExtractWorkflow_MergesIdenticalSequence(t *testing.T) {
	t.Parallel()
	p, ps := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Run(ctx, threeStepRecord("rec-a"))
	require.NoError(t, err)
	results, err := p.Run(ctx, threeStepRecord("rec-b"))
	require.NoError(t, err)

	var workflow *Candidate
	for i := range results {
		if results[i].Kind == KindWorkflow {
			workflow = &results[i]
		}
	}
	require.NotNil(t, workflow)
	assert.Equal(t, "merged", workflow.Result)

	all, err := ps.ListByType(ctx, pattern.TypeWorkflow, 0)
	require.NoError(t, err)
	require.Len(t, all, 1, "identical sequence must merge, not duplicate")

	got := all[0]
	assert.Equal(t, 2, got.UsageCount)
	assert.Less(t, got.Confidence, pattern.ConfidenceCeiling)
	assert.InDelta(t, 0.70, got.Confidence, 1e-9,
		"usage-weighted average of 0.70 and a fresh 0.70")
	assert.True(t, got.HasSource("rec-a"))
	assert.True(t, got.HasSource("rec-b"))
}

func TestExtractWorkflow_StepSuccessRateTracksOutcomes(t *testing.T) {
	t.Parallel()
	p, ps := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Run(ctx, threeStepRecord("rec-a"))
	require.NoError(t, err)

	all, err := ps.ListByType(ctx, pattern.TypeWorkflow, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)

	// A failed application in the field advances usage without a
	// success; the next merge folds that history into the steps.
	failed := all[0]
	failed.UsageCount++
	require.NoError(t, ps.Update(ctx, failed))

	_, err = p.Run(ctx, threeStepRecord("rec-b"))
	require.NoError(t, err)

	got, err := ps.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.UsageCount)
	assert.Equal(t, 2, got.SuccessCount)
	for i, step := range got.Workflow.Steps {
		assert.InDelta(t, 2.0/3.0, step.SuccessRate, 1e-9,
			"step %d carries the workflow's observed rate", i)
	}
}

func TestExtractWorkflow_TooFewSteps(t *testing.T) {
	t.Parallel()
	p, ps := newTestPipeline(t)
	ctx := context.Background()

	rec := threeStepRecord("rec-short")
	rec.Turns = rec.Turns[:3] // two attributed steps

	_, err := p.Run(ctx, rec)
	require.NoError(t, err)

	all, err := ps.ListByType(ctx, pattern.TypeWorkflow, 0)
	require.NoError(t, err)
	assert.Empty(t, all, "fewer than three steps is noise, not a workflow")
}

func TestExtractWorkflow_DissimilarSequenceCreatesSecond(t *testing.T) {
	t.Parallel()
	p, ps := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Run(ctx, threeStepRecord("rec-a"))
	require.NoError(t, err)

	other := threeStepRecord("rec-other")
	other.Turns = []workingmem.Turn{
		{Role: workingmem.RoleUser, Content: "ship the release"},
		{Role: workingmem.RoleAssistant, Content: "reviewing the changelog entries", Agent: "reviewer"},
		{Role: workingmem.RoleAssistant, Content: "updating the release notes document", Agent: "writer"},
		{Role: workingmem.RoleAssistant, Content: "pushing the release tag", Agent: "operator"},
	}
	_, err = p.Run(ctx, other)
	require.NoError(t, err)

	all, err := ps.ListByType(ctx, pattern.TypeWorkflow, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2, "dissimilar sequences stay separate")
}
