package consolidate

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/pattern"
	"github.com/fyrsmithlabs/memoryd/internal/workingmem"
)

// freshWorkflowConfidence is the confidence of a single observed
// workflow instance, used both for new patterns and as the incoming
// weight when merging into an existing one.
const freshWorkflowConfidence = 0.70

// stepRule maps content markers to an inferred step type. Rules are
// checked in order; the first match wins.
type stepRule struct {
	re       *regexp.Regexp
	stepType string
}

var stepRules = []stepRule{
	{regexp.MustCompile(`(?i)\b(plan(ning)?|design(ing)?|outline|propose|approach)\b`), "plan"},
	{regexp.MustCompile(`(?i)\b(search\w*|find(ing)?|locat\w*|grep\w*|look(ing)? (for|at)|read(ing)?|inspect\w*|explor\w*)\b`), "investigate"},
	{regexp.MustCompile(`(?i)\b(tests?|testing|spec|coverage|assert\w*)\b`), "test"},
	{regexp.MustCompile(`(?i)\b(fix\w*|debug\w*|error|fail(ed|ing|ure)?|broken|traceback|panic)\b`), "debug"},
	{regexp.MustCompile(`(?i)\b(refactor\w*|renam\w*|restructur\w*|extract\w*|clean ?up)\b`), "refactor"},
	{regexp.MustCompile(`(?i)\b(review\w*|approv\w*|lgtm|feedback)\b`), "review"},
	{regexp.MustCompile(`(?i)\b(commit\w*|push(ed|ing)?|merg\w*|releas\w*|deploy\w*|ship\w*)\b`), "commit"},
	{regexp.MustCompile(`(?i)\b(document\w*|docs|readme|comment\w*|changelog)\b`), "document"},
}

// defaultStepType is applied when no rule matches; most attributed
// turns that are none of the above are implementation work.
const defaultStepType = "implement"

func inferStepType(content string) string {
	for _, r := range stepRules {
		if r.re.MatchString(content) {
			return r.stepType
		}
	}
	return defaultStepType
}

const maxStepDescription = 120

// extractSteps builds the ordered step list from turns attributed to a
// responsible role. Unattributed turns are conversation, not workflow.
func extractSteps(rec *workingmem.Record) []pattern.WorkflowStep {
	var steps []pattern.WorkflowStep
	for _, turn := range rec.Turns {
		if turn.Agent == "" {
			continue
		}
		desc := turn.Content
		if len(desc) > maxStepDescription {
			desc = desc[:maxStepDescription]
		}
		steps = append(steps, pattern.WorkflowStep{
			Type:        inferStepType(turn.Content),
			Description: desc,
			Role:        turn.Agent,
			SuccessRate: 1.0,
		})
	}

	// The record's wall time spread evenly over its steps is a crude
	// per-step estimate, refined by the running average on merge.
	if len(steps) > 0 && rec.CompletedAt != nil {
		per := rec.CompletedAt.Sub(rec.CreatedAt) / time.Duration(len(steps))
		if per > 0 {
			for i := range steps {
				steps[i].EstimatedDuration = per
			}
		}
	}
	return steps
}

// sequenceSimilarity is the matching-position ratio over the longer of
// the two step-type sequences. Chosen over edit distance for being
// order-sensitive yet trivially explainable: identical sequences score
// 1.0, a single insertion shifts everything after it.
func sequenceSimilarity(a, b []string) float64 {
	longer := len(a)
	if len(b) > longer {
		longer = len(b)
	}
	if longer == 0 {
		return 0
	}
	shorter := len(a)
	if len(b) < shorter {
		shorter = len(b)
	}
	match := 0
	for i := 0; i < shorter; i++ {
		if a[i] == b[i] {
			match++
		}
	}
	return float64(match) / float64(longer)
}

func (p *Pipeline) extractWorkflow(ctx context.Context, tx *sql.Tx, rec *workingmem.Record) ([]Candidate, error) {
	steps := extractSteps(rec)
	if len(steps) < p.opts.MinWorkflowSteps {
		return []Candidate{{Kind: KindWorkflow, Result: resultSkipped}}, nil
	}
	seq := stepTypes(steps)

	existing, err := p.patterns.WorkflowsIn(ctx, tx)
	if err != nil {
		return nil, err
	}

	var (
		best    *pattern.Pattern
		bestSim float64
	)
	for _, cand := range existing {
		sim := sequenceSimilarity(seq, cand.Workflow.StepTypes())
		if sim > bestSim {
			best, bestSim = cand, sim
		}
	}

	if best != nil && bestSim >= p.opts.SimilarityThreshold {
		p.mergeWorkflow(best, steps, rec)
		if err := p.patterns.UpdateIn(ctx, tx, best); err != nil {
			return nil, err
		}
		p.logger.Debug("workflow merged",
			zap.String("pattern_id", best.ID),
			zap.Float64("similarity", bestSim),
			zap.Int("usage_count", best.UsageCount))
		return []Candidate{{Kind: KindWorkflow, Result: resultMerged, PatternID: best.ID}}, nil
	}

	now := p.now().UTC()
	created := &pattern.Pattern{
		Type:          pattern.TypeWorkflow,
		Name:          workflowName(seq),
		Confidence:    freshWorkflowConfidence,
		UsageCount:    1,
		SuccessCount:  1,
		LastUsed:      &now,
		SourceRecords: []string{rec.ID},
		Workflow:      &pattern.WorkflowPayload{Steps: steps},
	}
	if err := p.patterns.CreateIn(ctx, tx, created); err != nil {
		return nil, err
	}
	p.logger.Debug("workflow created",
		zap.String("pattern_id", created.ID),
		zap.Strings("steps", seq))
	return []Candidate{{Kind: KindWorkflow, Result: resultCreated, PatternID: created.ID}}, nil
}

// mergeWorkflow folds one observed instance into an existing pattern:
// confidence becomes the usage-weighted average of the old value and a
// fresh instance's 0.70, step success rates are refreshed from the
// pattern's outcome counters, and step duration estimates become
// running averages at matching positions.
func (p *Pipeline) mergeWorkflow(dst *pattern.Pattern, steps []pattern.WorkflowStep, rec *workingmem.Record) {
	if dst.HasSource(rec.ID) {
		return
	}
	n := float64(dst.UsageCount)
	dst.Confidence = (dst.Confidence*n + freshWorkflowConfidence) / (n + 1)
	dst.UsageCount++
	dst.SuccessCount++
	now := p.now().UTC()
	dst.LastUsed = &now
	dst.SourceRecords = append(dst.SourceRecords, rec.ID)

	// Lifecycle penalties advance usage without a success, so the
	// observed rate drifts below 1.0 once the workflow has failed in
	// the field. Steps carry that history at the only granularity we
	// can observe: the workflow's.
	rate := dst.SuccessRate()
	for i := range dst.Workflow.Steps {
		dst.Workflow.Steps[i].SuccessRate = rate
	}

	for i := range dst.Workflow.Steps {
		if i >= len(steps) {
			break
		}
		old := dst.Workflow.Steps[i].EstimatedDuration
		obs := steps[i].EstimatedDuration
		if obs <= 0 {
			continue
		}
		if old <= 0 {
			dst.Workflow.Steps[i].EstimatedDuration = obs
			continue
		}
		avg := (time.Duration(n)*old + obs) / time.Duration(n+1)
		dst.Workflow.Steps[i].EstimatedDuration = avg
	}
}

func stepTypes(steps []pattern.WorkflowStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Type
	}
	return out
}

func workflowName(seq []string) string {
	return strings.Join(seq, " > ")
}
