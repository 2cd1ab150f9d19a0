package consolidate

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/memoryd/internal/pattern"
	"github.com/fyrsmithlabs/memoryd/internal/workingmem"
)

// minIntentTokens filters out phrases too short to generalize; "yes"
// or "do it" carry no reusable intent.
const minIntentTokens = 3

// intentRule infers an intent label from a generalized template.
type intentRule struct {
	re     *regexp.Regexp
	intent string
}

var intentRules = []intentRule{
	{regexp.MustCompile(`\b(add|write|create) (a |an )?(unit |integration )?tests?\b`), "write_test"},
	{regexp.MustCompile(`\b(fix|resolve|debug)\b`), "fix_bug"},
	{regexp.MustCompile(`\b(refactor|rename|restructure|extract|move)\b`), "refactor"},
	{regexp.MustCompile(`\b(review|check|look over)\b`), "review"},
	{regexp.MustCompile(`\b(explain|what|how|why|describe)\b`), "explain"},
	{regexp.MustCompile(`\b(add|implement|create|build|write)\b`), "implement"},
	{regexp.MustCompile(`\b(delete|remove|drop)\b`), "remove"},
	{regexp.MustCompile(`\b(update|change|modify|bump|set)\b`), "modify"},
	{regexp.MustCompile(`\b(run|execute|deploy|release)\b`), "operate"},
}

const defaultIntent = "general"

func inferIntent(template string) string {
	for _, r := range intentRules {
		if r.re.MatchString(template) {
			return r.intent
		}
	}
	return defaultIntent
}

// extractIntents generalizes each user turn into a template and
// upserts (template, intent) counters. A turn counts as a success on
// the orchestrator's routing verdict when it reported one; unjudged
// turns fall back to whether the record ran to completion. Intent
// confidence is the observed success ratio, capped at the lifecycle
// ceiling.
func (p *Pipeline) extractIntents(ctx context.Context, tx *sql.Tx, rec *workingmem.Record) ([]Candidate, error) {
	var out []Candidate
	seen := make(map[string]bool)
	for _, turn := range rec.Turns {
		if turn.Role != workingmem.RoleUser {
			continue
		}
		confirmed := turnConfirmed(turn, rec)
		template := pattern.Templatize(turn.Content)
		if len(strings.Fields(template)) < minIntentTokens || seen[template] {
			continue
		}
		seen[template] = true

		cand, err := p.upsertIntent(ctx, tx, rec, template, confirmed)
		if err != nil {
			return nil, err
		}
		out = append(out, cand)
	}
	if len(out) == 0 {
		out = []Candidate{{Kind: KindIntent, Result: resultSkipped}}
	}
	return out, nil
}

func turnConfirmed(turn workingmem.Turn, rec *workingmem.Record) bool {
	switch turn.Outcome {
	case workingmem.OutcomeConfirmed:
		return true
	case workingmem.OutcomeRejected:
		return false
	default:
		return rec.CompletedAt != nil
	}
}

func (p *Pipeline) upsertIntent(ctx context.Context, tx *sql.Tx, rec *workingmem.Record, template string, confirmed bool) (Candidate, error) {
	existing, err := p.patterns.GetByDedupeIn(ctx, tx, pattern.TypeIntent, template)
	switch {
	case err == nil:
		if existing.HasSource(rec.ID) {
			return Candidate{Kind: KindIntent, Result: resultSkipped, PatternID: existing.ID}, nil
		}
		existing.Intent.MatchCount++
		existing.UsageCount++
		if confirmed {
			existing.Intent.SuccessCount++
			existing.SuccessCount++
		}
		existing.Confidence = intentConfidence(existing.Intent)
		existing.SourceRecords = append(existing.SourceRecords, rec.ID)
		now := p.now().UTC()
		existing.LastUsed = &now
		if err := p.patterns.UpdateIn(ctx, tx, existing); err != nil {
			return Candidate{}, err
		}
		return Candidate{Kind: KindIntent, Result: resultMerged, PatternID: existing.ID}, nil

	case errors.Is(err, pattern.ErrNotFound):
		payload := &pattern.IntentPayload{
			Template:   template,
			Intent:     inferIntent(template),
			MatchCount: 1,
		}
		success := 0
		if confirmed {
			payload.SuccessCount = 1
			success = 1
		}
		now := p.now().UTC()
		created := &pattern.Pattern{
			Type:          pattern.TypeIntent,
			Name:          template,
			Confidence:    intentConfidence(payload),
			UsageCount:    1,
			SuccessCount:  success,
			LastUsed:      &now,
			SourceRecords: []string{rec.ID},
			Intent:        payload,
			DedupeKey:     template,
		}
		if err := p.patterns.CreateIn(ctx, tx, created); err != nil {
			return Candidate{}, err
		}
		return Candidate{Kind: KindIntent, Result: resultCreated, PatternID: created.ID}, nil

	default:
		return Candidate{}, err
	}
}

func intentConfidence(ip *pattern.IntentPayload) float64 {
	if ip.MatchCount == 0 {
		return 0
	}
	c := float64(ip.SuccessCount) / float64(ip.MatchCount)
	if c > pattern.ConfidenceCeiling {
		return pattern.ConfidenceCeiling
	}
	return c
}
