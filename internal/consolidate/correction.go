package consolidate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/fyrsmithlabs/memoryd/internal/pattern"
	"github.com/fyrsmithlabs/memoryd/internal/workingmem"
)

// correctionMarker matches user turns that walk back an earlier
// assistant action. The presence of a marker after at least one
// assistant turn is treated as a mistake-then-fix pair.
var correctionMarker = regexp.MustCompile(`(?i)^\s*(no[,. ]|actually\b|that'?s (wrong|not right|incorrect)|wrong\b|not quite|undo\b|revert\b|should (be|have been)\b|i meant\b)`)

// errorTypeRule classifies what kind of mistake was corrected, judged
// from the correcting turn's content.
type errorTypeRule struct {
	re        *regexp.Regexp
	errorType string
}

var errorTypeRules = []errorTypeRule{
	{regexp.MustCompile(`(?i)\b(file|path|directory|folder)\b`), "wrong_file"},
	{regexp.MustCompile(`(?i)\b(name|named|naming|rename|call(ed)? it)\b`), "wrong_name"},
	{regexp.MustCompile(`(?i)\b(type|signature|interface|struct)\b`), "wrong_type"},
	{regexp.MustCompile(`(?i)\b(test|assert)\b`), "wrong_test"},
	{regexp.MustCompile(`(?i)\b(logic|condition|off.by.one|inverted|backwards)\b`), "wrong_logic"},
}

const defaultErrorType = "general_correction"

func classifyError(content string) string {
	for _, r := range errorTypeRules {
		if r.re.MatchString(content) {
			return r.errorType
		}
	}
	return defaultErrorType
}

type correctionObs struct {
	errorType   string
	fileContext string
}

// detectCorrections scans the record for user turns that correct a
// preceding assistant turn. The file context is the most recently
// written or created file at the point of correction, when any.
func detectCorrections(rec *workingmem.Record) []correctionObs {
	written := ""
	for _, m := range rec.Files {
		if m.Action == workingmem.ActionWrite || m.Action == workingmem.ActionCreate {
			written = m.Path
			break
		}
	}

	var (
		out          []correctionObs
		sawAssistant bool
		seen         = make(map[string]bool)
	)
	for _, turn := range rec.Turns {
		if turn.Role == workingmem.RoleAssistant {
			sawAssistant = true
			continue
		}
		if !sawAssistant || !correctionMarker.MatchString(turn.Content) {
			continue
		}
		obs := correctionObs{
			errorType:   classifyError(turn.Content),
			fileContext: written,
		}
		key := obs.errorType + "|" + obs.fileContext
		if !seen[key] {
			seen[key] = true
			out = append(out, obs)
		}
	}
	return out
}

func (p *Pipeline) extractCorrections(ctx context.Context, tx *sql.Tx, rec *workingmem.Record) ([]Candidate, error) {
	observations := detectCorrections(rec)
	if len(observations) == 0 {
		return []Candidate{{Kind: KindCorrection, Result: resultSkipped}}, nil
	}

	var out []Candidate
	for _, obs := range observations {
		key := obs.errorType + "|" + obs.fileContext

		existing, err := p.patterns.GetByDedupeIn(ctx, tx, pattern.TypeCorrection, key)
		switch {
		case err == nil:
			if existing.HasSource(rec.ID) {
				out = append(out, Candidate{Kind: KindCorrection, Result: resultSkipped, PatternID: existing.ID})
				continue
			}
			existing.Correction.OccurrenceCount++
			existing.UsageCount++
			existing.SourceRecords = append(existing.SourceRecords, rec.ID)
			now := p.now().UTC()
			existing.LastUsed = &now
			if err := p.patterns.UpdateIn(ctx, tx, existing); err != nil {
				return nil, err
			}
			out = append(out, Candidate{Kind: KindCorrection, Result: resultMerged, PatternID: existing.ID})

		case errors.Is(err, pattern.ErrNotFound):
			now := p.now().UTC()
			created := &pattern.Pattern{
				Type:          pattern.TypeCorrection,
				Name:          correctionName(obs),
				Confidence:    0.5,
				UsageCount:    1,
				LastUsed:      &now,
				SourceRecords: []string{rec.ID},
				Correction: &pattern.CorrectionPayload{
					ErrorType:       obs.errorType,
					FileContext:     obs.fileContext,
					OccurrenceCount: 1,
				},
				DedupeKey: key,
			}
			if err := p.patterns.CreateIn(ctx, tx, created); err != nil {
				return nil, err
			}
			out = append(out, Candidate{Kind: KindCorrection, Result: resultCreated, PatternID: created.ID})

		default:
			return nil, err
		}
	}
	return out, nil
}

func correctionName(obs correctionObs) string {
	if obs.fileContext == "" {
		return obs.errorType
	}
	return fmt.Sprintf("%s in %s", obs.errorType, obs.fileContext)
}
