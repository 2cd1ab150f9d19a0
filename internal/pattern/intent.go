package pattern

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// Slot markers substituted into intent templates in place of
// request-specific spans.
const (
	SlotQuoted = "{quoted}"
	SlotPath   = "{path}"
	SlotNumber = "{number}"
)

var (
	quotedRe = regexp.MustCompile("`[^`]+`|\"[^\"]+\"|'[^']+'")
	pathRe   = regexp.MustCompile(`\b[\w./-]+\.[A-Za-z]{1,10}\b|\b[\w-]+(?:/[\w.-]+)+\b`)
	numberRe = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// Templatize generalizes a request phrase into an intent template:
// quoted spans, file paths, and numbers collapse into slots, casing
// and whitespace normalize. Phrases that differ only in their
// specifics templatize identically, which is what lets repeated
// requests accumulate onto one intent pattern.
func Templatize(phrase string) string {
	t := strings.ToLower(strings.TrimSpace(phrase))
	t = quotedRe.ReplaceAllString(t, SlotQuoted)
	t = pathRe.ReplaceAllString(t, SlotPath)
	t = numberRe.ReplaceAllString(t, SlotNumber)
	t = spaceRe.ReplaceAllString(t, " ")
	return strings.TrimSpace(t)
}

// IntentMatch is one candidate interpretation of a request phrase.
type IntentMatch struct {
	Pattern    *Pattern
	Intent     string
	Confidence float64
	// Exact is true when the phrase's template equals the pattern's
	// template; false for token-overlap matches.
	Exact bool
}

// minOverlap is the Jaccard token overlap below which a template is
// not considered a match at all.
const minOverlap = 0.5

// MatchIntent templatizes phrase and returns matching intent patterns,
// best first. An exact template match ranks above any overlap match;
// within each class, higher confidence wins.
func (s *Store) MatchIntent(ctx context.Context, phrase string) ([]IntentMatch, error) {
	template := Templatize(phrase)
	if template == "" {
		return nil, nil
	}

	candidates, err := s.ListByType(ctx, TypeIntent, 0)
	if err != nil {
		return nil, err
	}

	var matches []IntentMatch
	for _, p := range candidates {
		if p.Intent == nil {
			continue
		}
		if p.Intent.Template == template {
			matches = append(matches, IntentMatch{
				Pattern:    p,
				Intent:     p.Intent.Intent,
				Confidence: p.Confidence,
				Exact:      true,
			})
			continue
		}
		if overlap := tokenOverlap(template, p.Intent.Template); overlap >= minOverlap {
			matches = append(matches, IntentMatch{
				Pattern:    p,
				Intent:     p.Intent.Intent,
				Confidence: p.Confidence * overlap,
			})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Exact != matches[j].Exact {
			return matches[i].Exact
		}
		return matches[i].Confidence > matches[j].Confidence
	})
	return matches, nil
}

// tokenOverlap is the Jaccard similarity of the two templates' token
// sets.
func tokenOverlap(a, b string) float64 {
	ta := strings.Fields(a)
	tb := strings.Fields(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]bool, len(ta))
	for _, t := range ta {
		set[t] = true
	}
	union := len(set)
	shared := 0
	for _, t := range tb {
		if set[t] {
			shared++
			delete(set, t)
		} else {
			union++
		}
	}
	return float64(shared) / float64(union)
}
