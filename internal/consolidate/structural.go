package consolidate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/memoryd/internal/pattern"
	"github.com/fyrsmithlabs/memoryd/internal/workingmem"
)

// categoryRule recognizes the category of a created artifact from its
// path. First match wins, so the more specific rules come first.
type categoryRule struct {
	re       *regexp.Regexp
	category string
}

var categoryRules = []categoryRule{
	{regexp.MustCompile(`_test\.go$|\.test\.[jt]sx?$|(^|/)tests?/`), "test"},
	{regexp.MustCompile(`(^|/)migrations?/`), "migration"},
	{regexp.MustCompile(`\.(md|rst|adoc)$`), "doc"},
	{regexp.MustCompile(`\.(ya?ml|toml|ini|env)$|(^|/)config/`), "config"},
	{regexp.MustCompile(`(^|/)(cmd|bin)/`), "entrypoint"},
	{regexp.MustCompile(`(^|/)(handlers?|controllers?|routes?)/`), "handler"},
	{regexp.MustCompile(`(^|/)(models?|entities|schema)/`), "model"},
	{regexp.MustCompile(`\.(go|py|rs|ts|tsx|js|jsx|java|rb|c|cc|cpp|h)$`), "source"},
}

func classifyArtifact(p string) (string, bool) {
	for _, r := range categoryRules {
		if r.re.MatchString(p) {
			return r.category, true
		}
	}
	return "", false
}

var (
	snakeRe  = regexp.MustCompile(`^[a-z0-9]+(_[a-z0-9]+)+$`)
	kebabRe  = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)+$`)
	pascalRe = regexp.MustCompile(`^[A-Z][a-z0-9]+([A-Z][a-z0-9]*)*$`)
	camelRe  = regexp.MustCompile(`^[a-z][a-z0-9]*([A-Z][a-z0-9]*)+$`)
	flatRe   = regexp.MustCompile(`^[a-z0-9]+$`)
)

// namingShape classifies how a base name (extension stripped) is cased.
func namingShape(base string) string {
	switch {
	case snakeRe.MatchString(base):
		return "snake_case"
	case kebabRe.MatchString(base):
		return "kebab-case"
	case pascalRe.MatchString(base):
		return "PascalCase"
	case camelRe.MatchString(base):
		return "camelCase"
	case flatRe.MatchString(base):
		return "flat"
	default:
		return "mixed"
	}
}

// locationPattern generalizes a created file's path to its directory
// plus extension, e.g. "internal/api/*.go".
func locationPattern(p string) string {
	dir := path.Dir(p)
	ext := path.Ext(p)
	if dir == "." {
		return "*" + ext
	}
	return dir + "/*" + ext
}

// extractStructural records where newly created artifacts live and how
// they are named, one counter per (category, location, naming shape).
func (p *Pipeline) extractStructural(ctx context.Context, tx *sql.Tx, rec *workingmem.Record) ([]Candidate, error) {
	var out []Candidate
	seen := make(map[string]bool)
	for _, m := range rec.Files {
		if m.Action != workingmem.ActionCreate {
			continue
		}
		category, ok := classifyArtifact(m.Path)
		if !ok {
			continue
		}
		base := strings.TrimSuffix(path.Base(m.Path), path.Ext(m.Path))
		shape := namingShape(base)
		location := locationPattern(m.Path)
		key := category + "|" + location + "|" + shape
		if seen[key] {
			continue
		}
		seen[key] = true

		cand, err := p.upsertStructural(ctx, tx, rec, key, category, location, shape)
		if err != nil {
			return nil, err
		}
		out = append(out, cand)
	}
	if len(out) == 0 {
		out = []Candidate{{Kind: KindStructural, Result: resultSkipped}}
	}
	return out, nil
}

func (p *Pipeline) upsertStructural(ctx context.Context, tx *sql.Tx, rec *workingmem.Record, key, category, location, shape string) (Candidate, error) {
	existing, err := p.patterns.GetByDedupeIn(ctx, tx, pattern.TypeStructural, key)
	switch {
	case err == nil:
		if existing.HasSource(rec.ID) {
			return Candidate{Kind: KindStructural, Result: resultSkipped, PatternID: existing.ID}, nil
		}
		existing.Structural.ExampleCount++
		existing.UsageCount++
		existing.SuccessCount++
		existing.SourceRecords = append(existing.SourceRecords, rec.ID)
		now := p.now().UTC()
		existing.LastUsed = &now
		if err := p.patterns.UpdateIn(ctx, tx, existing); err != nil {
			return Candidate{}, err
		}
		return Candidate{Kind: KindStructural, Result: resultMerged, PatternID: existing.ID}, nil

	case errors.Is(err, pattern.ErrNotFound):
		now := p.now().UTC()
		created := &pattern.Pattern{
			Type:          pattern.TypeStructural,
			Name:          fmt.Sprintf("%s files in %s (%s)", category, location, shape),
			Confidence:    0.5,
			UsageCount:    1,
			SuccessCount:  1,
			LastUsed:      &now,
			SourceRecords: []string{rec.ID},
			Structural: &pattern.StructuralPayload{
				Category:        category,
				LocationPattern: location,
				NamingShape:     shape,
				ExampleCount:    1,
			},
			DedupeKey: key,
		}
		if err := p.patterns.CreateIn(ctx, tx, created); err != nil {
			return Candidate{}, err
		}
		return Candidate{Kind: KindStructural, Result: resultCreated, PatternID: created.ID}, nil

	default:
		return Candidate{}, err
	}
}
