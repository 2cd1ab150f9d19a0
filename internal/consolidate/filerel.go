package consolidate

import (
	"context"
	"database/sql"
	"sort"

	"github.com/fyrsmithlabs/memoryd/internal/workingmem"
)

// extractFileRelationships upserts a co-modification edge for every
// unordered pair of distinct files mentioned in the record.
func (p *Pipeline) extractFileRelationships(ctx context.Context, tx *sql.Tx, rec *workingmem.Record) ([]Candidate, error) {
	paths := distinctPaths(rec.Files)
	if len(paths) < 2 {
		return []Candidate{{Kind: KindFileRelationship, Result: resultSkipped}}, nil
	}

	var out []Candidate
	for i := 0; i < len(paths); i++ {
		for j := i + 1; j < len(paths); j++ {
			rel, err := p.patterns.UpsertCoModificationIn(ctx, tx, paths[i], paths[j])
			if err != nil {
				return nil, err
			}
			result := resultMerged
			if rel.CoOccurrenceCount == 1 {
				result = resultCreated
			}
			out = append(out, Candidate{Kind: KindFileRelationship, Result: result})
		}
	}
	return out, nil
}

func distinctPaths(mentions []workingmem.FileMention) []string {
	seen := make(map[string]bool, len(mentions))
	for _, m := range mentions {
		if m.Path != "" {
			seen[m.Path] = true
		}
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
