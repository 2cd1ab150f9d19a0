package pattern

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/store"
)

// FileRelationshipCeiling caps file-relationship confidence; the
// count-derived formula below would otherwise pass 1.0.
const FileRelationshipCeiling = 0.98

const patternColumns = `id, type, name, description, confidence, usage_count,
	success_count, last_used, created_at, updated_at, source_records, tags,
	payload, dedupe_key`

// Store persists patterns and file relationships.
type Store struct {
	db     *store.DB
	logger *zap.Logger
}

// NewStore creates a pattern store over db.
func NewStore(db *store.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("pattern")}
}

// Create inserts a new pattern, filling ID and timestamps when unset.
func (s *Store) Create(ctx context.Context, p *Pattern) error {
	return s.CreateIn(ctx, s.db.Handle(), p)
}

// CreateIn is Create running against q, typically a transaction owned
// by the consolidation pipeline.
func (s *Store) CreateIn(ctx context.Context, q store.Querier, p *Pattern) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.UsageCount == 0 {
		p.UsageCount = 1
	}
	if err := p.Validate(); err != nil {
		return err
	}

	payload, sources, tags, err := marshalPatternParts(p)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO patterns (`+patternColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.Type), p.Name, p.Description, p.Confidence,
		p.UsageCount, p.SuccessCount, nullableTime(p.LastUsed),
		store.FormatTime(p.CreatedAt), store.FormatTime(p.UpdatedAt),
		string(sources), string(tags), string(payload), nullableString(p.DedupeKey))
	if err != nil {
		return fmt.Errorf("inserting pattern: %w", err)
	}

	s.logger.Debug("pattern created",
		zap.String("id", p.ID),
		zap.String("type", string(p.Type)),
		zap.Float64("confidence", p.Confidence))
	return nil
}

// Get returns the pattern with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*Pattern, error) {
	return s.GetIn(ctx, s.db.Handle(), id)
}

// GetIn is Get against q.
func (s *Store) GetIn(ctx context.Context, q store.Querier, id string) (*Pattern, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM patterns WHERE id = ?`, id)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, err
}

// GetByDedupe returns the pattern with the given type and dedupe key,
// or ErrNotFound.
func (s *Store) GetByDedupe(ctx context.Context, typ Type, key string) (*Pattern, error) {
	return s.GetByDedupeIn(ctx, s.db.Handle(), typ, key)
}

// GetByDedupeIn is GetByDedupe against q.
func (s *Store) GetByDedupeIn(ctx context.Context, q store.Querier, typ Type, key string) (*Pattern, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM patterns WHERE type = ? AND dedupe_key = ?`,
		string(typ), key)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, typ, key)
	}
	return p, err
}

// Update rewrites a pattern row. Type and created_at are immutable.
func (s *Store) Update(ctx context.Context, p *Pattern) error {
	return s.UpdateIn(ctx, s.db.Handle(), p)
}

// UpdateIn is Update against q.
func (s *Store) UpdateIn(ctx context.Context, q store.Querier, p *Pattern) error {
	p.UpdatedAt = time.Now().UTC()
	if err := p.Validate(); err != nil {
		return err
	}

	payload, sources, tags, err := marshalPatternParts(p)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, `
		UPDATE patterns SET
			name = ?, description = ?, confidence = ?, usage_count = ?,
			success_count = ?, last_used = ?, updated_at = ?,
			source_records = ?, tags = ?, payload = ?
		WHERE id = ?`,
		p.Name, p.Description, p.Confidence, p.UsageCount, p.SuccessCount,
		nullableTime(p.LastUsed), store.FormatTime(p.UpdatedAt),
		string(sources), string(tags), string(payload), p.ID)
	if err != nil {
		return fmt.Errorf("updating pattern: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	return nil
}

// Delete removes a pattern by ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.Handle().ExecContext(ctx, `DELETE FROM patterns WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting pattern: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ListByType returns patterns of one type, highest confidence first.
// limit <= 0 means no limit.
func (s *Store) ListByType(ctx context.Context, typ Type, limit int) ([]*Pattern, error) {
	query := `SELECT ` + patternColumns + ` FROM patterns WHERE type = ?
		ORDER BY confidence DESC, updated_at DESC`
	args := []any{string(typ)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryPatterns(ctx, query, args...)
}

// CountsByType returns the number of stored patterns per type.
func (s *Store) CountsByType(ctx context.Context) (map[Type]int, error) {
	rows, err := s.db.Handle().QueryContext(ctx,
		`SELECT type, COUNT(*) FROM patterns GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("counting patterns: %w", err)
	}
	defer rows.Close()

	counts := make(map[Type]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scanning pattern count: %w", err)
		}
		counts[Type(typ)] = n
	}
	return counts, rows.Err()
}

// WorkflowsIn returns every workflow pattern, reading through q. The
// consolidation pipeline calls this inside its transaction; with a
// single-connection pool, reading through the DB handle while the
// transaction holds the connection would deadlock.
func (s *Store) WorkflowsIn(ctx context.Context, q store.Querier) ([]*Pattern, error) {
	return s.queryPatternsIn(ctx, q,
		`SELECT `+patternColumns+` FROM patterns WHERE type = ? ORDER BY created_at`,
		string(TypeWorkflow))
}

// FindSimilarWorkflows returns workflow patterns at or above
// minConfidence whose tags overlap the given tags (all workflows when
// tags is empty), best first: success rate, then confidence, then
// usage.
func (s *Store) FindSimilarWorkflows(ctx context.Context, tags []string, minConfidence float64) ([]*Pattern, error) {
	all, err := s.queryPatterns(ctx, `
		SELECT `+patternColumns+` FROM patterns
		WHERE type = ? AND confidence >= ?
		ORDER BY (CAST(success_count AS REAL) / usage_count) DESC,
			confidence DESC, usage_count DESC`,
		string(TypeWorkflow), minConfidence)
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return all, nil
	}

	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}
	var out []*Pattern
	for _, p := range all {
		for _, t := range p.Tags {
			if want[t] {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

// UpsertCoModification records one co-modification observation for an
// unordered file pair. A new pair starts at confidence 0.5; each
// repeat increments the count and recomputes confidence as
// min(0.98, 0.5 + 0.05*count), so repetition earns trust toward the
// ceiling without ever reaching certainty.
func (s *Store) UpsertCoModification(ctx context.Context, fileA, fileB string) (*FileRelationship, error) {
	return s.UpsertCoModificationIn(ctx, s.db.Handle(), fileA, fileB)
}

// UpsertCoModificationIn is UpsertCoModification against q.
func (s *Store) UpsertCoModificationIn(ctx context.Context, q store.Querier, fileA, fileB string) (*FileRelationship, error) {
	if fileA == fileB || fileA == "" || fileB == "" {
		return nil, fmt.Errorf("%w: file relationship needs two distinct files", ErrInvalidPattern)
	}
	if fileB < fileA {
		fileA, fileB = fileB, fileA
	}

	now := store.FormatTime(time.Now().UTC())
	_, err := q.ExecContext(ctx, `
		INSERT INTO file_relationships
			(file_a, file_b, relation_type, co_occurrence_count, confidence, updated_at)
		VALUES (?, ?, ?, 1, 0.5, ?)
		ON CONFLICT (file_a, file_b, relation_type) DO UPDATE SET
			co_occurrence_count = co_occurrence_count + 1,
			confidence = MIN(?, 0.5 + 0.05 * (co_occurrence_count + 1)),
			updated_at = excluded.updated_at`,
		fileA, fileB, RelationCoModification, now, FileRelationshipCeiling)
	if err != nil {
		return nil, fmt.Errorf("upserting file relationship: %w", err)
	}

	row := q.QueryRowContext(ctx, `
		SELECT file_a, file_b, relation_type, co_occurrence_count, confidence, updated_at
		FROM file_relationships
		WHERE file_a = ? AND file_b = ? AND relation_type = ?`,
		fileA, fileB, RelationCoModification)
	return scanFileRelationship(row)
}

// RelatedFiles returns relationships involving file at or above
// minConfidence, strongest first.
func (s *Store) RelatedFiles(ctx context.Context, file string, minConfidence float64) ([]*FileRelationship, error) {
	rows, err := s.db.Handle().QueryContext(ctx, `
		SELECT file_a, file_b, relation_type, co_occurrence_count, confidence, updated_at
		FROM file_relationships
		WHERE (file_a = ? OR file_b = ?) AND confidence >= ?
		ORDER BY confidence DESC, co_occurrence_count DESC`,
		file, file, minConfidence)
	if err != nil {
		return nil, fmt.Errorf("querying file relationships: %w", err)
	}
	defer rows.Close()

	var out []*FileRelationship
	for rows.Next() {
		rel, err := scanFileRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

func (s *Store) queryPatterns(ctx context.Context, query string, args ...any) ([]*Pattern, error) {
	return s.queryPatternsIn(ctx, s.db.Handle(), query, args...)
}

func (s *Store) queryPatternsIn(ctx context.Context, q store.Querier, query string, args ...any) ([]*Pattern, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying patterns: %w", err)
	}
	defer rows.Close()

	var out []*Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPattern(sc scanner) (*Pattern, error) {
	var (
		p                        Pattern
		typ                      string
		lastUsed, dedupe         sql.NullString
		createdAt, updatedAt     string
		sources, tags, payload   string
	)
	err := sc.Scan(&p.ID, &typ, &p.Name, &p.Description, &p.Confidence,
		&p.UsageCount, &p.SuccessCount, &lastUsed, &createdAt, &updatedAt,
		&sources, &tags, &payload, &dedupe)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning pattern: %w", err)
	}

	p.Type = Type(typ)
	p.DedupeKey = dedupe.String
	if p.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if lastUsed.Valid {
		t, err := store.ParseTime(lastUsed.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_used: %w", err)
		}
		p.LastUsed = &t
	}
	if err := json.Unmarshal([]byte(sources), &p.SourceRecords); err != nil {
		return nil, fmt.Errorf("decoding source_records: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	if err := unmarshalPayload(&p, []byte(payload)); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanFileRelationship(sc scanner) (*FileRelationship, error) {
	var (
		rel     FileRelationship
		updated string
	)
	err := sc.Scan(&rel.FileA, &rel.FileB, &rel.RelationType,
		&rel.CoOccurrenceCount, &rel.Confidence, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: file relationship", ErrNotFound)
		}
		return nil, fmt.Errorf("scanning file relationship: %w", err)
	}
	if rel.UpdatedAt, err = store.ParseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &rel, nil
}

func marshalPatternParts(p *Pattern) (payload, sources, tags []byte, err error) {
	var body any = struct{}{}
	switch {
	case p.Workflow != nil:
		body = p.Workflow
	case p.Intent != nil:
		body = p.Intent
	case p.Correction != nil:
		body = p.Correction
	case p.Structural != nil:
		body = p.Structural
	}
	if payload, err = json.Marshal(body); err != nil {
		return nil, nil, nil, fmt.Errorf("encoding payload: %w", err)
	}

	src := p.SourceRecords
	if src == nil {
		src = []string{}
	}
	if sources, err = json.Marshal(src); err != nil {
		return nil, nil, nil, fmt.Errorf("encoding source_records: %w", err)
	}

	tg := p.Tags
	if tg == nil {
		tg = []string{}
	}
	if tags, err = json.Marshal(tg); err != nil {
		return nil, nil, nil, fmt.Errorf("encoding tags: %w", err)
	}
	return payload, sources, tags, nil
}

func unmarshalPayload(p *Pattern, raw []byte) error {
	var dst any
	switch p.Type {
	case TypeWorkflow:
		p.Workflow = &WorkflowPayload{}
		dst = p.Workflow
	case TypeIntent:
		p.Intent = &IntentPayload{}
		dst = p.Intent
	case TypeCorrection:
		p.Correction = &CorrectionPayload{}
		dst = p.Correction
	case TypeStructural:
		p.Structural = &StructuralPayload{}
		dst = p.Structural
	default:
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decoding %s payload: %w", p.Type, err)
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return store.FormatTime(*t)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
