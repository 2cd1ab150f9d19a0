package workingmem

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/sanitize"
	"github.com/fyrsmithlabs/memoryd/internal/store"
	"github.com/fyrsmithlabs/memoryd/internal/telemetry"
)

// DefaultCapacity is the record pool size when none is configured.
const DefaultCapacity = 20

// Consolidator receives a record about to be evicted. Consolidation
// runs synchronously on the Add call path: the record is deleted only
// after Consolidate returns, so extraction always sees the full record
// (consume-then-delete). A returned error is logged and does not block
// the eviction.
type Consolidator interface {
	Consolidate(ctx context.Context, rec *Record) error
}

// Store is the bounded working-memory pool.
type Store struct {
	db           *store.DB
	capacity     int
	consolidator Consolidator
	logger       *zap.Logger
}

// NewStore creates a working-memory store. consolidator may be nil, in
// which case evicted records are dropped without extraction (used by
// tests and by tooling that only inspects Tier 1).
func NewStore(db *store.DB, capacity int, consolidator Consolidator, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:           db,
		capacity:     capacity,
		consolidator: consolidator,
		logger:       logger,
	}, nil
}

// Add inserts a new record, then evicts (consolidate-then-delete) the
// oldest completed records until the pool is back within capacity.
// The active record is never an eviction candidate, even when it is
// chronologically oldest.
func (s *Store) Add(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("%w: record cannot be nil", ErrSchemaViolation)
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	// Secrets are scrubbed before the record ever reaches disk.
	for i := range rec.Turns {
		rec.Turns[i].Content = sanitize.String(rec.Turns[i].Content)
	}

	if rec.Active() {
		active, err := s.activeRecordID(ctx, rec.Workspace)
		if err != nil {
			return err
		}
		if active != "" && active != rec.ID {
			return fmt.Errorf("%w: workspace %q record %s", ErrActiveRecordExists, rec.Workspace, active)
		}
	}

	if err := s.insert(ctx, rec); err != nil {
		return err
	}

	return s.evictOverflow(ctx)
}

// AppendTurn appends a turn to an active record.
func (s *Store) AppendTurn(ctx context.Context, id string, turn Turn) error {
	if err := turn.Validate(); err != nil {
		return err
	}
	turn.Content = sanitize.String(turn.Content)

	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Active() {
		return fmt.Errorf("%w: %s", ErrRecordCompleted, id)
	}

	rec.Turns = append(rec.Turns, turn)
	return s.update(ctx, rec)
}

// MarkComplete sets the completion time, making the record eligible
// for eviction. Completing an already-completed record is a no-op.
func (s *Store) MarkComplete(ctx context.Context, id string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Active() {
		return nil
	}
	now := time.Now()
	rec.CompletedAt = &now
	return s.update(ctx, rec)
}

// Get retrieves a record by ID.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id cannot be empty", ErrSchemaViolation)
	}
	row := s.db.Handle().QueryRowContext(ctx,
		`SELECT id, workspace, created_at, completed_at, turns, file_mentions, entities
		 FROM interaction_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// Query filters QueryRecent results. Zero values mean "no filter".
type Query struct {
	Workspace  string
	Since      time.Time
	ActiveOnly bool
	Limit      int
}

// QueryRecent returns records ordered newest-first.
func (s *Store) QueryRecent(ctx context.Context, q Query) ([]Record, error) {
	sqlq := `SELECT id, workspace, created_at, completed_at, turns, file_mentions, entities
		 FROM interaction_records WHERE 1=1`
	args := []any{}
	if q.Workspace != "" {
		sqlq += ` AND workspace = ?`
		args = append(args, q.Workspace)
	}
	if !q.Since.IsZero() {
		sqlq += ` AND created_at >= ?`
		args = append(args, store.FormatTime(q.Since))
	}
	if q.ActiveOnly {
		sqlq += ` AND completed_at IS NULL`
	}
	sqlq += ` ORDER BY created_at DESC`
	if q.Limit > 0 {
		sqlq += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.Handle().QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Count returns the number of records currently in the pool.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.Handle().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM interaction_records`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return n, nil
}

// evictOverflow consolidates and deletes the oldest completed records
// until the pool fits the capacity. If every overflow record is active
// (multiple workspaces, all mid-interaction) nothing can be evicted;
// that state is logged and left alone.
func (s *Store) evictOverflow(ctx context.Context) error {
	for {
		count, err := s.Count(ctx)
		if err != nil {
			return err
		}
		if count <= s.capacity {
			return nil
		}

		candidate, err := s.oldestCompleted(ctx)
		if err != nil {
			return err
		}
		if candidate == nil {
			s.logger.Warn("working memory over capacity with no evictable record",
				zap.Int("count", count),
				zap.Int("capacity", s.capacity))
			return nil
		}

		if s.consolidator != nil {
			if err := s.consolidator.Consolidate(ctx, candidate); err != nil {
				// Extraction failure never blocks eviction; the
				// record is dropped either way.
				s.logger.Error("consolidation failed, evicting anyway",
					zap.String("record_id", candidate.ID),
					zap.Error(err))
				telemetry.ConsolidationFailures.Inc()
			}
		}

		if _, err := s.db.Handle().ExecContext(ctx,
			`DELETE FROM interaction_records WHERE id = ?`, candidate.ID); err != nil {
			return fmt.Errorf("deleting evicted record %s: %w", candidate.ID, err)
		}
		telemetry.Evictions.Inc()

		s.logger.Debug("evicted record",
			zap.String("record_id", candidate.ID),
			zap.String("workspace", candidate.Workspace))
	}
}

// oldestCompleted returns the eviction candidate: the oldest record by
// creation time that has a completion time. Nil when none qualifies.
func (s *Store) oldestCompleted(ctx context.Context) (*Record, error) {
	row := s.db.Handle().QueryRowContext(ctx,
		`SELECT id, workspace, created_at, completed_at, turns, file_mentions, entities
		 FROM interaction_records
		 WHERE completed_at IS NOT NULL
		 ORDER BY created_at ASC LIMIT 1`)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *Store) activeRecordID(ctx context.Context, workspace string) (string, error) {
	var id string
	err := s.db.Handle().QueryRowContext(ctx,
		`SELECT id FROM interaction_records WHERE workspace = ? AND completed_at IS NULL`,
		workspace).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up active record: %w", err)
	}
	return id, nil
}

func (s *Store) insert(ctx context.Context, rec *Record) error {
	turns, files, entities, err := marshalParts(rec)
	if err != nil {
		return err
	}
	_, err = s.db.Handle().ExecContext(ctx,
		`INSERT INTO interaction_records (id, workspace, created_at, completed_at, turns, file_mentions, entities)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Workspace, store.FormatTime(rec.CreatedAt),
		nullableTime(rec.CompletedAt), turns, files, entities)
	if err != nil {
		return fmt.Errorf("inserting record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, rec *Record) error {
	turns, files, entities, err := marshalParts(rec)
	if err != nil {
		return err
	}
	res, err := s.db.Handle().ExecContext(ctx,
		`UPDATE interaction_records
		 SET completed_at = ?, turns = ?, file_mentions = ?, entities = ?
		 WHERE id = ?`,
		nullableTime(rec.CompletedAt), turns, files, entities, rec.ID)
	if err != nil {
		return fmt.Errorf("updating record %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
	}
	return nil
}

func marshalParts(rec *Record) (turns, files, entities []byte, err error) {
	if turns, err = json.Marshal(rec.Turns); err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling turns: %w", err)
	}
	if files, err = json.Marshal(rec.Files); err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling file mentions: %w", err)
	}
	if entities, err = json.Marshal(rec.Entities); err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling entities: %w", err)
	}
	return turns, files, entities, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return store.FormatTime(*t)
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                    Record
		createdAt              string
		completedAt            sql.NullString
		turns, files, entities []byte
	)
	if err := row.Scan(&rec.ID, &rec.Workspace, &createdAt, &completedAt,
		&turns, &files, &entities); err != nil {
		return nil, err
	}

	var err error
	if rec.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if completedAt.Valid {
		t, err := store.ParseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
		rec.CompletedAt = &t
	}
	if err := json.Unmarshal(turns, &rec.Turns); err != nil {
		return nil, fmt.Errorf("unmarshaling turns: %w", err)
	}
	if err := json.Unmarshal(files, &rec.Files); err != nil {
		return nil, fmt.Errorf("unmarshaling file mentions: %w", err)
	}
	if err := json.Unmarshal(entities, &rec.Entities); err != nil {
		return nil, fmt.Errorf("unmarshaling entities: %w", err)
	}
	return &rec, nil
}
