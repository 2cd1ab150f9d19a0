// Package insight derives actionable findings from the metrics tier:
// cross-series correlations and threshold-triggered insights that are
// upserted, refreshed, and eventually expired rather than duplicated.
package insight

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

// ErrNotFound is returned when an insight ID does not exist.
var ErrNotFound = errors.New("insight not found")

// Severity orders insights. Rank grows with urgency.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Rank returns the severity's sort weight; unknown severities rank
// lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityError:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Insight types produced by the generator.
const (
	TypeVelocityDrop   = "velocity_drop"
	TypeChurnHotspot   = "churn_hotspot"
	TypeUnreliableTest = "unreliable_test"
)

// Insight is one upserted finding, unique per (Type, RelatedEntity).
type Insight struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	RelatedEntity  string         `json:"related_entity,omitempty"`
	Severity       Severity       `json:"severity"`
	Title          string         `json:"title"`
	Recommendation string         `json:"recommendation,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Acknowledged   bool           `json:"acknowledged"`
	Dismissed      bool           `json:"dismissed"`
	Expired        bool           `json:"expired"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
}

// Store persists insights and correlations.
type Store struct {
	db     *store.DB
	logger *zap.Logger
}

// NewStore creates an insight store over db.
func NewStore(db *store.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("insight")}
}

// Upsert writes ins keyed by (Type, RelatedEntity). A new key inserts
// a fresh row; an existing unacknowledged row has its severity, title,
// data, and expiry refreshed in place. An acknowledged or dismissed
// row is left untouched: the user has already seen it, and a renewed
// trigger adds nothing. Returns the stored row.
func (s *Store) Upsert(ctx context.Context, q store.Querier, ins *Insight) (*Insight, error) {
	existing, err := s.getByKey(ctx, q, ins.Type, ins.RelatedEntity)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	data, err := json.Marshal(orEmpty(ins.Data))
	if err != nil {
		return nil, fmt.Errorf("encoding insight data: %w", err)
	}

	if existing == nil {
		ins.ID = uuid.New().String()
		ins.CreatedAt = now
		ins.UpdatedAt = now
		_, err = q.ExecContext(ctx, `
			INSERT INTO insights
				(id, insight_type, related_entity, severity, title, recommendation,
				 data, acknowledged, dismissed, expired, created_at, updated_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?)`,
			ins.ID, ins.Type, ins.RelatedEntity, string(ins.Severity), ins.Title,
			ins.Recommendation, string(data), store.FormatTime(now),
			store.FormatTime(now), nullableTime(ins.ExpiresAt))
		if err != nil {
			return nil, fmt.Errorf("inserting insight: %w", err)
		}
		s.logger.Info("insight created",
			zap.String("type", ins.Type),
			zap.String("entity", ins.RelatedEntity),
			zap.String("severity", string(ins.Severity)))
		return ins, nil
	}

	if existing.Acknowledged || existing.Dismissed {
		return existing, nil
	}

	_, err = q.ExecContext(ctx, `
		UPDATE insights SET
			severity = ?, title = ?, recommendation = ?, data = ?,
			expired = 0, updated_at = ?, expires_at = ?
		WHERE id = ?`,
		string(ins.Severity), ins.Title, ins.Recommendation, string(data),
		store.FormatTime(now), nullableTime(ins.ExpiresAt), existing.ID)
	if err != nil {
		return nil, fmt.Errorf("refreshing insight: %w", err)
	}

	existing.Severity = ins.Severity
	existing.Title = ins.Title
	existing.Recommendation = ins.Recommendation
	existing.Data = ins.Data
	existing.Expired = false
	existing.UpdatedAt = now
	existing.ExpiresAt = ins.ExpiresAt
	s.logger.Debug("insight refreshed",
		zap.String("type", existing.Type),
		zap.String("entity", existing.RelatedEntity),
		zap.String("severity", string(existing.Severity)))
	return existing, nil
}

// Acknowledge marks an insight as seen; later triggers stop refreshing
// it.
func (s *Store) Acknowledge(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, "acknowledged")
}

// Dismiss hides an insight from active listings.
func (s *Store) Dismiss(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, "dismissed")
}

func (s *Store) setFlag(ctx context.Context, id, column string) error {
	res, err := s.db.Handle().ExecContext(ctx,
		`UPDATE insights SET `+column+` = 1, updated_at = ? WHERE id = ?`,
		store.FormatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("updating insight: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ExpireStale marks insights not refreshed since cutoff as expired.
// Expired rows are kept for historical analysis, never deleted.
func (s *Store) ExpireStale(ctx context.Context, q store.Querier, cutoff time.Time) (int, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE insights SET expired = 1
		WHERE expired = 0 AND updated_at < ?`,
		store.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("expiring insights: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Active returns undismissed, unexpired insights at or above
// severityFloor, most severe first, newest first within a severity.
func (s *Store) Active(ctx context.Context, severityFloor Severity) ([]*Insight, error) {
	rows, err := s.db.Handle().QueryContext(ctx, `
		SELECT `+insightColumns+` FROM insights
		WHERE expired = 0 AND dismissed = 0
		ORDER BY CASE severity
			WHEN 'CRITICAL' THEN 4 WHEN 'ERROR' THEN 3
			WHEN 'WARNING' THEN 2 WHEN 'INFO' THEN 1 ELSE 0 END DESC,
			created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying insights: %w", err)
	}
	defer rows.Close()

	floor := severityFloor.Rank()
	var out []*Insight
	for rows.Next() {
		ins, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		if ins.Severity.Rank() >= floor {
			out = append(out, ins)
		}
	}
	return out, rows.Err()
}

// CountActiveBySeverity supports the active-insight gauges.
func (s *Store) CountActiveBySeverity(ctx context.Context) (map[Severity]int, error) {
	rows, err := s.db.Handle().QueryContext(ctx, `
		SELECT severity, COUNT(*) FROM insights
		WHERE expired = 0 AND dismissed = 0
		GROUP BY severity`)
	if err != nil {
		return nil, fmt.Errorf("counting insights: %w", err)
	}
	defer rows.Close()

	counts := make(map[Severity]int)
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, fmt.Errorf("scanning insight count: %w", err)
		}
		counts[Severity(sev)] = n
	}
	return counts, rows.Err()
}

const insightColumns = `id, insight_type, related_entity, severity, title,
	recommendation, data, acknowledged, dismissed, expired, created_at,
	updated_at, expires_at`

func (s *Store) getByKey(ctx context.Context, q store.Querier, typ, entity string) (*Insight, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+insightColumns+` FROM insights WHERE insight_type = ? AND related_entity = ?`,
		typ, entity)
	ins, err := scanInsight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, typ, entity)
	}
	return ins, err
}

// Get returns one insight by ID.
func (s *Store) Get(ctx context.Context, id string) (*Insight, error) {
	row := s.db.Handle().QueryRowContext(ctx,
		`SELECT `+insightColumns+` FROM insights WHERE id = ?`, id)
	ins, err := scanInsight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ins, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInsight(sc scanner) (*Insight, error) {
	var (
		ins                             Insight
		severity, data                  string
		ack, dismissed, expired         int
		createdAt, updatedAt            string
		expiresAt                       sql.NullString
	)
	err := sc.Scan(&ins.ID, &ins.Type, &ins.RelatedEntity, &severity, &ins.Title,
		&ins.Recommendation, &data, &ack, &dismissed, &expired,
		&createdAt, &updatedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning insight: %w", err)
	}

	ins.Severity = Severity(severity)
	ins.Acknowledged = ack == 1
	ins.Dismissed = dismissed == 1
	ins.Expired = expired == 1
	if err := json.Unmarshal([]byte(data), &ins.Data); err != nil {
		return nil, fmt.Errorf("decoding insight data: %w", err)
	}
	if ins.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if ins.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if expiresAt.Valid {
		t, err := store.ParseTime(expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing expires_at: %w", err)
		}
		ins.ExpiresAt = &t
	}
	return &ins, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return store.FormatTime(*t)
}
