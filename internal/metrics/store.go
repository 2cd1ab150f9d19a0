package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/store"
)

// Store persists metric facts, hotspots, and the collection log.
type Store struct {
	db     *store.DB
	logger *zap.Logger
}

// NewStore creates a metrics store over db.
func NewStore(db *store.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("metrics")}
}

// AppendFacts inserts facts through q. Facts are append-only; nothing
// updates them after insertion.
func (s *Store) AppendFacts(ctx context.Context, q store.Querier, facts []Fact) error {
	for i := range facts {
		f := &facts[i]
		if err := validateFact(f); err != nil {
			return err
		}
		if f.RecordedAt.IsZero() {
			f.RecordedAt = time.Now().UTC()
		}
		payload, err := marshalFactPayload(f)
		if err != nil {
			return err
		}
		res, err := q.ExecContext(ctx, `
			INSERT INTO metric_facts (date, metric_type, payload, recorded_at)
			VALUES (?, ?, ?, ?)`,
			f.Date, string(f.Type), string(payload), store.FormatTime(f.RecordedAt))
		if err != nil {
			return fmt.Errorf("inserting metric fact: %w", err)
		}
		f.ID, _ = res.LastInsertId()
	}
	return nil
}

// FactsSince returns facts of one type recorded after since, oldest
// first. A zero since returns everything.
func (s *Store) FactsSince(ctx context.Context, typ FactType, since time.Time) ([]Fact, error) {
	query := `SELECT id, date, metric_type, payload, recorded_at FROM metric_facts
		WHERE metric_type = ?`
	args := []any{string(typ)}
	if !since.IsZero() {
		query += ` AND recorded_at > ?`
		args = append(args, store.FormatTime(since))
	}
	query += ` ORDER BY date, id`

	rows, err := s.db.Handle().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying metric facts: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// DailyCommitSeries aggregates git activity into commits per date over
// [from, to].
func (s *Store) DailyCommitSeries(ctx context.Context, from, to string) ([]DailyPoint, error) {
	return s.dailySeries(ctx, FactGitActivity, from, to, func(f *Fact) float64 {
		return float64(f.Git.Commits)
	})
}

// DailyTestFailureSeries aggregates test runs into failures per date.
func (s *Store) DailyTestFailureSeries(ctx context.Context, from, to string) ([]DailyPoint, error) {
	return s.dailySeries(ctx, FactTestRun, from, to, func(f *Fact) float64 {
		return float64(f.Test.Failed)
	})
}

// DailySessionSeries aggregates completed sessions per date.
func (s *Store) DailySessionSeries(ctx context.Context, from, to string) ([]DailyPoint, error) {
	return s.dailySeries(ctx, FactWorkSession, from, to, func(*Fact) float64 {
		return 1
	})
}

func (s *Store) dailySeries(ctx context.Context, typ FactType, from, to string, value func(*Fact) float64) ([]DailyPoint, error) {
	rows, err := s.db.Handle().QueryContext(ctx, `
		SELECT id, date, metric_type, payload, recorded_at FROM metric_facts
		WHERE metric_type = ? AND date >= ? AND date <= ?
		ORDER BY date, id`,
		string(typ), from, to)
	if err != nil {
		return nil, fmt.Errorf("querying %s series: %w", typ, err)
	}
	defer rows.Close()

	var out []DailyPoint
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		v := value(f)
		if n := len(out); n > 0 && out[n-1].Date == f.Date {
			out[n-1].Value += v
		} else {
			out = append(out, DailyPoint{Date: f.Date, Value: v})
		}
	}
	return out, rows.Err()
}

// TouchTotals aggregates one file's touches over a window.
type TouchTotals struct {
	Edits   int
	Commits int
}

// FileTouchTotals sums file-touch facts per path over [from, to],
// reading through q so it can run inside the collection transaction.
func (s *Store) FileTouchTotals(ctx context.Context, q store.Querier, from, to string) (map[string]TouchTotals, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, date, metric_type, payload, recorded_at FROM metric_facts
		WHERE metric_type = ? AND date >= ? AND date <= ?`,
		string(FactFileTouch), from, to)
	if err != nil {
		return nil, fmt.Errorf("querying file touches: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]TouchTotals)
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		t := totals[f.File.Path]
		t.Edits += f.File.Edits
		t.Commits += f.File.Commits
		totals[f.File.Path] = t
	}
	return totals, rows.Err()
}

// TotalCommits sums git-activity commits over [from, to], reading
// through q so it can run inside the collection transaction.
func (s *Store) TotalCommits(ctx context.Context, q store.Querier, from, to string) (int, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, date, metric_type, payload, recorded_at FROM metric_facts
		WHERE metric_type = ? AND date >= ? AND date <= ?`,
		string(FactGitActivity), from, to)
	if err != nil {
		return 0, fmt.Errorf("querying git activity: %w", err)
	}
	defer rows.Close()

	total := 0
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return 0, err
		}
		total += f.Git.Commits
	}
	return total, rows.Err()
}

// PruneFacts deletes facts dated before cutoff (YYYY-MM-DD), returning
// the rows removed.
func (s *Store) PruneFacts(ctx context.Context, q store.Querier, cutoff string) (int, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM metric_facts WHERE date < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning metric facts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteFactsSince removes facts of the given types dated on or after
// from (YYYY-MM-DD). A full collection clears a source's slice of the
// window before re-appending it, so replayed history is stored once.
func (s *Store) DeleteFactsSince(ctx context.Context, q store.Querier, types []FactType, from string) (int, error) {
	if len(types) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(types))
	args := make([]any, 0, len(types)+1)
	for i, t := range types {
		placeholders[i] = "?"
		args = append(args, string(t))
	}
	args = append(args, from)
	res, err := q.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM metric_facts WHERE metric_type IN (%s) AND date >= ?`,
		strings.Join(placeholders, ",")), args...)
	if err != nil {
		return 0, fmt.Errorf("clearing metric facts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// UpsertHotspot writes one file's rolling-window summary, classifying
// stability from the churn rate.
func (s *Store) UpsertHotspot(ctx context.Context, q store.Querier, h *FileHotspot) error {
	if h.Path == "" {
		return fmt.Errorf("%w: hotspot needs a path", ErrInvalidFact)
	}
	h.Stability = ClassifyStability(h.ChurnRate)
	if h.ComputedAt.IsZero() {
		h.ComputedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO file_hotspots
			(path, window_start, window_end, edits, commits, churn_rate, stability, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (path) DO UPDATE SET
			window_start = excluded.window_start,
			window_end   = excluded.window_end,
			edits        = excluded.edits,
			commits      = excluded.commits,
			churn_rate   = excluded.churn_rate,
			stability    = excluded.stability,
			computed_at  = excluded.computed_at`,
		h.Path, h.WindowStart, h.WindowEnd, h.Edits, h.Commits,
		h.ChurnRate, string(h.Stability), store.FormatTime(h.ComputedAt))
	if err != nil {
		return fmt.Errorf("upserting hotspot: %w", err)
	}
	return nil
}

// Hotspot returns one file's rolling-window summary, or nil when the
// file has no computed hotspot row.
func (s *Store) Hotspot(ctx context.Context, path string) (*FileHotspot, error) {
	row := s.db.Handle().QueryRowContext(ctx, `
		SELECT path, window_start, window_end, edits, commits, churn_rate, stability, computed_at
		FROM file_hotspots WHERE path = ?`,
		path)

	var (
		h          FileHotspot
		stability  string
		computedAt string
	)
	err := row.Scan(&h.Path, &h.WindowStart, &h.WindowEnd, &h.Edits,
		&h.Commits, &h.ChurnRate, &stability, &computedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning hotspot: %w", err)
	}
	h.Stability = Stability(stability)
	if h.ComputedAt, err = store.ParseTime(computedAt); err != nil {
		return nil, fmt.Errorf("parsing computed_at: %w", err)
	}
	return &h, nil
}

// Hotspots returns hotspots at or above minChurn, highest churn first.
func (s *Store) Hotspots(ctx context.Context, minChurn float64) ([]FileHotspot, error) {
	rows, err := s.db.Handle().QueryContext(ctx, `
		SELECT path, window_start, window_end, edits, commits, churn_rate, stability, computed_at
		FROM file_hotspots WHERE churn_rate >= ?
		ORDER BY churn_rate DESC, path`,
		minChurn)
	if err != nil {
		return nil, fmt.Errorf("querying hotspots: %w", err)
	}
	defer rows.Close()

	var out []FileHotspot
	for rows.Next() {
		var (
			h          FileHotspot
			stability  string
			computedAt string
		)
		if err := rows.Scan(&h.Path, &h.WindowStart, &h.WindowEnd, &h.Edits,
			&h.Commits, &h.ChurnRate, &stability, &computedAt); err != nil {
			return nil, fmt.Errorf("scanning hotspot: %w", err)
		}
		h.Stability = Stability(stability)
		if h.ComputedAt, err = store.ParseTime(computedAt); err != nil {
			return nil, fmt.Errorf("parsing computed_at: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// RecordRun appends one row to the collection log.
func (s *Store) RecordRun(ctx context.Context, q store.Querier, run *CollectionRun) error {
	res, err := q.ExecContext(ctx, `
		INSERT INTO collection_log (started_at, kind, records, duration_ms, success)
		VALUES (?, ?, ?, ?, ?)`,
		store.FormatTime(run.StartedAt), string(run.Kind), run.Records,
		run.Duration.Milliseconds(), boolToInt(run.Success))
	if err != nil {
		return fmt.Errorf("recording collection run: %w", err)
	}
	run.ID, _ = res.LastInsertId()
	return nil
}

// LastRun returns the most recently started run of any outcome, or nil
// when the log is empty.
func (s *Store) LastRun(ctx context.Context) (*CollectionRun, error) {
	return s.lastRunWhere(ctx, ``)
}

// LastSuccessfulRun returns the most recently started successful run,
// or nil when none succeeded yet.
func (s *Store) LastSuccessfulRun(ctx context.Context) (*CollectionRun, error) {
	return s.lastRunWhere(ctx, `WHERE success = 1`)
}

func (s *Store) lastRunWhere(ctx context.Context, where string) (*CollectionRun, error) {
	row := s.db.Handle().QueryRowContext(ctx, `
		SELECT id, started_at, kind, records, duration_ms, success
		FROM collection_log `+where+`
		ORDER BY started_at DESC, id DESC LIMIT 1`)

	var (
		run        CollectionRun
		startedAt  string
		kind       string
		durationMs int64
		success    int
	)
	err := row.Scan(&run.ID, &startedAt, &kind, &run.Records, &durationMs, &success)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning collection run: %w", err)
	}
	if run.StartedAt, err = store.ParseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	run.Kind = RunKind(kind)
	run.Duration = time.Duration(durationMs) * time.Millisecond
	run.Success = success == 1
	return &run, nil
}

// CountRuns returns the number of logged runs matching success.
func (s *Store) CountRuns(ctx context.Context, success bool) (int, error) {
	var n int
	err := s.db.Handle().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM collection_log WHERE success = ?`,
		boolToInt(success)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting collection runs: %w", err)
	}
	return n, nil
}

func validateFact(f *Fact) error {
	if !validFactTypes[f.Type] {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFact, f.Type)
	}
	if _, err := time.Parse(store.DateFormat, f.Date); err != nil {
		return fmt.Errorf("%w: bad date %q", ErrInvalidFact, f.Date)
	}
	var payload any
	switch f.Type {
	case FactGitActivity:
		payload = f.Git
	case FactFileTouch:
		payload = f.File
	case FactTestRun:
		payload = f.Test
	case FactBuildRun:
		payload = f.Build
	case FactWorkSession:
		payload = f.Session
	}
	if payload == nil || isNilPointer(payload) {
		return fmt.Errorf("%w: %s fact missing payload", ErrInvalidFact, f.Type)
	}
	return nil
}

func isNilPointer(v any) bool {
	switch p := v.(type) {
	case *GitActivity:
		return p == nil
	case *FileTouch:
		return p == nil
	case *TestRun:
		return p == nil
	case *BuildRun:
		return p == nil
	case *WorkSession:
		return p == nil
	}
	return false
}

func marshalFactPayload(f *Fact) ([]byte, error) {
	var body any
	switch f.Type {
	case FactGitActivity:
		body = f.Git
	case FactFileTouch:
		body = f.File
	case FactTestRun:
		body = f.Test
	case FactBuildRun:
		body = f.Build
	case FactWorkSession:
		body = f.Session
	}
	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", f.Type, err)
	}
	return out, nil
}

func scanFact(rows *sql.Rows) (*Fact, error) {
	var (
		f          Fact
		typ        string
		payload    string
		recordedAt string
	)
	if err := rows.Scan(&f.ID, &f.Date, &typ, &payload, &recordedAt); err != nil {
		return nil, fmt.Errorf("scanning metric fact: %w", err)
	}
	f.Type = FactType(typ)

	var (
		dst any
		err error
	)
	switch f.Type {
	case FactGitActivity:
		f.Git = &GitActivity{}
		dst = f.Git
	case FactFileTouch:
		f.File = &FileTouch{}
		dst = f.File
	case FactTestRun:
		f.Test = &TestRun{}
		dst = f.Test
	case FactBuildRun:
		f.Build = &BuildRun{}
		dst = f.Build
	case FactWorkSession:
		f.Session = &WorkSession{}
		dst = f.Session
	}
	if dst != nil {
		if err = json.Unmarshal([]byte(payload), dst); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", f.Type, err)
		}
	}
	if f.RecordedAt, err = store.ParseTime(recordedAt); err != nil {
		return nil, fmt.Errorf("parsing recorded_at: %w", err)
	}
	return &f, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
