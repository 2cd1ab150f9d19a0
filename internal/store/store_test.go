package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.InitSchema(context.Background()))
	return db
}

func TestOpenAndInitSchema(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	// Schema init is idempotent.
	require.NoError(t, db.InitSchema(context.Background()))

	// All tier tables exist.
	for _, table := range []string{
		"interaction_records", "patterns", "file_relationships",
		"consolidated_records", "metric_facts", "file_hotspots",
		"correlations", "insights", "collection_log",
	} {
		var name string
		err := db.Handle().QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&name)
		require.NoError(t, err, "table %s missing", table)
	}
}

func TestOpenEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "")
	require.Error(t, err)
}

func TestOpenCreatesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "memoryd.db")
	db, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.InitSchema(context.Background()))
	assert.Equal(t, path, db.Path())
}

func TestWithTxCommit(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO collection_log (started_at, kind, success) VALUES (?, 'delta', 1)`,
			FormatTime(time.Now()))
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.Handle().QueryRow(`SELECT COUNT(*) FROM collection_log`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestWithTxRollback(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO collection_log (started_at, kind, success) VALUES (?, 'delta', 1)`,
			FormatTime(time.Now())); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.Handle().QueryRow(`SELECT COUNT(*) FROM collection_log`).Scan(&count))
	assert.Equal(t, 0, count, "rolled-back insert must not persist")
}

func TestFileRelationshipOrderingEnforced(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	now := FormatTime(time.Now())

	_, err := db.Handle().Exec(
		`INSERT INTO file_relationships (file_a, file_b, relation_type, confidence, updated_at)
		 VALUES ('a.go', 'b.go', 'co_modification', 0.5, ?)`, now)
	require.NoError(t, err)

	// Mirrored pair violates the CHECK constraint.
	_, err = db.Handle().Exec(
		`INSERT INTO file_relationships (file_a, file_b, relation_type, confidence, updated_at)
		 VALUES ('b.go', 'a.go', 'co_modification', 0.5, ?)`, now)
	require.Error(t, err)

	// Duplicate canonical pair violates the primary key.
	_, err = db.Handle().Exec(
		`INSERT INTO file_relationships (file_a, file_b, relation_type, confidence, updated_at)
		 VALUES ('a.go', 'b.go', 'co_modification', 0.6, ?)`, now)
	require.Error(t, err)
}

func TestInsightUpsertKeyUnique(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	now := FormatTime(time.Now())

	_, err := db.Handle().Exec(
		`INSERT INTO insights (id, insight_type, related_entity, severity, title, created_at, updated_at)
		 VALUES ('i1', 'velocity_drop', '', 'WARNING', 'velocity down', ?, ?)`, now, now)
	require.NoError(t, err)

	_, err = db.Handle().Exec(
		`INSERT INTO insights (id, insight_type, related_entity, severity, title, created_at, updated_at)
		 VALUES ('i2', 'velocity_drop', '', 'ERROR', 'velocity down more', ?, ?)`, now, now)
	require.Error(t, err, "same (type, related_entity) must be unique")
}

func TestTimeRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Now()
	parsed, err := ParseTime(FormatTime(now))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(now))

	zero, err := ParseTime("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
}
