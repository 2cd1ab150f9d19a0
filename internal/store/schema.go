package store

import (
	"context"
	"fmt"
)

// schema defines all four tiers plus the collection log. Turns, file
// mentions and entities are JSON columns on the record row: records
// are small, owned whole, and destroyed at eviction, so normalizing
// them into child tables buys nothing.
const schema = `
	-- Tier 1: bounded working memory
	CREATE TABLE IF NOT EXISTS interaction_records (
		id            TEXT PRIMARY KEY,
		workspace     TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		completed_at  TEXT,
		turns         TEXT NOT NULL DEFAULT '[]',
		file_mentions TEXT NOT NULL DEFAULT '[]',
		entities      TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_records_workspace ON interaction_records(workspace);
	CREATE INDEX IF NOT EXISTS idx_records_created ON interaction_records(created_at);

	-- Tier 2: durable patterns
	CREATE TABLE IF NOT EXISTS patterns (
		id             TEXT PRIMARY KEY,
		type           TEXT NOT NULL,
		name           TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		confidence     REAL NOT NULL,
		usage_count    INTEGER NOT NULL DEFAULT 1,
		success_count  INTEGER NOT NULL DEFAULT 0,
		last_used      TEXT,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL,
		source_records TEXT NOT NULL DEFAULT '[]',
		tags           TEXT NOT NULL DEFAULT '[]',
		payload        TEXT NOT NULL DEFAULT '{}',
		dedupe_key     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_type ON patterns(type);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_patterns_dedupe ON patterns(type, dedupe_key)
		WHERE dedupe_key IS NOT NULL;

	-- Tier 2: file relationships, kept relational so the canonical
	-- ordering and pair uniqueness are enforced by the database.
	CREATE TABLE IF NOT EXISTS file_relationships (
		file_a              TEXT NOT NULL,
		file_b              TEXT NOT NULL,
		relation_type       TEXT NOT NULL,
		co_occurrence_count INTEGER NOT NULL DEFAULT 1,
		confidence          REAL NOT NULL,
		updated_at          TEXT NOT NULL,
		PRIMARY KEY (file_a, file_b, relation_type),
		CHECK (file_a < file_b)
	);

	-- Consolidation provenance: one row per (record, extraction kind)
	-- already applied, making re-runs of the pipeline no-ops.
	CREATE TABLE IF NOT EXISTS consolidated_records (
		record_id       TEXT NOT NULL,
		kind            TEXT NOT NULL,
		consolidated_at TEXT NOT NULL,
		PRIMARY KEY (record_id, kind)
	);

	-- Tier 3: append-only metric facts
	CREATE TABLE IF NOT EXISTS metric_facts (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		date        TEXT NOT NULL,
		metric_type TEXT NOT NULL,
		payload     TEXT NOT NULL DEFAULT '{}',
		recorded_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_facts_date ON metric_facts(date);
	CREATE INDEX IF NOT EXISTS idx_facts_type ON metric_facts(metric_type);

	CREATE TABLE IF NOT EXISTS file_hotspots (
		path         TEXT PRIMARY KEY,
		window_start TEXT NOT NULL,
		window_end   TEXT NOT NULL,
		edits        INTEGER NOT NULL,
		commits      INTEGER NOT NULL,
		churn_rate   REAL NOT NULL,
		stability    TEXT NOT NULL,
		computed_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS correlations (
		name             TEXT PRIMARY KEY,
		series_a         TEXT NOT NULL,
		series_b         TEXT NOT NULL,
		coefficient      REAL NOT NULL,
		sample_size      INTEGER NOT NULL,
		confidence_level REAL NOT NULL,
		computed_at      TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS insights (
		id             TEXT PRIMARY KEY,
		insight_type   TEXT NOT NULL,
		related_entity TEXT NOT NULL DEFAULT '',
		severity       TEXT NOT NULL,
		title          TEXT NOT NULL,
		recommendation TEXT NOT NULL DEFAULT '',
		data           TEXT NOT NULL DEFAULT '{}',
		acknowledged   INTEGER NOT NULL DEFAULT 0,
		dismissed      INTEGER NOT NULL DEFAULT 0,
		expired        INTEGER NOT NULL DEFAULT 0,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL,
		expires_at     TEXT,
		UNIQUE (insight_type, related_entity)
	);

	-- Append-only record of collection runs; throttling and delta
	-- windows are computed from it.
	CREATE TABLE IF NOT EXISTS collection_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at  TEXT NOT NULL,
		kind        TEXT NOT NULL,
		records     INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		success     INTEGER NOT NULL
	);
`

// InitSchema creates all tables and indexes if they don't exist.
// Call once after Open before handing the DB to components.
func (d *DB) InitSchema(ctx context.Context) error {
	if _, err := d.sql.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}
