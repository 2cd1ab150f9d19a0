// Package config provides configuration loading for memoryd.
package config

import (
	"fmt"
	"time"
)

// Config is the root memoryd configuration.
type Config struct {
	Database      DatabaseConfig      `koanf:"database"`
	WorkingMemory WorkingMemoryConfig `koanf:"working_memory"`
	Consolidation ConsolidationConfig `koanf:"consolidation"`
	Maintenance   MaintenanceConfig   `koanf:"maintenance"`
	Collection    CollectionConfig    `koanf:"collection"`
	Insights      InsightsConfig      `koanf:"insights"`
	Logging       LoggingConfig       `koanf:"logging"`
	Telemetry     TelemetryConfig     `koanf:"telemetry"`
}

// DatabaseConfig controls the single-file SQLite datastore.
type DatabaseConfig struct {
	// Path is the datastore file. ":memory:" is accepted for tests.
	Path string `koanf:"path"`
}

// WorkingMemoryConfig controls the bounded Tier-1 record pool.
type WorkingMemoryConfig struct {
	// Capacity is the maximum number of retained interaction records.
	// Exceeding it triggers consolidate-then-evict of the oldest
	// completed record.
	Capacity int `koanf:"capacity"`
}

// ConsolidationConfig tunes the eviction-triggered extraction pipeline.
type ConsolidationConfig struct {
	// SimilarityThreshold is the minimum step-sequence similarity for
	// merging a new workflow observation into an existing pattern.
	SimilarityThreshold float64 `koanf:"similarity_threshold"`

	// MinWorkflowSteps is the minimum number of role-attributed steps a
	// record must yield before a workflow candidate is considered.
	MinWorkflowSteps int `koanf:"min_workflow_steps"`
}

// MaintenanceConfig controls the background pattern maintenance pass.
type MaintenanceConfig struct {
	// Interval between maintenance runs.
	Interval Duration `koanf:"interval"`

	// DecayAfter is the idle age beyond which confidence decays.
	DecayAfter Duration `koanf:"decay_after"`

	// PruneAfter is the idle age required before a low-confidence,
	// never-validated pattern is deleted.
	PruneAfter Duration `koanf:"prune_after"`
}

// CollectionConfig controls the throttled metric delta collector.
type CollectionConfig struct {
	// MinInterval is the minimum wall-clock gap between collection run
	// starts. Runs inside the gap are no-ops unless forced.
	MinInterval Duration `koanf:"min_interval"`

	// Backfill is the lookback window when no successful collection
	// exists yet, and the cap for forced full collections.
	Backfill Duration `koanf:"backfill"`

	// Retention is how long raw per-date facts are kept.
	Retention Duration `koanf:"retention"`

	// RepoPath points the reference git fact source at a repository.
	// Empty disables the source.
	RepoPath string `koanf:"repo_path"`

	// Watch enables the filesystem watcher that records file-touch
	// facts between collection runs.
	Watch bool `koanf:"watch"`
}

// InsightsConfig tunes insight generation thresholds.
type InsightsConfig struct {
	// VelocityWarn and VelocityError are fractional weekly velocity
	// drops (vs the 30-day baseline) that trigger insights.
	VelocityWarn  float64 `koanf:"velocity_warn"`
	VelocityError float64 `koanf:"velocity_error"`

	// ChurnWarn is the churn rate at which a file becomes a hotspot.
	ChurnWarn float64 `koanf:"churn_warn"`

	// TestFailureWarn is the per-test failure rate that marks a test
	// unreliable.
	TestFailureWarn float64 `koanf:"test_failure_warn"`

	// Expiry is how long an insight stays active without a renewed
	// trigger before being marked expired.
	Expiry Duration `koanf:"expiry"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig controls the Prometheus endpoint of the daemon.
type TelemetryConfig struct {
	Enabled    bool   `koanf:"enabled"`
	ListenAddr string `koanf:"listen_addr"`
}

// Default returns a Config with production defaults applied.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "", // resolved to ~/.local/share/memoryd/memoryd.db by the loader
		},
		WorkingMemory: WorkingMemoryConfig{
			Capacity: 20,
		},
		Consolidation: ConsolidationConfig{
			SimilarityThreshold: 0.80,
			MinWorkflowSteps:    3,
		},
		Maintenance: MaintenanceConfig{
			Interval:   Duration(24 * time.Hour),
			DecayAfter: Duration(90 * 24 * time.Hour),
			PruneAfter: Duration(180 * 24 * time.Hour),
		},
		Collection: CollectionConfig{
			MinInterval: Duration(60 * time.Minute),
			Backfill:    Duration(30 * 24 * time.Hour),
			Retention:   Duration(30 * 24 * time.Hour),
			Watch:       false,
		},
		Insights: InsightsConfig{
			VelocityWarn:    0.30,
			VelocityError:   0.50,
			ChurnWarn:       0.20,
			TestFailureWarn: 0.10,
			Expiry:          Duration(14 * 24 * time.Hour),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.WorkingMemory.Capacity < 1 {
		return fmt.Errorf("working_memory.capacity must be >= 1, got %d", c.WorkingMemory.Capacity)
	}
	if c.Consolidation.SimilarityThreshold <= 0 || c.Consolidation.SimilarityThreshold > 1 {
		return fmt.Errorf("consolidation.similarity_threshold must be in (0, 1], got %v", c.Consolidation.SimilarityThreshold)
	}
	if c.Consolidation.MinWorkflowSteps < 2 {
		return fmt.Errorf("consolidation.min_workflow_steps must be >= 2, got %d", c.Consolidation.MinWorkflowSteps)
	}
	if c.Maintenance.Interval.Duration() <= 0 {
		return fmt.Errorf("maintenance.interval must be > 0")
	}
	if c.Collection.MinInterval.Duration() <= 0 {
		return fmt.Errorf("collection.min_interval must be > 0")
	}
	if c.Collection.Backfill.Duration() <= 0 {
		return fmt.Errorf("collection.backfill must be > 0")
	}
	if c.Insights.VelocityWarn <= 0 || c.Insights.VelocityWarn >= c.Insights.VelocityError {
		return fmt.Errorf("insights.velocity_warn must be > 0 and below insights.velocity_error")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	return nil
}
