// Package metrics implements the Tier-3 time-series store: append-only
// activity facts collected in throttled deltas, plus the rolling file
// hotspot windows derived from them.
package metrics

import (
	"errors"
	"time"
)

// Errors returned by the metrics tier.
var (
	ErrInvalidFact = errors.New("invalid metric fact")
	ErrNoSource    = errors.New("no fact source configured")
)

// FactType classifies an activity fact.
type FactType string

const (
	FactGitActivity FactType = "git_activity"
	FactFileTouch   FactType = "file_touch"
	FactTestRun     FactType = "test_run"
	FactBuildRun    FactType = "build_run"
	FactWorkSession FactType = "work_session"
)

var validFactTypes = map[FactType]bool{
	FactGitActivity: true,
	FactFileTouch:   true,
	FactTestRun:     true,
	FactBuildRun:    true,
	FactWorkSession: true,
}

// GitActivity is one day's commit activity.
type GitActivity struct {
	Commits    int `json:"commits"`
	Insertions int `json:"insertions"`
	Deletions  int `json:"deletions"`
}

// FileTouch is one file's modification volume on one day.
type FileTouch struct {
	Path    string `json:"path"`
	Edits   int    `json:"edits"`
	Commits int    `json:"commits"`
}

// TestRun is one observed test execution.
type TestRun struct {
	Suite    string        `json:"suite,omitempty"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration,omitempty"`
}

// BuildRun is one observed build outcome.
type BuildRun struct {
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration,omitempty"`
}

// WorkSession is one completed interaction's envelope, bridged from
// working memory at eviction so session history outlives the record.
type WorkSession struct {
	Workspace string        `json:"workspace"`
	Turns     int           `json:"turns"`
	Files     int           `json:"files"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Fact is one dated activity observation. Exactly one payload field is
// set, matching Type.
type Fact struct {
	ID         int64     `json:"id,omitempty"`
	Date       string    `json:"date"` // YYYY-MM-DD
	Type       FactType  `json:"type"`
	RecordedAt time.Time `json:"recorded_at"`

	Git     *GitActivity `json:"git,omitempty"`
	File    *FileTouch   `json:"file,omitempty"`
	Test    *TestRun     `json:"test,omitempty"`
	Build   *BuildRun    `json:"build,omitempty"`
	Session *WorkSession `json:"session,omitempty"`
}

// Stability classifies a file's churn band.
type Stability string

const (
	StabilityStable   Stability = "STABLE"
	StabilityModerate Stability = "MODERATE"
	StabilityUnstable Stability = "UNSTABLE"
)

// Classification thresholds. Boundaries are half-open: a churn rate
// exactly at a threshold falls in the higher band.
const (
	stableBelow   = 0.10
	moderateBelow = 0.20
)

// ClassifyStability maps a churn rate to its band.
func ClassifyStability(churnRate float64) Stability {
	switch {
	case churnRate < stableBelow:
		return StabilityStable
	case churnRate < moderateBelow:
		return StabilityModerate
	default:
		return StabilityUnstable
	}
}

// FileHotspot is a rolling-window churn summary for one file.
type FileHotspot struct {
	Path        string    `json:"path"`
	WindowStart string    `json:"window_start"` // YYYY-MM-DD
	WindowEnd   string    `json:"window_end"`   // YYYY-MM-DD
	Edits       int       `json:"edits"`
	Commits     int       `json:"commits"`
	ChurnRate   float64   `json:"churn_rate"`
	Stability   Stability `json:"stability"`
	ComputedAt  time.Time `json:"computed_at"`
}

// RunKind labels a collection run in the log.
type RunKind string

const (
	RunFull  RunKind = "full"
	RunDelta RunKind = "delta"
)

// CollectionRun is one logged collection attempt.
type CollectionRun struct {
	ID        int64
	StartedAt time.Time
	Kind      RunKind
	Records   int
	Duration  time.Duration
	Success   bool
}

// DailyPoint is one date's aggregated value in a derived series.
type DailyPoint struct {
	Date  string
	Value float64
}
