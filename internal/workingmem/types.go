// Package workingmem implements the bounded Tier-1 store of recent
// interaction records. Records enter from the conversational
// orchestrator, accumulate turns while active, and are consolidated
// into durable patterns immediately before eviction.
package workingmem

import (
	"errors"
	"fmt"
	"time"
)

// Errors returned at the write boundary. ErrSchemaViolation wraps all
// malformed-input rejections so callers can treat them uniformly.
var (
	ErrSchemaViolation    = errors.New("schema violation")
	ErrNotFound           = errors.New("interaction record not found")
	ErrActiveRecordExists = errors.New("workspace already has an active record")
	ErrRecordCompleted    = errors.New("interaction record already completed")
)

// Role identifies a turn's speaker.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// FileAction classifies how a mentioned file was touched.
type FileAction string

const (
	ActionRead      FileAction = "read"
	ActionWrite     FileAction = "write"
	ActionCreate    FileAction = "create"
	ActionDelete    FileAction = "delete"
	ActionReference FileAction = "reference"
)

var validActions = map[FileAction]bool{
	ActionRead:      true,
	ActionWrite:     true,
	ActionCreate:    true,
	ActionDelete:    true,
	ActionReference: true,
}

// Outcome records whether a user turn's routing was later judged
// correct by the orchestrator. Most turns go unjudged.
type Outcome string

const (
	OutcomeUnknown   Outcome = ""
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeRejected  Outcome = "rejected"
)

var validOutcomes = map[Outcome]bool{
	OutcomeUnknown:   true,
	OutcomeConfirmed: true,
	OutcomeRejected:  true,
}

// Turn is one exchange step inside a record.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Agent attributes the turn to a responsible role ("implementer",
	// "reviewer", ...) when the orchestrator delegated it.
	Agent string `json:"agent,omitempty"`
	// Outcome carries the orchestrator's routing verdict for a user
	// turn, when it reported one.
	Outcome Outcome `json:"outcome,omitempty"`
}

// FileMention is a file path touched or referenced during the record.
type FileMention struct {
	Path   string     `json:"path"`
	Action FileAction `json:"action"`
}

// Entity is a typed value extracted from the conversation by the
// upstream orchestrator.
type Entity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	FirstTurn  int     `json:"first_turn"`
	LastTurn   int     `json:"last_turn"`
}

// Record is the Tier-1 unit: one interaction with ordered turns, file
// mentions, and extracted entities. A nil CompletedAt means the record
// is still active; at most one record per workspace may be active.
type Record struct {
	ID          string        `json:"id"`
	Workspace   string        `json:"workspace"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Turns       []Turn        `json:"turns"`
	Files       []FileMention `json:"files"`
	Entities    []Entity      `json:"entities"`
}

// Active reports whether the record has no completion time.
func (r *Record) Active() bool {
	return r.CompletedAt == nil
}

// Validate rejects malformed records at the write boundary. All
// failures wrap ErrSchemaViolation.
func (r *Record) Validate() error {
	if r.Workspace == "" {
		return fmt.Errorf("%w: workspace cannot be empty", ErrSchemaViolation)
	}
	for i, turn := range r.Turns {
		if err := turn.Validate(); err != nil {
			return fmt.Errorf("turn %d: %w", i, err)
		}
	}
	for i, fm := range r.Files {
		if fm.Path == "" {
			return fmt.Errorf("%w: file mention %d has empty path", ErrSchemaViolation, i)
		}
		if !validActions[fm.Action] {
			return fmt.Errorf("%w: file mention %d has invalid action %q", ErrSchemaViolation, i, fm.Action)
		}
	}
	for i, e := range r.Entities {
		if e.Type == "" || e.Value == "" {
			return fmt.Errorf("%w: entity %d missing type or value", ErrSchemaViolation, i)
		}
		if e.Confidence < 0 || e.Confidence > 1 {
			return fmt.Errorf("%w: entity %d confidence %v outside [0,1]", ErrSchemaViolation, i, e.Confidence)
		}
		if e.FirstTurn < 0 || e.LastTurn < e.FirstTurn {
			return fmt.Errorf("%w: entity %d has invalid turn range", ErrSchemaViolation, i)
		}
	}
	return nil
}

// Validate rejects malformed turns.
func (t Turn) Validate() error {
	if t.Role != RoleUser && t.Role != RoleAssistant {
		return fmt.Errorf("%w: invalid role %q", ErrSchemaViolation, t.Role)
	}
	if t.Content == "" {
		return fmt.Errorf("%w: turn content cannot be empty", ErrSchemaViolation)
	}
	if !validOutcomes[t.Outcome] {
		return fmt.Errorf("%w: invalid outcome %q", ErrSchemaViolation, t.Outcome)
	}
	return nil
}
