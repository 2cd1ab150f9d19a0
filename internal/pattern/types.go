// Package pattern implements the durable Tier-2 pattern store and the
// confidence lifecycle applied to it. Patterns are born from
// consolidation, reinforced or penalized on reuse, decayed when idle,
// and pruned once stale and never-validated.
package pattern

import (
	"errors"
	"fmt"
	"time"
)

// Common errors for pattern operations.
var (
	ErrNotFound          = errors.New("pattern not found")
	ErrInvalidPattern    = errors.New("invalid pattern")
	ErrInvalidConfidence = errors.New("confidence must be between 0.0 and 1.0")
)

// Type classifies a pattern. Each type carries its own payload variant;
// Validate enforces that exactly the matching payload is set.
type Type string

const (
	TypeWorkflow         Type = "workflow"
	TypeIntent           Type = "intent"
	TypeFileRelationship Type = "file_relationship"
	TypeStructural       Type = "structural"
	TypeValidation       Type = "validation"
	TypeCorrection       Type = "correction"
	TypeTest             Type = "test"
	TypeNaming           Type = "naming"
)

var validTypes = map[Type]bool{
	TypeWorkflow:         true,
	TypeIntent:           true,
	TypeFileRelationship: true,
	TypeStructural:       true,
	TypeValidation:       true,
	TypeCorrection:       true,
	TypeTest:             true,
	TypeNaming:           true,
}

// IsValidType reports whether s names a known pattern type.
func IsValidType(s string) bool {
	return validTypes[Type(s)]
}

// Types returns every known pattern type in declaration order.
func Types() []Type {
	return []Type{
		TypeWorkflow, TypeIntent, TypeFileRelationship, TypeStructural,
		TypeValidation, TypeCorrection, TypeTest, TypeNaming,
	}
}

// WorkflowStep is one ordered step of a workflow pattern.
type WorkflowStep struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	// Role is the responsible role recommended for the step.
	Role string `json:"role,omitempty"`
	// EstimatedDuration is a running average over observed instances.
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	// SuccessRate is the historical success rate of the step.
	SuccessRate float64 `json:"success_rate,omitempty"`
}

// WorkflowPayload is the variant for TypeWorkflow.
type WorkflowPayload struct {
	Steps []WorkflowStep `json:"steps"`
}

// StepTypes returns the ordered step-type sequence, the unit compared
// by workflow similarity.
func (w *WorkflowPayload) StepTypes() []string {
	out := make([]string, len(w.Steps))
	for i, s := range w.Steps {
		out[i] = s.Type
	}
	return out
}

// IntentPayload is the variant for TypeIntent: a generalized phrase
// template mapped to an inferred intent. Confidence for intent
// patterns is SuccessCount/MatchCount, capped at the lifecycle ceiling.
type IntentPayload struct {
	Template     string `json:"template"`
	Intent       string `json:"intent"`
	MatchCount   int    `json:"match_count"`
	SuccessCount int    `json:"success_count"`
}

// CorrectionPayload is the variant for TypeCorrection: a recurring
// mistake-then-fix observation keyed by error type and file context.
type CorrectionPayload struct {
	ErrorType       string `json:"error_type"`
	FileContext     string `json:"file_context,omitempty"`
	OccurrenceCount int    `json:"occurrence_count"`
}

// StructuralPayload is the variant for TypeStructural: where artifacts
// of a category live and how they are named.
type StructuralPayload struct {
	Category        string `json:"category"`
	LocationPattern string `json:"location_pattern"`
	NamingShape     string `json:"naming_shape"`
	ExampleCount    int    `json:"example_count"`
}

// Pattern is the Tier-2 unit.
type Pattern struct {
	ID            string     `json:"id"`
	Type          Type       `json:"type"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	Confidence    float64    `json:"confidence"`
	UsageCount    int        `json:"usage_count"`
	SuccessCount  int        `json:"success_count"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	SourceRecords []string   `json:"source_records,omitempty"`
	Tags          []string   `json:"tags,omitempty"`

	// DedupeKey, when non-empty, makes the (Type, DedupeKey) pair
	// unique in the store. Consolidation uses it to merge repeated
	// observations into one row instead of accumulating duplicates.
	DedupeKey string `json:"-"`

	// Exactly one of the following is non-nil, matching Type.
	Workflow   *WorkflowPayload   `json:"workflow,omitempty"`
	Intent     *IntentPayload     `json:"intent,omitempty"`
	Correction *CorrectionPayload `json:"correction,omitempty"`
	Structural *StructuralPayload `json:"structural,omitempty"`
}

// SuccessRate returns SuccessCount/UsageCount, 0 when unused.
func (p *Pattern) SuccessRate() float64 {
	if p.UsageCount == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(p.UsageCount)
}

// HasSource reports whether recordID already contributed to this
// pattern. Merge paths consult it so re-consolidating a record leaves
// counters untouched.
func (p *Pattern) HasSource(recordID string) bool {
	for _, id := range p.SourceRecords {
		if id == recordID {
			return true
		}
	}
	return false
}

// Validate checks structural invariants.
func (p *Pattern) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidPattern)
	}
	if !validTypes[p.Type] {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidPattern, p.Type)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidConfidence, p.Confidence)
	}
	if p.UsageCount < 1 {
		return fmt.Errorf("%w: usage_count must be >= 1", ErrInvalidPattern)
	}
	if p.SuccessCount < 0 || p.SuccessCount > p.UsageCount {
		return fmt.Errorf("%w: success_count %d outside [0, usage_count=%d]",
			ErrInvalidPattern, p.SuccessCount, p.UsageCount)
	}
	if err := p.validatePayload(); err != nil {
		return err
	}
	return nil
}

func (p *Pattern) validatePayload() error {
	set := 0
	if p.Workflow != nil {
		set++
		if p.Type != TypeWorkflow {
			return fmt.Errorf("%w: workflow payload on type %q", ErrInvalidPattern, p.Type)
		}
		if len(p.Workflow.Steps) == 0 {
			return fmt.Errorf("%w: workflow pattern needs at least one step", ErrInvalidPattern)
		}
	}
	if p.Intent != nil {
		set++
		if p.Type != TypeIntent {
			return fmt.Errorf("%w: intent payload on type %q", ErrInvalidPattern, p.Type)
		}
		if p.Intent.Template == "" || p.Intent.Intent == "" {
			return fmt.Errorf("%w: intent payload needs template and intent", ErrInvalidPattern)
		}
	}
	if p.Correction != nil {
		set++
		if p.Type != TypeCorrection {
			return fmt.Errorf("%w: correction payload on type %q", ErrInvalidPattern, p.Type)
		}
		if p.Correction.ErrorType == "" {
			return fmt.Errorf("%w: correction payload needs error_type", ErrInvalidPattern)
		}
	}
	if p.Structural != nil {
		set++
		if p.Type != TypeStructural {
			return fmt.Errorf("%w: structural payload on type %q", ErrInvalidPattern, p.Type)
		}
		if p.Structural.Category == "" {
			return fmt.Errorf("%w: structural payload needs category", ErrInvalidPattern)
		}
	}
	switch p.Type {
	case TypeWorkflow:
		if p.Workflow == nil {
			return fmt.Errorf("%w: type workflow requires workflow payload", ErrInvalidPattern)
		}
	case TypeIntent:
		if p.Intent == nil {
			return fmt.Errorf("%w: type intent requires intent payload", ErrInvalidPattern)
		}
	case TypeCorrection:
		if p.Correction == nil {
			return fmt.Errorf("%w: type correction requires correction payload", ErrInvalidPattern)
		}
	case TypeStructural:
		if p.Structural == nil {
			return fmt.Errorf("%w: type structural requires structural payload", ErrInvalidPattern)
		}
	default:
		if set > 0 {
			return fmt.Errorf("%w: type %q carries no payload", ErrInvalidPattern, p.Type)
		}
	}
	return nil
}

// RelationCoModification marks files repeatedly edited together.
const RelationCoModification = "co_modification"

// FileRelationship is a canonical (FileA < FileB) pair with a relation
// type and a co-occurrence count; the pair+type is unique in the store.
type FileRelationship struct {
	FileA             string    `json:"file_a"`
	FileB             string    `json:"file_b"`
	RelationType      string    `json:"relation_type"`
	CoOccurrenceCount int       `json:"co_occurrence_count"`
	Confidence        float64   `json:"confidence"`
	UpdatedAt         time.Time `json:"updated_at"`
}
