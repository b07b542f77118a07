package models

import "time"

type WorkIntent string

const (
	IntentEditing     WorkIntent = "editing"
	IntentReviewing   WorkIntent = "reviewing"
	IntentRefactoring WorkIntent = "refactoring"
	IntentTesting     WorkIntent = "testing"
	IntentDocumenting WorkIntent = "documenting"
)

func (i WorkIntent) Valid() bool {
	switch i {
	case IntentEditing, IntentReviewing, IntentRefactoring, IntentTesting, IntentDocumenting:
		return true
	}
	return false
}

// Mutating reports whether the intent changes the resource. Two
// mutating intents on the same resource are the worst case for
// merge conflicts.
func (i WorkIntent) Mutating() bool {
	return i == IntentEditing || i == IntentRefactoring
}

// WorkAnnouncement is a non-exclusive declaration of intent on a
// resource. It informs overlap detection; it does not lock anything.
type WorkAnnouncement struct {
	ID            string     `json:"id"`
	AgentID       string     `json:"agent_id"`
	Resource      string     `json:"resource"`
	Intent        WorkIntent `json:"intent"`
	Description   string     `json:"description"`
	Files         []string   `json:"files"`
	EstimatedDone *time.Time `json:"estimated_done,omitempty"`
	AnnouncedAt   time.Time  `json:"announced_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Active reports whether the announcement still participates in
// overlap detection.
func (a *WorkAnnouncement) Active() bool {
	return a.CompletedAt == nil
}

type ConflictRisk string

const (
	RiskNone     ConflictRisk = "none"
	RiskLow      ConflictRisk = "low"
	RiskMedium   ConflictRisk = "medium"
	RiskHigh     ConflictRisk = "high"
	RiskCritical ConflictRisk = "critical"
)

// Level orders risks for comparison.
func (r ConflictRisk) Level() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// WorkOverlap is derived: a resource plus the agents concurrently
// declaring intent on it.
type WorkOverlap struct {
	Resource   string       `json:"resource"`
	Agents     []string     `json:"agents"`
	Risk       ConflictRisk `json:"risk"`
	Suggestion string       `json:"suggestion"`
}

type SuggestionKind string

const (
	SuggestSequence   SuggestionKind = "sequence"
	SuggestParallel   SuggestionKind = "parallel"
	SuggestHandoff    SuggestionKind = "handoff"
	SuggestMergeOrder SuggestionKind = "merge_order"
)

type CollaborationSuggestion struct {
	Kind      SuggestionKind `json:"kind"`
	Agents    []string       `json:"agents"`
	Rationale string         `json:"rationale"`
}
