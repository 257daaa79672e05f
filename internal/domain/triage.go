package domain

import (
	"encoding/json"
	"time"
)

// Value is a ticket field value. Multi-valued fields are kept in their
// canonical comma-joined form ("API, UI").
type Value string

type TicketRef struct {
	Key     string `json:"key"`
	Summary string `json:"summary"`
}

type Ticket struct {
	Key         string
	Summary     string
	Description string
	Fields      map[string]Value
}

func (t Ticket) Ref() TicketRef {
	return TicketRef{Key: t.Key, Summary: t.Summary}
}

// RawRecommendation is producer output before validation. Value and
// confidence columns are left undecoded because models return strings,
// numbers, arrays and percentages interchangeably.
type RawRecommendation struct {
	Field      string          `json:"field"`
	Current    json.RawMessage `json:"current"`
	Proposed   json.RawMessage `json:"recommended"`
	Confidence json.RawMessage `json:"confidence"`
	Rationale  string          `json:"rationale"`
	Action     string          `json:"action"`
}

type Recommendation struct {
	Ticket        TicketRef `json:"ticket"`
	Field         string    `json:"field"`
	CurrentValue  *Value    `json:"current_value,omitempty"`
	ProposedValue Value     `json:"proposed_value"`
	Confidence    float64   `json:"confidence"`
	Rationale     string    `json:"rationale"`
}

type SkippedRecommendation struct {
	Ticket TicketRef `json:"ticket"`
	Field  string    `json:"field"`
	Reason string    `json:"reason"`
}

type Intent string

const (
	IntentAutoApply    Intent = "AUTO_APPLY"
	IntentManualReview Intent = "MANUAL_REVIEW"
)

type Decision struct {
	Recommendation Recommendation `json:"recommendation"`
	Intent         Intent         `json:"intent"`
	Reason         string         `json:"reason"`
}

type Outcome string

const (
	OutcomeApplied    Outcome = "APPLIED"
	OutcomeFailed     Outcome = "FAILED"
	OutcomeWouldApply Outcome = "WOULD_APPLY"
)

type ApplyResult struct {
	Decision Decision     `json:"decision"`
	Outcome  Outcome      `json:"outcome"`
	Error    *ErrorDetail `json:"error,omitempty"`
	Attempts int          `json:"attempts"`
	// NoOp is set when the store already held the proposed value.
	NoOp bool `json:"no_op,omitempty"`
}

type RunState string

const (
	RunQuerying   RunState = "QUERYING"
	RunProcessing RunState = "PROCESSING"
	RunSealed     RunState = "SEALED"
	RunAborted    RunState = "ABORTED"
)

// RunResult is the terminal artifact of one engine invocation.
type RunResult struct {
	RunID                string                  `json:"run_id"`
	StartedAt            time.Time               `json:"started_at"`
	FinishedAt           time.Time               `json:"finished_at"`
	State                RunState                `json:"state"`
	DryRun               bool                    `json:"dry_run"`
	Threshold            float64                 `json:"threshold"`
	Filter               string                  `json:"filter"`
	TicketsQueried       int                     `json:"tickets_queried"`
	TotalRecommendations int                     `json:"total_recommendations"`
	Applied              []ApplyResult           `json:"applied"`
	Failed               []ApplyResult           `json:"failed"`
	ManualReview         []Decision              `json:"manual_review"`
	Skipped              []SkippedRecommendation `json:"skipped"`
	Errors               []string                `json:"errors"`
	NotProcessed         []string                `json:"not_processed,omitempty"`
	AbortReason          string                  `json:"abort_reason,omitempty"`
}

// Balanced reports whether every recommendation ended in exactly one bucket.
func (r RunResult) Balanced() bool {
	return len(r.Applied)+len(r.Failed)+len(r.ManualReview)+len(r.Skipped) == r.TotalRecommendations
}

func (r RunResult) Aborted() bool {
	return r.State == RunAborted
}
