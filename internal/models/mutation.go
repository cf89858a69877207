package models

import "time"

// MutationState tracks a pending mutation through the coordinator.
type MutationState string

const (
	StateCreated     MutationState = "created"
	StateApplied     MutationState = "applied"
	StateDispatched  MutationState = "dispatched"
	StateCommitted   MutationState = "committed"
	StateRejected    MutationState = "rejected"
	StateUnconfirmed MutationState = "unconfirmed"
	StateCancelled   MutationState = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s MutationState) Terminal() bool {
	switch s {
	case StateCommitted, StateRejected, StateUnconfirmed, StateCancelled:
		return true
	}
	return false
}

// PendingMutation is a local edit that the server has not confirmed yet.
type PendingMutation struct {
	ID               string        `json:"mutation_id"`
	Key              EntityKey     `json:"key"`
	BaseVersion      int64         `json:"base_version"`
	Patch            Data          `json:"patch"`
	AppliedTentative bool          `json:"applied_tentative"`
	State            MutationState `json:"state"`
	CreatedAt        time.Time     `json:"created_at"`
	RetryCount       int           `json:"retry_count"`

	// Seq breaks createdAt ties in append order.
	Seq uint64 `json:"-"`
}

// Before orders mutations by createdAt, then by append sequence.
func (m PendingMutation) Before(other PendingMutation) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.Seq < other.Seq
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

func (m PendingMutation) Clone() PendingMutation {
	m.Patch = m.Patch.Clone()
	return m
}

// OutcomeKind is the terminal resolution reported to the pending log.
type OutcomeKind string

const (
	OutcomeCommitted  OutcomeKind = "committed"
	OutcomeRejected   OutcomeKind = "rejected"
	OutcomeSuperseded OutcomeKind = "superseded"
	OutcomeCancelled  OutcomeKind = "cancelled"
)

type Outcome struct {
	Kind         OutcomeKind
	FinalVersion int64
	FinalData    Data
	Reason       string
}

func Committed(version int64, data Data) Outcome {
	return Outcome{Kind: OutcomeCommitted, FinalVersion: version, FinalData: data}
}

func Rejected(reason string) Outcome {
	return Outcome{Kind: OutcomeRejected, Reason: reason}
}

// Superseded marks a mutation whose outcome is unknown after transport failures.
func Superseded() Outcome {
	return Outcome{Kind: OutcomeSuperseded, Reason: "unconfirmed"}
}

func Cancelled() Outcome {
	return Outcome{Kind: OutcomeCancelled, Reason: "cancelled"}
}

// MutationRequest is the payload sent to the mutation endpoint.
type MutationRequest struct {
	MutationID  string    `json:"mutation_id"`
	Key         EntityKey `json:"key"`
	BaseVersion int64     `json:"base_version"`
	Patch       Data      `json:"patch"`
}

// Rejection is a semantic refusal by the server. It is terminal.
type Rejection struct {
	Reason string `json:"reason"`
}

// MutationResponse carries either the committed state or a rejection.
type MutationResponse struct {
	MutationID   string     `json:"mutation_id"`
	FinalVersion int64      `json:"final_version,omitempty"`
	FinalData    Data       `json:"final_data,omitempty"`
	Rejection    *Rejection `json:"rejection,omitempty"`
}

func (r *MutationResponse) Rejected() bool {
	return r.Rejection != nil
}
