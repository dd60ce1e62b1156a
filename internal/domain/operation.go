package domain

import "fmt"

// Status is the lifecycle state of a credit operation.
type Status string

const (
	StatusInAnalysis Status = "InAnalysis"
	StatusRejected   Status = "Rejected"
	StatusApproved   Status = "Approved"
	StatusConfirmed  Status = "Confirmed"
	StatusExpired    Status = "Expired"
	StatusCompleted  Status = "Completed"
)

// transitions lists the legal target states for each source state.
// Nothing ever transitions back to InAnalysis.
var transitions = map[Status][]Status{
	StatusInAnalysis: {StatusApproved, StatusRejected},
	StatusApproved:   {StatusConfirmed, StatusExpired},
	StatusConfirmed:  {StatusCompleted},
}

// IllegalTransitionError signals a programming error: a caller asked for a
// state change the lifecycle does not allow. It is never retried.
type IllegalTransitionError struct {
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal credit operation transition %s -> %s", e.From, e.To)
}

// CreditOperation is the persisted record of one credit-approval case.
// Persistence is the caller's concern; the entity only guards its own
// state machine.
type CreditOperation struct {
	PartitionKey   string   `json:"partitionKey"`
	RowKey         string   `json:"rowKey"`
	Account        string   `json:"account"`
	Status         Status   `json:"status"`
	RejectedReason string   `json:"rejectedReason,omitempty"`
	Score          *float64 `json:"score,omitempty"`
	CambioRate     *float64 `json:"cambioRate,omitempty"`

	// Version is managed by the store and used for optimistic concurrency.
	Version int `json:"version"`
}

// NewCreditOperation returns a fresh record in analysis for the given account.
// The operation id doubles as both partition and row key.
func NewCreditOperation(id, account string) *CreditOperation {
	return &CreditOperation{
		PartitionKey: id,
		RowKey:       id,
		Account:      account,
		Status:       StatusInAnalysis,
	}
}

// Identifier is the human-facing operation identity, derived and never stored.
func (o *CreditOperation) Identifier() string {
	return o.Account + "-" + o.RowKey
}

// transition moves the record to the target state. Re-applying a transition
// the record has already taken is a no-op success, which keeps the setters
// safe under activity retries.
func (o *CreditOperation) transition(to Status) error {
	if o.Status == to {
		return nil
	}
	for _, allowed := range transitions[o.Status] {
		if allowed == to {
			o.Status = to
			return nil
		}
	}
	return &IllegalTransitionError{From: o.Status, To: to}
}

// Approve marks the operation approved and records the score and exchange
// rate the decision was taken with.
func (o *CreditOperation) Approve(score, cambioRate float64) error {
	if err := o.transition(StatusApproved); err != nil {
		return err
	}
	o.Score = &score
	o.CambioRate = &cambioRate
	return nil
}

// Reject marks the operation rejected with a human-readable reason.
func (o *CreditOperation) Reject(reason string) error {
	if err := o.transition(StatusRejected); err != nil {
		return err
	}
	o.RejectedReason = reason
	return nil
}

// Confirm marks an approved operation as confirmed by the customer.
func (o *CreditOperation) Confirm() error {
	return o.transition(StatusConfirmed)
}

// Expire marks an approved operation as expired after the confirmation
// deadline passed.
func (o *CreditOperation) Expire() error {
	return o.transition(StatusExpired)
}

// Complete marks a confirmed operation as completed.
func (o *CreditOperation) Complete() error {
	return o.transition(StatusCompleted)
}

// Terminal reports whether the operation needs no further monitoring.
func (o *CreditOperation) Terminal() bool {
	switch o.Status {
	case StatusRejected, StatusExpired, StatusCompleted:
		return true
	}
	return false
}

// Equal treats two records as the same operation when their row keys match.
func (o *CreditOperation) Equal(other *CreditOperation) bool {
	if other == nil {
		return false
	}
	return o.RowKey == other.RowKey
}
