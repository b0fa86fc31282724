package domain

import "time"

// DisputeStatus is the adjudication state of a dispute.
type DisputeStatus string

const (
	DisputePending  DisputeStatus = "pending"
	DisputeInReview DisputeStatus = "in_review"
	DisputeAccepted DisputeStatus = "accepted"
	DisputeRejected DisputeStatus = "rejected"
	DisputeCanceled DisputeStatus = "canceled"
)

var disputeTransitions = map[DisputeStatus][]DisputeStatus{
	DisputePending:  {DisputeInReview, DisputeAccepted, DisputeRejected, DisputeCanceled},
	DisputeInReview: {DisputeAccepted, DisputeRejected, DisputeCanceled},
}

// Active reports whether the dispute is still being worked.
func (s DisputeStatus) Active() bool {
	return s == DisputePending || s == DisputeInReview
}

// Terminal reports whether no further transitions are possible.
func (s DisputeStatus) Terminal() bool {
	return s == DisputeAccepted || s == DisputeRejected || s == DisputeCanceled
}

// CanTransitionTo reports whether a dispute may move from s to next.
func (s DisputeStatus) CanTransitionTo(next DisputeStatus) bool {
	for _, allowed := range disputeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Dispute is the single dispute opened against a card transaction.
type Dispute struct {
	ID                   string
	TransactionID        string
	CardID               string
	UserID               string
	ProviderRef          string
	Status               DisputeStatus
	Evidence             string
	FeeAmount            int64
	FeeTransactionID     string
	FeeSettlementPending bool
	ResolvedAt           *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// DisputeEventType names an entry in the dispute audit trail.
type DisputeEventType string

const (
	DisputeEventCreated              DisputeEventType = "created"
	DisputeEventStatusChanged        DisputeEventType = "status_changed"
	DisputeEventFeeSettled           DisputeEventType = "fee_settled"
	DisputeEventFeeSettlementPending DisputeEventType = "fee_settlement_pending"
)

// Actor is who triggered a dispute event.
type Actor string

const (
	ActorUser     Actor = "user"
	ActorSystem   Actor = "system"
	ActorProvider Actor = "provider"
)

// DisputeEvent is an append-only audit record.
type DisputeEvent struct {
	ID         string
	DisputeID  string
	Type       DisputeEventType
	FromStatus DisputeStatus
	ToStatus   DisputeStatus
	Actor      Actor
	Note       string
	CreatedAt  time.Time
}
