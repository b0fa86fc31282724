package dispute

import (
	"time"

	"github.com/congo-pay/cardledger/internal/domain"
	"github.com/congo-pay/cardledger/internal/fees"
)

type CreateRequest struct {
	Evidence string `json:"evidence"`
}

// WebhookRequest is the provider's status callback for a dispute.
type WebhookRequest struct {
	DisputeID string               `json:"dispute_id"`
	Status    domain.DisputeStatus `json:"status"`
	Note      string               `json:"note"`
}

type CancelRequest struct {
	Note string `json:"note"`
}

type EligibilityResponse struct {
	TransactionID string   `json:"transaction_id"`
	Eligible      bool     `json:"eligible"`
	Reasons       []string `json:"reasons"`
	Fee           string   `json:"fee"`
}

type DisputeResponse struct {
	ID                   string               `json:"id"`
	TransactionID        string               `json:"transaction_id"`
	CardID               string               `json:"card_id"`
	Status               domain.DisputeStatus `json:"status"`
	ProviderRef          string               `json:"provider_ref,omitempty"`
	Fee                  string               `json:"fee"`
	FeeTransactionID     string               `json:"fee_transaction_id,omitempty"`
	FeeSettlementPending bool                 `json:"fee_settlement_pending"`
	ResolvedAt           *time.Time           `json:"resolved_at,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
}

type EventResponse struct {
	Type       domain.DisputeEventType `json:"type"`
	FromStatus domain.DisputeStatus    `json:"from_status,omitempty"`
	ToStatus   domain.DisputeStatus    `json:"to_status,omitempty"`
	Actor      domain.Actor            `json:"actor"`
	Note       string                  `json:"note,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
}

func toEligibilityResponse(txID string, e Eligibility) EligibilityResponse {
	reasons := e.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	return EligibilityResponse{
		TransactionID: txID,
		Eligible:      e.Eligible,
		Reasons:       reasons,
		Fee:           fees.ToMajor(e.Fee).StringFixed(2),
	}
}

func toDisputeResponse(d domain.Dispute) DisputeResponse {
	return DisputeResponse{
		ID:                   d.ID,
		TransactionID:        d.TransactionID,
		CardID:               d.CardID,
		Status:               d.Status,
		ProviderRef:          d.ProviderRef,
		Fee:                  fees.ToMajor(d.FeeAmount).StringFixed(2),
		FeeTransactionID:     d.FeeTransactionID,
		FeeSettlementPending: d.FeeSettlementPending,
		ResolvedAt:           d.ResolvedAt,
		CreatedAt:            d.CreatedAt,
	}
}

func toEventResponses(events []domain.DisputeEvent) []EventResponse {
	out := make([]EventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, EventResponse{
			Type:       ev.Type,
			FromStatus: ev.FromStatus,
			ToStatus:   ev.ToStatus,
			Actor:      ev.Actor,
			Note:       ev.Note,
			CreatedAt:  ev.CreatedAt,
		})
	}
	return out
}
