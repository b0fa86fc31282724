package dispute

import (
	"fmt"
	"strings"
	"time"

	"github.com/congo-pay/cardledger/internal/domain"
)

const (
	ReasonNotOwner        = "transaction does not belong to this user"
	ReasonNotPurchase     = "only card purchases can be disputed"
	ReasonATM             = "ATM withdrawals cannot be disputed"
	ReasonNotSuccessful   = "only successful transactions can be disputed"
	ReasonActiveDispute   = "transaction already has an active dispute"
	ReasonAlreadyAccepted = "transaction was already disputed successfully"
)

var atmMCCs = map[string]bool{"6010": true, "6011": true}

var atmPhrases = []string{"cash withdrawal", "automated teller", "cash disbursement"}

// Eligibility is the outcome of the dispute predicate. Reasons lists every
// failed rule.
type Eligibility struct {
	Eligible bool
	Reasons  []string
	Fee      int64
}

// IsATM reports whether a transaction looks like a cash machine withdrawal.
func IsATM(tx domain.Transaction) bool {
	if atmMCCs[strings.TrimSpace(tx.MCC)] {
		return true
	}
	for _, field := range []string{tx.MerchantName, tx.MerchantCategory} {
		lower := strings.ToLower(field)
		if containsWord(lower, "atm") {
			return true
		}
		for _, phrase := range atmPhrases {
			if strings.Contains(lower, phrase) {
				return true
			}
		}
	}
	return false
}

func containsWord(s, word string) bool {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	for _, f := range fields {
		if f == word {
			return true
		}
	}
	return false
}

func windowReason(window time.Duration) string {
	return fmt.Sprintf("outside the %d-day dispute window", int(window.Hours()/24))
}

// evaluate applies every rule and collects the violations.
func evaluate(userID string, tx domain.Transaction, existing []domain.Dispute, now time.Time, window time.Duration) []string {
	var reasons []string
	if tx.UserID != userID {
		reasons = append(reasons, ReasonNotOwner)
	}
	if tx.Type != domain.TxSpend {
		reasons = append(reasons, ReasonNotPurchase)
	}
	if IsATM(tx) {
		reasons = append(reasons, ReasonATM)
	}
	if tx.Status != domain.TxSuccessful {
		reasons = append(reasons, ReasonNotSuccessful)
	}
	if now.Sub(tx.CreatedAt) > window {
		reasons = append(reasons, windowReason(window))
	}

	var active, accepted bool
	for _, d := range existing {
		active = active || d.Status.Active()
		accepted = accepted || d.Status == domain.DisputeAccepted
	}
	if active {
		reasons = append(reasons, ReasonActiveDispute)
	}
	if accepted {
		reasons = append(reasons, ReasonAlreadyAccepted)
	}
	return reasons
}

func onlyDisputeConflicts(reasons []string) bool {
	for _, r := range reasons {
		if r != ReasonActiveDispute && r != ReasonAlreadyAccepted {
			return false
		}
	}
	return len(reasons) > 0
}
