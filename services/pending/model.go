package pending

import (
	"slices"
	"strings"
	"time"

	"tipbot/pkg/settlement"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Kind string

const (
	KindTip          Kind = "tip"
	KindSplitTip     Kind = "split-tip"
	KindDonation     Kind = "donation"
	KindContribution Kind = "contribution"
)

func (k Kind) Valid() bool {
	switch k {
	case KindTip, KindSplitTip, KindDonation, KindContribution:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

type Recipient struct {
	ID           string          `json:"id"`
	Address      string          `json:"address"`
	AmountUSD    decimal.Decimal `json:"amount_usd"`
	AmountNative decimal.Decimal `json:"amount_native"`
}

// Payload is the kind-specific body of a pending action. Decimals encode as
// strings so the JSON column round-trips exactly.
type Payload struct {
	Recipients         []Recipient     `json:"recipients,omitempty"`
	AmountUSD          decimal.Decimal `json:"amount_usd"`
	AmountNative       decimal.Decimal `json:"amount_native"`
	Rate               decimal.Decimal `json:"rate"`
	Description        string          `json:"description,omitempty"`
	PaymentRequestID   string          `json:"payment_request_id,omitempty"`
	InitiatorAddress   string          `json:"initiator_address,omitempty"`
	Destination        string          `json:"destination,omitempty"`
	DepositTxHash      string          `json:"deposit_tx_hash,omitempty"`
	DistributionRef    string          `json:"distribution_ref,omitempty"`
	DistributionTxHash string          `json:"distribution_tx_hash,omitempty"`
	TxHash             string          `json:"tx_hash,omitempty"`
	Completed          []string        `json:"completed,omitempty"`
}

// Recipient returns the split recipient with the given id.
func (p *Payload) Recipient(id string) (Recipient, bool) {
	for _, r := range p.Recipients {
		if r.ID == id {
			return r, true
		}
	}
	return Recipient{}, false
}

// MarkCompleted records a split recipient's completion. It reports false when
// the marker was already present.
func (p *Payload) MarkCompleted(recipientID string) bool {
	if slices.Contains(p.Completed, recipientID) {
		return false
	}
	p.Completed = append(p.Completed, recipientID)
	return true
}

// HasCompleted reports whether recipientID carries a completion marker.
func (p *Payload) HasCompleted(recipientID string) bool {
	return slices.Contains(p.Completed, recipientID)
}

// IsComplete reports whether every recipient has a completion marker.
func (p *Payload) IsComplete() bool {
	if len(p.Recipients) == 0 {
		return false
	}
	for _, r := range p.Recipients {
		if !slices.Contains(p.Completed, r.ID) {
			return false
		}
	}
	return true
}

type PendingAction struct {
	ID             string                      `gorm:"column:id;primaryKey;size:191"`
	Kind           Kind                        `gorm:"column:kind;size:32;not null"`
	Scope          string                      `gorm:"column:scope;size:191;index;not null"`
	Initiator      string                      `gorm:"column:initiator;size:191;not null"`
	Payload        datatypes.JSONType[Payload] `gorm:"column:payload"`
	PromptRef      string                      `gorm:"column:prompt_ref;size:255"`
	SettlementRefs datatypes.JSONSlice[string] `gorm:"column:settlement_refs"`
	Status         Status                      `gorm:"column:status;size:16;index;not null"`
	Version        int64                       `gorm:"column:version;not null"`
	ConfirmedAt    *time.Time                  `gorm:"column:confirmed_at"`
	CreatedAt      time.Time                   `gorm:"column:created_at;index"`
	UpdatedAt      time.Time                   `gorm:"column:updated_at;index"`
}

func (PendingAction) TableName() string {
	return "pending_actions"
}

// Body returns a copy of the decoded payload.
func (a *PendingAction) Body() Payload {
	return a.Payload.Data()
}

// SetBody replaces the payload.
func (a *PendingAction) SetBody(p Payload) {
	a.Payload = datatypes.NewJSONType(p)
}

// ActionID builds "<kind>-<intentId>".
func ActionID(kind Kind, intentID string) string {
	return string(kind) + "-" + intentID
}

// ValidID reports whether id can be embedded in a settlement reference.
func ValidID(id string) bool {
	return id != "" && !strings.Contains(id, settlement.RefSeparator)
}
