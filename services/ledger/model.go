package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// GenesisHash is the previous hash of the first entry in every scope.
const GenesisHash = "GENESIS"

// UserStats holds a user's running totals within one scope. Every counter
// only grows.
type UserStats struct {
	ID                     string    `gorm:"column:id;primaryKey;size:32" json:"-"`
	Scope                  string    `gorm:"column:scope;size:191;not null;uniqueIndex:idx_user_stats_scope_user" json:"scope"`
	UserID                 string    `gorm:"column:user_id;size:191;not null;uniqueIndex:idx_user_stats_scope_user" json:"user_id"`
	AmountSentCents        int64     `gorm:"column:amount_sent_cents;not null;default:0" json:"amount_sent_cents"`
	AmountReceivedCents    int64     `gorm:"column:amount_received_cents;not null;default:0" json:"amount_received_cents"`
	TipsSent               int64     `gorm:"column:tips_sent;not null;default:0" json:"tips_sent"`
	TipsReceived           int64     `gorm:"column:tips_received;not null;default:0" json:"tips_received"`
	Donations              int64     `gorm:"column:donations;not null;default:0" json:"donations"`
	AmountDonatedCents     int64     `gorm:"column:amount_donated_cents;not null;default:0" json:"amount_donated_cents"`
	Contributions          int64     `gorm:"column:contributions;not null;default:0" json:"contributions"`
	AmountContributedCents int64     `gorm:"column:amount_contributed_cents;not null;default:0" json:"amount_contributed_cents"`
	CreatedAt              time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt              time.Time `gorm:"column:updated_at" json:"updated_at"`
}

type ScopeStats struct {
	Scope                 string    `gorm:"column:scope;primaryKey;size:191" json:"scope"`
	TotalTippedCents      int64     `gorm:"column:total_tipped_cents;not null;default:0" json:"total_tipped_cents"`
	Tips                  int64     `gorm:"column:tips;not null;default:0" json:"tips"`
	TotalDonatedCents     int64     `gorm:"column:total_donated_cents;not null;default:0" json:"total_donated_cents"`
	Donations             int64     `gorm:"column:donations;not null;default:0" json:"donations"`
	TotalContributedCents int64     `gorm:"column:total_contributed_cents;not null;default:0" json:"total_contributed_cents"`
	Contributions         int64     `gorm:"column:contributions;not null;default:0" json:"contributions"`
	GoalsReached          int64     `gorm:"column:goals_reached;not null;default:0" json:"goals_reached"`
	CreatedAt             time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt             time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// LedgerEntry is the journal row written for every processed action. Entries
// are chained per scope by Seq and PreviousHash.
type LedgerEntry struct {
	ID           string    `gorm:"column:id;primaryKey;size:32" json:"id"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at" json:"-"`
	Scope        string    `gorm:"column:scope;size:191;not null;uniqueIndex:idx_ledger_scope_seq" json:"scope"`
	Seq          int64     `gorm:"column:seq;not null;uniqueIndex:idx_ledger_scope_seq" json:"seq"`
	ActionID     string    `gorm:"column:action_id;size:191;not null;uniqueIndex" json:"action_id"`
	Kind         string    `gorm:"column:kind;size:32;not null" json:"kind"`
	FromUser     string    `gorm:"column:from_user;size:191" json:"from_user"`
	AmountCents  int64     `gorm:"column:amount_cents;not null" json:"amount_cents"`
	AmountNative string    `gorm:"column:amount_native;size:64" json:"amount_native"`
	TxHash       string    `gorm:"column:tx_hash;size:191" json:"tx_hash"`
	Description  string    `gorm:"column:description" json:"description"`
	PreviousHash string    `gorm:"column:previous_hash;size:64" json:"previous_hash"`
	Hash         string    `gorm:"column:hash;size:64" json:"hash"`
	// Metadata is kept as text so the hashed bytes survive dialects that
	// normalise JSON columns.
	Metadata string `gorm:"column:metadata;type:text" json:"metadata,omitempty"`
}

type PaymentRequest struct {
	ID             string     `gorm:"column:id;primaryKey;size:32" json:"id"`
	Code           string     `gorm:"column:code;size:32;uniqueIndex" json:"code"`
	Scope          string     `gorm:"column:scope;size:191;index;not null" json:"scope"`
	Creator        string     `gorm:"column:creator;size:191;not null" json:"creator"`
	CreatorAddress string     `gorm:"column:creator_address;size:191;not null" json:"creator_address"`
	Description    string     `gorm:"column:description" json:"description"`
	GoalCents      int64      `gorm:"column:goal_cents;not null" json:"goal_cents"`
	CollectedCents int64      `gorm:"column:collected_cents;not null;default:0" json:"collected_cents"`
	IsCompleted    bool       `gorm:"column:is_completed;not null;default:false" json:"is_completed"`
	CompletedAt    *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// Contribution is an append-only record of one settled contribution.
type Contribution struct {
	ID               string    `gorm:"column:id;primaryKey;size:32" json:"id"`
	PaymentRequestID string    `gorm:"column:payment_request_id;size:32;index;not null" json:"payment_request_id"`
	ActionID         string    `gorm:"column:action_id;size:191;uniqueIndex;not null" json:"action_id"`
	Scope            string    `gorm:"column:scope;size:191;not null" json:"scope"`
	Contributor      string    `gorm:"column:contributor;size:191;not null" json:"contributor"`
	AmountCents      int64     `gorm:"column:amount_cents;not null" json:"amount_cents"`
	AmountNative     string    `gorm:"column:amount_native;size:64" json:"amount_native"`
	TxHash           string    `gorm:"column:tx_hash;size:191" json:"tx_hash"`
	CreatedAt        time.Time `gorm:"column:created_at;index" json:"created_at"`
}

// Models lists every table owned by this package, for migrations.
func Models() []any {
	return []any{&UserStats{}, &ScopeStats{}, &LedgerEntry{}, &PaymentRequest{}, &Contribution{}}
}

func (m *LedgerEntry) HashFields() map[string]string {
	return map[string]string{
		"id":            m.ID,
		"scope":         m.Scope,
		"seq":           fmt.Sprintf("%d", m.Seq),
		"action_id":     m.ActionID,
		"kind":          m.Kind,
		"from_user":     m.FromUser,
		"amount_cents":  fmt.Sprintf("%d", m.AmountCents),
		"amount_native": m.AmountNative,
		"tx_hash":       m.TxHash,
		"description":   m.Description,
		"created_at":    m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": m.PreviousHash,
		"metadata":      m.Metadata,
	}
}

func (l *LedgerEntry) GenerateHash() string {
	fields := l.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	joined := strings.Join(parts, "|")
	hash := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(hash[:])
}
