package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tipbot/pkg/db/option"
	"tipbot/pkg/gen"
	"tipbot/pkg/repository"
	"tipbot/pkg/sequence"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type EffectKind string

const (
	EffectTip          EffectKind = "tip"
	EffectSplitTip     EffectKind = "split-tip"
	EffectDonation     EffectKind = "donation"
	EffectContribution EffectKind = "contribution"
)

var (
	ErrEffectApplied          = errors.New("ledger effect already applied for action")
	ErrPaymentRequestNotFound = errors.New("payment request not found")
	ErrInvalidEffect          = errors.New("invalid ledger effect")
)

// Credit is one recipient's share of an effect.
type Credit struct {
	UserID       string `json:"user_id"`
	AmountCents  int64  `json:"amount_cents"`
	AmountNative string `json:"amount_native"`
}

// Effect describes the totals a processed action adds.
type Effect struct {
	ActionID         string
	Kind             EffectKind
	Scope            string
	From             string
	AmountCents      int64
	AmountNative     string
	Credits          []Credit
	PaymentRequestID string
	TxHash           string
	Description      string
}

type EffectResult struct {
	Entry          *LedgerEntry
	PaymentRequest *PaymentRequest
	// GoalReached is true only for the effect that completed the request.
	GoalReached bool
}

type Service struct {
	db   *gorm.DB
	node *gen.SnowflakeNode
	seq  sequence.Generator
	now  func() time.Time

	ledger       repository.Repository[LedgerEntry]
	users        repository.Repository[UserStats]
	scopes       repository.Repository[ScopeStats]
	requests     repository.Repository[PaymentRequest]
	contribution repository.Repository[Contribution]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *gen.SnowflakeNode
	Sequence sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		seq:  p.Sequence,
		now:  func() time.Time { return time.Now().UTC() },

		ledger:       repository.ProvideStore[LedgerEntry](p.DB),
		users:        repository.ProvideStore[UserStats](p.DB),
		scopes:       repository.ProvideStore[ScopeStats](p.DB),
		requests:     repository.ProvideStore[PaymentRequest](p.DB),
		contribution: repository.ProvideStore[Contribution](p.DB),
	}
}

func traceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// ApplyEffect adds e to the journal and the running totals. It runs inside tx
// when given, otherwise in its own transaction. Callers invoke it only from
// the processed transition, so an action's effect lands exactly once; the
// unique action_id on the journal rejects a second attempt.
func (s *Service) ApplyEffect(ctx context.Context, tx *gorm.DB, e Effect) (*EffectResult, error) {
	if err := validateEffect(e); err != nil {
		return nil, err
	}

	if tx == nil {
		var out *EffectResult
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			out, err = s.applyEffect(ctx, tx, e)
			return err
		})
		return out, err
	}
	return s.applyEffect(ctx, tx, e)
}

func validateEffect(e Effect) error {
	if e.ActionID == "" || e.Scope == "" || e.From == "" {
		return fmt.Errorf("%w: action, scope and sender are required", ErrInvalidEffect)
	}
	if e.AmountCents <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidEffect)
	}
	switch e.Kind {
	case EffectTip, EffectSplitTip:
		if len(e.Credits) == 0 {
			return fmt.Errorf("%w: %s without recipients", ErrInvalidEffect, e.Kind)
		}
		var sum int64
		for _, c := range e.Credits {
			sum += c.AmountCents
		}
		if sum != e.AmountCents {
			return fmt.Errorf("%w: credits sum to %d, want %d", ErrInvalidEffect, sum, e.AmountCents)
		}
	case EffectDonation:
	case EffectContribution:
		if e.PaymentRequestID == "" {
			return fmt.Errorf("%w: contribution without payment request", ErrInvalidEffect)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEffect, e.Kind)
	}
	return nil
}

func (s *Service) applyEffect(ctx context.Context, tx *gorm.DB, e Effect) (*EffectResult, error) {
	zapLog := zap.L().With(traceFields(ctx)...).With(
		zap.String("action_id", e.ActionID),
		zap.String("kind", string(e.Kind)),
		zap.String("scope", e.Scope),
	)

	entry, err := s.appendEntry(ctx, tx, e)
	if err != nil {
		return nil, err
	}

	result := &EffectResult{Entry: entry}

	switch e.Kind {
	case EffectTip, EffectSplitTip:
		err = s.applyTip(ctx, tx, e)
	case EffectDonation:
		err = s.applyDonation(ctx, tx, e)
	case EffectContribution:
		err = s.applyContribution(ctx, tx, e, result)
	}
	if err != nil {
		zapLog.Error("failed to apply ledger effect", zap.Error(err))
		return nil, err
	}

	zapLog.Info("ledger effect applied",
		zap.Int64("amount_cents", e.AmountCents),
		zap.Int64("seq", entry.Seq),
		zap.Bool("goal_reached", result.GoalReached),
	)
	return result, nil
}

func (s *Service) lastEntry(ctx context.Context, tx *gorm.DB, scope string) (*LedgerEntry, error) {
	return s.ledger.WithTrx(tx).FindOne(ctx, &LedgerEntry{Scope: scope},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "seq",
			OrderBy: "desc",
			Allow:   map[string]bool{"seq": true},
		}),
		option.WithLockingUpdate(),
	)
}

func (s *Service) appendEntry(ctx context.Context, tx *gorm.DB, e Effect) (*LedgerEntry, error) {
	ledgerTx := s.ledger.WithTrx(tx)

	if exist, err := ledgerTx.FindOne(ctx, &LedgerEntry{ActionID: e.ActionID}); err != nil {
		return nil, err
	} else if exist != nil {
		return nil, ErrEffectApplied
	}

	last, err := s.lastEntry(ctx, tx, e.Scope)
	if err != nil {
		return nil, err
	}

	previousHash := GenesisHash
	var seq int64 = 1
	if last != nil {
		previousHash = last.Hash
		seq = last.Seq + 1
	}

	var metadata string
	if len(e.Credits) > 0 {
		b, err := json.Marshal(map[string]any{"credits": e.Credits})
		if err != nil {
			return nil, err
		}
		metadata = string(b)
	}
	if e.PaymentRequestID != "" {
		b, err := json.Marshal(map[string]any{"payment_request_id": e.PaymentRequestID})
		if err != nil {
			return nil, err
		}
		metadata = string(b)
	}

	// Millisecond precision is what every supported dialect stores, so the
	// hash can be recomputed from the persisted row.
	now := s.now().Truncate(time.Millisecond)
	entry := &LedgerEntry{
		ID:           s.node.GenerateID().String(),
		CreatedAt:    now,
		UpdatedAt:    now,
		Scope:        e.Scope,
		Seq:          seq,
		ActionID:     e.ActionID,
		Kind:         string(e.Kind),
		FromUser:     e.From,
		AmountCents:  e.AmountCents,
		AmountNative: e.AmountNative,
		TxHash:       e.TxHash,
		Description:  e.Description,
		PreviousHash: previousHash,
		Metadata:     metadata,
	}
	entry.Hash = entry.GenerateHash()

	if err := ledgerTx.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}
	return entry, nil
}

// bumpUser adds deltas to a user's counters, creating the row on first use.
func (s *Service) bumpUser(ctx context.Context, tx *gorm.DB, scope, userID string, deltas map[string]int64) error {
	usersTx := s.users.WithTrx(tx)

	stats, err := usersTx.FindOne(ctx, &UserStats{Scope: scope, UserID: userID}, option.WithLockingUpdate())
	if err != nil {
		return err
	}

	now := s.now()
	if stats == nil {
		stats = &UserStats{
			ID:        s.node.GenerateID().String(),
			Scope:     scope,
			UserID:    userID,
			CreatedAt: now,
		}
		applyUserDeltas(stats, deltas)
		stats.UpdatedAt = now
		return usersTx.Create(ctx, stats)
	}

	updates := make(map[string]any, len(deltas)+1)
	for col, d := range deltas {
		updates[col] = gorm.Expr(col+" + ?", d)
	}
	updates["updated_at"] = now
	return usersTx.Update(ctx, stats.ID, updates)
}

func applyUserDeltas(u *UserStats, deltas map[string]int64) {
	for col, d := range deltas {
		switch col {
		case "amount_sent_cents":
			u.AmountSentCents += d
		case "amount_received_cents":
			u.AmountReceivedCents += d
		case "tips_sent":
			u.TipsSent += d
		case "tips_received":
			u.TipsReceived += d
		case "donations":
			u.Donations += d
		case "amount_donated_cents":
			u.AmountDonatedCents += d
		case "contributions":
			u.Contributions += d
		case "amount_contributed_cents":
			u.AmountContributedCents += d
		}
	}
}

func (s *Service) bumpScope(ctx context.Context, tx *gorm.DB, scope string, deltas map[string]int64) error {
	scopesTx := s.scopes.WithTrx(tx)

	stats, err := scopesTx.FindOne(ctx, &ScopeStats{Scope: scope}, option.WithLockingUpdate())
	if err != nil {
		return err
	}

	now := s.now()
	if stats == nil {
		stats = &ScopeStats{Scope: scope, CreatedAt: now, UpdatedAt: now}
		for col, d := range deltas {
			switch col {
			case "total_tipped_cents":
				stats.TotalTippedCents += d
			case "tips":
				stats.Tips += d
			case "total_donated_cents":
				stats.TotalDonatedCents += d
			case "donations":
				stats.Donations += d
			case "total_contributed_cents":
				stats.TotalContributedCents += d
			case "contributions":
				stats.Contributions += d
			case "goals_reached":
				stats.GoalsReached += d
			}
		}
		return scopesTx.Create(ctx, stats)
	}

	updates := make(map[string]any, len(deltas)+1)
	for col, d := range deltas {
		updates[col] = gorm.Expr(col+" + ?", d)
	}
	updates["updated_at"] = now
	return tx.WithContext(ctx).Model(&ScopeStats{}).Where("scope = ?", scope).Updates(updates).Error
}

func (s *Service) applyTip(ctx context.Context, tx *gorm.DB, e Effect) error {
	legs := int64(len(e.Credits))

	if err := s.bumpUser(ctx, tx, e.Scope, e.From, map[string]int64{
		"amount_sent_cents": e.AmountCents,
		"tips_sent":         legs,
	}); err != nil {
		return err
	}

	for _, c := range e.Credits {
		if err := s.bumpUser(ctx, tx, e.Scope, c.UserID, map[string]int64{
			"amount_received_cents": c.AmountCents,
			"tips_received":         1,
		}); err != nil {
			return err
		}
	}

	return s.bumpScope(ctx, tx, e.Scope, map[string]int64{
		"total_tipped_cents": e.AmountCents,
		"tips":               legs,
	})
}

func (s *Service) applyDonation(ctx context.Context, tx *gorm.DB, e Effect) error {
	if err := s.bumpUser(ctx, tx, e.Scope, e.From, map[string]int64{
		"donations":            1,
		"amount_donated_cents": e.AmountCents,
	}); err != nil {
		return err
	}

	return s.bumpScope(ctx, tx, e.Scope, map[string]int64{
		"total_donated_cents": e.AmountCents,
		"donations":           1,
	})
}

func (s *Service) applyContribution(ctx context.Context, tx *gorm.DB, e Effect, result *EffectResult) error {
	requestsTx := s.requests.WithTrx(tx)

	req, err := requestsTx.FindOne(ctx, &PaymentRequest{ID: e.PaymentRequestID, Scope: e.Scope}, option.WithLockingUpdate())
	if err != nil {
		return err
	}
	if req == nil {
		return ErrPaymentRequestNotFound
	}

	now := s.now()
	if err := s.contribution.WithTrx(tx).Create(ctx, &Contribution{
		ID:               s.node.GenerateID().String(),
		PaymentRequestID: req.ID,
		ActionID:         e.ActionID,
		Scope:            e.Scope,
		Contributor:      e.From,
		AmountCents:      e.AmountCents,
		AmountNative:     e.AmountNative,
		TxHash:           e.TxHash,
		CreatedAt:        now.Truncate(time.Millisecond),
	}); err != nil {
		return fmt.Errorf("append contribution: %w", err)
	}

	if err := requestsTx.Update(ctx, req.ID, map[string]any{
		"collected_cents": gorm.Expr("collected_cents + ?", e.AmountCents),
		"updated_at":      now,
	}); err != nil {
		return err
	}

	// The goal counts once: only the update that flips is_completed wins.
	if !req.IsCompleted && req.CollectedCents+e.AmountCents >= req.GoalCents {
		res := tx.WithContext(ctx).Model(&PaymentRequest{}).
			Where("id = ? AND is_completed = ?", req.ID, false).
			Updates(map[string]any{"is_completed": true, "completed_at": now, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		result.GoalReached = res.RowsAffected == 1
	}

	if err := s.bumpUser(ctx, tx, e.Scope, e.From, map[string]int64{
		"contributions":            1,
		"amount_contributed_cents": e.AmountCents,
	}); err != nil {
		return err
	}

	deltas := map[string]int64{
		"total_contributed_cents": e.AmountCents,
		"contributions":           1,
	}
	if result.GoalReached {
		deltas["goals_reached"] = 1
	}
	if err := s.bumpScope(ctx, tx, e.Scope, deltas); err != nil {
		return err
	}

	updated, err := requestsTx.FindOne(ctx, &PaymentRequest{ID: req.ID})
	if err != nil {
		return err
	}
	result.PaymentRequest = updated
	return nil
}
