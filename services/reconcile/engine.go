package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tipbot/pkg/chat"
	"tipbot/pkg/config"
	"tipbot/pkg/featureflags"
	"tipbot/pkg/lock"
	"tipbot/pkg/settlement"
	"tipbot/services/ledger"
	"tipbot/services/pending"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Result names how an event was handled.
type Result string

const (
	ResultOpened           Result = "opened"
	ResultRejected         Result = "rejected"
	ResultConfirmed        Result = "confirmed"
	ResultAlreadyConfirmed Result = "already_confirmed"
	ResultInProgress       Result = "in_progress"
	ResultCancelled        Result = "cancelled"
	ResultForbidden        Result = "forbidden"
	ResultProcessed        Result = "processed"
	ResultPartial          Result = "partial"
	ResultDepositRecorded  Result = "deposit_recorded"
	ResultFailed           Result = "failed"
	ResultDuplicate        Result = "duplicate"
	ResultUnknown          Result = "unknown"
)

// RateSource converts USD into native units.
type RateSource interface {
	Convert(ctx context.Context, usd decimal.Decimal) (native, rate decimal.Decimal)
}

// Ledger is the part of the ledger service the engine writes through.
type Ledger interface {
	ApplyEffect(ctx context.Context, tx *gorm.DB, e ledger.Effect) (*ledger.EffectResult, error)
	GetPaymentRequest(ctx context.Context, idOrCode string) (*ledger.PaymentRequest, error)
}

type Settings struct {
	EscrowAddress string
	Treasury      string
	Currency      string
	LockTTL       time.Duration
}

// Engine drives pending actions from intent to settlement.
type Engine struct {
	db         *gorm.DB
	store      pending.Store
	ledger     Ledger
	rates      RateSource
	chat       chat.Transport
	settlement settlement.Layer
	locker     lock.Locker
	flags      featureflags.FeatureFlag
	settings   Settings
	tracer     trace.Tracer
}

type Params struct {
	fx.In
	Config     *config.Config
	DB         *gorm.DB
	Store      pending.Store
	Ledger     Ledger
	Rates      RateSource
	Chat       chat.Transport
	Settlement settlement.Layer
	Locker     lock.Locker
	Flags      featureflags.FeatureFlag
}

func NewEngine(p Params) *Engine {
	return New(p.DB, p.Store, p.Ledger, p.Rates, p.Chat, p.Settlement, p.Locker, p.Flags, Settings{
		EscrowAddress: p.Config.Settlement.EscrowAddress,
		Treasury:      p.Config.Settlement.Treasury,
		Currency:      p.Config.Settlement.Currency,
		LockTTL:       p.Config.Reconcile.ConfirmLockTTL,
	})
}

func New(
	db *gorm.DB,
	store pending.Store,
	ledger Ledger,
	rates RateSource,
	transport chat.Transport,
	layer settlement.Layer,
	locker lock.Locker,
	flags featureflags.FeatureFlag,
	settings Settings,
) *Engine {
	if settings.LockTTL <= 0 {
		settings.LockTTL = 30 * time.Second
	}
	return &Engine{
		db:         db,
		store:      store,
		ledger:     ledger,
		rates:      rates,
		chat:       transport,
		settlement: layer,
		locker:     locker,
		flags:      flags,
		settings:   settings,
		tracer:     otel.Tracer("tipbot/reconcile"),
	}
}

func traceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// guard turns a panic in one event handler into an error for that event.
func guard(ctx context.Context, event string, err *error) {
	if r := recover(); r != nil {
		zap.L().With(traceFields(ctx)...).Error("panic while handling event",
			zap.String("event", event),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
		*err = fmt.Errorf("%s: panic: %v", event, r)
	}
}

// cleanup removes UI elements. Failures are cosmetic and only logged.
func (e *Engine) cleanup(ctx context.Context, actionID string, refs ...string) {
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if err := e.chat.RemoveUIElement(ctx, ref); err != nil {
			zap.L().With(traceFields(ctx)...).Warn("failed to remove ui element",
				zap.String("action_id", actionID),
				zap.String("ref", ref),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) notify(ctx context.Context, n chat.Notice) {
	if err := e.chat.PostMessage(ctx, n); err != nil {
		zap.L().With(traceFields(ctx)...).Warn("failed to post notice",
			zap.String("scope", n.Scope),
			zap.String("user_id", n.UserID),
			zap.Error(err),
		)
	}
}

const mutateAttempts = 5

// mutatePending reloads the action and applies fn until a version-guarded
// write lands. fn returns false when there is nothing to write.
func (e *Engine) mutatePending(ctx context.Context, id string, fn func(*pending.Payload) bool) (*pending.PendingAction, bool, error) {
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		a, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if a.Status != pending.StatusPending {
			return a, false, pending.ErrAlreadyHandled
		}

		body := a.Body()
		if !fn(&body) {
			return a, false, nil
		}
		a.SetBody(body)

		err = e.store.UpdatePayload(ctx, a)
		if errors.Is(err, pending.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return a, true, nil
	}
	return nil, false, pending.ErrConflict
}

// markFailed moves the action to failed. It reports false when another
// event already closed it.
func (e *Engine) markFailed(ctx context.Context, id string) (*pending.PendingAction, bool, error) {
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		a, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if a.Status != pending.StatusPending {
			return a, false, nil
		}

		err = e.store.Transition(ctx, a, pending.StatusFailed)
		if errors.Is(err, pending.ErrConflict) {
			continue
		}
		if errors.Is(err, pending.ErrAlreadyHandled) {
			return a, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return a, true, nil
	}
	return nil, false, pending.ErrConflict
}

// formatUSD renders a USD amount with two decimals.
func formatUSD(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

func cents(d decimal.Decimal) int64 {
	return d.Shift(2).IntPart()
}
