package reconcile

import (
	"context"
	"errors"
	"fmt"

	"tipbot/pkg/chat"
	"tipbot/pkg/errutil"
	"tipbot/pkg/lock"
	"tipbot/pkg/rediskey"
	"tipbot/pkg/settlement"
	"tipbot/services/pending"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ConfirmationEvent is a user's response to a confirmation prompt.
type ConfirmationEvent struct {
	ActionID  string         `json:"action_id" binding:"required"`
	Selection chat.Selection `json:"selection" binding:"required,oneof=confirm cancel"`
	UserID    string         `json:"user_id" binding:"required"`
}

// Reply is what the responding user is told.
type Reply struct {
	Result  Result `json:"result"`
	Message string `json:"message"`
}

// HandleConfirmation applies a confirm or cancel selection. Only the
// initiator may respond, and a confirm issues at most one settlement request.
func (e *Engine) HandleConfirmation(ctx context.Context, ev ConfirmationEvent) (reply Reply, err error) {
	ctx, span := e.tracer.Start(ctx, "reconcile.HandleConfirmation")
	defer span.End()
	defer guard(ctx, eventConfirmation, &err)

	span.SetAttributes(
		attribute.String("action_id", ev.ActionID),
		attribute.String("selection", string(ev.Selection)),
	)

	zapLog := zap.L().With(traceFields(ctx)...).With(
		zap.String("action_id", ev.ActionID),
		zap.String("selection", string(ev.Selection)),
		zap.String("user_id", ev.UserID),
	)

	if ev.Selection != chat.SelectionConfirm && ev.Selection != chat.SelectionCancel {
		return Reply{}, errutil.BadRequest(fmt.Sprintf("unknown selection %q", ev.Selection), nil)
	}

	defer func() {
		if err == nil {
			observe(eventConfirmation, reply.Result)
		}
	}()

	a, err := e.store.Get(ctx, ev.ActionID)
	if errors.Is(err, pending.ErrNotFound) {
		zapLog.Info("confirmation for unknown action")
		return Reply{Result: ResultUnknown, Message: "This request has expired or was cancelled."}, nil
	}
	if err != nil {
		return Reply{}, err
	}

	if a.Initiator != ev.UserID {
		zapLog.Warn("confirmation from non-initiator", zap.String("initiator", a.Initiator))
		return Reply{Result: ResultForbidden, Message: "Only the sender can respond to this request."}, nil
	}
	if a.Status != pending.StatusPending {
		return Reply{Result: ResultDuplicate, Message: "This request was already handled."}, nil
	}

	release, err := e.locker.Acquire(ctx, rediskey.BuildActionLockKey(a.ID), e.settings.LockTTL)
	if errors.Is(err, lock.ErrLocked) {
		zapLog.Info("confirmation already being handled")
		return Reply{Result: ResultInProgress, Message: "Your previous response is still being processed."}, nil
	}
	if err != nil {
		zapLog.Error("failed to acquire action lock", zap.Error(err))
		return Reply{}, err
	}
	defer release()

	if ev.Selection == chat.SelectionCancel {
		return e.cancel(ctx, a.ID)
	}
	return e.confirm(ctx, a.ID)
}

func (e *Engine) cancel(ctx context.Context, id string) (Reply, error) {
	zapLog := zap.L().With(traceFields(ctx)...).With(zap.String("action_id", id))

	a, err := e.store.Cancel(ctx, id)
	switch {
	case errors.Is(err, pending.ErrNotFound):
		return Reply{Result: ResultUnknown, Message: "This request has expired or was cancelled."}, nil
	case errors.Is(err, pending.ErrSettlementInFlight):
		zapLog.Info("cancel rejected, settlement already requested")
		return Reply{Result: ResultAlreadyConfirmed, Message: "This payment was already confirmed and can no longer be cancelled."}, nil
	case errors.Is(err, pending.ErrAlreadyHandled):
		return Reply{Result: ResultDuplicate, Message: "This request was already handled."}, nil
	case err != nil:
		zapLog.Error("failed to cancel pending action", zap.Error(err))
		return Reply{}, err
	}

	e.cleanup(ctx, id, a.PromptRef)
	e.notify(ctx, chat.Notice{
		Scope:     a.Scope,
		UserID:    a.Initiator,
		Text:      "Cancelled. No funds were moved.",
		Ephemeral: true,
	})

	zapLog.Info("pending action cancelled")
	return Reply{Result: ResultCancelled, Message: "Cancelled."}, nil
}

func (e *Engine) confirm(ctx context.Context, id string) (Reply, error) {
	zapLog := zap.L().With(traceFields(ctx)...).With(zap.String("action_id", id))

	a, err := e.store.MarkConfirmed(ctx, id)
	switch {
	case errors.Is(err, pending.ErrNotFound):
		return Reply{Result: ResultUnknown, Message: "This request has expired or was cancelled."}, nil
	case errors.Is(err, pending.ErrAlreadyConfirmed):
		zapLog.Info("duplicate confirm ignored")
		return Reply{Result: ResultAlreadyConfirmed, Message: "Already confirmed. The payment is in progress."}, nil
	case errors.Is(err, pending.ErrAlreadyHandled):
		return Reply{Result: ResultDuplicate, Message: "This request was already handled."}, nil
	case err != nil:
		zapLog.Error("failed to confirm pending action", zap.Error(err))
		return Reply{}, err
	}

	// The prompt goes before the settlement request so a re-rendered stale
	// prompt has nothing left to click.
	e.cleanup(ctx, id, a.PromptRef)

	body := a.Body()
	memo := body.Description
	if memo == "" {
		memo = string(a.Kind)
	}
	uiRef, err := e.settlement.RequestSettlement(ctx, settlement.Request{
		Reference:   settlement.Ref{ActionID: a.ID}.String(),
		Payer:       a.Initiator,
		Destination: body.Destination,
		Amount:      body.AmountNative,
		Memo:        memo,
	})
	if err != nil {
		zapLog.Error("settlement request failed", zap.Error(err))
		if _, _, ferr := e.markFailed(ctx, id); ferr != nil {
			zapLog.Error("failed to mark action failed", zap.Error(ferr))
			return Reply{}, ferr
		}
		e.notify(ctx, chat.Notice{
			Scope:     a.Scope,
			UserID:    a.Initiator,
			Text:      "Could not start the payment. No funds were moved.",
			Ephemeral: true,
		})
		return Reply{Result: ResultFailed, Message: "Could not start the payment. No funds were moved."}, nil
	}

	if err := e.store.SetSettlementRefs(ctx, id, []string{uiRef}); err != nil {
		// A fast callback may already have closed the action; the ref is
		// only needed for cleanup.
		zapLog.Warn("failed to record settlement ref", zap.String("ref", uiRef), zap.Error(err))
	}

	zapLog.Info("settlement requested", zap.String("ref", uiRef), zap.String("amount_native", body.AmountNative.String()))
	return Reply{Result: ResultConfirmed, Message: "Confirmed. Approve the payment to complete it."}, nil
}
