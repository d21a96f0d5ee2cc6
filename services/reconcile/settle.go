package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tipbot/pkg/chat"
	"tipbot/pkg/settlement"
	"tipbot/services/ledger"
	"tipbot/services/pending"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// HandleSettlement applies a settlement outcome. Callbacks for unknown or
// closed actions are discarded with a nil error; a returned error means the
// event should be retried.
func (e *Engine) HandleSettlement(ctx context.Context, cb settlement.Callback) (result Result, err error) {
	// Settlement calls and the writes recording them outlive the caller.
	ctx = context.WithoutCancel(ctx)
	ctx, span := e.tracer.Start(ctx, "reconcile.HandleSettlement")
	defer span.End()
	defer guard(ctx, eventSettlement, &err)
	defer func() {
		if err == nil {
			observe(eventSettlement, result)
		}
	}()

	span.SetAttributes(
		attribute.String("ref", cb.Ref),
		attribute.String("outcome", string(cb.Outcome)),
	)

	zapLog := zap.L().With(traceFields(ctx)...).With(
		zap.String("ref", cb.Ref),
		zap.String("outcome", string(cb.Outcome)),
		zap.String("tx_hash", cb.TxHash),
	)

	ref, err := settlement.ParseRef(cb.Ref)
	if err != nil {
		zapLog.Warn("discarding callback with malformed ref")
		return ResultUnknown, nil
	}

	a, err := e.store.Get(ctx, ref.ActionID)
	if errors.Is(err, pending.ErrNotFound) {
		zapLog.Info("discarding callback for unknown action")
		return ResultUnknown, nil
	}
	if err != nil {
		return "", err
	}
	if a.Status != pending.StatusPending {
		zapLog.Info("discarding duplicate callback", zap.String("status", string(a.Status)))
		return ResultDuplicate, nil
	}

	if cb.Outcome == settlement.OutcomeFailure {
		return e.settleFailure(ctx, a, ref)
	}
	if cb.Outcome != settlement.OutcomeSuccess {
		zapLog.Warn("discarding callback with unknown outcome")
		return ResultUnknown, nil
	}

	if a.Kind != pending.KindSplitTip {
		if ref.HasRecipient() {
			zapLog.Warn("discarding recipient callback for single-party action")
			return ResultUnknown, nil
		}
		return e.settleSingle(ctx, a.ID, cb)
	}

	if !ref.HasRecipient() {
		return e.settleDeposit(ctx, a.ID, cb)
	}
	return e.settleRecipient(ctx, a.ID, ref.RecipientID)
}

// finalize moves the action to processed and applies its ledger effect in
// one transaction. It reloads and retries when the version moved.
func (e *Engine) finalize(ctx context.Context, id string, mutate func(*pending.Payload)) (*pending.PendingAction, *ledger.EffectResult, Result, error) {
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		a, err := e.store.Get(ctx, id)
		if errors.Is(err, pending.ErrNotFound) {
			return nil, nil, ResultUnknown, nil
		}
		if err != nil {
			return nil, nil, "", err
		}
		if a.Status != pending.StatusPending {
			return a, nil, ResultDuplicate, nil
		}

		body := a.Body()
		if mutate != nil {
			mutate(&body)
		}
		a.SetBody(body)

		var effect *ledger.EffectResult
		err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := e.store.WithTrx(tx).Transition(ctx, a, pending.StatusProcessed); err != nil {
				return err
			}
			var err error
			effect, err = e.ledger.ApplyEffect(ctx, tx, effectOf(a, body))
			return err
		})
		switch {
		case errors.Is(err, pending.ErrConflict):
			continue
		case errors.Is(err, pending.ErrAlreadyHandled), errors.Is(err, ledger.ErrEffectApplied):
			return a, nil, ResultDuplicate, nil
		case err != nil:
			return nil, nil, "", fmt.Errorf("finalize %s: %w", id, err)
		}
		return a, effect, ResultProcessed, nil
	}
	return nil, nil, "", pending.ErrConflict
}

func effectOf(a *pending.PendingAction, body pending.Payload) ledger.Effect {
	eff := ledger.Effect{
		ActionID:     a.ID,
		Scope:        a.Scope,
		From:         a.Initiator,
		AmountCents:  cents(body.AmountUSD),
		AmountNative: body.AmountNative.String(),
		TxHash:       body.TxHash,
		Description:  body.Description,
	}

	switch a.Kind {
	case pending.KindTip:
		eff.Kind = ledger.EffectTip
	case pending.KindSplitTip:
		eff.Kind = ledger.EffectSplitTip
		eff.TxHash = body.DistributionTxHash
	case pending.KindDonation:
		eff.Kind = ledger.EffectDonation
	case pending.KindContribution:
		eff.Kind = ledger.EffectContribution
		eff.PaymentRequestID = body.PaymentRequestID
	}

	for _, r := range body.Recipients {
		eff.Credits = append(eff.Credits, ledger.Credit{
			UserID:       r.ID,
			AmountCents:  cents(r.AmountUSD),
			AmountNative: r.AmountNative.String(),
		})
	}
	return eff
}

func (e *Engine) settleSingle(ctx context.Context, id string, cb settlement.Callback) (Result, error) {
	zapLog := zap.L().With(traceFields(ctx)...).With(zap.String("action_id", id))

	a, effect, result, err := e.finalize(ctx, id, func(p *pending.Payload) {
		p.TxHash = cb.TxHash
	})
	if err != nil {
		zapLog.Error("failed to finalize action", zap.Error(err))
		return "", err
	}
	if result != ResultProcessed {
		zapLog.Info("settlement already applied", zap.String("result", string(result)))
		return result, nil
	}

	e.cleanup(ctx, id, a.SettlementRefs...)
	e.announce(ctx, a, effect)

	zapLog.Info("action processed", zap.Int64("seq", effect.Entry.Seq))
	return ResultProcessed, nil
}

func (e *Engine) settleDeposit(ctx context.Context, id string, cb settlement.Callback) (Result, error) {
	zapLog := zap.L().With(traceFields(ctx)...).With(zap.String("action_id", id))

	depositHash := cb.TxHash
	if depositHash == "" {
		depositHash = "unreported"
	}

	a, written, err := e.mutatePending(ctx, id, func(p *pending.Payload) bool {
		if p.DepositTxHash != "" {
			return false
		}
		p.DepositTxHash = depositHash
		return true
	})
	switch {
	case errors.Is(err, pending.ErrNotFound):
		return ResultUnknown, nil
	case errors.Is(err, pending.ErrAlreadyHandled):
		return ResultDuplicate, nil
	case err != nil:
		zapLog.Error("failed to record deposit", zap.Error(err))
		return "", err
	}
	if !written && a.Body().DistributionTxHash != "" {
		zapLog.Info("discarding duplicate deposit callback")
		return ResultDuplicate, nil
	}
	if !written {
		zapLog.Warn("deposit recorded without a distribution, resuming batch")
	}

	return e.distribute(ctx, id)
}

// distribute pays a deposited split out of escrow. The batch reference is
// recorded before the call so a redelivered deposit repeats the same batch.
func (e *Engine) distribute(ctx context.Context, id string) (Result, error) {
	zapLog := zap.L().With(traceFields(ctx)...).With(zap.String("action_id", id))

	a, _, err := e.mutatePending(ctx, id, func(p *pending.Payload) bool {
		if p.DistributionRef != "" {
			return false
		}
		p.DistributionRef = batchRef(id)
		return true
	})
	switch {
	case errors.Is(err, pending.ErrNotFound):
		return ResultUnknown, nil
	case errors.Is(err, pending.ErrAlreadyHandled):
		return ResultDuplicate, nil
	case err != nil:
		zapLog.Error("failed to record distribution ref", zap.Error(err))
		return "", err
	}

	body := a.Body()
	transfers := make([]settlement.Transfer, 0, len(body.Recipients))
	for _, r := range body.Recipients {
		transfers = append(transfers, settlement.Transfer{
			Reference:   settlement.Ref{ActionID: id, RecipientID: r.ID}.String(),
			Destination: r.Address,
			Amount:      r.AmountNative,
		})
	}

	txHash, err := e.settlement.ExecuteBatchTransfer(ctx, body.DistributionRef, transfers)
	if err != nil {
		zapLog.Error("batch distribution failed, refunding depositor",
			zap.String("distribution_ref", body.DistributionRef),
			zap.Error(err),
		)
		closed, ok, ferr := e.markFailed(ctx, id)
		if ferr != nil {
			return "", ferr
		}
		if !ok {
			return ResultDuplicate, nil
		}
		e.cleanup(ctx, id, closed.SettlementRefs...)
		e.refund(ctx, closed, body.AmountNative, body.AmountUSD, "The split could not be distributed.")
		return ResultFailed, nil
	}

	_, _, err = e.mutatePending(ctx, id, func(p *pending.Payload) bool {
		p.DistributionTxHash = txHash
		return true
	})
	if err != nil && !errors.Is(err, pending.ErrAlreadyHandled) {
		zapLog.Error("failed to record distribution tx", zap.String("distribution_tx_hash", txHash), zap.Error(err))
		return "", err
	}

	zapLog.Info("split deposit distributed", zap.String("distribution_tx_hash", txHash), zap.Int("recipients", len(transfers)))
	return ResultDepositRecorded, nil
}

func batchRef(actionID string) string {
	return actionID + "/batch"
}

func (e *Engine) settleRecipient(ctx context.Context, id, recipientID string) (Result, error) {
	zapLog := zap.L().With(traceFields(ctx)...).With(
		zap.String("action_id", id),
		zap.String("recipient_id", recipientID),
	)

	for attempt := 0; attempt < mutateAttempts; attempt++ {
		a, err := e.store.Get(ctx, id)
		if errors.Is(err, pending.ErrNotFound) {
			return ResultUnknown, nil
		}
		if err != nil {
			return "", err
		}
		if a.Status != pending.StatusPending {
			return ResultDuplicate, nil
		}

		body := a.Body()
		if _, ok := body.Recipient(recipientID); !ok {
			zapLog.Warn("discarding callback for unknown recipient")
			return ResultUnknown, nil
		}

		added := body.MarkCompleted(recipientID)
		if body.IsComplete() {
			return e.completeSplit(ctx, id, recipientID)
		}
		if !added {
			zapLog.Info("discarding duplicate recipient callback")
			return ResultDuplicate, nil
		}

		a.SetBody(body)
		err = e.store.UpdatePayload(ctx, a)
		if errors.Is(err, pending.ErrConflict) {
			continue
		}
		if errors.Is(err, pending.ErrAlreadyHandled) {
			return ResultDuplicate, nil
		}
		if err != nil {
			zapLog.Error("failed to record completion marker", zap.Error(err))
			return "", err
		}

		zapLog.Info("split recipient completed", zap.Int("completed", len(body.Completed)), zap.Int("recipients", len(body.Recipients)))
		return ResultPartial, nil
	}
	return "", pending.ErrConflict
}

func (e *Engine) completeSplit(ctx context.Context, id, recipientID string) (Result, error) {
	zapLog := zap.L().With(traceFields(ctx)...).With(zap.String("action_id", id))

	a, effect, result, err := e.finalize(ctx, id, func(p *pending.Payload) {
		p.MarkCompleted(recipientID)
	})
	if err != nil {
		zapLog.Error("failed to finalize split", zap.Error(err))
		return "", err
	}
	if result != ResultProcessed {
		return result, nil
	}

	e.cleanup(ctx, id, a.SettlementRefs...)
	e.announce(ctx, a, effect)

	zapLog.Info("split processed", zap.Int64("seq", effect.Entry.Seq))
	return ResultProcessed, nil
}

// settleFailure closes the action as failed. Escrowed split funds are
// refunded only where they provably did not leave escrow: the whole deposit
// before any distribution was requested, afterwards only the failed leg.
func (e *Engine) settleFailure(ctx context.Context, a *pending.PendingAction, ref settlement.Ref) (Result, error) {
	zapLog := zap.L().With(traceFields(ctx)...).With(
		zap.String("action_id", a.ID),
		zap.String("recipient_id", ref.RecipientID),
	)

	closed, ok, err := e.markFailed(ctx, a.ID)
	if errors.Is(err, pending.ErrNotFound) {
		return ResultUnknown, nil
	}
	if err != nil {
		zapLog.Error("failed to mark action failed", zap.Error(err))
		return "", err
	}
	if !ok {
		return ResultDuplicate, nil
	}

	e.cleanup(ctx, a.ID, closed.SettlementRefs...)

	body := closed.Body()
	switch {
	case closed.Kind != pending.KindSplitTip || body.DepositTxHash == "":
		e.notify(ctx, chat.Notice{
			Scope:     closed.Scope,
			UserID:    closed.Initiator,
			Text:      "The payment failed. No funds were moved.",
			Ephemeral: true,
		})
	case body.DistributionRef == "":
		e.refund(ctx, closed, body.AmountNative, body.AmountUSD, "The split payment failed.")
	default:
		leg, found := body.Recipient(ref.RecipientID)
		if found && !body.HasCompleted(leg.ID) {
			e.refund(ctx, closed, leg.AmountNative, leg.AmountUSD, fmt.Sprintf("The transfer to <@%s> failed.", leg.ID))
			break
		}
		zapLog.Error("split failed after distribution without a refundable leg",
			zap.String("distribution_ref", body.DistributionRef),
			zap.Strings("completed", body.Completed),
		)
		e.notify(ctx, chat.Notice{
			Scope:     closed.Scope,
			UserID:    closed.Initiator,
			Text:      "The split payment failed after distribution started. Please contact support; your funds are safe.",
			Ephemeral: true,
		})
	}

	zapLog.Info("action failed")
	return ResultFailed, nil
}

// refund returns escrowed split funds to the initiator. A failed refund is
// not retried; the user is pointed at support instead.
func (e *Engine) refund(ctx context.Context, a *pending.PendingAction, amountNative, amountUSD decimal.Decimal, reason string) {
	zapLog := zap.L().With(traceFields(ctx)...).With(zap.String("action_id", a.ID))
	body := a.Body()

	txHash, err := e.settlement.Refund(ctx, body.InitiatorAddress, amountNative)
	if err != nil {
		refundsTotal.WithLabelValues("failed").Inc()
		zapLog.Error("refund failed",
			zap.String("destination", body.InitiatorAddress),
			zap.String("amount_native", amountNative.String()),
			zap.String("deposit_tx_hash", body.DepositTxHash),
			zap.Error(err),
		)
		e.notify(ctx, chat.Notice{
			Scope:     a.Scope,
			UserID:    a.Initiator,
			Text:      reason + " The automatic refund did not go through. Please contact support; your funds are safe.",
			Ephemeral: true,
		})
		return
	}

	refundsTotal.WithLabelValues("ok").Inc()
	zapLog.Info("escrow refunded", zap.String("refund_tx_hash", txHash), zap.String("amount_native", amountNative.String()))
	e.notify(ctx, chat.Notice{
		Scope:     a.Scope,
		UserID:    a.Initiator,
		Text:      fmt.Sprintf("%s %s was refunded to you (tx %s).", reason, formatUSD(amountUSD), txHash),
		Ephemeral: true,
	})
}

// announce posts the public success message of a processed action.
func (e *Engine) announce(ctx context.Context, a *pending.PendingAction, effect *ledger.EffectResult) {
	body := a.Body()
	amount := formatUSD(body.AmountUSD)

	mentions := []string{a.Initiator}
	var text string
	switch a.Kind {
	case pending.KindTip:
		mentions = append(mentions, body.Recipients[0].ID)
		text = fmt.Sprintf("<@%s> tipped <@%s> %s!", a.Initiator, body.Recipients[0].ID, amount)
	case pending.KindSplitTip:
		names := make([]string, 0, len(body.Recipients))
		for _, r := range body.Recipients {
			mentions = append(mentions, r.ID)
			names = append(names, "<@"+r.ID+">")
		}
		text = fmt.Sprintf("<@%s> split %s between %s!", a.Initiator, amount, strings.Join(names, ", "))
	case pending.KindDonation:
		text = fmt.Sprintf("<@%s> donated %s. Thank you!", a.Initiator, amount)
	case pending.KindContribution:
		text = fmt.Sprintf("<@%s> contributed %s.", a.Initiator, amount)
		if effect != nil && effect.PaymentRequest != nil {
			pr := effect.PaymentRequest
			mentions = append(mentions, pr.Creator)
			text = fmt.Sprintf("<@%s> contributed %s to %s.", a.Initiator, amount, pr.Code)
			if effect.GoalReached {
				text += fmt.Sprintf(" Goal reached! <@%s>'s request is fully funded.", pr.Creator)
			}
		}
	}

	e.notify(ctx, chat.Notice{Scope: a.Scope, Text: text, Mentions: mentions})
}
