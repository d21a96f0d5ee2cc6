package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tipbot/pkg/chat"
	"tipbot/pkg/errutil"
	"tipbot/pkg/featureflags"
	"tipbot/pkg/gen"
	"tipbot/services/ledger"
	"tipbot/services/pending"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type RecipientInput struct {
	ID      string `json:"id" binding:"required"`
	Address string `json:"address"`
}

// OpenRequest is a validated intent from the command layer.
type OpenRequest struct {
	// IntentID makes Open idempotent. A random one is used when empty.
	IntentID         string           `json:"intent_id"`
	Kind             pending.Kind     `json:"kind" binding:"required"`
	Scope            string           `json:"scope" binding:"required"`
	Initiator        string           `json:"initiator" binding:"required"`
	InitiatorAddress string           `json:"initiator_address"`
	Recipients       []RecipientInput `json:"recipients"`
	AmountUSD        decimal.Decimal  `json:"amount_usd"`
	Description      string           `json:"description"`
	PaymentRequestID string           `json:"payment_request_id"`
}

// Open persists a pending action and asks the initiator to confirm it.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (action *pending.PendingAction, err error) {
	ctx, span := e.tracer.Start(ctx, "reconcile.Open")
	defer span.End()
	defer guard(ctx, eventOpen, &err)

	if req.IntentID == "" {
		req.IntentID = gen.IntentID()
	}

	zapLog := zap.L().With(traceFields(ctx)...).With(
		zap.String("kind", string(req.Kind)),
		zap.String("scope", req.Scope),
		zap.String("initiator", req.Initiator),
		zap.String("intent_id", req.IntentID),
	)

	body, destination, err := e.buildPayload(ctx, req)
	if err != nil {
		zapLog.Info("open rejected", zap.Error(err))
		observe(eventOpen, ResultRejected)
		return nil, err
	}
	body.Destination = destination

	a := &pending.PendingAction{
		ID:        pending.ActionID(req.Kind, req.IntentID),
		Kind:      req.Kind,
		Scope:     req.Scope,
		Initiator: req.Initiator,
	}
	a.SetBody(body)
	span.SetAttributes(attribute.String("action_id", a.ID))

	res, err := e.store.Open(ctx, a)
	switch {
	case errors.Is(err, pending.ErrInvalidID):
		return nil, errutil.BadRequest("intent id must not contain ':'", err)
	case errors.Is(err, pending.ErrActionClosed):
		return nil, errutil.Conflict("This action was already settled.", err)
	case errors.Is(err, pending.ErrSettlementInFlight):
		return nil, errutil.Conflict("A payment for this action is already in progress.", err)
	case err != nil:
		zapLog.Error("failed to open pending action", zap.Error(err))
		return nil, err
	}

	prompt := chat.NewConfirmationPrompt(a.Scope, a.ID, a.Initiator, e.describe(a))
	ref, err := e.chat.PostPrompt(ctx, prompt)
	if err != nil {
		zapLog.Error("failed to post confirmation prompt", zap.String("action_id", a.ID), zap.Error(err))
		if _, cerr := e.store.Cancel(ctx, a.ID); cerr != nil {
			zapLog.Warn("failed to drop unprompted pending action", zap.String("action_id", a.ID), zap.Error(cerr))
		}
		e.cleanup(ctx, a.ID, res.PreviousPromptRef)
		return nil, errutil.BadGateway("Could not post the confirmation prompt. Please try again.", err)
	}

	e.cleanup(ctx, a.ID, res.PreviousPromptRef)

	if err := e.store.SetPromptRef(ctx, a.ID, ref); err != nil {
		zapLog.Error("failed to store prompt ref", zap.String("action_id", a.ID), zap.Error(err))
		e.cleanup(ctx, a.ID, ref)
		return nil, fmt.Errorf("store prompt ref: %w", err)
	}
	a.PromptRef = ref
	a.Version++

	zapLog.Info("pending action opened",
		zap.String("action_id", a.ID),
		zap.Bool("created", res.Created),
		zap.String("amount_usd", body.AmountUSD.String()),
		zap.String("amount_native", body.AmountNative.String()),
	)
	observe(eventOpen, ResultOpened)
	return a, nil
}

// buildPayload validates req and prices it. It returns the settlement
// destination of the confirmation step.
func (e *Engine) buildPayload(ctx context.Context, req OpenRequest) (pending.Payload, string, error) {
	var body pending.Payload

	if !req.Kind.Valid() {
		return body, "", errutil.BadRequest(fmt.Sprintf("unknown action kind %q", req.Kind), nil)
	}
	if strings.TrimSpace(req.Scope) == "" || strings.TrimSpace(req.Initiator) == "" {
		return body, "", errutil.BadRequest("scope and initiator are required", nil)
	}
	if !req.AmountUSD.IsPositive() {
		return body, "", errutil.ValidationFailed("Amount must be greater than zero.", nil,
			errutil.WithDetails(errutil.Detail{Field: "amount_usd", Message: "must be > 0"}))
	}
	if !req.AmountUSD.Equal(req.AmountUSD.Round(2)) {
		return body, "", errutil.ValidationFailed("Amount can have at most two decimal places.", nil,
			errutil.WithDetails(errutil.Detail{Field: "amount_usd", Message: "at most 2 decimals"}))
	}

	body.AmountUSD = req.AmountUSD
	body.Description = req.Description
	body.InitiatorAddress = req.InitiatorAddress

	var destination string
	switch req.Kind {
	case pending.KindTip:
		if len(req.Recipients) != 1 {
			return body, "", errutil.ValidationFailed("A tip needs exactly one recipient.", nil)
		}
		r := req.Recipients[0]
		if err := validateRecipient(req.Initiator, r); err != nil {
			return body, "", err
		}
		native, rate := e.rates.Convert(ctx, req.AmountUSD)
		body.AmountNative, body.Rate = native, rate
		body.Recipients = []pending.Recipient{{
			ID:           r.ID,
			Address:      r.Address,
			AmountUSD:    req.AmountUSD,
			AmountNative: native,
		}}
		destination = r.Address

	case pending.KindSplitTip:
		if err := e.validateSplit(ctx, req); err != nil {
			return body, "", err
		}
		_, rate := e.rates.Convert(ctx, req.AmountUSD)
		body.Rate = rate
		body.Recipients = splitEvenly(req.AmountUSD, rate, req.Recipients)
		for _, r := range body.Recipients {
			body.AmountNative = body.AmountNative.Add(r.AmountNative)
		}
		destination = e.settings.EscrowAddress

	case pending.KindDonation:
		if e.settings.Treasury == "" {
			return body, "", errutil.Internal("Donations are not configured.", nil)
		}
		body.AmountNative, body.Rate = e.rates.Convert(ctx, req.AmountUSD)
		destination = e.settings.Treasury

	case pending.KindContribution:
		pr, err := e.ledger.GetPaymentRequest(ctx, req.PaymentRequestID)
		if errors.Is(err, ledger.ErrPaymentRequestNotFound) {
			return body, "", errutil.NotFound("Payment request not found.", err)
		}
		if err != nil {
			return body, "", err
		}
		if pr.Scope != req.Scope {
			return body, "", errutil.NotFound("Payment request not found.", nil)
		}
		if pr.IsCompleted {
			return body, "", errutil.UnprocessableEntity("This payment request is already completed.", nil)
		}
		if pr.Creator == req.Initiator {
			return body, "", errutil.ValidationFailed("You cannot contribute to your own payment request.", nil)
		}
		body.AmountNative, body.Rate = e.rates.Convert(ctx, req.AmountUSD)
		body.PaymentRequestID = pr.ID
		destination = pr.CreatorAddress
	}

	if destination == "" {
		return body, "", errutil.ValidationFailed("Recipient has no payout address.", nil)
	}
	return body, destination, nil
}

func validateRecipient(initiator string, r RecipientInput) error {
	if r.ID == "" {
		return errutil.ValidationFailed("Recipient is required.", nil)
	}
	if r.ID == initiator {
		return errutil.ValidationFailed("You cannot tip yourself.", nil)
	}
	if strings.TrimSpace(r.Address) == "" {
		return errutil.ValidationFailed(fmt.Sprintf("<@%s> has no payout address.", r.ID), nil)
	}
	return nil
}

func (e *Engine) validateSplit(ctx context.Context, req OpenRequest) error {
	if !e.flags.Enabled(ctx, req.Scope, featureflags.SplitTips, true) {
		return errutil.Forbidden("Split tips are disabled here.", nil)
	}
	if len(req.Recipients) < 2 {
		return errutil.ValidationFailed("A split tip needs at least two recipients.", nil)
	}
	if strings.TrimSpace(req.InitiatorAddress) == "" {
		return errutil.ValidationFailed("A refund address is required for split tips.", nil)
	}
	if e.settings.EscrowAddress == "" {
		return errutil.Internal("Split tips are not configured.", nil)
	}

	seen := make(map[string]struct{}, len(req.Recipients))
	for _, r := range req.Recipients {
		if err := validateRecipient(req.Initiator, r); err != nil {
			return err
		}
		if _, dup := seen[r.ID]; dup {
			return errutil.ValidationFailed(fmt.Sprintf("<@%s> is listed more than once.", r.ID), nil)
		}
		seen[r.ID] = struct{}{}
	}

	if cents(req.AmountUSD) < int64(len(req.Recipients)) {
		return errutil.ValidationFailed("Amount is too small to split.", nil)
	}
	return nil
}

// splitEvenly divides total into equal cent shares. Leftover cents go to the
// first recipients.
func splitEvenly(total, rate decimal.Decimal, recipients []RecipientInput) []pending.Recipient {
	n := int64(len(recipients))
	share := cents(total) / n
	rest := cents(total) % n

	out := make([]pending.Recipient, 0, n)
	for i, r := range recipients {
		c := share
		if int64(i) < rest {
			c++
		}
		usd := decimal.New(c, -2)
		out = append(out, pending.Recipient{
			ID:           r.ID,
			Address:      r.Address,
			AmountUSD:    usd,
			AmountNative: usd.Div(rate).Round(8),
		})
	}
	return out
}

func (e *Engine) describe(a *pending.PendingAction) string {
	body := a.Body()
	amount := fmt.Sprintf("%s (%s %s)", formatUSD(body.AmountUSD), body.AmountNative.String(), e.settings.Currency)

	switch a.Kind {
	case pending.KindTip:
		return fmt.Sprintf("Send %s to <@%s>?", amount, body.Recipients[0].ID)
	case pending.KindSplitTip:
		names := make([]string, 0, len(body.Recipients))
		for _, r := range body.Recipients {
			names = append(names, "<@"+r.ID+">")
		}
		return fmt.Sprintf("Split %s between %s?", amount, strings.Join(names, ", "))
	case pending.KindDonation:
		return fmt.Sprintf("Donate %s to the treasury?", amount)
	case pending.KindContribution:
		return fmt.Sprintf("Contribute %s to payment request %s?", amount, body.PaymentRequestID)
	}
	return fmt.Sprintf("Confirm %s?", amount)
}
