package reconcile

import (
	"context"
	"errors"
	"testing"

	"tipbot/pkg/chat"
	"tipbot/pkg/settlement"
	"tipbot/services/ledger"
	"tipbot/services/oracle"
	"tipbot/services/pending"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestTipSettlesOnce(t *testing.T) {
	h := newHarness(t)

	a := h.open(t, tipRequest("a1"))
	require.Equal(t, "tip-a1", a.ID)
	require.Equal(t, "prompt-1", a.PromptRef)
	require.Equal(t, "20", a.Body().AmountNative.String())

	reply := h.confirm(t, a)
	require.Equal(t, ResultConfirmed, reply.Result)

	// The prompt is removed before the settlement request goes out.
	require.Equal(t, []string{"post:prompt-1", "remove:prompt-1", "settle:tip-a1"}, h.log.snapshot())

	require.Len(t, h.settlement.requests, 1)
	require.Equal(t, "addr-bob", h.settlement.requests[0].Destination)
	require.Equal(t, "20", h.settlement.requests[0].Amount.String())

	require.Equal(t, ResultProcessed, h.settle(t, a.ID, settlement.OutcomeSuccess, "0xtip"))
	require.Equal(t, pending.StatusProcessed, h.status(t, a.ID))

	alice := h.userStats(t, "town1", "alice")
	require.Equal(t, int64(1000), alice.AmountSentCents)
	require.Equal(t, int64(1), alice.TipsSent)

	bob := h.userStats(t, "town1", "bob")
	require.Equal(t, int64(1000), bob.AmountReceivedCents)

	require.Len(t, h.chat.publicNotices(), 1)
	require.Contains(t, h.chat.removed, "settle-ui-tip-a1")
}

func TestDuplicateSettlementCallbackIsDiscarded(t *testing.T) {
	h := newHarness(t)

	a := h.open(t, tipRequest("b1"))
	h.confirm(t, a)

	require.Equal(t, ResultProcessed, h.settle(t, a.ID, settlement.OutcomeSuccess, "0xtip"))
	require.Equal(t, ResultDuplicate, h.settle(t, a.ID, settlement.OutcomeSuccess, "0xtip"))
	require.Equal(t, ResultDuplicate, h.settle(t, a.ID, settlement.OutcomeFailure, ""))

	alice := h.userStats(t, "town1", "alice")
	require.Equal(t, int64(1000), alice.AmountSentCents)
	require.Equal(t, int64(1), alice.TipsSent)
	require.Len(t, h.chat.publicNotices(), 1)
	require.Equal(t, pending.StatusProcessed, h.status(t, a.ID))
}

func TestSplitSurvivesRestartBetweenRecipients(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.open(t, splitRequest("c1"))
	body := a.Body()
	require.Len(t, body.Recipients, 3)
	require.Equal(t, "3.34", body.Recipients[0].AmountUSD.StringFixed(2))
	require.Equal(t, "3.33", body.Recipients[1].AmountUSD.StringFixed(2))
	require.Equal(t, "3.33", body.Recipients[2].AmountUSD.StringFixed(2))

	h.confirm(t, a)
	require.Equal(t, "addr-escrow", h.settlement.requests[0].Destination)

	require.Equal(t, ResultDepositRecorded, h.settle(t, a.ID, settlement.OutcomeSuccess, "0xdeposit"))
	require.Len(t, h.settlement.batches, 1)
	require.Len(t, h.settlement.batches[0], 3)
	require.Equal(t, "split-tip-c1:bob", h.settlement.batches[0][0].Reference)

	require.Equal(t, ResultPartial, h.settle(t, a.ID+":bob", settlement.OutcomeSuccess, "0xb"))
	require.Equal(t, ResultDuplicate, h.settle(t, a.ID+":bob", settlement.OutcomeSuccess, "0xb"))
	require.Equal(t, ResultPartial, h.settle(t, a.ID+":carol", settlement.OutcomeSuccess, "0xc"))

	h.restart()

	require.Equal(t, pending.StatusPending, h.status(t, a.ID))
	current, err := h.store.Get(ctx, a.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"bob", "carol"}, current.Body().Completed)
	require.Equal(t, "0xbatch", current.Body().DistributionTxHash)

	require.Zero(t, h.userStats(t, "town1", "alice").AmountSentCents)

	require.Equal(t, ResultProcessed, h.settle(t, a.ID+":dave", settlement.OutcomeSuccess, "0xd"))
	require.Equal(t, ResultDuplicate, h.settle(t, a.ID+":dave", settlement.OutcomeSuccess, "0xd"))
	require.Equal(t, pending.StatusProcessed, h.status(t, a.ID))

	alice := h.userStats(t, "town1", "alice")
	require.Equal(t, int64(1000), alice.AmountSentCents)
	require.Equal(t, int64(3), alice.TipsSent)
	require.Equal(t, int64(334), h.userStats(t, "town1", "bob").AmountReceivedCents)
	require.Equal(t, int64(333), h.userStats(t, "town1", "dave").AmountReceivedCents)

	require.Len(t, h.chat.publicNotices(), 1)
}

func TestSplitCompletesInAnyOrder(t *testing.T) {
	h := newHarness(t)

	a := h.open(t, splitRequest("c2"))
	h.confirm(t, a)
	h.settle(t, a.ID, settlement.OutcomeSuccess, "0xdeposit")

	require.Equal(t, ResultDuplicate, h.settle(t, a.ID, settlement.OutcomeSuccess, "0xdeposit"))
	require.Len(t, h.settlement.batches, 1)

	require.Equal(t, ResultPartial, h.settle(t, a.ID+":dave", settlement.OutcomeSuccess, ""))
	require.Equal(t, ResultPartial, h.settle(t, a.ID+":bob", settlement.OutcomeSuccess, ""))
	require.Equal(t, ResultUnknown, h.settle(t, a.ID+":mallory", settlement.OutcomeSuccess, ""))
	require.Equal(t, ResultProcessed, h.settle(t, a.ID+":carol", settlement.OutcomeSuccess, ""))

	scope, err := h.ledger.GetScopeStats(context.Background(), "town1")
	require.NoError(t, err)
	require.Equal(t, int64(3), scope.Tips)
	require.Equal(t, int64(1000), scope.TotalTippedCents)
}

func TestContributionReachesGoalOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pr, err := h.ledger.CreatePaymentRequest(ctx, ledger.CreatePaymentRequestInput{
		Scope:          "town1",
		Creator:        "carol",
		CreatorAddress: "addr-carol",
		GoalCents:      10000,
	})
	require.NoError(t, err)

	_, err = h.ledger.ApplyEffect(ctx, nil, ledger.Effect{
		ActionID:         "contribution-seed",
		Kind:             ledger.EffectContribution,
		Scope:            "town1",
		From:             "dave",
		AmountCents:      9500,
		PaymentRequestID: pr.ID,
	})
	require.NoError(t, err)

	a := h.open(t, OpenRequest{
		IntentID:         "d1",
		Kind:             pending.KindContribution,
		Scope:            "town1",
		Initiator:        "alice",
		AmountUSD:        decimal.NewFromInt(10),
		PaymentRequestID: pr.Code,
	})
	h.confirm(t, a)
	require.Equal(t, "addr-carol", h.settlement.requests[0].Destination)

	require.Equal(t, ResultProcessed, h.settle(t, a.ID, settlement.OutcomeSuccess, "0xc"))
	require.Equal(t, ResultDuplicate, h.settle(t, a.ID, settlement.OutcomeSuccess, "0xc"))

	got, err := h.ledger.GetPaymentRequest(ctx, pr.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10500), got.CollectedCents)
	require.True(t, got.IsCompleted)

	scope, err := h.ledger.GetScopeStats(ctx, "town1")
	require.NoError(t, err)
	require.Equal(t, int64(1), scope.GoalsReached)

	notices := h.chat.publicNotices()
	require.Len(t, notices, 1)
	require.Contains(t, notices[0].Text, "Goal reached")

	// A completed request takes no new contributions.
	_, err = h.engine.Open(ctx, OpenRequest{
		Kind:             pending.KindContribution,
		Scope:            "town1",
		Initiator:        "bob",
		AmountUSD:        decimal.NewFromInt(1),
		PaymentRequestID: pr.ID,
	})
	require.Error(t, err)
}

func TestOpenUsesFallbackRateWhenOracleIsDown(t *testing.T) {
	h := newHarness(t)
	h.rates = oracle.NewCache(oracle.FetcherFunc(func(ctx context.Context) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("oracle down")
	}))
	h.restart()

	a := h.open(t, tipRequest("e1"))
	body := a.Body()
	require.True(t, body.Rate.Equal(oracle.DefaultFallbackRate))
	require.Equal(t, "20", body.AmountNative.String())
}

func TestCancelDeletesAndLaterCallbackIsUnknown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.open(t, tipRequest("f1"))

	reply, err := h.engine.HandleConfirmation(ctx, ConfirmationEvent{
		ActionID:  a.ID,
		Selection: chat.SelectionCancel,
		UserID:    "alice",
	})
	require.NoError(t, err)
	require.Equal(t, ResultCancelled, reply.Result)

	_, err = h.store.Get(ctx, a.ID)
	require.ErrorIs(t, err, pending.ErrNotFound)
	require.Contains(t, h.chat.removed, "prompt-1")
	require.Len(t, h.chat.privateNotices(), 1)

	require.Equal(t, ResultUnknown, h.settle(t, a.ID, settlement.OutcomeSuccess, "0xlate"))
	require.Zero(t, h.userStats(t, "town1", "alice").AmountSentCents)
	require.Zero(t, h.settlement.requestCount())
}
