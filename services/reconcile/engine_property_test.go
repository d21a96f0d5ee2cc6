package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tipbot/pkg/chat"
	"tipbot/pkg/errutil"
	"tipbot/pkg/featureflags"
	"tipbot/pkg/rediskey"
	"tipbot/pkg/settlement"
	"tipbot/services/ledger"
	"tipbot/services/pending"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestOpenIsIdempotentPerIntent(t *testing.T) {
	h := newHarness(t)

	first := h.open(t, tipRequest("same"))
	req := tipRequest("same")
	req.AmountUSD = decimal.NewFromInt(12)
	second := h.open(t, req)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "prompt-2", second.PromptRef)
	require.Contains(t, h.chat.removed, "prompt-1")

	var count int64
	require.NoError(t, h.db.Model(&pending.PendingAction{}).Count(&count).Error)
	require.Equal(t, int64(1), count)

	got, err := h.store.Get(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, "12", got.Body().AmountUSD.String())
	require.Equal(t, "prompt-2", got.PromptRef)
}

func TestOpenRejectsSettledOrInFlightAction(t *testing.T) {
	h := newHarness(t)

	a := h.open(t, tipRequest("g1"))
	h.confirm(t, a)

	_, err := h.engine.Open(context.Background(), tipRequest("g1"))
	require.True(t, errutil.HasStatus(err, errutil.StatusConflict))

	h.settle(t, a.ID, settlement.OutcomeSuccess, "0x1")

	_, err = h.engine.Open(context.Background(), tipRequest("g1"))
	require.ErrorIs(t, err, pending.ErrActionClosed)
}

func TestOpenValidation(t *testing.T) {
	h := newHarness(t)
	h.flags = featureflags.Static{"town2/" + featureflags.SplitTips: false}
	h.restart()

	selfTip := tipRequest("v1")
	selfTip.Recipients = []RecipientInput{{ID: "alice", Address: "addr-alice"}}

	noAddress := tipRequest("v2")
	noAddress.Recipients = []RecipientInput{{ID: "bob"}}

	tooPrecise := tipRequest("v3")
	tooPrecise.AmountUSD = decimal.RequireFromString("1.005")

	negative := tipRequest("v4")
	negative.AmountUSD = decimal.NewFromInt(-1)

	dupSplit := splitRequest("v5")
	dupSplit.Recipients[2] = RecipientInput{ID: "bob", Address: "addr-bob"}

	disabledSplit := splitRequest("v6")
	disabledSplit.Scope = "town2"

	missingRequest := OpenRequest{
		Kind:             pending.KindContribution,
		Scope:            "town1",
		Initiator:        "alice",
		AmountUSD:        decimal.NewFromInt(1),
		PaymentRequestID: "PRQ-000000-00000",
	}

	tests := []struct {
		name   string
		req    OpenRequest
		status errutil.CoreStatus
	}{
		{"self tip", selfTip, errutil.StatusValidationFailed},
		{"recipient without address", noAddress, errutil.StatusValidationFailed},
		{"more than two decimals", tooPrecise, errutil.StatusValidationFailed},
		{"negative amount", negative, errutil.StatusValidationFailed},
		{"duplicate split recipient", dupSplit, errutil.StatusValidationFailed},
		{"split disabled for scope", disabledSplit, errutil.StatusForbidden},
		{"unknown payment request", missingRequest, errutil.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Open(context.Background(), tt.req)
			require.Error(t, err)
			require.True(t, errutil.HasStatus(err, tt.status), "got %v", err)
		})
	}

	var count int64
	require.NoError(t, h.db.Model(&pending.PendingAction{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestOpenRejectsContributionToOwnRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pr, err := h.ledger.CreatePaymentRequest(ctx, ledger.CreatePaymentRequestInput{
		Scope: "town1", Creator: "alice", CreatorAddress: "addr-alice", GoalCents: 500,
	})
	require.NoError(t, err)

	_, err = h.engine.Open(ctx, OpenRequest{
		Kind:             pending.KindContribution,
		Scope:            "town1",
		Initiator:        "alice",
		AmountUSD:        decimal.NewFromInt(1),
		PaymentRequestID: pr.ID,
	})
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))
}

func TestOpenDropsRecordWhenPromptFails(t *testing.T) {
	h := newHarness(t)
	h.chat.postPromptFn = func(ctx context.Context, msg chat.Message) (string, error) {
		return "", errors.New("chat unavailable")
	}

	_, err := h.engine.Open(context.Background(), tipRequest("p1"))
	require.True(t, errutil.HasStatus(err, errutil.StatusBadGateway))

	_, err = h.store.Get(context.Background(), "tip-p1")
	require.ErrorIs(t, err, pending.ErrNotFound)
}

func TestOpenRecoversFromPanic(t *testing.T) {
	h := newHarness(t)
	h.chat.postPromptFn = func(ctx context.Context, msg chat.Message) (string, error) {
		panic("boom")
	}

	require.NotPanics(t, func() {
		_, err := h.engine.Open(context.Background(), tipRequest("p2"))
		require.Error(t, err)
	})
}

func TestDuplicateConfirmIssuesOneSettlement(t *testing.T) {
	h := newHarness(t)

	a := h.open(t, tipRequest("h1"))
	require.Equal(t, ResultConfirmed, h.confirm(t, a).Result)
	require.Equal(t, ResultAlreadyConfirmed, h.confirm(t, a).Result)
	require.Equal(t, 1, h.settlement.requestCount())
}

func TestConfirmWhileLockedIsInProgress(t *testing.T) {
	h := newHarness(t)

	a := h.open(t, tipRequest("h2"))
	release, err := h.locker.Acquire(context.Background(), rediskey.BuildActionLockKey(a.ID), time.Minute)
	require.NoError(t, err)

	require.Equal(t, ResultInProgress, h.confirm(t, a).Result)
	require.Zero(t, h.settlement.requestCount())

	release()
	require.Equal(t, ResultConfirmed, h.confirm(t, a).Result)
}

func TestOnlyInitiatorMayRespond(t *testing.T) {
	h := newHarness(t)

	a := h.open(t, tipRequest("h3"))
	reply, err := h.engine.HandleConfirmation(context.Background(), ConfirmationEvent{
		ActionID:  a.ID,
		Selection: chat.SelectionConfirm,
		UserID:    "mallory",
	})
	require.NoError(t, err)
	require.Equal(t, ResultForbidden, reply.Result)
	require.Zero(t, h.settlement.requestCount())
}

func TestCancelAfterConfirmChangesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.open(t, tipRequest("i1"))
	h.confirm(t, a)

	reply, err := h.engine.HandleConfirmation(ctx, ConfirmationEvent{
		ActionID:  a.ID,
		Selection: chat.SelectionCancel,
		UserID:    "alice",
	})
	require.NoError(t, err)
	require.Equal(t, ResultAlreadyConfirmed, reply.Result)
	require.Equal(t, pending.StatusPending, h.status(t, a.ID))

	require.Equal(t, ResultProcessed, h.settle(t, a.ID, settlement.OutcomeSuccess, "0x1"))
	require.Equal(t, int64(1000), h.userStats(t, "town1", "alice").AmountSentCents)
}

func TestSettlementRequestFailureMarksFailed(t *testing.T) {
	h := newHarness(t)
	h.settlement.requestFn = func(ctx context.Context, req settlement.Request) (string, error) {
		return "", errors.New("layer down")
	}

	a := h.open(t, tipRequest("j1"))
	require.Equal(t, ResultFailed, h.confirm(t, a).Result)
	require.Equal(t, pending.StatusFailed, h.status(t, a.ID))
	require.Len(t, h.chat.privateNotices(), 1)
}

func TestFailureOutcomeAppliesNoEffect(t *testing.T) {
	h := newHarness(t)

	a := h.open(t, tipRequest("j2"))
	h.confirm(t, a)

	require.Equal(t, ResultFailed, h.settle(t, a.ID, settlement.OutcomeFailure, ""))
	require.Equal(t, ResultDuplicate, h.settle(t, a.ID, settlement.OutcomeSuccess, "0x1"))

	require.Equal(t, pending.StatusFailed, h.status(t, a.ID))
	require.Zero(t, h.userStats(t, "town1", "alice").AmountSentCents)
	require.Empty(t, h.chat.publicNotices())
	require.Empty(t, h.settlement.refunds)
}

func TestSplitBatchFailureRefundsDepositor(t *testing.T) {
	h := newHarness(t)
	h.settlement.batchFn = func(ctx context.Context, reference string, transfers []settlement.Transfer) (string, error) {
		return "", errors.New("insufficient escrow")
	}

	a := h.open(t, splitRequest("k1"))
	h.confirm(t, a)

	require.Equal(t, ResultFailed, h.settle(t, a.ID, settlement.OutcomeSuccess, "0xdeposit"))
	require.Equal(t, pending.StatusFailed, h.status(t, a.ID))
	require.Equal(t, []string{"addr-alice=20"}, h.settlement.refunds)
	require.Zero(t, h.userStats(t, "town1", "alice").AmountSentCents)

	notices := h.chat.privateNotices()
	require.Len(t, notices, 1)
	require.Contains(t, notices[0].Text, "refunded")
}

func TestSplitRefundFailureAsksForSupport(t *testing.T) {
	h := newHarness(t)
	h.settlement.batchFn = func(ctx context.Context, reference string, transfers []settlement.Transfer) (string, error) {
		return "", errors.New("insufficient escrow")
	}
	h.settlement.refundFn = func(ctx context.Context, destination string, amount decimal.Decimal) (string, error) {
		return "", errors.New("refund rejected")
	}

	a := h.open(t, splitRequest("k2"))
	h.confirm(t, a)

	require.Equal(t, ResultFailed, h.settle(t, a.ID, settlement.OutcomeSuccess, "0xdeposit"))
	require.Len(t, h.settlement.refunds, 1)

	notices := h.chat.privateNotices()
	require.Len(t, notices, 1)
	require.Contains(t, notices[0].Text, "contact support")
	require.Contains(t, notices[0].Text, "funds are safe")
}

func TestRecipientFailureRefundsOnlyFailedLeg(t *testing.T) {
	h := newHarness(t)

	a := h.open(t, splitRequest("k3"))
	h.confirm(t, a)
	require.Equal(t, ResultDepositRecorded, h.settle(t, a.ID, settlement.OutcomeSuccess, "0xdeposit"))

	require.Equal(t, ResultPartial, h.settle(t, a.ID+":bob", settlement.OutcomeSuccess, ""))
	require.Equal(t, ResultPartial, h.settle(t, a.ID+":carol", settlement.OutcomeSuccess, ""))
	require.Equal(t, ResultFailed, h.settle(t, a.ID+":dave", settlement.OutcomeFailure, ""))

	require.Equal(t, pending.StatusFailed, h.status(t, a.ID))
	require.Len(t, h.settlement.batches, 1)
	require.Equal(t, []string{"addr-alice=6.66"}, h.settlement.refunds)
	require.Zero(t, h.userStats(t, "town1", "alice").AmountSentCents)

	notices := h.chat.privateNotices()
	require.Len(t, notices, 1)
	require.Contains(t, notices[0].Text, "$3.33")

	require.Equal(t, ResultDuplicate, h.settle(t, a.ID+":dave", settlement.OutcomeSuccess, ""))
}

func TestFailureForCompletedLegDoesNotRefund(t *testing.T) {
	h := newHarness(t)

	a := h.open(t, splitRequest("k4"))
	h.confirm(t, a)
	h.settle(t, a.ID, settlement.OutcomeSuccess, "0xdeposit")
	require.Equal(t, ResultPartial, h.settle(t, a.ID+":bob", settlement.OutcomeSuccess, ""))

	require.Equal(t, ResultFailed, h.settle(t, a.ID+":bob", settlement.OutcomeFailure, ""))
	require.Empty(t, h.settlement.refunds)

	notices := h.chat.privateNotices()
	require.Len(t, notices, 1)
	require.Contains(t, notices[0].Text, "contact support")
}

func TestDepositFailureBeforeDistributionRefundsDeposit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.open(t, splitRequest("k5"))
	h.confirm(t, a)

	// Deposit recorded, process stopped before the batch was requested.
	current, err := h.store.Get(ctx, a.ID)
	require.NoError(t, err)
	body := current.Body()
	body.DepositTxHash = "0xdeposit"
	current.SetBody(body)
	require.NoError(t, h.store.UpdatePayload(ctx, current))

	require.Equal(t, ResultFailed, h.settle(t, a.ID, settlement.OutcomeFailure, ""))
	require.Equal(t, []string{"addr-alice=20"}, h.settlement.refunds)
	require.Empty(t, h.settlement.batches)
}

func TestBatchFailureSurvivesCancelledTask(t *testing.T) {
	h := newHarness(t)

	a := h.open(t, splitRequest("k6"))
	h.confirm(t, a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.settlement.batchFn = func(_ context.Context, reference string, transfers []settlement.Transfer) (string, error) {
		cancel()
		return "", context.Canceled
	}

	result, err := h.engine.HandleSettlement(ctx, settlement.Callback{
		Ref:     a.ID,
		Outcome: settlement.OutcomeSuccess,
		TxHash:  "0xdeposit",
	})
	require.NoError(t, err)
	require.Equal(t, ResultFailed, result)
	require.Equal(t, pending.StatusFailed, h.status(t, a.ID))
	require.Equal(t, []string{"addr-alice=20"}, h.settlement.refunds)
}

func TestRedeliveredDepositResumesDistribution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.open(t, splitRequest("k7"))
	h.confirm(t, a)

	// The batch was requested but its hash was never recorded.
	current, err := h.store.Get(ctx, a.ID)
	require.NoError(t, err)
	body := current.Body()
	body.DepositTxHash = "0xdeposit"
	body.DistributionRef = a.ID + "/batch"
	current.SetBody(body)
	require.NoError(t, h.store.UpdatePayload(ctx, current))

	h.restart()

	require.Equal(t, ResultDepositRecorded, h.settle(t, a.ID, settlement.OutcomeSuccess, "0xdeposit"))
	require.Equal(t, []string{a.ID + "/batch"}, h.settlement.batchRefs)

	got, err := h.store.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "0xbatch", got.Body().DistributionTxHash)
	require.Equal(t, pending.StatusPending, got.Status)

	require.Equal(t, ResultDuplicate, h.settle(t, a.ID, settlement.OutcomeSuccess, "0xdeposit"))
	require.Len(t, h.settlement.batches, 1)

	for _, r := range []string{"bob", "carol"} {
		require.Equal(t, ResultPartial, h.settle(t, a.ID+":"+r, settlement.OutcomeSuccess, ""))
	}
	require.Equal(t, ResultProcessed, h.settle(t, a.ID+":dave", settlement.OutcomeSuccess, ""))
	require.Empty(t, h.settlement.refunds)
}

func TestConcurrentCallbacksApplyOnce(t *testing.T) {
	h := newHarness(t)

	a := h.open(t, tipRequest("q1"))
	h.confirm(t, a)

	results := fireConcurrently(t, 8, func() (Result, error) {
		return h.engine.HandleSettlement(context.Background(), settlement.Callback{
			Ref:     a.ID,
			Outcome: settlement.OutcomeSuccess,
			TxHash:  "0xq1",
		})
	})

	require.Equal(t, 1, countResult(results, ResultProcessed))
	require.Equal(t, 7, countResult(results, ResultDuplicate))
	require.Equal(t, int64(1000), h.userStats(t, "town1", "alice").AmountSentCents)
	require.Equal(t, int64(1), h.userStats(t, "town1", "alice").TipsSent)
	require.Len(t, h.chat.publicNotices(), 1)
}

func TestConcurrentRecipientCallbacksCompleteOnce(t *testing.T) {
	h := newHarness(t)

	a := h.open(t, splitRequest("q2"))
	h.confirm(t, a)
	require.Equal(t, ResultDepositRecorded, h.settle(t, a.ID, settlement.OutcomeSuccess, "0xdeposit"))

	recipients := []string{"bob", "carol", "dave"}
	results := fireConcurrently(t, 12, func() func() (Result, error) {
		var mu sync.Mutex
		next := 0
		return func() (Result, error) {
			mu.Lock()
			r := recipients[next%len(recipients)]
			next++
			mu.Unlock()
			return h.engine.HandleSettlement(context.Background(), settlement.Callback{
				Ref:     a.ID + ":" + r,
				Outcome: settlement.OutcomeSuccess,
			})
		}
	}())

	require.Equal(t, 1, countResult(results, ResultProcessed))
	require.Equal(t, 2, countResult(results, ResultPartial))
	require.Equal(t, 9, countResult(results, ResultDuplicate))
	require.Equal(t, pending.StatusProcessed, h.status(t, a.ID))

	alice := h.userStats(t, "town1", "alice")
	require.Equal(t, int64(1000), alice.AmountSentCents)
	require.Equal(t, int64(3), alice.TipsSent)
	require.Len(t, h.chat.publicNotices(), 1)
}

func fireConcurrently(t *testing.T, n int, fn func() (Result, error)) []Result {
	t.Helper()

	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]Result, n)
		errs    = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = fn()
		}(i)
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	return results
}

func countResult(results []Result, want Result) int {
	n := 0
	for _, r := range results {
		if r == want {
			n++
		}
	}
	return n
}

func TestOpenRejectsContributionFromOtherScope(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pr, err := h.ledger.CreatePaymentRequest(ctx, ledger.CreatePaymentRequestInput{
		Scope: "town2", Creator: "carol", CreatorAddress: "addr-carol", GoalCents: 1000,
	})
	require.NoError(t, err)

	_, err = h.engine.Open(ctx, OpenRequest{
		Kind:             pending.KindContribution,
		Scope:            "town1",
		Initiator:        "alice",
		AmountUSD:        decimal.NewFromInt(10),
		PaymentRequestID: pr.ID,
	})
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))
	require.Empty(t, h.chat.prompts)

	got, err := h.ledger.GetPaymentRequest(ctx, pr.ID)
	require.NoError(t, err)
	require.Zero(t, got.CollectedCents)
	require.Zero(t, h.userStats(t, "town1", "alice").AmountContributedCents)
}

func TestMalformedRefIsDiscarded(t *testing.T) {
	h := newHarness(t)

	require.Equal(t, ResultUnknown, h.settle(t, "", settlement.OutcomeSuccess, ""))
	require.Equal(t, ResultUnknown, h.settle(t, "tip-x:", settlement.OutcomeSuccess, ""))

	a := h.open(t, tipRequest("m1"))
	h.confirm(t, a)
	require.Equal(t, ResultUnknown, h.settle(t, a.ID+":bob", settlement.OutcomeSuccess, ""))
	require.Equal(t, pending.StatusPending, h.status(t, a.ID))
}

func TestDonationGoesToTreasury(t *testing.T) {
	h := newHarness(t)

	a := h.open(t, OpenRequest{
		IntentID:  "n1",
		Kind:      pending.KindDonation,
		Scope:     "town1",
		Initiator: "alice",
		AmountUSD: decimal.RequireFromString("2.50"),
	})
	h.confirm(t, a)
	require.Equal(t, "addr-treasury", h.settlement.requests[0].Destination)

	require.Equal(t, ResultProcessed, h.settle(t, a.ID, settlement.OutcomeSuccess, "0xd"))

	alice := h.userStats(t, "town1", "alice")
	require.Equal(t, int64(1), alice.Donations)
	require.Equal(t, int64(250), alice.AmountDonatedCents)
}
