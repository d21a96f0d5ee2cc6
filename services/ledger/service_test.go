package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tipbot/pkg/db/option"
	"tipbot/pkg/db/pagination"
	"tipbot/pkg/errutil"
	"tipbot/pkg/gen"
	"tipbot/pkg/repository"
	"tipbot/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type repoMock[T any] struct {
	withTrxFn     func(tx *gorm.DB) repository.Repository[T]
	findFn        func(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	findOneFn     func(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	createFn      func(ctx context.Context, resource *T) error
	updateFn      func(ctx context.Context, resourceID string, resource any) error
	batchCreateFn func(ctx context.Context, resources []*T) error
	countFn       func(ctx context.Context, query *T) (int64, error)
}

func (m *repoMock[T]) WithTrx(tx *gorm.DB) repository.Repository[T] {
	if m.withTrxFn != nil {
		return m.withTrxFn(tx)
	}
	return m
}

func (m *repoMock[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	if m.findFn != nil {
		return m.findFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	if m.findOneFn != nil {
		return m.findOneFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) Create(ctx context.Context, resource *T) error {
	if m.createFn != nil {
		return m.createFn(ctx, resource)
	}
	return nil
}

func (m *repoMock[T]) Update(ctx context.Context, resourceID string, resource any) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, resourceID, resource)
	}
	return nil
}

func (m *repoMock[T]) BatchCreate(ctx context.Context, resources []*T) error {
	if m.batchCreateFn != nil {
		return m.batchCreateFn(ctx, resources)
	}
	return nil
}

func (m *repoMock[T]) Count(ctx context.Context, query *T) (int64, error) {
	if m.countFn != nil {
		return m.countFn(ctx, query)
	}
	return 0, nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	db := testutil.NewTestDB(t, Models()...)
	node, err := gen.NewSnowflakeNode(1)
	require.NoError(t, err)
	return NewService(ServiceParams{DB: db, Node: node})
}

func TestNewService(t *testing.T) {
	svc := newTestService(t)

	require.NotNil(t, svc.ledger)
	require.NotNil(t, svc.users)
	require.NotNil(t, svc.scopes)
	require.NotNil(t, svc.requests)
	require.NotNil(t, svc.contribution)
}

func TestApplyEffectTip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	res, err := svc.ApplyEffect(ctx, nil, Effect{
		ActionID:     "tip-1",
		Kind:         EffectTip,
		Scope:        "guild",
		From:         "alice",
		AmountCents:  500,
		AmountNative: "10",
		Credits:      []Credit{{UserID: "bob", AmountCents: 500, AmountNative: "10"}},
		TxHash:       "0xabc",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Entry.Seq)
	require.Equal(t, GenesisHash, res.Entry.PreviousHash)

	alice, err := svc.GetUserStats(ctx, "guild", "alice")
	require.NoError(t, err)
	require.Equal(t, int64(500), alice.AmountSentCents)
	require.Equal(t, int64(1), alice.TipsSent)

	bob, err := svc.GetUserStats(ctx, "guild", "bob")
	require.NoError(t, err)
	require.Equal(t, int64(500), bob.AmountReceivedCents)
	require.Equal(t, int64(1), bob.TipsReceived)

	scope, err := svc.GetScopeStats(ctx, "guild")
	require.NoError(t, err)
	require.Equal(t, int64(500), scope.TotalTippedCents)
	require.Equal(t, int64(1), scope.Tips)

	// Same action again is rejected and changes nothing.
	_, err = svc.ApplyEffect(ctx, nil, Effect{
		ActionID:    "tip-1",
		Kind:        EffectTip,
		Scope:       "guild",
		From:        "alice",
		AmountCents: 500,
		Credits:     []Credit{{UserID: "bob", AmountCents: 500}},
	})
	require.ErrorIs(t, err, ErrEffectApplied)

	alice, err = svc.GetUserStats(ctx, "guild", "alice")
	require.NoError(t, err)
	require.Equal(t, int64(500), alice.AmountSentCents)
}

func TestApplyEffectSplitTipAndDonation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.ApplyEffect(ctx, nil, Effect{
		ActionID:    "split-tip-1",
		Kind:        EffectSplitTip,
		Scope:       "guild",
		From:        "alice",
		AmountCents: 1000,
		Credits: []Credit{
			{UserID: "bob", AmountCents: 334},
			{UserID: "carol", AmountCents: 333},
			{UserID: "dave", AmountCents: 333},
		},
	})
	require.NoError(t, err)

	_, err = svc.ApplyEffect(ctx, nil, Effect{
		ActionID:    "donation-1",
		Kind:        EffectDonation,
		Scope:       "guild",
		From:        "alice",
		AmountCents: 250,
	})
	require.NoError(t, err)

	alice, err := svc.GetUserStats(ctx, "guild", "alice")
	require.NoError(t, err)
	require.Equal(t, int64(1000), alice.AmountSentCents)
	require.Equal(t, int64(3), alice.TipsSent)
	require.Equal(t, int64(1), alice.Donations)
	require.Equal(t, int64(250), alice.AmountDonatedCents)

	carol, err := svc.GetUserStats(ctx, "guild", "carol")
	require.NoError(t, err)
	require.Equal(t, int64(333), carol.AmountReceivedCents)

	scope, err := svc.GetScopeStats(ctx, "guild")
	require.NoError(t, err)
	require.Equal(t, int64(3), scope.Tips)
	require.Equal(t, int64(250), scope.TotalDonatedCents)

	verify, err := svc.VerifyChain(ctx, "guild")
	require.NoError(t, err)
	require.True(t, verify.Valid)
	require.Equal(t, 2, verify.Entries)
}

func TestApplyEffectRejectsMismatchedCredits(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.ApplyEffect(context.Background(), nil, Effect{
		ActionID:    "split-tip-1",
		Kind:        EffectSplitTip,
		Scope:       "guild",
		From:        "alice",
		AmountCents: 1000,
		Credits:     []Credit{{UserID: "bob", AmountCents: 400}},
	})
	require.ErrorIs(t, err, ErrInvalidEffect)
}

func TestContributionGoalReachedOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	req, err := svc.CreatePaymentRequest(ctx, CreatePaymentRequestInput{
		Scope:          "guild",
		Creator:        "carol",
		CreatorAddress: "addr-carol",
		GoalCents:      1000,
	})
	require.NoError(t, err)
	require.Regexp(t, `^PRQ-\d{6}-[0-9A-Z]{3}[A-Z2-9]{2}$`, req.Code)

	contribute := func(actionID, from string, cents int64) *EffectResult {
		res, err := svc.ApplyEffect(ctx, nil, Effect{
			ActionID:         actionID,
			Kind:             EffectContribution,
			Scope:            "guild",
			From:             from,
			AmountCents:      cents,
			PaymentRequestID: req.ID,
		})
		require.NoError(t, err)
		return res
	}

	require.False(t, contribute("contribution-1", "alice", 600).GoalReached)

	second := contribute("contribution-2", "bob", 400)
	require.True(t, second.GoalReached)
	require.True(t, second.PaymentRequest.IsCompleted)
	require.NotNil(t, second.PaymentRequest.CompletedAt)

	// Contributions past the goal still count but never re-trigger the goal.
	third := contribute("contribution-3", "dave", 100)
	require.False(t, third.GoalReached)
	require.Equal(t, int64(1100), third.PaymentRequest.CollectedCents)

	scope, err := svc.GetScopeStats(ctx, "guild")
	require.NoError(t, err)
	require.Equal(t, int64(1), scope.GoalsReached)
	require.Equal(t, int64(3), scope.Contributions)
	require.Equal(t, int64(1100), scope.TotalContributedCents)

	byCode, err := svc.GetPaymentRequest(ctx, req.Code)
	require.NoError(t, err)
	require.Equal(t, req.ID, byCode.ID)
}

func TestContributionUnknownRequest(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.ApplyEffect(context.Background(), nil, Effect{
		ActionID:         "contribution-1",
		Kind:             EffectContribution,
		Scope:            "guild",
		From:             "alice",
		AmountCents:      100,
		PaymentRequestID: "missing",
	})
	require.ErrorIs(t, err, ErrPaymentRequestNotFound)

	var count int64
	require.NoError(t, svc.db.Model(&LedgerEntry{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestContributionIgnoresRequestFromOtherScope(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	req, err := svc.CreatePaymentRequest(ctx, CreatePaymentRequestInput{
		Scope:          "town2",
		Creator:        "carol",
		CreatorAddress: "addr-carol",
		GoalCents:      1000,
	})
	require.NoError(t, err)

	_, err = svc.ApplyEffect(ctx, nil, Effect{
		ActionID:         "contribution-x",
		Kind:             EffectContribution,
		Scope:            "town1",
		From:             "alice",
		AmountCents:      1000,
		PaymentRequestID: req.ID,
	})
	require.ErrorIs(t, err, ErrPaymentRequestNotFound)

	got, err := svc.GetPaymentRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Zero(t, got.CollectedCents)
	require.False(t, got.IsCompleted)
}

func TestCreatePaymentRequestValidation(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CreatePaymentRequest(context.Background(), CreatePaymentRequestInput{
		Scope: "guild", Creator: "carol", CreatorAddress: "addr", GoalCents: 0,
	})
	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusValidationFailed, be.Status())

	_, err = svc.GetPaymentRequest(context.Background(), "nope")
	require.ErrorIs(t, err, ErrPaymentRequestNotFound)
}

func TestListContributionsPaginates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := testutil.NewClock(base)
	svc.now = func() time.Time {
		clock.Advance(time.Second)
		return clock.Now()
	}

	req, err := svc.CreatePaymentRequest(ctx, CreatePaymentRequestInput{
		Scope: "guild", Creator: "carol", CreatorAddress: "addr", GoalCents: 100000,
	})
	require.NoError(t, err)

	for _, id := range []string{"contribution-a", "contribution-b", "contribution-c"} {
		_, err := svc.ApplyEffect(ctx, nil, Effect{
			ActionID: id, Kind: EffectContribution, Scope: "guild", From: "alice",
			AmountCents: 100, PaymentRequestID: req.ID,
		})
		require.NoError(t, err)
	}

	first, info, err := svc.ListContributions(ctx, req.ID, pagination.Pagination{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.True(t, info.HasMore)
	require.Equal(t, "contribution-c", first[0].ActionID)

	rest, info, err := svc.ListContributions(ctx, req.ID, pagination.Pagination{Limit: 2, Cursor: info.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.False(t, info.HasMore)
	require.Equal(t, "contribution-a", rest[0].ActionID)
}

func TestLeaderboard(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i, tip := range []struct {
		from  string
		cents int64
	}{{"alice", 300}, {"bob", 900}, {"carol", 500}} {
		_, err := svc.ApplyEffect(ctx, nil, Effect{
			ActionID:    "tip-" + string(rune('a'+i)),
			Kind:        EffectTip,
			Scope:       "guild",
			From:        tip.from,
			AmountCents: tip.cents,
			Credits:     []Credit{{UserID: "zed", AmountCents: tip.cents}},
		})
		require.NoError(t, err)
	}

	top, err := svc.Leaderboard(ctx, "guild", "sent", 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	require.Equal(t, "bob", top[0].UserID)
	require.Equal(t, "carol", top[1].UserID)

	_, err = svc.Leaderboard(ctx, "guild", "karma", 10)
	require.ErrorIs(t, err, ErrUnknownMetric)
}

func TestVerifyChainValid(t *testing.T) {
	first := &LedgerEntry{
		ID:           "entry-1",
		Scope:        "guild",
		Seq:          1,
		ActionID:     "tip-1",
		Kind:         string(EffectTip),
		AmountCents:  100,
		PreviousHash: GenesisHash,
		CreatedAt:    time.Now(),
	}
	first.Hash = first.GenerateHash()

	second := &LedgerEntry{
		ID:           "entry-2",
		Scope:        "guild",
		Seq:          2,
		ActionID:     "donation-1",
		Kind:         string(EffectDonation),
		AmountCents:  50,
		PreviousHash: first.Hash,
		CreatedAt:    time.Now().Add(time.Minute),
	}
	second.Hash = second.GenerateHash()

	svc := &Service{
		ledger: &repoMock[LedgerEntry]{
			findFn: func(ctx context.Context, _ *LedgerEntry, opts ...option.QueryOption) ([]*LedgerEntry, error) {
				return []*LedgerEntry{first, second}, nil
			},
		},
	}

	resp, err := svc.VerifyChain(context.Background(), "guild")
	require.NoError(t, err)
	require.True(t, resp.Valid)
}

func TestVerifyChainInvalid(t *testing.T) {
	first := &LedgerEntry{
		ID:           "entry-1",
		Scope:        "guild",
		Seq:          1,
		AmountCents:  100,
		PreviousHash: GenesisHash,
		CreatedAt:    time.Now(),
	}
	first.Hash = first.GenerateHash()

	second := &LedgerEntry{
		ID:           "entry-2",
		Scope:        "guild",
		Seq:          2,
		AmountCents:  50,
		PreviousHash: first.Hash,
		Hash:         "invalid",
		CreatedAt:    time.Now().Add(time.Minute),
	}

	svc := &Service{
		ledger: &repoMock[LedgerEntry]{
			findFn: func(ctx context.Context, _ *LedgerEntry, opts ...option.QueryOption) ([]*LedgerEntry, error) {
				return []*LedgerEntry{first, second}, nil
			},
		},
	}

	resp, err := svc.VerifyChain(context.Background(), "guild")
	require.NoError(t, err)
	require.False(t, resp.Valid)
	require.Equal(t, "entry-2", resp.BrokenAt)
}

func TestVerifyChainDetectsTamperedRow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"donation-1", "donation-2"} {
		_, err := svc.ApplyEffect(ctx, nil, Effect{ActionID: id, Kind: EffectDonation, Scope: "guild", From: "alice", AmountCents: 100})
		require.NoError(t, err)
	}

	require.NoError(t, svc.db.Model(&LedgerEntry{}).Where("action_id = ?", "donation-1").Update("amount_cents", 1).Error)

	verify, err := svc.VerifyChain(ctx, "guild")
	require.NoError(t, err)
	require.False(t, verify.Valid)
}
