package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"tipbot/pkg/chat"
	"tipbot/pkg/featureflags"
	"tipbot/pkg/gen"
	"tipbot/pkg/lock"
	"tipbot/pkg/settlement"
	"tipbot/services/ledger"
	"tipbot/services/pending"
	"tipbot/services/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// callLog records the order of outbound calls across fakes.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type chatMock struct {
	log *callLog

	mu      sync.Mutex
	seq     int
	prompts []chat.Message
	notices []chat.Notice
	removed []string

	postPromptFn func(ctx context.Context, msg chat.Message) (string, error)
	removeFn     func(ctx context.Context, ref string) error
}

func (m *chatMock) PostPrompt(ctx context.Context, msg chat.Message) (string, error) {
	if m.postPromptFn != nil {
		return m.postPromptFn(ctx, msg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.prompts = append(m.prompts, msg)
	ref := fmt.Sprintf("prompt-%d", m.seq)
	m.log.add("post:%s", ref)
	return ref, nil
}

func (m *chatMock) PostMessage(ctx context.Context, msg chat.Notice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notices = append(m.notices, msg)
	return nil
}

func (m *chatMock) RemoveUIElement(ctx context.Context, ref string) error {
	m.log.add("remove:%s", ref)
	if m.removeFn != nil {
		return m.removeFn(ctx, ref)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, ref)
	return nil
}

func (m *chatMock) publicNotices() []chat.Notice {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []chat.Notice
	for _, n := range m.notices {
		if !n.Ephemeral {
			out = append(out, n)
		}
	}
	return out
}

func (m *chatMock) privateNotices() []chat.Notice {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []chat.Notice
	for _, n := range m.notices {
		if n.Ephemeral {
			out = append(out, n)
		}
	}
	return out
}

type settlementMock struct {
	log *callLog

	mu        sync.Mutex
	requests  []settlement.Request
	batches   [][]settlement.Transfer
	batchRefs []string
	refunds   []string
	requestFn func(ctx context.Context, req settlement.Request) (string, error)
	batchFn   func(ctx context.Context, reference string, transfers []settlement.Transfer) (string, error)
	refundFn  func(ctx context.Context, destination string, amount decimal.Decimal) (string, error)
}

func (m *settlementMock) RequestSettlement(ctx context.Context, req settlement.Request) (string, error) {
	m.log.add("settle:%s", req.Reference)
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.requestFn != nil {
		return m.requestFn(ctx, req)
	}
	return "settle-ui-" + req.Reference, nil
}

func (m *settlementMock) ExecuteBatchTransfer(ctx context.Context, reference string, transfers []settlement.Transfer) (string, error) {
	m.mu.Lock()
	m.batches = append(m.batches, transfers)
	m.batchRefs = append(m.batchRefs, reference)
	m.mu.Unlock()
	if m.batchFn != nil {
		return m.batchFn(ctx, reference, transfers)
	}
	return "0xbatch", nil
}

func (m *settlementMock) Refund(ctx context.Context, destination string, amount decimal.Decimal) (string, error) {
	m.mu.Lock()
	m.refunds = append(m.refunds, destination+"="+amount.String())
	m.mu.Unlock()
	if m.refundFn != nil {
		return m.refundFn(ctx, destination, amount)
	}
	return "0xrefund", nil
}

func (m *settlementMock) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type fixedRate decimal.Decimal

func (r fixedRate) Convert(ctx context.Context, usd decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	rate := decimal.Decimal(r)
	return usd.Div(rate).Round(8), rate
}

type harness struct {
	db         *gorm.DB
	store      pending.Store
	ledger     *ledger.Service
	chat       *chatMock
	settlement *settlementMock
	locker     lock.Locker
	flags      featureflags.FeatureFlag
	rates      RateSource
	log        *callLog
	engine     *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	models := append([]any{&pending.PendingAction{}}, ledger.Models()...)
	db := testutil.NewTestDB(t, models...)

	node, err := gen.NewSnowflakeNode(1)
	require.NoError(t, err)

	log := &callLog{}
	h := &harness{
		db:         db,
		store:      pending.NewStore(db),
		ledger:     ledger.NewService(ledger.ServiceParams{DB: db, Node: node}),
		chat:       &chatMock{log: log},
		settlement: &settlementMock{log: log},
		locker:     lock.NewMemory(),
		flags:      featureflags.Static{},
		rates:      fixedRate(decimal.RequireFromString("0.5")),
		log:        log,
	}
	h.restart()
	return h
}

// restart builds a fresh engine over the same store, as a new process would.
func (h *harness) restart() {
	h.engine = New(h.db, h.store, h.ledger, h.rates, h.chat, h.settlement, h.locker, h.flags, Settings{
		EscrowAddress: "addr-escrow",
		Treasury:      "addr-treasury",
		Currency:      "XEC",
	})
}

func (h *harness) open(t *testing.T, req OpenRequest) *pending.PendingAction {
	t.Helper()
	a, err := h.engine.Open(context.Background(), req)
	require.NoError(t, err)
	return a
}

func (h *harness) confirm(t *testing.T, a *pending.PendingAction) Reply {
	t.Helper()
	reply, err := h.engine.HandleConfirmation(context.Background(), ConfirmationEvent{
		ActionID:  a.ID,
		Selection: chat.SelectionConfirm,
		UserID:    a.Initiator,
	})
	require.NoError(t, err)
	return reply
}

func (h *harness) settle(t *testing.T, ref string, outcome settlement.Outcome, txHash string) Result {
	t.Helper()
	result, err := h.engine.HandleSettlement(context.Background(), settlement.Callback{
		Ref:     ref,
		Outcome: outcome,
		TxHash:  txHash,
	})
	require.NoError(t, err)
	return result
}

func (h *harness) status(t *testing.T, id string) pending.Status {
	t.Helper()
	a, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return a.Status
}

func (h *harness) userStats(t *testing.T, scope, user string) *ledger.UserStats {
	t.Helper()
	stats, err := h.ledger.GetUserStats(context.Background(), scope, user)
	require.NoError(t, err)
	return stats
}

func tipRequest(intent string) OpenRequest {
	return OpenRequest{
		IntentID:   intent,
		Kind:       pending.KindTip,
		Scope:      "town1",
		Initiator:  "alice",
		Recipients: []RecipientInput{{ID: "bob", Address: "addr-bob"}},
		AmountUSD:  decimal.NewFromInt(10),
	}
}

func splitRequest(intent string) OpenRequest {
	return OpenRequest{
		IntentID:         intent,
		Kind:             pending.KindSplitTip,
		Scope:            "town1",
		Initiator:        "alice",
		InitiatorAddress: "addr-alice",
		Recipients: []RecipientInput{
			{ID: "bob", Address: "addr-bob"},
			{ID: "carol", Address: "addr-carol"},
			{ID: "dave", Address: "addr-dave"},
		},
		AmountUSD: decimal.NewFromInt(10),
	}
}
