package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tipbot/pkg/db/option"
	"tipbot/pkg/db/pagination"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrUnknownMetric = errors.New("unknown leaderboard metric")
	ErrInvalidCursor = errors.New("invalid cursor")
)

// leaderboardColumns maps public metric names to user_stats columns.
var leaderboardColumns = map[string]string{
	"sent":          "amount_sent_cents",
	"received":      "amount_received_cents",
	"tips":          "tips_sent",
	"donated":       "amount_donated_cents",
	"contributed":   "amount_contributed_cents",
	"contributions": "contributions",
}

func allowedColumns() map[string]bool {
	allow := make(map[string]bool, len(leaderboardColumns))
	for _, col := range leaderboardColumns {
		allow[col] = true
	}
	return allow
}

// Leaderboard returns the top users of scope by metric.
func (s *Service) Leaderboard(ctx context.Context, scope, metric string, limit int) ([]*UserStats, error) {
	column, ok := leaderboardColumns[metric]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}
	if limit <= 0 || limit > 50 {
		limit = 10
	}

	rows, err := s.users.Find(ctx, &UserStats{Scope: scope},
		option.ApplyOperator(option.Condition{Field: column, Operator: option.GT, Value: 0}),
		option.WithSortBy(option.QuerySortBy{SortBy: column, OrderBy: "desc", Allow: allowedColumns()}),
		option.WithSortBy(option.QuerySortBy{SortBy: "user_id", OrderBy: "asc", Allow: map[string]bool{"user_id": true}}),
		option.WithLimit(limit),
	)
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to query leaderboard", zap.String("scope", scope), zap.Error(err))
		return nil, err
	}
	return rows, nil
}

// GetUserStats returns the user's totals, zero-valued when the user has none.
func (s *Service) GetUserStats(ctx context.Context, scope, userID string) (*UserStats, error) {
	stats, err := s.users.FindOne(ctx, &UserStats{Scope: scope, UserID: userID})
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return &UserStats{Scope: scope, UserID: userID}, nil
	}
	return stats, nil
}

func (s *Service) GetScopeStats(ctx context.Context, scope string) (*ScopeStats, error) {
	stats, err := s.scopes.FindOne(ctx, &ScopeStats{Scope: scope})
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return &ScopeStats{Scope: scope}, nil
	}
	return stats, nil
}

type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Entries  int    `json:"entries"`
	BrokenAt string `json:"broken_at,omitempty"`
}

// VerifyChain recomputes every hash of scope's journal in sequence order.
func (s *Service) VerifyChain(ctx context.Context, scope string) (*VerifyResult, error) {
	entries, err := s.ledger.Find(ctx, &LedgerEntry{Scope: scope},
		option.WithSortBy(option.QuerySortBy{SortBy: "seq", OrderBy: "asc", Allow: map[string]bool{"seq": true}}),
	)
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to query Find entries", zap.Error(err))
		return nil, err
	}

	return verifyEntries(entries), nil
}

func verifyEntries(entries []*LedgerEntry) *VerifyResult {
	lastHash := GenesisHash
	var lastSeq int64
	for _, entry := range entries {
		if entry.Hash != entry.GenerateHash() || entry.PreviousHash != lastHash || entry.Seq != lastSeq+1 {
			return &VerifyResult{Valid: false, Entries: len(entries), BrokenAt: entry.ID}
		}
		lastHash = entry.Hash
		lastSeq = entry.Seq
	}
	return &VerifyResult{Valid: true, Entries: len(entries)}
}

// ListContributions pages a request's contributions, newest first.
func (s *Service) ListContributions(ctx context.Context, paymentRequestID string, page pagination.Pagination) ([]*Contribution, *pagination.PageInfo, error) {
	page = page.Normalize()

	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc", Allow: map[string]bool{"created_at": true}}),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "desc", Allow: map[string]bool{"id": true}}),
		option.WithLimit(page.Limit + 1),
	}

	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		opts = append(opts, func(db *gorm.DB) *gorm.DB {
			return db.Where("(created_at < ? OR (created_at = ? AND id < ?))", createdAt, createdAt, cursor.ID)
		})
	}

	rows, err := s.contribution.Find(ctx, &Contribution{PaymentRequestID: paymentRequestID}, opts...)
	if err != nil {
		return nil, nil, err
	}

	rows, info := pagination.BuildCursorPageInfo(rows, page.Limit, func(c *Contribution) string {
		next, _ := pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339Nano),
			ID:        c.ID,
		})
		return next
	})
	return rows, info, nil
}
