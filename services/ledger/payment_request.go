package ledger

import (
	"context"
	"fmt"
	"strings"

	"tipbot/pkg/errutil"
	"tipbot/pkg/sequence"

	"go.uber.org/zap"
)

type CreatePaymentRequestInput struct {
	Scope          string `json:"scope" binding:"required"`
	Creator        string `json:"creator" binding:"required"`
	CreatorAddress string `json:"creator_address" binding:"required"`
	Description    string `json:"description"`
	GoalCents      int64  `json:"goal_cents" binding:"required"`
}

func (s *Service) CreatePaymentRequest(ctx context.Context, in CreatePaymentRequestInput) (*PaymentRequest, error) {
	zapLog := zap.L().With(traceFields(ctx)...).With(zap.String("scope", in.Scope), zap.String("creator", in.Creator))

	if in.GoalCents <= 0 {
		return nil, errutil.ValidationFailed("goal must be greater than zero", nil,
			errutil.WithDetails(errutil.Detail{Field: "goal_cents", Message: "must be > 0"}))
	}
	if strings.TrimSpace(in.CreatorAddress) == "" {
		return nil, errutil.ValidationFailed("creator address is required", nil)
	}

	id := s.node.GenerateID().String()
	code, err := s.nextCode(ctx, in.Scope)
	if err != nil {
		zapLog.Error("failed to generate payment request code", zap.Error(err))
		return nil, err
	}

	now := s.now()
	req := &PaymentRequest{
		ID:             id,
		Code:           code,
		Scope:          in.Scope,
		Creator:        in.Creator,
		CreatorAddress: in.CreatorAddress,
		Description:    in.Description,
		GoalCents:      in.GoalCents,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.requests.Create(ctx, req); err != nil {
		zapLog.Error("failed to create payment request", zap.Error(err))
		return nil, err
	}

	zapLog.Info("payment request created", zap.String("id", id), zap.String("code", code))
	return req, nil
}

// nextCode uses the redis sequence when available and falls back to a code
// derived from the snowflake id.
func (s *Service) nextCode(ctx context.Context, scope string) (string, error) {
	if s.seq != nil {
		return s.seq.NextPaymentRequestCode(ctx, scope)
	}
	day := s.now().Format("060102")
	return sequence.FormatCode("PRQ", day, s.node.GenerateID().Int64()%46656)
}

// GetPaymentRequest looks a request up by id or by its PRQ code.
func (s *Service) GetPaymentRequest(ctx context.Context, idOrCode string) (*PaymentRequest, error) {
	if strings.TrimSpace(idOrCode) == "" {
		return nil, ErrPaymentRequestNotFound
	}

	query := &PaymentRequest{ID: idOrCode}
	if strings.HasPrefix(idOrCode, "PRQ-") {
		query = &PaymentRequest{Code: idOrCode}
	}

	req, err := s.requests.FindOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get payment request %s: %w", idOrCode, err)
	}
	if req == nil {
		return nil, ErrPaymentRequestNotFound
	}
	return req, nil
}

// Remaining returns the cents still needed to reach the goal.
func (r *PaymentRequest) Remaining() int64 {
	if r.CollectedCents >= r.GoalCents {
		return 0
	}
	return r.GoalCents - r.CollectedCents
}
