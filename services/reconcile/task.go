package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tipbot/pkg/settlement"
	"tipbot/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type SettlementOutcomePayload struct {
	Ref        string             `json:"ref"`
	Outcome    settlement.Outcome `json:"outcome"`
	TxHash     string             `json:"tx_hash,omitempty"`
	ReceivedAt time.Time          `json:"received_at"`
}

// NewSettlementOutcomeTask wraps a settlement callback. No task id is set:
// a redelivered callback must reach the engine, which discards it if the
// action is already closed. No timeout is set either; settlement calls made
// while handling the callback run to completion.
func NewSettlementOutcomeTask(cb settlement.Callback, receivedAt time.Time) (*asynq.Task, error) {
	payload, err := json.Marshal(SettlementOutcomePayload{
		Ref:        cb.Ref,
		Outcome:    cb.Outcome,
		TxHash:     cb.TxHash,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.SettlementOutcome, payload,
		asynq.Queue(taskname.QueueCritical),
		asynq.MaxRetry(10),
	), nil
}

// HandleSettlementOutcomeTask feeds a queued callback to the engine. Errors
// are retried by asynq; malformed payloads are not.
func (e *Engine) HandleSettlementOutcomeTask(ctx context.Context, t *asynq.Task) error {
	var payload SettlementOutcomePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid settlement outcome payload", zap.Error(err))
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("ref", payload.Ref),
		zap.String("outcome", string(payload.Outcome)),
		zap.Time("received_at", payload.ReceivedAt),
	)

	result, err := e.HandleSettlement(ctx, settlement.Callback{
		Ref:     payload.Ref,
		Outcome: payload.Outcome,
		TxHash:  payload.TxHash,
	})
	if err != nil {
		zapLog.Error("settlement outcome failed, will retry", zap.Error(err))
		return err
	}

	zapLog.Info("settlement outcome handled", zap.String("result", string(result)))
	return nil
}
