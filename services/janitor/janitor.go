package janitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tipbot/pkg/config"
	"tipbot/pkg/taskname"
	"tipbot/services/pending"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// PurgePayload pins the cut-offs at enqueue time so a retried task deletes
// the same set.
type PurgePayload struct {
	TerminalBefore time.Time `json:"terminal_before"`
	StaleBefore    time.Time `json:"stale_before"`
}

// Janitor deletes pending rows that can no longer receive callbacks.
// Terminal rows are kept for the retention window so replays are still
// recognised as duplicates; any row older than max age is dropped.
type Janitor struct {
	store     pending.Store
	retention time.Duration
	maxAge    time.Duration
	interval  time.Duration
	now       func() time.Time
}

type Params struct {
	fx.In
	Config *config.Config
	Store  pending.Store
}

func New(p Params) *Janitor {
	r := p.Config.Reconcile
	return &Janitor{
		store:     p.Store,
		retention: r.RetentionWindow,
		maxAge:    r.MaxAge,
		interval:  r.PurgeInterval,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (j *Janitor) cutoffs() PurgePayload {
	now := j.now()
	return PurgePayload{
		TerminalBefore: now.Add(-j.retention),
		StaleBefore:    now.Add(-j.maxAge),
	}
}

// NewPurgeTask builds a purge task unique for one interval, so several
// schedulers enqueue it at most once per tick.
func (j *Janitor) NewPurgeTask() (*asynq.Task, error) {
	payload, err := json.Marshal(j.cutoffs())
	if err != nil {
		return nil, err
	}

	unique := j.interval
	if unique < time.Minute {
		unique = time.Minute
	}
	return asynq.NewTask(taskname.PendingPurge, payload,
		asynq.Queue(taskname.QueueLow),
		asynq.MaxRetry(3),
		asynq.Unique(unique),
	), nil
}

// Purge deletes terminal rows past the retention window and any row past max
// age.
func (j *Janitor) Purge(ctx context.Context, p PurgePayload) (terminal, stale int64, err error) {
	terminal, err = j.store.PurgeTerminal(ctx, p.TerminalBefore)
	if err != nil {
		return 0, 0, err
	}
	stale, err = j.store.PurgeStale(ctx, p.StaleBefore)
	if err != nil {
		return terminal, 0, err
	}
	return terminal, stale, nil
}

func (j *Janitor) HandlePurgeTask(ctx context.Context, t *asynq.Task) error {
	var payload PurgePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.Time("terminal_before", payload.TerminalBefore),
		zap.Time("stale_before", payload.StaleBefore),
	)

	terminal, stale, err := j.Purge(ctx, payload)
	if err != nil {
		zapLog.Error("failed to purge pending actions", zap.Error(err))
		return err
	}

	zapLog.Info("pending actions purged", zap.Int64("terminal", terminal), zap.Int64("stale", stale))
	return nil
}
