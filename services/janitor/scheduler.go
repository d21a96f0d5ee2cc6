package janitor

import (
	"context"
	"time"

	"tipbot/pkg/task"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Scheduler struct {
	janitor  *Janitor
	enqueuer task.Enqueuer
}

func NewScheduler(j *Janitor, enqueuer task.Enqueuer) *Scheduler {
	return &Scheduler{janitor: j, enqueuer: enqueuer}
}

// StartScheduler runs the purge loop for the lifetime of the app.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	interval := s.janitor.interval
	if interval <= 0 {
		interval = time.Hour
	}
	zap.L().Info("[Janitor] started purge scheduler", zap.Duration("interval", interval))

	for {
		select {
		case <-time.After(interval):
			s.tick(ctx)
		case <-ctx.Done():
			zap.L().Warn("[Janitor] stopped")
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	t, err := s.janitor.NewPurgeTask()
	if err != nil {
		zap.L().Error("[Janitor] failed to build purge task", zap.Error(err))
		return
	}

	info, err := s.enqueuer.Enqueue(ctx, t)
	if task.IsDuplicate(err) {
		zap.L().Debug("[Janitor] purge already queued")
		return
	}
	if err != nil {
		zap.L().Error("[Janitor] failed to enqueue purge", zap.Error(err))
		return
	}

	zap.L().Info("[Janitor] purge enqueued", zap.String("task_id", info.ID))
}
