package janitor

import (
	"tipbot/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

// Module runs in the worker: it schedules purge tasks and handles them.
var Module = fx.Module("janitor",
	fx.Provide(New, NewScheduler),
	fx.Invoke(RegisterHandlers, StartScheduler),
)

func RegisterHandlers(mux *asynq.ServeMux, j *Janitor) {
	mux.HandleFunc(taskname.PendingPurge, j.HandlePurgeTask)
}
