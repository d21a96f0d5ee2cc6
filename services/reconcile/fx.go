package reconcile

import (
	"tipbot/pkg/taskname"
	"tipbot/services/ledger"
	"tipbot/services/oracle"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

// Module provides the engine for the HTTP process and the worker.
var Module = fx.Module("reconcile",
	fx.Provide(
		NewEngine,
		func(s *ledger.Service) Ledger { return s },
		func(c *oracle.Cache) RateSource { return c },
	),
)

// Worker registers the settlement outcome handler on the asynq mux.
var Worker = fx.Module("reconcile.worker",
	fx.Invoke(RegisterHandlers),
)

func RegisterHandlers(mux *asynq.ServeMux, e *Engine) {
	mux.HandleFunc(taskname.SettlementOutcome, e.HandleSettlementOutcomeTask)
}
