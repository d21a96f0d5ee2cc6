package httpapi

import (
	"tipbot/services/ledger"
	"tipbot/services/reconcile"

	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewHandler,
		func(e *reconcile.Engine) Engine { return e },
		func(s *ledger.Service) Ledger { return s },
	),
	fx.Invoke(RegisterRoutes),
)
