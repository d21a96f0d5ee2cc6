package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	eventOpen         = "open"
	eventConfirmation = "confirmation"
	eventSettlement   = "settlement"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tipbot_reconcile_events_total",
		Help: "Reconciliation events by type and result",
	}, []string{"event", "result"})

	refundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tipbot_reconcile_refunds_total",
		Help: "Refund attempts after failed settlements",
	}, []string{"status"})
)

func observe(event string, r Result) {
	eventsTotal.WithLabelValues(event, string(r)).Inc()
}
