package taskname

const (
	// Settlement tasks
	SettlementOutcome = "settlement:outcome"

	// Pending action maintenance
	PendingPurge = "pending:purge"
)

// Queues
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)
