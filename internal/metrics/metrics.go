package metrics

import "expvar"

var (
	TradesReceived   = expvar.NewInt("trades_received")
	JobsCreated      = expvar.NewInt("jobs_created")
	JobsDuplicate    = expvar.NewInt("jobs_duplicate")
	PublishOK        = expvar.NewInt("publish_ok")
	PublishErrors    = expvar.NewInt("publish_errors")
	JobsSucceeded    = expvar.NewInt("jobs_succeeded")
	JobsSkipped      = expvar.NewInt("jobs_skipped")
	JobsFailed       = expvar.NewInt("jobs_failed")
	BudgetRaces      = expvar.NewInt("budget_races")
	SweepRepublished = expvar.NewInt("sweep_republished")
)
