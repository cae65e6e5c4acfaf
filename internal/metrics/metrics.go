package metrics

import "expvar"

var (
	EvalCycles      = expvar.NewInt("eval_cycles")
	EntrySignals    = expvar.NewInt("entry_signals")
	ExitSignals     = expvar.NewInt("exit_signals")
	OrdersSubmitted = expvar.NewInt("orders_submitted")
	GatewayRetries  = expvar.NewInt("gateway_retries")
	ReconcileRuns   = expvar.NewInt("reconcile_runs")
	InvariantAlarms = expvar.NewInt("invariant_alarms")

	// LedgerDiscrepancies 资金对账差异累计数，增长即需人工复核
	LedgerDiscrepancies = expvar.NewInt("ledger_discrepancies")
)
