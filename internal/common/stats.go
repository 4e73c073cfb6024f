package common

// Stats is a snapshot of engine counters. Counters are cumulative since
// construction or the last reset; the remaining fields are point in time.
type Stats struct {
	OrdersAccepted   uint64 `json:"orders_accepted"`
	OrdersProcessed  uint64 `json:"orders_processed"`
	OrdersRejected   uint64 `json:"orders_rejected"`
	TradesExecuted   uint64 `json:"trades_executed"`
	Cancels          uint64 `json:"cancels"`
	EgressDropped    uint64 `json:"egress_dropped"`
	ObserverFailures uint64 `json:"observer_failures"`
	ActiveSymbols    int    `json:"active_symbols"`
	RestingOrders    int    `json:"resting_orders"`
	OfflineBooks     int    `json:"offline_books"`
	QueuedOrders     int    `json:"queued_orders"`
}
