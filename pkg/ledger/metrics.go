package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LedgerWrites tracks recorded page entries by entity
	LedgerWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "woo_ledger_writes_total",
			Help: "Total number of export ledger entries recorded",
		},
		[]string{"entity"},
	)

	// LedgerErrors tracks ledger operation errors
	LedgerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "woo_ledger_errors_total",
			Help: "Total number of export ledger operation errors",
		},
		[]string{"operation"}, // "record", "get", "list", "reset"
	)
)
