// Package metrics provides the Prometheus registry and handler for the export services.
// All metrics are defined in their respective packages (source, storage, fanout,
// queue, ledger, pipeline) to maintain modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the export services.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Source Metrics (pkg/source):
//   - woo_requests_total{entity, status} (Counter): Source requests by entity and HTTP status or error class
//   - woo_request_duration_seconds{entity} (Histogram): Source request duration by entity
//   - woo_errors_total{class} (Counter): Source errors by class (client, server, network, decode)
//
// Storage Metrics (pkg/storage):
//   - woo_storage_writes_total{entity, outcome} (Counter): Page writes by outcome (ok, error, checksum_mismatch)
//   - woo_storage_write_bytes_total{entity} (Counter): Bytes written
//   - woo_storage_write_duration_seconds{entity} (Histogram): Page write duration
//
// Pipeline Metrics (pkg/pipeline):
//   - woo_page_exports_total{entity, outcome} (Counter): Page exports by outcome (ok or error kind)
//   - woo_page_export_duration_seconds{entity} (Histogram): Full page export duration
//   - woo_enqueue_runs_total{entity, outcome} (Counter): Enqueue runs by outcome
//
// Fan-Out Metrics (pkg/fanout):
//   - woo_fanout_tasks_total{entity, outcome} (Counter): Page tasks by outcome (created, failed)
//
// Queue Metrics (pkg/queue):
//   - woo_tasks_created_total{queue} (Counter): Deferred tasks created
//   - woo_tasks_dead_total{queue} (Counter): Tasks moved to dead letters
//   - woo_task_deliveries_total{outcome} (Counter): Delivery attempts (delivered, retry, dead)
//   - woo_task_retries_total{error_class} (Counter): Delivery retries by error class
//   - woo_task_retry_backoff_seconds{error_class} (Histogram): Backoff before the next attempt
//   - woo_task_retry_exhausted_total{error_class} (Counter): Tasks that used up their attempts
//
// Ledger Metrics (pkg/ledger):
//   - woo_ledger_writes_total{entity} (Counter): Recorded ledger entries
//   - woo_ledger_errors_total{operation} (Counter): Ledger operation errors
//
// Example Prometheus Queries:
//
//   # Page export error rate by kind
//   sum by (outcome) (rate(woo_page_exports_total{outcome!="ok"}[5m]))
//
//   # Source availability
//   sum(rate(woo_requests_total{status=~"2.."}[5m])) / sum(rate(woo_requests_total[5m]))
//
//   # P95 page export latency
//   histogram_quantile(0.95, rate(woo_page_export_duration_seconds_bucket[5m]))
//
//   # Dead letters growing
//   increase(woo_tasks_dead_total[1h]) > 0
