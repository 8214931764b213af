package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OutboxDepth tracks queued ops across all conversation lanes.
	OutboxDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncline_outbox_depth",
		Help: "Number of operations waiting in the offline queue.",
	})

	// QueueRetries counts dispatch attempts rescheduled with backoff.
	QueueRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncline_queue_retries_total",
		Help: "Total number of queued operations rescheduled after a retryable failure.",
	})

	// QueueDrops counts ops dropped permanently (terminal error or budget exhausted).
	QueueDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncline_queue_drops_total",
		Help: "Total number of queued operations dropped as permanent failures.",
	})

	// MergeApplied counts realtime events applied to the cache, by entity and op.
	MergeApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncline_merge_applied_total",
		Help: "Total number of realtime events applied to the cache.",
	}, []string{"entity", "op"})

	// MergeStale counts realtime events discarded by last-write-wins.
	MergeStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncline_merge_stale_total",
		Help: "Total number of realtime events discarded because the cached entry was newer.",
	})

	// ReceiptsCoalesced counts mark-as-read triggers absorbed by debounce or dedup.
	ReceiptsCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncline_receipts_coalesced_total",
		Help: "Total number of mark-as-read triggers absorbed without a network call.",
	})

	// ReceiptsSent counts mark-as-read calls that reached the backend.
	ReceiptsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncline_receipts_sent_total",
		Help: "Total number of mark-as-read calls issued to the backend.",
	})

	// PushReconnects counts push channel reconnection attempts.
	PushReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncline_push_reconnects_total",
		Help: "Total number of push channel reconnection attempts.",
	})
)

// Register registers all sync core collectors with the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		OutboxDepth,
		QueueRetries,
		QueueDrops,
		MergeApplied,
		MergeStale,
		ReceiptsCoalesced,
		ReceiptsSent,
		PushReconnects,
	)
}
