package relayer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LatestHeadBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "watcher",
		Name:      "latest_head_block",
		Help:      "Shows the latest confirmed head block of the watched chain. Events up to this block are waiting to be discovered.",
	}, []string{"bridge_id", "chain_id", "address"})
	LatestProcessedBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "watcher",
		Name:      "latest_processed_block",
		Help:      "Shows the latest processed block of the watched chain. Transfer events up to this block are already recorded in the ledger.",
	}, []string{"bridge_id", "chain_id", "address"})
	SyncedWatcher = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "watcher",
		Name:      "synced",
		Help:      "Shows 1 if the watcher is considered as synced up to the confirmed chain head.",
	}, []string{"bridge_id", "chain_id", "address"})
	DiscoveredTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "watcher",
		Name:      "discovered_transfers_total",
		Help:      "Counts transfer events turned into new ledger transactions.",
	}, []string{"bridge_id", "chain_id", "transfer_type"})
	ProcessedTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "processor",
		Name:      "transactions_total",
		Help:      "Counts processed transactions by their tick outcome.",
	}, []string{"bridge_id", "result"})
	ProcessingDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relayer",
		Subsystem: "processor",
		Name:      "processing_duration_seconds",
		Help:      "Shows durations of individual transaction processing attempts.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"bridge_id"})
	DroppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Counts events dropped due to full subscriber buffers.",
	}, []string{"bridge_id", "type"})
)
