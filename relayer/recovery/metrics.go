package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StuckTransactions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "recovery",
		Name:      "stuck_transactions",
		Help:      "Shows the number of transactions without progress for longer than the allowed stuck time.",
	}, []string{"bridge_id"})
	AbortedTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "recovery",
		Name:      "aborted_transactions_total",
		Help:      "Counts stuck transactions force-moved to the aborted status.",
	}, []string{"bridge_id"})
	RequeuedTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "recovery",
		Name:      "requeued_transactions_total",
		Help:      "Counts failed or aborted transactions re-queued for processing.",
	}, []string{"bridge_id"})
	CheckpointsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "recovery",
		Name:      "checkpoints_written_total",
		Help:      "Counts checkpoint write attempts by result.",
	}, []string{"bridge_id", "status"})
	LastCheckpointTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "recovery",
		Name:      "last_checkpoint_timestamp_seconds",
		Help:      "Shows the unix timestamp of the last successfully written checkpoint.",
	}, []string{"bridge_id"})
	KeyRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "recovery",
		Name:      "signing_key_rotations_total",
		Help:      "Counts failovers between the primary and backup signing keys.",
	}, []string{"bridge_id"})
	SigningKeyHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "recovery",
		Name:      "signing_key_healthy",
		Help:      "Shows 1 if the signing key passes its health probes.",
	}, []string{"bridge_id", "role"})
)
