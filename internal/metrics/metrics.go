// Package metrics declares the service's Prometheus instruments. Everything
// registers on the default registry via promauto; the HTTP layer exposes it
// under /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OpsWritten counts bucket operations persisted by replication, by kind.
	OpsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bucketsync_ops_written_total",
		Help: "Bucket operations persisted by the replication writer",
	}, []string{"kind"})

	// TransactionsReplicated counts source transactions committed as
	// checkpoints.
	TransactionsReplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bucketsync_transactions_replicated_total",
		Help: "Source transactions committed as sync checkpoints",
	})

	// RowsTooLarge counts replicated rows replaced by an error placeholder
	// because they exceeded the row size limit.
	RowsTooLarge = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bucketsync_rows_too_large_total",
		Help: "Rows exceeding the size limit, synced as error placeholders",
	})

	// FlushRetries counts storage flush attempts that failed and were
	// retried.
	FlushRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bucketsync_flush_retries_total",
		Help: "Failed storage flush attempts that were retried",
	})

	// CheckpointsBroadcast counts checkpoint updates published to stream
	// listeners.
	CheckpointsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bucketsync_checkpoints_broadcast_total",
		Help: "Checkpoint updates fanned out to connected streams",
	})

	// ActiveStreams tracks currently connected sync streams.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bucketsync_active_streams",
		Help: "Currently connected sync streams",
	})

	// DataSynced counts bytes of bucket data written to sync streams.
	DataSynced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bucketsync_data_synced_bytes_total",
		Help: "Bytes of bucket operation data sent to clients",
	})

	// ChecksumCache counts checksum cache lookups by outcome.
	ChecksumCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bucketsync_checksum_cache_lookups_total",
		Help: "Checksum cache lookups by outcome",
	}, []string{"outcome"})
)
