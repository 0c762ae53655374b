package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors for the sync engine. Registered on the default registry and
// exported via promhttp in the app wiring.
var (
	UploadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lockbox_uploads_total",
		Help: "Number of accepted package uploads.",
	})
	UploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lockbox_upload_bytes_total",
		Help: "Total payload bytes accepted by uploads.",
	})
	UpdatesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lockbox_fanout_updates_total",
		Help: "Update tuples claimed and logged by fanout workers.",
	})
	MailboxAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lockbox_fanout_deliveries_total",
		Help: "Per-device mailbox appends performed by fanout workers.",
	})
	Quarantined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lockbox_fanout_quarantined_total",
		Help: "Update tuples moved to quarantine.",
	})
	FanoutWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lockbox_fanout_workers",
		Help: "Current size of the fanout worker pool.",
	})
	PendingDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lockbox_pending_updates",
		Help: "Entries currently in the pending-update queue.",
	})
)
