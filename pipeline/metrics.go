package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "modlog_event_duration_sec",
	Help: "Total duration of moderation event processing",
}, []string{"action"})

var eventProcessCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modlog_event_processed",
	Help: "Number of moderation events persisted, by action type",
}, []string{"action"})

var eventDroppedCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modlog_event_dropped",
	Help: "Number of audit entries that classified to no action",
})

var eventErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modlog_event_errors",
	Help: "Number of events which hit an error, by kind",
}, []string{"kind"})

var notificationsSent = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modlog_notifications_sent",
	Help: "Number of notifications delivered",
})

var retentionDeleted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modlog_retention_deleted_records",
	Help: "Number of records removed by retention sweeps",
})

var linkAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modlog_link_attempts",
	Help: "Number of link attempts, by result",
}, []string{"result"})

var dbSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "modlog_db_size_bytes",
	Help: "Last measured size of the record store",
})
