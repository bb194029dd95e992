package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var workItemsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modlog_scheduler_work_items_added_total",
	Help: "Total number of work items added to the worker pool",
}, []string{"pool"})

var workItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modlog_scheduler_work_items_processed_total",
	Help: "Total number of work items processed by the worker pool",
}, []string{"pool"})

var workItemsActive = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modlog_scheduler_work_items_active_total",
	Help: "Total number of work items passed into a worker",
}, []string{"pool"})

var workItemsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modlog_scheduler_work_items_failed_total",
	Help: "Total number of work items that returned an error",
}, []string{"pool"})

var workersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "modlog_scheduler_workers_active",
	Help: "Number of workers currently active",
}, []string{"pool"})
