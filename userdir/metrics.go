package userdir

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var userLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modlog_userdir_lookups_total",
	Help: "User and member lookups against the platform API",
}, []string{"kind", "status"})

var userLookupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "modlog_userdir_lookup_duration_seconds",
	Help:    "Time to fetch a user or member from the platform API",
	Buckets: prometheus.ExponentialBucketsRange(0.001, 10, 15),
}, []string{"kind", "status"})

var userCacheResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modlog_userdir_cache_results_total",
	Help: "User directory cache hits and misses",
}, []string{"kind", "result"})
