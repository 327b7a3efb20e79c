package handlers

import (
	"database/sql"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var startTime = time.Now()

// NewMetricsRegistry returns a registry with runtime, process and connection
// pool collectors. Scheduler metrics are registered on it by the caller.
func NewMetricsRegistry(db *sql.DB) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fleetcron",
			Name:      "uptime_seconds",
			Help:      "Time since server start in seconds.",
		}, func() float64 { return time.Since(startTime).Seconds() }),
	)
	if db != nil {
		reg.MustRegister(collectors.NewDBStatsCollector(db, "fleetcron"))
	}
	return reg
}

// Metrics serves the registry in the Prometheus exposition format.
func Metrics(reg *prometheus.Registry) gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
}
