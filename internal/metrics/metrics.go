package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_active_connections",
		Help: "Live websocket connections on this instance",
	})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_messages_sent_total",
		Help: "Messages persisted by the pipeline, by message type",
	}, []string{"type"})

	FanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_fanout_dropped_total",
		Help: "Frames dropped because a connection's send buffer was full",
	})

	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_auth_failures_total",
		Help: "Rejected credentials, by surface",
	}, []string{"surface"})
)

// Handler returns an http.Handler for Prometheus scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
