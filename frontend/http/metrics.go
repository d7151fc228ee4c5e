package http

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var responseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name: "tracker_http_response_duration_seconds",
	Help: "Duration of HTTP frontend request handling, by path action.",
}, []string{"action"})

func init() {
	prometheus.MustRegister(responseDuration)
}

// recordResponseDuration records how long it took to handle a request
// routed to the given action ("announce", "scrape", "healthz", "admin",
// "notfound").
func recordResponseDuration(action string, duration time.Duration) {
	if action == "" {
		action = "unknown"
	}
	responseDuration.WithLabelValues(action).Observe(duration.Seconds())
}
