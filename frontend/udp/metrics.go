package udp

import (
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var responseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name: "tracker_udp_response_duration_seconds",
	Help: "Duration of UDP frontend request handling, by action and address family.",
}, []string{"action", "address_family", "error"})

func init() {
	prometheus.MustRegister(responseDuration)
}

// recordResponseDuration records how long it took to handle a request of
// the given action, labeled with the requester's address family and
// whether the request ended in a client or internal error.
func recordResponseDuration(action string, ip netip.Addr, err error, duration time.Duration) {
	if action == "" {
		action = "unknown"
	}

	family := "ipv4"
	if ip.Is6() && !ip.Is4In6() {
		family = "ipv6"
	}

	errLabel := "none"
	if err != nil {
		errLabel = "internal"
		if isClientFault(err) {
			errLabel = "client"
		}
	}

	responseDuration.WithLabelValues(action, family, errLabel).Observe(duration.Seconds())
}
