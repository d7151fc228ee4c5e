// Package stats records tracker-wide counters (announces, scrapes, peer
// churn) off of the request hot path. Recording an event never blocks: it
// writes into a lock-free many-to-one ring buffer (the same primitive the
// teacher's Cloud Foundry dependency, code.cloudfoundry.org/go-diodes,
// provides for log forwarding) and a single background consumer drains it
// into Prometheus counters and gauges.
package stats

import (
	"time"
	"unsafe"

	"code.cloudfoundry.org/go-diodes"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/torshare/torshare-tracker/pkg/log"
)

// Event identifies the kind of occurrence being recorded.
type Event int

// Recognized events.
const (
	EventAnnounce Event = iota
	EventScrape
	EventNewLeecher
	EventDeletedLeecher
	EventNewSeeder
	EventDeletedSeeder
	EventGraduated
	EventClientError
	EventInternalError
)

var logger = log.NewLogger("stats")

var (
	announces = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_announces_total",
		Help: "Total number of announce requests handled.",
	})
	scrapes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_scrapes_total",
		Help: "Total number of scrape requests handled.",
	})
	clientErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_client_errors_total",
		Help: "Total number of requests rejected due to client error.",
	})
	internalErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_internal_errors_total",
		Help: "Total number of requests that failed with an internal error.",
	})
	leechers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_leechers",
		Help: "Current number of tracked leechers, across all swarms.",
	})
	seeders = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_seeders",
		Help: "Current number of tracked seeders, across all swarms.",
	})
	graduations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_leecher_graduations_total",
		Help: "Total number of leecher-to-seeder transitions.",
	})
	droppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_stats_events_dropped_total",
		Help: "Total number of stat events dropped because the consumer fell behind.",
	})
)

func init() {
	prometheus.MustRegister(announces, scrapes, clientErrors, internalErrors,
		leechers, seeders, graduations, droppedEvents)
}

// Recorder is a non-blocking sink for tracker events.
type Recorder struct {
	d       *diodes.ManyToOne
	closing chan struct{}
	done    chan struct{}
}

// NewRecorder starts a Recorder with the given ring buffer capacity. Call
// Close to stop the background consumer.
func NewRecorder(bufferSize int) *Recorder {
	r := &Recorder{
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	r.d = diodes.NewManyToOne(bufferSize, diodes.AlertFunc(func(missed int) {
		droppedEvents.Add(float64(missed))
		logger.Warn().Int("missed", missed).Msg("stats consumer fell behind, dropping events")
	}))

	go r.consume()
	return r
}

// Record enqueues an event without blocking the caller.
func (r *Recorder) Record(e Event) {
	ev := e
	r.d.Set(diodes.GenericDataType(&ev))
}

// Close stops the consumer goroutine and waits for it to drain.
func (r *Recorder) Close() {
	close(r.closing)
	<-r.done
}

func (r *Recorder) consume() {
	defer close(r.done)
	for {
		data, ok := r.d.TryNext()
		if !ok {
			select {
			case <-r.closing:
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}
		ev := *(*Event)(unsafe.Pointer(data))
		apply(ev)
	}
}

func apply(e Event) {
	switch e {
	case EventAnnounce:
		announces.Inc()
	case EventScrape:
		scrapes.Inc()
	case EventNewLeecher:
		leechers.Inc()
	case EventDeletedLeecher:
		leechers.Dec()
	case EventNewSeeder:
		seeders.Inc()
	case EventDeletedSeeder:
		seeders.Dec()
	case EventGraduated:
		leechers.Dec()
		seeders.Inc()
		graduations.Inc()
	case EventClientError:
		clientErrors.Inc()
	case EventInternalError:
		internalErrors.Inc()
	}
}
