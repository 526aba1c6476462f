package metrics

import (
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drand/summoner/common/log"
)

var (
	// PrivateMetrics about the internal world (go process, ledger, validation)
	PrivateMetrics = prometheus.NewRegistry()
	// HTTPMetrics about the public surface area (http requests)
	HTTPMetrics = prometheus.NewRegistry()

	// CurrentSlot (Private) is the highest committed slot
	CurrentSlot = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "current_slot",
		Help: "Highest slot committed to the ceremony ledger",
	})
	// ContributionAttempts (Private) counts contribution attempts by outcome
	ContributionAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contribution_attempts",
		Help: "Number of contribution attempts, by outcome",
	}, []string{"outcome"})
	// ValidationDuration (Private) how long contribution validation takes
	ValidationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "validation_duration_seconds",
		Help:    "Time spent validating a contribution against the tip",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	// LedgerConflicts (Private) how many appends lost the race for the tip
	LedgerConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_conflicts",
		Help: "Number of appends rejected because the tip moved",
	})
	// AdmissionDecisions (Private) admission checks by decision
	AdmissionDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_decisions",
		Help: "Number of admission checks, by decision",
	}, []string{"decision"})
	// ObserverRequests (Private) chain observer lookups by result
	ObserverRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "observer_requests",
		Help: "Number of chain observer lookups, by result",
	}, []string{"result"})

	// HTTPCallCounter (HTTP) how many http requests
	HTTPCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_call_counter",
		Help: "Number of HTTP calls received",
	}, []string{"code", "method"})
	// HTTPLatency (HTTP) how long http request handling takes
	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "http_response_duration",
		Help:        "histogram of request latencies",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: prometheus.Labels{"handler": "http"},
	}, []string{"method"})
	// HTTPInFlight (HTTP) how many http requests exist
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight",
		Help: "A gauge of requests currently being served.",
	})

	bindOnce sync.Once
)

func bindMetrics() {
	bindOnce.Do(func() {
		// The private go-level metrics live in private.
		PrivateMetrics.MustRegister(collectors.NewGoCollector())
		PrivateMetrics.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		private := []prometheus.Collector{
			CurrentSlot,
			ContributionAttempts,
			ValidationDuration,
			LedgerConflicts,
			AdmissionDecisions,
			ObserverRequests,
		}
		for _, c := range private {
			PrivateMetrics.MustRegister(c)
		}

		http := []prometheus.Collector{
			HTTPCallCounter,
			HTTPLatency,
			HTTPInFlight,
		}
		for _, c := range http {
			HTTPMetrics.MustRegister(c)
			PrivateMetrics.MustRegister(c)
		}
	})
}

// Start starts a prometheus metrics server with debug endpoints. The pprof
// endpoints are only mounted with withProfile.
func Start(l log.Logger, metricsBind string, withProfile bool) (net.Listener, error) {
	l = l.Named("metrics")
	bindMetrics()

	listener, err := net.Listen("tcp", metricsBind)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	l.Debugw("private listener started", "at", listener.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{Registry: PrivateMetrics}))
	if withProfile {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/debug/gc", func(w http.ResponseWriter, req *http.Request) {
		runtime.GC()
		fmt.Fprintf(w, "GC run complete")
	})

	//nolint:gosec // the metrics port is not meant to be exposed publicly
	s := http.Server{Handler: mux}
	go func() {
		l.Warnw("listen finished", "err", s.Serve(listener))
	}()
	return listener, nil
}

// HTTPHandler exposes the public HTTP metrics.
func HTTPHandler() http.Handler {
	bindMetrics()
	return promhttp.HandlerFor(HTTPMetrics, promhttp.HandlerOpts{Registry: HTTPMetrics})
}

// InstrumentHandler wraps h with the HTTP request collectors.
func InstrumentHandler(h http.Handler) http.Handler {
	bindMetrics()
	return promhttp.InstrumentHandlerInFlight(HTTPInFlight,
		promhttp.InstrumentHandlerCounter(HTTPCallCounter,
			promhttp.InstrumentHandlerDuration(HTTPLatency, h)))
}
