package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the raffle's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "raffle_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "raffle_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	raffleEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle_layer",
			Subsystem: "raffle",
			Name:      "entries_total",
			Help:      "Entry attempts by outcome.",
		},
		[]string{"result"},
	)

	raffleUpkeeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle_layer",
			Subsystem: "raffle",
			Name:      "upkeeps_total",
			Help:      "Round close attempts by outcome.",
		},
		[]string{"result"},
	)

	raffleFulfillments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle_layer",
			Subsystem: "raffle",
			Name:      "fulfillments_total",
			Help:      "Randomness deliveries by outcome.",
		},
		[]string{"result"},
	)

	rafflePayouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle_layer",
			Subsystem: "raffle",
			Name:      "payouts_total",
			Help:      "Withdrawals from custody by outcome.",
		},
		[]string{"result"},
	)

	rafflePlayers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "raffle_layer",
			Subsystem: "raffle",
			Name:      "players",
			Help:      "Entries in the current round.",
		},
	)

	raffleRound = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "raffle_layer",
			Subsystem: "raffle",
			Name:      "round",
			Help:      "Number of completed rounds.",
		},
	)

	keeperTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle_layer",
			Subsystem: "automation",
			Name:      "ticks_total",
			Help:      "Keeper ticks by outcome.",
		},
		[]string{"result"},
	)

	keeperDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "raffle_layer",
			Subsystem: "automation",
			Name:      "tick_duration_seconds",
			Help:      "Duration of keeper ticks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	vrfRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle_layer",
			Subsystem: "vrf",
			Name:      "requests_total",
			Help:      "Coordinator requests by outcome.",
		},
		[]string{"status"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		raffleEntries,
		raffleUpkeeps,
		raffleFulfillments,
		rafflePayouts,
		rafflePlayers,
		raffleRound,
		keeperTicks,
		keeperDuration,
		vrfRequests,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordEntry counts an entry attempt.
func RecordEntry(result string) {
	raffleEntries.WithLabelValues(result).Inc()
}

// RecordUpkeep counts a round close attempt.
func RecordUpkeep(result string) {
	raffleUpkeeps.WithLabelValues(result).Inc()
}

// RecordFulfillment counts a randomness delivery.
func RecordFulfillment(result string) {
	raffleFulfillments.WithLabelValues(result).Inc()
}

// RecordPayout counts a withdrawal attempt.
func RecordPayout(result string) {
	rafflePayouts.WithLabelValues(result).Inc()
}

// SetRoundState publishes the current player count and completed rounds.
func SetRoundState(players int, round uint64) {
	rafflePlayers.Set(float64(players))
	raffleRound.Set(float64(round))
}

// RecordKeeperTick records one automation tick.
func RecordKeeperTick(result string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	keeperTicks.WithLabelValues(result).Inc()
	keeperDuration.Observe(duration.Seconds())
}

// RecordVRFRequest counts a coordinator request transition.
func RecordVRFRequest(status string) {
	vrfRequests.WithLabelValues(status).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "raffle" || len(parts) == 1 {
		return "/" + parts[0]
	}
	if parts[1] == "players" && len(parts) > 2 {
		return "/raffle/players/:index"
	}
	return "/raffle/" + strings.Join(parts[1:], "/")
}
