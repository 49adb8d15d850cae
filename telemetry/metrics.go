// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsAppended     *prometheus.CounterVec // label: kind
	AppendFailures     prometheus.Counter
	Reconnects         prometheus.Counter
	HeartbeatTimeouts  prometheus.Counter
	PollErrors         *prometheus.CounterVec // label: reason
	SessionsFinalized  *prometheus.CounterVec // label: reason
	PeaksDetected      prometheus.Counter
	AnalysesCompleted  *prometheus.CounterVec // label: result
	HTTPRequests       *prometheus.CounterVec // labels: route, code
	SessionsPruned     prometheus.Counter

	// Histograms (seconds)
	AnalysisDuration prometheus.Observer
	PollDuration     prometheus.Observer

	// Gauges
	ActiveCollectors prometheus.Gauge
	DegradedChannels prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatpeak_events_appended_total", Help: "Events appended to stream logs"}, []string{"kind"})
		AppendFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chatpeak_append_failures_total", Help: "Events dropped because the log append failed"})
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "chatpeak_reconnects_total", Help: "Streaming client reconnect attempts"})
		HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{Name: "chatpeak_heartbeat_timeouts_total", Help: "Connections dropped for missing heartbeats"})
		PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatpeak_poll_errors_total", Help: "Channel status queries that failed"}, []string{"reason"})
		SessionsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatpeak_sessions_finalized_total", Help: "Stream sessions finalized"}, []string{"reason"})
		PeaksDetected = promauto.NewCounter(prometheus.CounterOpts{Name: "chatpeak_peaks_detected_total", Help: "Peaks written to peaks.json"})
		AnalysesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatpeak_analyses_total", Help: "Analysis runs by result"}, []string{"result"})
		HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatpeak_http_requests_total", Help: "HTTP requests served"}, []string{"route", "code"})
		SessionsPruned = promauto.NewCounter(prometheus.CounterOpts{Name: "chatpeak_sessions_pruned_total", Help: "Stream directories deleted by retention"})
		AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatpeak_analysis_duration_seconds",
			Help:    "Time to aggregate a stream log and detect peaks",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120}, // long streams take tens of seconds
		})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatpeak_poll_cycle_duration_seconds", Help: "Duration of one status poll cycle", Buckets: prometheus.DefBuckets})
		ActiveCollectors = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatpeak_active_collectors", Help: "Collectors currently recording a stream"})
		DegradedChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatpeak_degraded_channels", Help: "Channels whose status queries keep failing"})
	})
}

// CountEvent records one appended event of the given kind.
func CountEvent(kind string) {
	if EventsAppended != nil {
		EventsAppended.WithLabelValues(kind).Inc()
	}
}

// CountAppendFailure records one dropped event.
func CountAppendFailure() {
	if AppendFailures != nil {
		AppendFailures.Inc()
	}
}

// CountReconnect records one reconnect attempt.
func CountReconnect() {
	if Reconnects != nil {
		Reconnects.Inc()
	}
}

// CountHeartbeatTimeout records one heartbeat expiry.
func CountHeartbeatTimeout() {
	if HeartbeatTimeouts != nil {
		HeartbeatTimeouts.Inc()
	}
}

// CountPollError records a failed status query.
func CountPollError(reason string) {
	if PollErrors != nil {
		PollErrors.WithLabelValues(reason).Inc()
	}
}

// CountFinalized records a finalized session by reason.
func CountFinalized(reason string) {
	if SessionsFinalized != nil {
		SessionsFinalized.WithLabelValues(reason).Inc()
	}
}

// CountAnalysis records an analysis run and the peaks it produced.
func CountAnalysis(result string, peaks int) {
	if AnalysesCompleted != nil {
		AnalysesCompleted.WithLabelValues(result).Inc()
	}
	if PeaksDetected != nil && peaks > 0 {
		PeaksDetected.Add(float64(peaks))
	}
}

// CountHTTPRequest records one served request.
func CountHTTPRequest(route string, code int) {
	if HTTPRequests != nil {
		HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	}
}

// CountPruned records one deleted stream directory.
func CountPruned() {
	if SessionsPruned != nil {
		SessionsPruned.Inc()
	}
}

// SetActiveCollectors records the number of live collectors.
func SetActiveCollectors(n int) {
	if ActiveCollectors != nil {
		ActiveCollectors.Set(float64(n))
	}
}

// SetDegradedChannels records the number of degraded channels.
func SetDegradedChannels(n int) {
	if DegradedChannels != nil {
		DegradedChannels.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id (a request id or a stream id).
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
