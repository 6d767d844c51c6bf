package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the Prometheus registry for the process and exposes typed
// helpers for the session, chat, and transcode instrumentation the rest of
// the codebase records against.
type Recorder struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	sessionsStarted    prometheus.Counter
	sessionsRejected   *prometheus.CounterVec
	sessionsEnded      *prometheus.CounterVec
	activeSessions     prometheus.Gauge
	roomViewers        *prometheus.GaugeVec
	chatEvents         *prometheus.CounterVec
	transcodeFaults    prometheus.Counter
	persistenceRetries prometheus.Counter
}

var defaultRecorder = New()

// New constructs a Recorder with a fresh registry so tests can instrument in
// isolation without colliding on duplicate collector registration.
func New() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_http_requests_total",
			Help: "HTTP requests served, by method, path, and status code.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livecast_http_request_duration_seconds",
			Help:    "HTTP request latency, by method and path.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecast_sessions_started_total",
			Help: "Publish sessions that reached the live state.",
		}),
		sessionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_sessions_rejected_total",
			Help: "Publish sessions rejected at authorization, by reason.",
		}, []string{"reason"}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_sessions_ended_total",
			Help: "Publish sessions that reached the ended state, by outcome.",
		}, []string{"outcome"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_active_sessions",
			Help: "Publish sessions currently live.",
		}),
		roomViewers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecast_room_viewers",
			Help: "Connected viewers per chat room.",
		}, []string{"room"}),
		chatEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_chat_events_total",
			Help: "Chat events processed, by type.",
		}, []string{"type"}),
		transcodeFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecast_transcode_faults_total",
			Help: "Transcode subprocesses that exited unexpectedly.",
		}),
		persistenceRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecast_persistence_retries_total",
			Help: "Retried persistence writes during session teardown.",
		}),
	}

	registry.MustRegister(
		r.requestsTotal,
		r.requestDuration,
		r.sessionsStarted,
		r.sessionsRejected,
		r.sessionsEnded,
		r.activeSessions,
		r.roomViewers,
		r.chatEvents,
		r.transcodeFaults,
		r.persistenceRetries,
	)
	return r
}

// Default returns the shared Recorder used by packages that do not take an
// explicit instrumentation dependency.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest records one served HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	r.requestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SessionStarted marks a publish session going live.
func (r *Recorder) SessionStarted() {
	r.sessionsStarted.Inc()
	r.activeSessions.Inc()
}

// SessionRejected marks an authorization rejection with its reason label.
func (r *Recorder) SessionRejected(reason string) {
	r.sessionsRejected.WithLabelValues(reason).Inc()
}

// SessionEnded marks a session reaching its terminal state. outcome is
// "clean" for publisher-initiated stops and "crashed" for subprocess faults.
func (r *Recorder) SessionEnded(outcome string) {
	r.sessionsEnded.WithLabelValues(outcome).Inc()
	r.activeSessions.Dec()
}

// SetRoomViewers records the current membership of a chat room.
func (r *Recorder) SetRoomViewers(room string, count int) {
	r.roomViewers.WithLabelValues(room).Set(float64(count))
}

// RoomClosed drops the viewer gauge series for a deleted room.
func (r *Recorder) RoomClosed(room string) {
	r.roomViewers.DeleteLabelValues(room)
}

// ObserveChatEvent counts a processed chat event by type.
func (r *Recorder) ObserveChatEvent(eventType string) {
	r.chatEvents.WithLabelValues(eventType).Inc()
}

// TranscodeFault counts an unexpected subprocess exit.
func (r *Recorder) TranscodeFault() {
	r.transcodeFaults.Inc()
}

// PersistenceRetry counts one retried teardown write.
func (r *Recorder) PersistenceRetry() {
	r.persistenceRetries.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Package-level helpers against the default Recorder.

func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

func SessionStarted() { defaultRecorder.SessionStarted() }

func SessionRejected(reason string) { defaultRecorder.SessionRejected(reason) }

func SessionEnded(outcome string) { defaultRecorder.SessionEnded(outcome) }

func ObserveChatEvent(eventType string) { defaultRecorder.ObserveChatEvent(eventType) }

func TranscodeFault() { defaultRecorder.TranscodeFault() }

func Handler() http.Handler { return defaultRecorder.Handler() }
