// Package metrics provides Prometheus metrics for turnrelay.
package metrics

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/philsphicas/turnrelay/internal/player"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "turnrelay"

const (
	ReasonAcceptFailed  = "accept_failed"
	ReasonUpgradeFailed = "upgrade_failed"
	ReasonAbandoned     = "abandoned"
)

const (
	CauseTimeout  = "timeout"
	CauseCanceled = "canceled"
	CauseEOF      = "eof"
	CauseClosed   = "closed"
	CauseError    = "error"
)

// Metrics holds all Prometheus metrics for turnrelay.
type Metrics struct {
	Registry *prometheus.Registry

	sessionsTotal    *prometheus.CounterVec
	sessionErrors    *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	waitingPlayers   prometheus.Gauge
	connectionsTotal *prometheus.CounterVec
	connectionErrors *prometheus.CounterVec
	cyclesTotal      prometheus.Counter
	sessionDuration  prometheus.Histogram
	sessionCycles    prometheus.Histogram
	engineDuration   *prometheus.HistogramVec
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions that ended, by status.",
		}, []string{"status"}),

		sessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Total sessions aborted by an error, by error kind and cause.",
		}, []string{"kind", "cause"}),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently relaying.",
		}),

		waitingPlayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "waiting_players",
			Help:      "Number of accepted players waiting for an opponent.",
		}),

		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total accepted player connections, by transport.",
		}, []string{"transport"}),

		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total number of connection errors, by reason.",
		}, []string{"transport", "reason"}),

		cyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_cycles_total",
			Help:      "Total completed relay cycles (one action and its two results).",
		}),

		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of ended sessions in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),

		sessionCycles: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_cycles",
			Help:      "Relay cycles completed per ended session.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),

		engineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_duration_seconds",
			Help:      "Time spent inside the game engine, by operation.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.sessionsTotal,
		m.sessionErrors,
		m.activeSessions,
		m.waitingPlayers,
		m.connectionsTotal,
		m.connectionErrors,
		m.cyclesTotal,
		m.sessionDuration,
		m.sessionCycles,
		m.engineDuration,
	)

	return m
}

// ConnectionAccepted counts a player connection on transport.
func (m *Metrics) ConnectionAccepted(transport string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(transport).Inc()
}

// ConnectionError records a connection that never reached a session.
func (m *Metrics) ConnectionError(transport, reason string) {
	if m == nil {
		return
	}
	m.connectionErrors.WithLabelValues(transport, reason).Inc()
}

// SetWaitingPlayers sets the number of unpaired players.
func (m *Metrics) SetWaitingPlayers(n int) {
	if m == nil {
		return
	}
	m.waitingPlayers.Set(float64(n))
}

// ObserveEngine records the time spent in one engine call.
func (m *Metrics) ObserveEngine(op string, seconds float64) {
	if m == nil {
		return
	}
	m.engineDuration.WithLabelValues(op).Observe(seconds)
}

// Cause classifies a session error for the cause label.
func Cause(err error) string {
	switch {
	case errors.Is(err, player.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CauseTimeout
	case errors.Is(err, context.Canceled):
		return CauseCanceled
	case errors.Is(err, player.ErrClosed), errors.Is(err, net.ErrClosed):
		return CauseClosed
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return CauseEOF
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CauseTimeout
	}
	return CauseError
}

// SessionOpened increments the active session gauge and returns a
// tracker that records the session's outcome when it ends.
func (m *Metrics) SessionOpened() *SessionTracker {
	if m == nil {
		return nil
	}
	m.activeSessions.Inc()
	return &SessionTracker{m: m}
}

// SessionTracker records the lifecycle of a single session.
type SessionTracker struct {
	m *Metrics
}

// Cycle counts one completed relay cycle.
func (t *SessionTracker) Cycle() {
	if t == nil {
		return
	}
	t.m.cyclesTotal.Inc()
}

// Done records the end of a session. kind names the failing step and is
// ignored when err is nil.
func (t *SessionTracker) Done(durationSec float64, cycles int, kind string, err error) {
	if t == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
		t.m.sessionErrors.WithLabelValues(kind, Cause(err)).Inc()
	}
	t.m.activeSessions.Dec()
	t.m.sessionsTotal.WithLabelValues(status).Inc()
	t.m.sessionDuration.Observe(durationSec)
	t.m.sessionCycles.Observe(float64(cycles))
}
