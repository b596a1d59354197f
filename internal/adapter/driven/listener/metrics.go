package listener

import (
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts call outcomes.
type Metrics struct {
	port.NopListener

	received *prometheus.CounterVec
	ended    *prometheus.CounterVec
	errors   *prometheus.CounterVec
	removed  *prometheus.CounterVec
	duration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yacall",
			Subsystem: "calls",
			Name:      "received_total",
			Help:      "Incoming calls that rang on this device.",
		}, []string{"type"}),
		ended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yacall",
			Subsystem: "calls",
			Name:      "ended_total",
			Help:      "Calls ended, by end reason.",
		}, []string{"type", "reason"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yacall",
			Subsystem: "calls",
			Name:      "errors_total",
			Help:      "Call errors, by kind.",
		}, []string{"kind"}),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yacall",
			Subsystem: "calls",
			Name:      "invitees_removed_total",
			Help:      "Group invitees dropped before joining, by reason.",
		}, []string{"reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "yacall",
			Subsystem: "calls",
			Name:      "duration_seconds",
			Help:      "Time spent in established calls.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.received, m.ended, m.errors, m.removed, m.duration)
	}
	return m
}

func (m *Metrics) OnReceivedCall(t domain.CallType, _ domain.UserID, _ map[string]any) {
	m.received.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) OnInviteeRemoved(_ domain.CallID, _ domain.UserID, reason domain.EndReason) {
	m.removed.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) OnEndCallWithReason(reason domain.EndReason, info domain.CallInfo) {
	m.ended.WithLabelValues(string(info.Type), string(reason)).Inc()
	if !info.StartedAt.IsZero() {
		m.duration.Observe(info.Duration.Seconds())
	}
}

func (m *Metrics) OnCallError(err *domain.CallError) {
	m.errors.WithLabelValues(string(err.Kind)).Inc()
}
