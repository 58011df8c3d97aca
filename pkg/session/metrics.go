package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics prometheus-метрики ядра сессий.
//
// Все методы nil-безопасны: ядро, сконфигурированное без реестра метрик,
// работает без их сбора.
type Metrics struct {
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callDuration     prometheus.Histogram
	registrations    prometheus.Counter
	registrationErrs prometheus.Counter
	refreshRetries   prometheus.Counter
	errorsTotal      *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
}

// NewMetrics создает и регистрирует метрики в переданном реестре.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webphone",
			Subsystem: "session",
			Name:      "calls_total",
			Help:      "Общее количество вызовов по направлению",
		}, []string{"direction"}),
		callsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "webphone",
			Subsystem: "session",
			Name:      "calls_active",
			Help:      "Количество активных вызовов",
		}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "webphone",
			Subsystem: "session",
			Name:      "call_duration_seconds",
			Help:      "Длительность завершенных вызовов",
			Buckets:   []float64{1, 5, 15, 30, 60, 180, 600, 1800, 3600},
		}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webphone",
			Subsystem: "session",
			Name:      "registrations_total",
			Help:      "Количество успешных регистраций",
		}),
		registrationErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webphone",
			Subsystem: "session",
			Name:      "registration_failures_total",
			Help:      "Количество неудачных регистраций",
		}),
		refreshRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webphone",
			Subsystem: "session",
			Name:      "registration_retries_total",
			Help:      "Количество повторов регистрации по политике backoff",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webphone",
			Subsystem: "session",
			Name:      "errors_total",
			Help:      "Ошибки ядра по типизированному коду",
		}, []string{"code"}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webphone",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Переходы state machine по ребрам",
		}, []string{"entity", "from", "to"}),
	}

	reg.MustRegister(
		m.callsTotal,
		m.callsActive,
		m.callDuration,
		m.registrations,
		m.registrationErrs,
		m.refreshRetries,
		m.errorsTotal,
		m.stateTransitions,
	)
	return m
}

func (m *Metrics) CallStarted(direction string) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(direction).Inc()
	m.callsActive.Inc()
}

func (m *Metrics) CallFinished(duration time.Duration) {
	if m == nil {
		return
	}
	m.callsActive.Dec()
	if duration > 0 {
		m.callDuration.Observe(duration.Seconds())
	}
}

func (m *Metrics) RegistrationSucceeded() {
	if m == nil {
		return
	}
	m.registrations.Inc()
}

func (m *Metrics) RegistrationFailed() {
	if m == nil {
		return
	}
	m.registrationErrs.Inc()
}

func (m *Metrics) RefreshRetry() {
	if m == nil {
		return
	}
	m.refreshRetries.Inc()
}

func (m *Metrics) ErrorOccurred(code ErrorCode) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(code.String()).Inc()
}

func (m *Metrics) StateTransition(entity, from, to string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(entity, from, to).Inc()
}
