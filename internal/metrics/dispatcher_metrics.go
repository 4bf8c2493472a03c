package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// DispatcherMetrics — метрики потребителя событий.
type DispatcherMetrics struct {
	outcomes    *prometheus.CounterVec
	retries     *prometheus.CounterVec
	deadLetters *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewDispatcherMetrics регистрирует метрики диспетчера.
func NewDispatcherMetrics(registerer prometheus.Registerer) *DispatcherMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &DispatcherMetrics{
		outcomes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_dispatcher_messages_total",
			Help: "Consumed messages by final outcome",
		}, []string{"group", "topic", "outcome"}),
		retries: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_dispatcher_retries_total",
			Help: "Handler retries scheduled by the dispatcher",
		}, []string{"group", "topic"}),
		deadLetters: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_dispatcher_dead_letters_total",
			Help: "Messages dead-lettered after exhausting retries or on a permanent error",
		}, []string{"group", "topic"}),
		duration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "fulfillment_dispatcher_handler_duration_seconds",
			Help:    "Duration of a single handler attempt",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"group", "topic"}),
	}
}

// RecordOutcome учитывает итог обработки сообщения.
func (m *DispatcherMetrics) RecordOutcome(group, topic, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(group, topic, outcome).Inc()
}

// RecordRetry учитывает повторную попытку.
func (m *DispatcherMetrics) RecordRetry(group, topic string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(group, topic).Inc()
}

// RecordDeadLetter учитывает запись в dead-letter.
func (m *DispatcherMetrics) RecordDeadLetter(group, topic string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(group, topic).Inc()
}

// RecordHandlerDuration записывает длительность одной попытки обработчика.
func (m *DispatcherMetrics) RecordHandlerDuration(group, topic string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(group, topic).Observe(d.Seconds())
}

func gaugeValue(g prometheus.Gauge) float64 {
	metric := &dto.Metric{}
	if err := g.Write(metric); err != nil || metric.Gauge == nil {
		return 0
	}
	return metric.Gauge.GetValue()
}
