package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SagaMetrics содержит метрики для saga операций.
type SagaMetrics struct {
	// Счётчики исходов саги заказа
	sagaStarted   prometheus.Counter
	sagaCanceled  prometheus.Counter
	sagaRefunded  prometheus.Counter
	sagaCompleted prometheus.Counter
	sagaFailed    prometheus.Counter

	// Переходы state machine и компенсации
	transitions   *prometheus.CounterVec
	compensations *prometheus.CounterVec

	sagaDuration prometheus.Histogram
	stepDuration *prometheus.HistogramVec

	publishedEvents *prometheus.CounterVec

	// Заказы, ожидающие развязки (оплата или отмена)
	activeSagas prometheus.Gauge
}

// NewSagaMetrics создаёт метрики saga в DefaultRegisterer.
func NewSagaMetrics() *SagaMetrics {
	return NewSagaMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSagaMetricsWithRegisterer создаёт метрики в указанном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewSagaMetricsWithRegisterer(registerer prometheus.Registerer) *SagaMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SagaMetrics{
		sagaStarted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_saga_started_total",
			Help: "Total number of order sagas started",
		}),
		sagaCanceled: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_saga_canceled_total",
			Help: "Total number of order sagas canceled",
		}),
		sagaRefunded: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_saga_refunded_total",
			Help: "Total number of refunds completed",
		}),
		sagaCompleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_saga_completed_total",
			Help: "Total number of order sagas confirmed by payment",
		}),
		sagaFailed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_saga_failed_total",
			Help: "Total number of order sagas failed on payment",
		}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_state_transitions_total",
			Help: "State machine transitions applied, by entity and transition",
		}, []string{"entity", "transition"}),
		compensations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_saga_compensations_total",
			Help: "Compensating actions executed, by step",
		}, []string{"step"}),
		sagaDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "fulfillment_saga_duration_seconds",
			Help:    "Time from order creation to a terminal saga outcome",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "fulfillment_saga_step_duration_seconds",
			Help:    "Duration of individual saga steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"}),
		publishedEvents: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_events_published_total",
			Help: "Events published to the broker or outbox, by topic",
		}, []string{"topic"}),
		activeSagas: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "fulfillment_active_sagas",
			Help: "Number of orders with a saga in flight in this process",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// Все Record-методы безопасны для nil-получателя: сервисы в тестах работают без метрик.

// RecordSagaStarted увеличивает счётчик запущенных саг.
func (m *SagaMetrics) RecordSagaStarted() {
	if m == nil {
		return
	}
	m.sagaStarted.Inc()
	m.activeSagas.Inc()
}

// RecordSagaCanceled фиксирует отмену заказа.
func (m *SagaMetrics) RecordSagaCanceled(startedAt time.Time) {
	if m == nil {
		return
	}
	m.sagaCanceled.Inc()
	m.finish(startedAt)
}

// RecordSagaCompleted фиксирует подтверждение заказа оплатой.
func (m *SagaMetrics) RecordSagaCompleted(startedAt time.Time) {
	if m == nil {
		return
	}
	m.sagaCompleted.Inc()
	m.finish(startedAt)
}

// RecordSagaFailed фиксирует отказ платежа.
func (m *SagaMetrics) RecordSagaFailed(startedAt time.Time) {
	if m == nil {
		return
	}
	m.sagaFailed.Inc()
	m.finish(startedAt)
}

// RecordSagaRefunded увеличивает счётчик завершённых возвратов.
func (m *SagaMetrics) RecordSagaRefunded() {
	if m == nil {
		return
	}
	m.sagaRefunded.Inc()
}

func (m *SagaMetrics) finish(startedAt time.Time) {
	// Gauge локален процессу: исход может наступить в другой реплике, поэтому не уходим ниже нуля.
	if current := gaugeValue(m.activeSagas); current > 0 {
		m.activeSagas.Dec()
	}
	if !startedAt.IsZero() {
		m.sagaDuration.Observe(time.Since(startedAt).Seconds())
	}
}

// RecordTransition учитывает применённый переход state machine.
func (m *SagaMetrics) RecordTransition(entity, transition string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(entity, transition).Inc()
}

// RecordCompensation учитывает выполненную компенсацию шага.
func (m *SagaMetrics) RecordCompensation(step string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(step).Inc()
}

// RecordStepDuration записывает время выполнения шага саги.
func (m *SagaMetrics) RecordStepDuration(step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordPublished учитывает опубликованное событие.
func (m *SagaMetrics) RecordPublished(topic string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.publishedEvents.WithLabelValues(topic).Add(float64(count))
}
