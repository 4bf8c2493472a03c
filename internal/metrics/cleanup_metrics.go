package metrics

import "github.com/prometheus/client_golang/prometheus"

// CleanupMetrics — метрики очистки истекающих записей (ключи команд, кэш статусов событий).
type CleanupMetrics struct {
	runs        *prometheus.CounterVec
	deleted     *prometheus.CounterVec
	lastDeleted *prometheus.GaugeVec
}

// NewCleanupMetrics регистрирует метрики очистки.
func NewCleanupMetrics(registerer prometheus.Registerer) *CleanupMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &CleanupMetrics{
		runs: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_expiry_cleanup_runs_total",
			Help: "Total number of expiry cleanup runs grouped by store and result.",
		}, []string{"store", "result"}),
		deleted: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_expiry_cleanup_deleted_total",
			Help: "Total number of deleted expired records.",
		}, []string{"store"}),
		lastDeleted: registerGaugeVec(registerer, prometheus.GaugeOpts{
			Name: "fulfillment_expiry_cleanup_last_deleted",
			Help: "Number of deleted records during the last cleanup run.",
		}, []string{"store"}),
	}
}

// RecordRun учитывает завершённый цикл очистки; err != nil означает неуспешный цикл.
func (m *CleanupMetrics) RecordRun(store string, deleted int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.runs.WithLabelValues(store, "error").Inc()
		return
	}
	m.runs.WithLabelValues(store, "ok").Inc()
	m.lastDeleted.WithLabelValues(store).Set(float64(deleted))
}

// RecordDeleted учитывает удалённую порцию.
func (m *CleanupMetrics) RecordDeleted(store string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deleted.WithLabelValues(store).Add(float64(n))
}

func registerGaugeVec(registerer prometheus.Registerer, opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	collector := prometheus.NewGaugeVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing
			}
		}
		panic("register gauge vec " + opts.Name + ": " + err.Error())
	}
	return collector
}
