package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const (
	scenarioCall   = "scenario"
	transportError = "transport_error"

	callsMetric   = "loadtest_calls_total"
	latencyMetric = "loadtest_call_duration_seconds"
)

type latencySummary struct {
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type callReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time             `json:"started_at"`
	DurationSeconds   float64               `json:"duration_seconds"`
	TotalScenarios    int64                 `json:"total_scenarios"`
	SuccessScenarios  int64                 `json:"success_scenarios"`
	FailedScenarios   int64                 `json:"failed_scenarios"`
	ErrorRate         float64               `json:"error_rate"`
	RPS               float64               `json:"rps"`
	ScenarioLatencyMs latencySummary        `json:"scenario_latency_ms"`
	Calls             map[string]callReport `json:"calls"`
}

// stats копит результаты вызовов в отдельном реестре Prometheus; отчёт строится из его снимка.
type stats struct {
	registry *prometheus.Registry
	calls    *prometheus.CounterVec
	latency  *prometheus.SummaryVec
}

func newStats() *stats {
	s := &stats{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: callsMetric,
			Help: "Load test calls by API call and HTTP status code",
		}, []string{"call", "code"}),
		latency: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       latencyMetric,
			Help:       "Load test call latency",
			Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001},
		}, []string{"call"}),
	}
	s.registry.MustRegister(s.calls, s.latency)
	return s
}

func (s *stats) observe(call string, elapsed time.Duration, statusCode int) {
	s.calls.WithLabelValues(call, codeLabel(statusCode)).Inc()
	s.latency.WithLabelValues(call).Observe(elapsed.Seconds())
}

func codeLabel(statusCode int) string {
	if statusCode == 0 {
		return transportError
	}
	return strconv.Itoa(statusCode)
}

func successCode(code string) bool {
	n, err := strconv.Atoi(code)
	return err == nil && n >= 200 && n < 300
}

func (s *stats) report(startedAt time.Time, elapsed time.Duration) (report, error) {
	families, err := s.registry.Gather()
	if err != nil {
		return report{}, fmt.Errorf("gather load stats: %w", err)
	}

	calls := make(map[string]callReport)
	entry := func(name string) callReport {
		if c, ok := calls[name]; ok {
			return c
		}
		return callReport{Codes: make(map[string]int64)}
	}

	for _, family := range families {
		for _, m := range family.GetMetric() {
			labels := labelMap(m)
			c := entry(labels["call"])
			switch family.GetName() {
			case callsMetric:
				n := int64(m.GetCounter().GetValue())
				code := labels["code"]
				c.Codes[code] += n
				c.Calls += n
				if successCode(code) {
					c.Success += n
				} else {
					c.Failed += n
				}
			case latencyMetric:
				c.LatencyMs = latencyFromSummary(m.GetSummary())
			}
			calls[labels["call"]] = c
		}
	}

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: elapsed.Seconds(),
		Calls:           make(map[string]callReport, len(calls)),
	}
	for name, c := range calls {
		c.ErrorRate = ratio(c.Failed, c.Calls)
		result.Calls[name] = c
	}
	if scenario, ok := result.Calls[scenarioCall]; ok {
		result.TotalScenarios = scenario.Calls
		result.SuccessScenarios = scenario.Success
		result.FailedScenarios = scenario.Failed
		result.ErrorRate = scenario.ErrorRate
		result.ScenarioLatencyMs = scenario.LatencyMs
	}
	if elapsed > 0 {
		result.RPS = float64(result.TotalScenarios) / elapsed.Seconds()
	}
	return result, nil
}

func labelMap(m *dto.Metric) map[string]string {
	out := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func latencyFromSummary(s *dto.Summary) latencySummary {
	var out latencySummary
	if s.GetSampleCount() == 0 {
		return out
	}
	out.Avg = s.GetSampleSum() / float64(s.GetSampleCount()) * 1000
	for _, q := range s.GetQuantile() {
		ms := q.GetValue() * 1000
		switch q.GetQuantile() {
		case 0.5:
			out.P50 = ms
		case 0.95:
			out.P95 = ms
		case 0.99:
			out.P99 = ms
		}
	}
	return out
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
