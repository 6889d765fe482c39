package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	reg prometheus.Registerer

	// Traffic: задачи агентов по исходу (ok, failed, blocked)
	TasksTotal *prometheus.CounterVec

	// Кто построил план: llm или fallback
	PlansTotal *prometheus.CounterVec

	// Команды по capability и статусу диспетчеризации
	CommandsTotal *prometheus.CounterVec

	ApprovalsRequired prometheus.Counter

	// Latency: от начала задачи до отправки последней команды
	DispatchDuration prometheus.Histogram

	// Saturation: живые WebSocket-сессии по роли
	ActiveConnections *prometheus.GaugeVec

	CommandResults *prometheus.CounterVec

	TelemetryMessages *prometheus.CounterVec

	// Состояние Circuit Breaker LLM (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Если регистр не передан, метрики пишутся в локальный, никуда не подключенный
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		TasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_tasks_total",
			Help: "Total number of agent tasks by outcome.",
		}, []string{"outcome"}),

		PlansTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_plans_total",
			Help: "Plans built, by source.",
		}, []string{"source"}),

		CommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_commands_total",
			Help: "Compiled commands by capability and dispatch status.",
		}, []string{"capability", "status"}),

		ApprovalsRequired: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_approvals_required_total",
			Help: "Commands held back for human approval.",
		}),

		DispatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_task_dispatch_duration_seconds",
			Help:    "Time from task start to the last dispatched command.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),

		ActiveConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_active_connections",
			Help: "Authenticated WebSocket sessions by role.",
		}, []string{"role"}),

		CommandResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_command_results_total",
			Help: "Stored command results by status.",
		}, []string{"status"}),

		TelemetryMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_telemetry_messages_total",
			Help: "Telemetry messages relayed from extensions.",
		}, []string{"type"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open).",
		}, []string{"name"}),
	}
}

// WatchAuditBuffer публикует заполненность буфера аудита (backpressure).
func (m *Metrics) WatchAuditBuffer(pending func() int) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bridge_audit_buffer_utilization",
		Help: "Current number of events in audit buffer.",
	}, func() float64 { return float64(pending()) })
}

// BreakerChanged подходит как llm.ReliabilitySettings.OnBreakerChange.
func (m *Metrics) BreakerChanged(name string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}
