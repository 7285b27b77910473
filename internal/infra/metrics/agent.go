package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		agentWorkersActive,
		agentMessagesTotal,
		agentEventsTotal,
		agentTasksTotal,
		agentProactiveTasksTotal,
		agentPanicsTotal,
	)
}

var (
	agentWorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_workers_active",
			Help: "Number of running per-user agent workers.",
		},
	)

	agentMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_messages_total",
			Help: "User messages handled, by route (instruction, tools, chat, empty) and result.",
		},
		[]string{"route", "result"},
	)

	agentEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_events_total",
			Help: "External events received, by type.",
		},
		[]string{"type"},
	)

	agentTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_tasks_processed_total",
			Help: "Task executions, by task type and outcome (ok, error, retry).",
		},
		[]string{"type", "outcome"},
	)

	agentProactiveTasksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_proactive_tasks_total",
			Help: "Follow-up tasks created from standing instructions.",
		},
	)

	agentPanicsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_panics_total",
			Help: "Panics recovered at worker operation boundaries.",
		},
		[]string{"op"},
	)
)

func SetWorkersActive(n int) { agentWorkersActive.Set(float64(n)) }

func IncMessage(route, result string) {
	agentMessagesTotal.WithLabelValues(norm(route), norm(result)).Inc()
}

func IncEvent(eventType string) { agentEventsTotal.WithLabelValues(norm(eventType)).Inc() }

func IncTask(taskType, outcome string) {
	agentTasksTotal.WithLabelValues(norm(taskType), norm(outcome)).Inc()
}

func IncProactiveTask() { agentProactiveTasksTotal.Inc() }

func IncPanic(op string) { agentPanicsTotal.WithLabelValues(norm(op)).Inc() }
