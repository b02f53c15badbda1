package bus

import "time"

// Prefixes for wildcard subscriptions.
const (
	TopicPrefixTask   Topic = "task."
	TopicPrefixSLA    Topic = "sla."
	TopicPrefixOrigin Topic = "origin."
	TopicPrefixIntent Topic = "intent."
)

// Task event topics.
const (
	TopicTaskDispatch     Topic = "task.dispatch"
	TopicTaskUpdate       Topic = "task.update"
	TopicTaskStateChanged Topic = "task.state_changed"
	TopicTaskCompleted    Topic = "task.completed"
	TopicTaskFailed       Topic = "task.failed"
	TopicTaskTimeout      Topic = "task.timeout"
	TopicTaskRetrying     Topic = "task.retrying"
)

// SLA enforcement topics.
const (
	TopicSLAWarning   Topic = "sla.warning"
	TopicSLAViolation Topic = "sla.violation"
	TopicSLARescue    Topic = "sla.rescue"
)

// Origin fairness topics.
const (
	TopicOriginAdjustment Topic = "origin.adjustment"
	TopicOriginStarvation Topic = "origin.starvation"
)

// Intent bridge topics.
const (
	TopicIntentResolved Topic = "intent.resolved"
)

// LifecycleTopic maps a terminal task status string to its lifecycle topic.
// Statuses that are not terminal return "".
func LifecycleTopic(status string) Topic {
	switch status {
	case "COMPLETED":
		return TopicTaskCompleted
	case "FAILED":
		return TopicTaskFailed
	case "TIMEOUT":
		return TopicTaskTimeout
	}
	return ""
}

// TaskDispatchEvent is published when a dispatcher worker hands a task to
// the execution side.
type TaskDispatchEvent struct {
	TaskID        string    `json:"task_id"`
	TaskType      string    `json:"task_type"`
	Handler       string    `json:"handler"`
	Domain        string    `json:"domain,omitempty"`
	Payload       string    `json:"payload"`
	Priority      string    `json:"priority"`
	AttemptNumber int       `json:"attempt_number"`
	SLADeadline   time.Time `json:"sla_deadline"`
	WorkerID      string    `json:"worker_id"`
	TraceID       string    `json:"trace_id,omitempty"`
}

// TaskUpdateEvent is an inbound worker report. Stale reports (attempt_number
// below the task's live attempt) are dropped by the reporting service.
type TaskUpdateEvent struct {
	TaskID        string    `json:"task_id"`
	Status        string    `json:"status"`
	WorkerID      string    `json:"worker_id"`
	AttemptNumber int       `json:"attempt_number"`
	Timestamp     time.Time `json:"timestamp"`
	Result        string    `json:"result,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	Retryable     bool      `json:"retryable,omitempty"`
	Progress      float64   `json:"progress,omitempty"`
	DurationMS    int64     `json:"duration_ms,omitempty"`
}

// TaskLifecycleEvent is published on the per-status terminal topics.
type TaskLifecycleEvent struct {
	TaskID          string `json:"task_id"`
	TaskType        string `json:"task_type"`
	Origin          string `json:"origin"`
	Success         bool   `json:"success"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	TotalTimeMS     int64  `json:"total_time_ms"`
	SLAMet          bool   `json:"sla_met"`
	Attempts        int    `json:"attempts"`
	ErrorKind       string `json:"error_kind,omitempty"`
}

// TaskStateChangedEvent is published when a task's status changes.
type TaskStateChangedEvent struct {
	TaskID        string `json:"task_id"`
	OldStatus     string `json:"old_status"`
	NewStatus     string `json:"new_status"`
	AttemptNumber int    `json:"attempt_number"`
}

// TaskRetryingEvent is published when a task is granted a retry.
type TaskRetryingEvent struct {
	TaskID        string        `json:"task_id"`
	AttemptNumber int           `json:"attempt_number"`
	Delay         time.Duration `json:"delay"`
	Reason        string        `json:"reason"`
}

// SLAWarningEvent fires once per task when elapsed time crosses the warning
// threshold.
type SLAWarningEvent struct {
	TaskID         string    `json:"task_id"`
	TaskType       string    `json:"task_type"`
	ElapsedPercent float64   `json:"elapsed_percent"`
	Deadline       time.Time `json:"deadline"`
}

// SLAViolationEvent fires once per task when the deadline is breached.
type SLAViolationEvent struct {
	TaskID         string    `json:"task_id"`
	TaskType       string    `json:"task_type"`
	EscalatedTo    string    `json:"escalated_to"`
	ElapsedPercent float64   `json:"elapsed_percent"`
	Deadline       time.Time `json:"deadline"`
}

// SLARescueEvent fires when a rescue sub-task is spawned for a task far past
// its deadline.
type SLARescueEvent struct {
	TaskID       string `json:"task_id"`
	RescueTaskID string `json:"rescue_task_id"`
	RescueSLAMS  int64  `json:"rescue_sla_ms"`
}

// OriginAdjustmentEvent records one rebalancer slot move.
type OriginAdjustmentEvent struct {
	FromOrigin string `json:"from_origin"`
	ToOrigin   string `json:"to_origin"`
	Slots      int    `json:"slots"`
	Reason     string `json:"reason"`
}

// OriginStarvationEvent fires when an origin has queued work but no running
// tasks for consecutive scheduler cycles.
type OriginStarvationEvent struct {
	Origin string `json:"origin"`
	Cycles int    `json:"cycles"`
	Queued int    `json:"queued"`
}

// IntentResolvedEvent is published when the intent bridge settles an intent.
type IntentResolvedEvent struct {
	IntentID        string `json:"intent_id"`
	TaskID          string `json:"task_id"`
	Status          string `json:"status"`
	Success         bool   `json:"success"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}
