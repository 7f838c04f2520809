package models

// Task statuses used throughout the codebase.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Subtask statuses. pending_confirmation marks a confirmation gate waiting
// for an explicit continue/retry decision.
const (
	SubtaskPending             = "pending"
	SubtaskRunning             = "running"
	SubtaskPendingConfirmation = "pending_confirmation"
	SubtaskCompleted           = "completed"
	SubtaskFailed              = "failed"
)

// Subtask roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Subscription trigger types.
const (
	TriggerCron     = "cron"
	TriggerInterval = "interval"
	TriggerOneTime  = "one_time"
	TriggerEvent    = "event"
	TriggerManual   = "manual"
)

// Confirmation actions for the stage confirm endpoint.
const (
	ActionContinue = "continue"
	ActionRetry    = "retry"
)

// Default limits.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultTaskListLimit       = 1000
	DefaultExecutionListLimit  = 500
	DefaultSSEChannelBuffer    = 256
	DefaultDispatchWorkers     = 32
)
