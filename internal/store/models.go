// Package store defines the persistence interface and shared models for bots,
// teams, tasks, subtasks, subscriptions, and background executions.
package store

import "time"

// Bot is an LLM-backed agent identified by (namespace, name).
type Bot struct {
	BotID     string
	Name      string
	Namespace string
	Model     string
	CreatedAt time.Time
}

// TeamMember is one pipeline stage: a bot reference plus a confirmation gate flag.
// Position is the stage index within the team.
type TeamMember struct {
	Position            int
	BotName             string
	BotNamespace        string
	RequireConfirmation bool
}

// Team is an ordered list of member bots; member order defines stage order.
// Members are read-only input for the duration of a pipeline run.
type Team struct {
	TeamID    string
	Name      string
	Namespace string
	Members   []TeamMember
	CreatedAt time.Time
}

// Task is a conversation routed through a team's pipeline.
type Task struct {
	TaskID    int64
	TeamID    string
	Title     string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Subtask is one turn in a task's conversation.
// MessageID is strictly increasing per task and is the only ordering key;
// wall-clock timestamps are never used to infer order.
type Subtask struct {
	SubtaskID         int64
	TaskID            int64
	Role              string // user or assistant
	Status            string
	MessageID         int64
	ParentID          int64
	BotIDs            []string // bot_ids[0] identifies the producing bot
	ExecutorName      string
	ExecutorNamespace string
	Result            string // JSON document; may carry a confirmed prompt
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SubtaskResult is the parsed form of Subtask.Result.
type SubtaskResult struct {
	ConfirmedPrompt       string `json:"confirmed_prompt,omitempty"`
	FromStageConfirmation bool   `json:"from_stage_confirmation,omitempty"`
	Output                string `json:"output,omitempty"`
}

// Subscription is a scheduled or triggered background run configuration.
// A rental subscription (SourceSubscriptionID set) resolves its prompt from
// the source subscription at execution time and never carries its own.
type Subscription struct {
	SubscriptionID       string
	Name                 string
	TeamID               string
	TriggerType          string // cron, interval, one_time, event
	CronExpr             string
	IntervalSeconds      int
	PromptTemplate       string
	SourceSubscriptionID string
	RetryCount           int
	TimeoutSeconds       int
	Enabled              bool
	CreatedAt            time.Time
	Internal             SubscriptionInternal
}

// SubscriptionInternal is the denormalized scheduling/statistics sidecar,
// kept in sync with execution outcomes by the execution manager.
type SubscriptionInternal struct {
	NextExecutionTime   *time.Time
	ExecutionCount      int64
	SuccessCount        int64
	FailureCount        int64
	LastExecutionTime   *time.Time
	LastExecutionStatus string
}

// Execution is one triggered run of a subscription. Version is the
// optimistic-lock token: it starts at 0 and increments by exactly 1 per
// committed status transition.
type Execution struct {
	ExecutionID    int64
	SubscriptionID string
	TaskID         int64 // 0 until a task is created
	Status         string
	Version        int64
	TriggerType    string
	TriggerReason  string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ResultSummary  string
	ErrorMessage   string
	CreatedAt      time.Time
}

// ExecutionUpdate carries the fields a conditional execution write may set.
// Status is required; nil pointer fields are left unchanged.
type ExecutionUpdate struct {
	Status        string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ResultSummary *string
	ErrorMessage  *string
	TaskID        *int64
}
