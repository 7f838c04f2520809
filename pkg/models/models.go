// Package models provides shared types for the Wegent HTTP API and external tools.
// These types mirror the API JSON and are stable for use by pkg/client and other consumers.
package models

import "time"

// Bot is an LLM-backed agent identified by (namespace, name).
type Bot struct {
	BotID     string    `json:"bot_id,omitempty"`
	Name      string    `json:"name"`
	Namespace string    `json:"namespace"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// TeamMember is one pipeline stage: a bot reference plus a confirmation gate flag.
type TeamMember struct {
	BotName             string `json:"bot_name"`
	BotNamespace        string `json:"bot_namespace"`
	RequireConfirmation bool   `json:"require_confirmation"`
}

// Team is an ordered list of member bots; member order defines stage order.
type Team struct {
	TeamID    string       `json:"team_id,omitempty"`
	Name      string       `json:"name"`
	Namespace string       `json:"namespace"`
	Members   []TeamMember `json:"members"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// Task is a conversation routed through a team's pipeline.
type Task struct {
	TaskID    int64     `json:"task_id"`
	TeamID    string    `json:"team_id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Subtask is one turn in a task's conversation. MessageID is the ordering key.
type Subtask struct {
	SubtaskID         int64     `json:"subtask_id"`
	TaskID            int64     `json:"task_id"`
	Role              string    `json:"role"`
	Status            string    `json:"status"`
	MessageID         int64     `json:"message_id"`
	ParentID          int64     `json:"parent_id"`
	BotIDs            []string  `json:"bot_ids,omitempty"`
	ExecutorName      string    `json:"executor_name,omitempty"`
	ExecutorNamespace string    `json:"executor_namespace,omitempty"`
	Result            string    `json:"result,omitempty"`
	CreatedAt         time.Time `json:"created_at,omitempty"`
	UpdatedAt         time.Time `json:"updated_at,omitempty"`
}

// Subscription is a scheduled or triggered background run configuration.
type Subscription struct {
	SubscriptionID       string    `json:"subscription_id,omitempty"`
	Name                 string    `json:"name"`
	TeamID               string    `json:"team_id,omitempty"`
	TriggerType          string    `json:"trigger_type"`
	CronExpr             string    `json:"cron_expr,omitempty"`
	IntervalSeconds      int       `json:"interval_seconds,omitempty"`
	PromptTemplate       string    `json:"prompt_template,omitempty"`
	SourceSubscriptionID string    `json:"source_subscription_id,omitempty"`
	RetryCount           int       `json:"retry_count,omitempty"`
	TimeoutSeconds       int       `json:"timeout_seconds,omitempty"`
	Enabled              bool      `json:"enabled"`
	CreatedAt            time.Time `json:"created_at,omitempty"`

	NextExecutionTime   *time.Time `json:"next_execution_time,omitempty"`
	ExecutionCount      int64      `json:"execution_count,omitempty"`
	SuccessCount        int64      `json:"success_count,omitempty"`
	FailureCount        int64      `json:"failure_count,omitempty"`
	LastExecutionTime   *time.Time `json:"last_execution_time,omitempty"`
	LastExecutionStatus string     `json:"last_execution_status,omitempty"`
}

// Execution is one triggered run of a subscription.
type Execution struct {
	ExecutionID    int64      `json:"execution_id"`
	SubscriptionID string     `json:"subscription_id"`
	TaskID         int64      `json:"task_id,omitempty"`
	Status         string     `json:"status"`
	Version        int64      `json:"version"`
	TriggerType    string     `json:"trigger_type,omitempty"`
	TriggerReason  string     `json:"trigger_reason,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ResultSummary  string     `json:"result_summary,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at,omitempty"`
}

// StageState is one stage's display state in a pipeline run.
type StageState struct {
	Index               int    `json:"index"`
	Name                string `json:"name"`
	RequireConfirmation bool   `json:"require_confirmation"`
	Status              string `json:"status"`
}

// StageInfo is the computed pipeline position for a task.
type StageInfo struct {
	CurrentStage          int          `json:"current_stage"`
	TotalStages           int          `json:"total_stages"`
	IsPendingConfirmation bool         `json:"is_pending_confirmation"`
	Stages                []StageState `json:"stages"`
}

// Config is the /config API response.
type Config struct {
	Home string `json:"home,omitempty"`
}
