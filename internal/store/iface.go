package store

import (
	"context"
	"time"
)

// Store is the persistence interface for bots, teams, tasks, subtasks,
// subscriptions, and executions.
// Implementations: the SQLite store in this package and *postgres.Store.
type Store interface {
	// Bots
	CreateBot(ctx context.Context, namespace, name, model string) (Bot, error)
	GetBot(ctx context.Context, namespace, name string) (Bot, error)
	GetBotByID(ctx context.Context, botID string) (Bot, error)
	ListBots(ctx context.Context) ([]Bot, error)

	// Teams
	CreateTeam(ctx context.Context, namespace, name string, members []TeamMember) (Team, error)
	GetTeamByName(ctx context.Context, namespace, name string) (Team, error)
	GetTeamByID(ctx context.Context, teamID string) (Team, error)
	ListTeams(ctx context.Context) ([]Team, error)
	DeleteTeam(ctx context.Context, namespace, name string) error

	// Tasks
	CreateTask(ctx context.Context, teamID, title, status string) (int64, error)
	GetTask(ctx context.Context, taskID int64) (*Task, error)
	ListTasks(ctx context.Context, teamID string, limit int) ([]Task, error)
	UpdateTaskStatus(ctx context.Context, taskID int64, status string) error

	// Subtasks. ListSubtasks returns newest-first by message_id; that ordering
	// is the contract the pipeline engine depends on.
	CreateSubtask(ctx context.Context, sub Subtask) (int64, error)
	GetSubtask(ctx context.Context, subtaskID int64) (*Subtask, error)
	ListSubtasks(ctx context.Context, taskID int64) ([]Subtask, error)
	UpdateSubtaskStatus(ctx context.Context, subtaskID int64, status string) error
	UpdateSubtaskResult(ctx context.Context, subtaskID int64, result string) error

	// Subscriptions
	CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	ListDueSubscriptions(ctx context.Context, now time.Time) ([]Subscription, error)
	SetSubscriptionEnabled(ctx context.Context, id string, enabled bool) error
	SetNextExecutionTime(ctx context.Context, id string, next *time.Time) error
	DeleteSubscription(ctx context.Context, id string) error
	// RollupExecutionStats atomically increments execution_count plus
	// success_count or failure_count and updates last_execution_time/status.
	RollupExecutionStats(ctx context.Context, id string, success bool, at time.Time) error

	// Executions
	CreateExecution(ctx context.Context, e Execution) (int64, error)
	GetExecution(ctx context.Context, id int64) (*Execution, error)
	ListExecutions(ctx context.Context, subscriptionID string, limit int) ([]Execution, error)
	// UpdateExecutionWhere is the compare-and-swap primitive: the write applies
	// only where (status, version) still match the snapshot the caller read,
	// and version is incremented by 1. Returns rows affected (0 or 1).
	UpdateExecutionWhere(ctx context.Context, id int64, expectedStatus string, expectedVersion int64, upd ExecutionUpdate) (int64, error)
	DeleteExecution(ctx context.Context, id int64) error

	// Lifecycle
	Close() error
}
