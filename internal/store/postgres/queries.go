package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/zxh0305/wegent/internal/store"
)

func (s *Store) CreateBot(ctx context.Context, namespace, name, model string) (store.Bot, error) {
	if name == "" {
		return store.Bot{}, errors.New("bot name required")
	}
	if namespace == "" {
		namespace = "default"
	}
	id := uuid.NewString()
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx, `INSERT INTO bots(bot_id, namespace, name, model, created_at) VALUES($1, $2, $3, $4, $5)`,
		id, namespace, name, model, now)
	if err != nil {
		return store.Bot{}, err
	}
	return store.Bot{BotID: id, Namespace: namespace, Name: name, Model: model, CreatedAt: time.Unix(now, 0).UTC()}, nil
}

func (s *Store) GetBot(ctx context.Context, namespace, name string) (store.Bot, error) {
	var b store.Bot
	var createdAt int64
	err := s.Pool.QueryRow(ctx, `SELECT bot_id, namespace, name, model, created_at FROM bots WHERE namespace = $1 AND name = $2`,
		namespace, name).Scan(&b.BotID, &b.Namespace, &b.Name, &b.Model, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Bot{}, fmt.Errorf("bot not found: %s/%s", namespace, name)
		}
		return store.Bot{}, err
	}
	b.CreatedAt = time.Unix(createdAt, 0).UTC()
	return b, nil
}

func (s *Store) GetBotByID(ctx context.Context, botID string) (store.Bot, error) {
	var b store.Bot
	var createdAt int64
	err := s.Pool.QueryRow(ctx, `SELECT bot_id, namespace, name, model, created_at FROM bots WHERE bot_id = $1`,
		botID).Scan(&b.BotID, &b.Namespace, &b.Name, &b.Model, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Bot{}, fmt.Errorf("bot not found: %s", botID)
		}
		return store.Bot{}, err
	}
	b.CreatedAt = time.Unix(createdAt, 0).UTC()
	return b, nil
}

func (s *Store) ListBots(ctx context.Context) ([]store.Bot, error) {
	rows, err := s.Pool.Query(ctx, `SELECT bot_id, namespace, name, model, created_at FROM bots ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Bot
	for rows.Next() {
		var b store.Bot
		var createdAt int64
		if err := rows.Scan(&b.BotID, &b.Namespace, &b.Name, &b.Model, &createdAt); err != nil {
			return nil, err
		}
		b.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) CreateTeam(ctx context.Context, namespace, name string, members []store.TeamMember) (store.Team, error) {
	if name == "" {
		return store.Team{}, errors.New("team name required")
	}
	if namespace == "" {
		namespace = "default"
	}
	id := uuid.NewString()
	now := time.Now().UTC().Unix()

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return store.Team{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `INSERT INTO teams(team_id, namespace, name, created_at) VALUES($1, $2, $3, $4)`,
		id, namespace, name, now); err != nil {
		return store.Team{}, err
	}
	for i, m := range members {
		if _, err := tx.Exec(ctx, `INSERT INTO team_members(team_id, position, bot_name, bot_namespace, require_confirmation) VALUES($1, $2, $3, $4, $5)`,
			id, i, m.BotName, m.BotNamespace, m.RequireConfirmation); err != nil {
			return store.Team{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Team{}, err
	}

	t := store.Team{TeamID: id, Namespace: namespace, Name: name, CreatedAt: time.Unix(now, 0).UTC()}
	for i, m := range members {
		m.Position = i
		t.Members = append(t.Members, m)
	}
	return t, nil
}

func (s *Store) GetTeamByName(ctx context.Context, namespace, name string) (store.Team, error) {
	var t store.Team
	var createdAt int64
	err := s.Pool.QueryRow(ctx, `SELECT team_id, namespace, name, created_at FROM teams WHERE namespace = $1 AND name = $2`,
		namespace, name).Scan(&t.TeamID, &t.Namespace, &t.Name, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Team{}, fmt.Errorf("team not found: %s/%s", namespace, name)
		}
		return store.Team{}, err
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	members, err := s.teamMembers(ctx, t.TeamID)
	if err != nil {
		return store.Team{}, err
	}
	t.Members = members
	return t, nil
}

func (s *Store) GetTeamByID(ctx context.Context, teamID string) (store.Team, error) {
	var t store.Team
	var createdAt int64
	err := s.Pool.QueryRow(ctx, `SELECT team_id, namespace, name, created_at FROM teams WHERE team_id = $1`,
		teamID).Scan(&t.TeamID, &t.Namespace, &t.Name, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Team{}, fmt.Errorf("team not found: %s", teamID)
		}
		return store.Team{}, err
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	members, err := s.teamMembers(ctx, t.TeamID)
	if err != nil {
		return store.Team{}, err
	}
	t.Members = members
	return t, nil
}

func (s *Store) teamMembers(ctx context.Context, teamID string) ([]store.TeamMember, error) {
	rows, err := s.Pool.Query(ctx, `SELECT position, bot_name, bot_namespace, require_confirmation FROM team_members WHERE team_id = $1 ORDER BY position ASC`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.TeamMember
	for rows.Next() {
		var m store.TeamMember
		if err := rows.Scan(&m.Position, &m.BotName, &m.BotNamespace, &m.RequireConfirmation); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListTeams(ctx context.Context) ([]store.Team, error) {
	rows, err := s.Pool.Query(ctx, `SELECT team_id, namespace, name, created_at FROM teams ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Team
	for rows.Next() {
		var t store.Team
		var createdAt int64
		if err := rows.Scan(&t.TeamID, &t.Namespace, &t.Name, &createdAt); err != nil {
			return nil, err
		}
		t.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		members, err := s.teamMembers(ctx, out[i].TeamID)
		if err != nil {
			return nil, err
		}
		out[i].Members = members
	}
	return out, nil
}

func (s *Store) DeleteTeam(ctx context.Context, namespace, name string) error {
	team, err := s.GetTeamByName(ctx, namespace, name)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `DELETE FROM teams WHERE team_id = $1`, team.TeamID)
	return err
}

func (s *Store) CreateTask(ctx context.Context, teamID, title, status string) (int64, error) {
	if title == "" {
		return 0, errors.New("title required")
	}
	if status == "" {
		status = "pending"
	}
	now := time.Now().UTC().Unix()
	var id int64
	err := s.Pool.QueryRow(ctx, `INSERT INTO tasks(team_id, title, status, created_at, updated_at) VALUES($1, $2, $3, $4, $5) RETURNING task_id`,
		teamID, title, status, now, now).Scan(&id)
	return id, err
}

func (s *Store) GetTask(ctx context.Context, taskID int64) (*store.Task, error) {
	var t store.Task
	var createdAt, updatedAt int64
	err := s.Pool.QueryRow(ctx, `SELECT task_id, team_id, title, status, created_at, updated_at FROM tasks WHERE task_id = $1`,
		taskID).Scan(&t.TaskID, &t.TeamID, &t.Title, &t.Status, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context, teamID string, limit int) ([]store.Task, error) {
	q := `SELECT task_id, team_id, title, status, created_at, updated_at FROM tasks WHERE team_id = $1 ORDER BY created_at DESC`
	args := []any{teamID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Task
	for rows.Next() {
		var t store.Task
		var createdAt, updatedAt int64
		if err := rows.Scan(&t.TaskID, &t.TeamID, &t.Title, &t.Status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		t.CreatedAt = time.Unix(createdAt, 0).UTC()
		t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTaskStatus(ctx context.Context, taskID int64, status string) error {
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx, `UPDATE tasks SET status=$1, updated_at=$2 WHERE task_id=$3`, status, now, taskID)
	return err
}

func (s *Store) CreateSubtask(ctx context.Context, sub store.Subtask) (int64, error) {
	if sub.TaskID == 0 {
		return 0, errors.New("task_id required")
	}
	if sub.Role == "" {
		return 0, errors.New("role required")
	}
	if sub.Status == "" {
		sub.Status = "pending"
	}
	now := time.Now().UTC().Unix()
	var id int64
	err := s.Pool.QueryRow(ctx, `
INSERT INTO subtasks(task_id, role, status, message_id, parent_id, bot_ids, executor_name, executor_namespace, result, created_at, updated_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING subtask_id`,
		sub.TaskID, sub.Role, sub.Status, sub.MessageID, sub.ParentID,
		strings.Join(sub.BotIDs, ","), sub.ExecutorName, sub.ExecutorNamespace, sub.Result, now, now).Scan(&id)
	return id, err
}

func scanSubtask(rows interface{ Scan(dest ...any) error }) (*store.Subtask, error) {
	var (
		sub       store.Subtask
		botIDs    string
		createdAt int64
		updatedAt int64
	)
	err := rows.Scan(&sub.SubtaskID, &sub.TaskID, &sub.Role, &sub.Status, &sub.MessageID, &sub.ParentID,
		&botIDs, &sub.ExecutorName, &sub.ExecutorNamespace, &sub.Result, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if botIDs != "" {
		sub.BotIDs = strings.Split(botIDs, ",")
	}
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sub, nil
}

const subtaskCols = `subtask_id, task_id, role, status, message_id, parent_id, bot_ids, executor_name, executor_namespace, result, created_at, updated_at`

func (s *Store) GetSubtask(ctx context.Context, subtaskID int64) (*store.Subtask, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+subtaskCols+` FROM subtasks WHERE subtask_id = $1`, subtaskID)
	sub, err := scanSubtask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}

func (s *Store) ListSubtasks(ctx context.Context, taskID int64) ([]store.Subtask, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+subtaskCols+` FROM subtasks WHERE task_id = $1 ORDER BY message_id DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Subtask
	for rows.Next() {
		sub, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSubtaskStatus(ctx context.Context, subtaskID int64, status string) error {
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx, `UPDATE subtasks SET status=$1, updated_at=$2 WHERE subtask_id=$3`, status, now, subtaskID)
	return err
}

func (s *Store) UpdateSubtaskResult(ctx context.Context, subtaskID int64, result string) error {
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx, `UPDATE subtasks SET result=$1, updated_at=$2 WHERE subtask_id=$3`, result, now, subtaskID)
	return err
}

const subscriptionCols = `subscription_id, name, team_id, trigger_type, cron_expr, interval_seconds, prompt_template, source_subscription_id, retry_count, timeout_seconds, enabled, created_at, next_execution_time, execution_count, success_count, failure_count, last_execution_time, last_execution_status`

func (s *Store) CreateSubscription(ctx context.Context, sub store.Subscription) (store.Subscription, error) {
	if sub.Name == "" {
		return store.Subscription{}, errors.New("subscription name required")
	}
	if sub.TriggerType == "" {
		return store.Subscription{}, errors.New("trigger type required")
	}
	if sub.SubscriptionID == "" {
		sub.SubscriptionID = uuid.NewString()
	}
	now := time.Now().UTC()
	sub.CreatedAt = now
	_, err := s.Pool.Exec(ctx, `
INSERT INTO subscriptions(subscription_id, name, team_id, trigger_type, cron_expr, interval_seconds,
  prompt_template, source_subscription_id, retry_count, timeout_seconds, enabled, created_at, next_execution_time)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sub.SubscriptionID, sub.Name, sub.TeamID, sub.TriggerType, sub.CronExpr, sub.IntervalSeconds,
		sub.PromptTemplate, sub.SourceSubscriptionID, sub.RetryCount, sub.TimeoutSeconds,
		sub.Enabled, now.Unix(), unixPtr(sub.Internal.NextExecutionTime))
	if err != nil {
		return store.Subscription{}, err
	}
	return sub, nil
}

func scanSubscription(rows interface{ Scan(dest ...any) error }) (*store.Subscription, error) {
	var (
		sub       store.Subscription
		createdAt int64
		nextAt    sql.NullInt64
		lastAt    sql.NullInt64
	)
	err := rows.Scan(&sub.SubscriptionID, &sub.Name, &sub.TeamID, &sub.TriggerType, &sub.CronExpr,
		&sub.IntervalSeconds, &sub.PromptTemplate, &sub.SourceSubscriptionID, &sub.RetryCount,
		&sub.TimeoutSeconds, &sub.Enabled, &createdAt, &nextAt,
		&sub.Internal.ExecutionCount, &sub.Internal.SuccessCount, &sub.Internal.FailureCount,
		&lastAt, &sub.Internal.LastExecutionStatus)
	if err != nil {
		return nil, err
	}
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	if nextAt.Valid {
		t := time.Unix(nextAt.Int64, 0).UTC()
		sub.Internal.NextExecutionTime = &t
	}
	if lastAt.Valid {
		t := time.Unix(lastAt.Int64, 0).UTC()
		sub.Internal.LastExecutionTime = &t
	}
	return &sub, nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*store.Subscription, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+subscriptionCols+` FROM subscriptions WHERE subscription_id = $1`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]store.Subscription, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+subscriptionCols+` FROM subscriptions ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func (s *Store) ListDueSubscriptions(ctx context.Context, now time.Time) ([]store.Subscription, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+subscriptionCols+` FROM subscriptions
WHERE enabled = TRUE AND next_execution_time IS NOT NULL AND next_execution_time <= $1
ORDER BY next_execution_time ASC`, now.UTC().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func (s *Store) SetSubscriptionEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.Pool.Exec(ctx, `UPDATE subscriptions SET enabled=$1 WHERE subscription_id=$2`, enabled, id)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("subscription not found: %s", id)
	}
	return nil
}

func (s *Store) SetNextExecutionTime(ctx context.Context, id string, next *time.Time) error {
	_, err := s.Pool.Exec(ctx, `UPDATE subscriptions SET next_execution_time=$1 WHERE subscription_id=$2`, unixPtr(next), id)
	return err
}

func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.Pool.Exec(ctx, `DELETE FROM subscriptions WHERE subscription_id=$1`, id)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("subscription not found: %s", id)
	}
	return nil
}

func (s *Store) RollupExecutionStats(ctx context.Context, id string, success bool, at time.Time) error {
	col, status := "failure_count", "FAILED"
	if success {
		col, status = "success_count", "COMPLETED"
	}
	q := fmt.Sprintf(`UPDATE subscriptions SET execution_count = execution_count + 1, %s = %s + 1, last_execution_time = $1, last_execution_status = $2 WHERE subscription_id = $3`, col, col)
	_, err := s.Pool.Exec(ctx, q, at.UTC().Unix(), status, id)
	return err
}

const executionCols = `execution_id, subscription_id, task_id, status, version, trigger_type, trigger_reason, started_at, completed_at, result_summary, error_message, created_at`

func (s *Store) CreateExecution(ctx context.Context, e store.Execution) (int64, error) {
	if e.SubscriptionID == "" {
		return 0, errors.New("subscription_id required")
	}
	if e.Status == "" {
		e.Status = "PENDING"
	}
	now := time.Now().UTC().Unix()
	var id int64
	err := s.Pool.QueryRow(ctx, `
INSERT INTO executions(subscription_id, task_id, status, version, trigger_type, trigger_reason, result_summary, error_message, created_at)
VALUES($1, $2, $3, 0, $4, $5, $6, $7, $8) RETURNING execution_id`,
		e.SubscriptionID, e.TaskID, e.Status, e.TriggerType, e.TriggerReason, e.ResultSummary, e.ErrorMessage, now).Scan(&id)
	return id, err
}

func scanExecution(rows interface{ Scan(dest ...any) error }) (*store.Execution, error) {
	var (
		e           store.Execution
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		createdAt   int64
	)
	err := rows.Scan(&e.ExecutionID, &e.SubscriptionID, &e.TaskID, &e.Status, &e.Version,
		&e.TriggerType, &e.TriggerReason, &startedAt, &completedAt, &e.ResultSummary, &e.ErrorMessage, &createdAt)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0).UTC()
		e.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		e.CompletedAt = &t
	}
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &e, nil
}

func (s *Store) GetExecution(ctx context.Context, id int64) (*store.Execution, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+executionCols+` FROM executions WHERE execution_id = $1`, id)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

func (s *Store) ListExecutions(ctx context.Context, subscriptionID string, limit int) ([]store.Execution, error) {
	q := `SELECT ` + executionCols + ` FROM executions WHERE subscription_id = $1 ORDER BY created_at DESC, execution_id DESC`
	args := []any{subscriptionID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *Store) UpdateExecutionWhere(ctx context.Context, id int64, expectedStatus string, expectedVersion int64, upd store.ExecutionUpdate) (int64, error) {
	if upd.Status == "" {
		return 0, errors.New("new status required")
	}
	set := []string{"status = $1", "version = version + 1"}
	args := []any{upd.Status}
	n := 1
	add := func(col string, v any) {
		n++
		set = append(set, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, v)
	}
	if upd.StartedAt != nil {
		add("started_at", upd.StartedAt.UTC().Unix())
	}
	if upd.CompletedAt != nil {
		add("completed_at", upd.CompletedAt.UTC().Unix())
	}
	if upd.ResultSummary != nil {
		add("result_summary", *upd.ResultSummary)
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}
	if upd.TaskID != nil {
		add("task_id", *upd.TaskID)
	}
	q := fmt.Sprintf(`UPDATE executions SET %s WHERE execution_id = $%d AND status = $%d AND version = $%d`,
		strings.Join(set, ", "), n+1, n+2, n+3)
	args = append(args, id, expectedStatus, expectedVersion)
	res, err := s.Pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *Store) DeleteExecution(ctx context.Context, id int64) error {
	res, err := s.Pool.Exec(ctx, `DELETE FROM executions WHERE execution_id=$1`, id)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("execution not found: %d", id)
	}
	return nil
}

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}
