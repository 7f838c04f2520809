package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func (s *sqliteStore) CreateBot(ctx context.Context, namespace, name, model string) (Bot, error) {
	if name == "" {
		return Bot{}, errors.New("bot name required")
	}
	if namespace == "" {
		namespace = "default"
	}
	id := uuid.NewString()
	now := time.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO bots(bot_id, namespace, name, model, created_at) VALUES(?, ?, ?, ?, ?)`,
		id, namespace, name, model, now)
	if err != nil {
		return Bot{}, err
	}
	return Bot{BotID: id, Namespace: namespace, Name: name, Model: model, CreatedAt: time.Unix(now, 0).UTC()}, nil
}

func (s *sqliteStore) GetBot(ctx context.Context, namespace, name string) (Bot, error) {
	var b Bot
	var createdAt int64
	err := s.DB.QueryRowContext(ctx, `SELECT bot_id, namespace, name, model, created_at FROM bots WHERE namespace = ? AND name = ?`,
		namespace, name).Scan(&b.BotID, &b.Namespace, &b.Name, &b.Model, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Bot{}, fmt.Errorf("bot not found: %s/%s", namespace, name)
		}
		return Bot{}, err
	}
	b.CreatedAt = time.Unix(createdAt, 0).UTC()
	return b, nil
}

func (s *sqliteStore) GetBotByID(ctx context.Context, botID string) (Bot, error) {
	var b Bot
	var createdAt int64
	err := s.stmtGetBotByID.QueryRowContext(ctx, botID).Scan(&b.BotID, &b.Namespace, &b.Name, &b.Model, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Bot{}, fmt.Errorf("bot not found: %s", botID)
		}
		return Bot{}, err
	}
	b.CreatedAt = time.Unix(createdAt, 0).UTC()
	return b, nil
}

func (s *sqliteStore) ListBots(ctx context.Context) ([]Bot, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT bot_id, namespace, name, model, created_at FROM bots ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Bot
	for rows.Next() {
		var b Bot
		var createdAt int64
		if err := rows.Scan(&b.BotID, &b.Namespace, &b.Name, &b.Model, &createdAt); err != nil {
			return nil, err
		}
		b.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreateTeam(ctx context.Context, namespace, name string, members []TeamMember) (Team, error) {
	if name == "" {
		return Team{}, errors.New("team name required")
	}
	if namespace == "" {
		namespace = "default"
	}
	id := uuid.NewString()
	now := time.Now().UTC().Unix()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Team{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO teams(team_id, namespace, name, created_at) VALUES(?, ?, ?, ?)`,
		id, namespace, name, now); err != nil {
		return Team{}, err
	}
	for i, m := range members {
		if _, err := tx.ExecContext(ctx, `INSERT INTO team_members(team_id, position, bot_name, bot_namespace, require_confirmation) VALUES(?, ?, ?, ?, ?)`,
			id, i, m.BotName, m.BotNamespace, boolToInt(m.RequireConfirmation)); err != nil {
			return Team{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Team{}, err
	}

	t := Team{TeamID: id, Namespace: namespace, Name: name, CreatedAt: time.Unix(now, 0).UTC()}
	for i, m := range members {
		m.Position = i
		t.Members = append(t.Members, m)
	}
	return t, nil
}

func (s *sqliteStore) GetTeamByName(ctx context.Context, namespace, name string) (Team, error) {
	var t Team
	var createdAt int64
	err := s.DB.QueryRowContext(ctx, `SELECT team_id, namespace, name, created_at FROM teams WHERE namespace = ? AND name = ?`,
		namespace, name).Scan(&t.TeamID, &t.Namespace, &t.Name, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Team{}, fmt.Errorf("team not found: %s/%s", namespace, name)
		}
		return Team{}, err
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	members, err := s.teamMembers(ctx, t.TeamID)
	if err != nil {
		return Team{}, err
	}
	t.Members = members
	return t, nil
}

func (s *sqliteStore) GetTeamByID(ctx context.Context, teamID string) (Team, error) {
	var t Team
	var createdAt int64
	err := s.DB.QueryRowContext(ctx, `SELECT team_id, namespace, name, created_at FROM teams WHERE team_id = ?`,
		teamID).Scan(&t.TeamID, &t.Namespace, &t.Name, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Team{}, fmt.Errorf("team not found: %s", teamID)
		}
		return Team{}, err
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	members, err := s.teamMembers(ctx, t.TeamID)
	if err != nil {
		return Team{}, err
	}
	t.Members = members
	return t, nil
}

func (s *sqliteStore) teamMembers(ctx context.Context, teamID string) ([]TeamMember, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT position, bot_name, bot_namespace, require_confirmation FROM team_members WHERE team_id = ? ORDER BY position ASC`, teamID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []TeamMember
	for rows.Next() {
		var m TeamMember
		var rc int
		if err := rows.Scan(&m.Position, &m.BotName, &m.BotNamespace, &rc); err != nil {
			return nil, err
		}
		m.RequireConfirmation = rc != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListTeams(ctx context.Context) ([]Team, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT team_id, namespace, name, created_at FROM teams ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Team
	for rows.Next() {
		var t Team
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

func (s *sqliteStore) DeleteTeam(ctx context.Context, namespace, name string) error {
	team, err := s.GetTeamByName(ctx, namespace, name)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `DELETE FROM teams WHERE team_id = ?`, team.TeamID)
	return err
}

func (s *sqliteStore) CreateTask(ctx context.Context, teamID, title, status string) (int64, error) {
	if title == "" {
		return 0, errors.New("title required")
	}
	if status == "" {
		status = "pending"
	}
	now := time.Now().UTC().Unix()
	res, err := s.DB.ExecContext(ctx, `INSERT INTO tasks(team_id, title, status, created_at, updated_at) VALUES(?, ?, ?, ?, ?)`,
		teamID, title, status, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	var t Task
	var createdAt, updatedAt int64
	err := s.stmtGetTask.QueryRowContext(ctx, taskID).Scan(&t.TaskID, &t.TeamID, &t.Title, &t.Status, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

func (s *sqliteStore) ListTasks(ctx context.Context, teamID string, limit int) ([]Task, error) {
	q := `SELECT task_id, team_id, title, status, created_at, updated_at FROM tasks WHERE team_id = ? ORDER BY created_at DESC`
	args := []any{teamID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Task
	for rows.Next() {
		var t Task
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

func (s *sqliteStore) UpdateTaskStatus(ctx context.Context, taskID int64, status string) error {
	now := time.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE task_id=?`, status, now, taskID)
	return err
}

func (s *sqliteStore) CreateSubtask(ctx context.Context, sub Subtask) (int64, error) {
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
	res, err := s.stmtCreateSubtask.ExecContext(ctx,
		sub.TaskID, sub.Role, sub.Status, sub.MessageID, sub.ParentID,
		strings.Join(sub.BotIDs, ","), sub.ExecutorName, sub.ExecutorNamespace, sub.Result, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// scanSubtaskRow scans the current row (columns: subtask_id, task_id, role, status,
// message_id, parent_id, bot_ids, executor_name, executor_namespace, result, created_at, updated_at).
func scanSubtaskRow(rows interface{ Scan(dest ...any) error }) (*Subtask, error) {
	var (
		sub       Subtask
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

func (s *sqliteStore) GetSubtask(ctx context.Context, subtaskID int64) (*Subtask, error) {
	row := s.stmtGetSubtask.QueryRowContext(ctx, subtaskID)
	sub, err := scanSubtaskRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}

// ListSubtasks returns all subtasks for a task ordered newest-first by message_id.
func (s *sqliteStore) ListSubtasks(ctx context.Context, taskID int64) ([]Subtask, error) {
	rows, err := s.stmtListSubtasks.QueryContext(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Subtask
	for rows.Next() {
		sub, err := scanSubtaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateSubtaskStatus(ctx context.Context, subtaskID int64, status string) error {
	now := time.Now().UTC().Unix()
	_, err := s.stmtSubtaskStatus.ExecContext(ctx, status, now, subtaskID)
	return err
}

func (s *sqliteStore) UpdateSubtaskResult(ctx context.Context, subtaskID int64, result string) error {
	now := time.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx, `UPDATE subtasks SET result=?, updated_at=? WHERE subtask_id=?`, result, now, subtaskID)
	return err
}

func (s *sqliteStore) CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	if sub.Name == "" {
		return Subscription{}, errors.New("subscription name required")
	}
	if sub.TriggerType == "" {
		return Subscription{}, errors.New("trigger type required")
	}
	if sub.SubscriptionID == "" {
		sub.SubscriptionID = uuid.NewString()
	}
	now := time.Now().UTC()
	sub.CreatedAt = now
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO subscriptions(subscription_id, name, team_id, trigger_type, cron_expr, interval_seconds,
  prompt_template, source_subscription_id, retry_count, timeout_seconds, enabled, created_at, next_execution_time)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.SubscriptionID, sub.Name, sub.TeamID, sub.TriggerType, sub.CronExpr, sub.IntervalSeconds,
		sub.PromptTemplate, sub.SourceSubscriptionID, sub.RetryCount, sub.TimeoutSeconds,
		boolToInt(sub.Enabled), now.Unix(), unixPtr(sub.Internal.NextExecutionTime))
	if err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

func scanSubscriptionRow(rows interface{ Scan(dest ...any) error }) (*Subscription, error) {
	var (
		sub        Subscription
		enabled    int
		createdAt  int64
		nextAt     sql.NullInt64
		lastAt     sql.NullInt64
		lastStatus string
	)
	err := rows.Scan(&sub.SubscriptionID, &sub.Name, &sub.TeamID, &sub.TriggerType, &sub.CronExpr,
		&sub.IntervalSeconds, &sub.PromptTemplate, &sub.SourceSubscriptionID, &sub.RetryCount,
		&sub.TimeoutSeconds, &enabled, &createdAt, &nextAt,
		&sub.Internal.ExecutionCount, &sub.Internal.SuccessCount, &sub.Internal.FailureCount,
		&lastAt, &lastStatus)
	if err != nil {
		return nil, err
	}
	sub.Enabled = enabled != 0
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	if nextAt.Valid {
		t := time.Unix(nextAt.Int64, 0).UTC()
		sub.Internal.NextExecutionTime = &t
	}
	if lastAt.Valid {
		t := time.Unix(lastAt.Int64, 0).UTC()
		sub.Internal.LastExecutionTime = &t
	}
	sub.Internal.LastExecutionStatus = lastStatus
	return &sub, nil
}

const subscriptionCols = `subscription_id, name, team_id, trigger_type, cron_expr, interval_seconds, prompt_template, source_subscription_id, retry_count, timeout_seconds, enabled, created_at, next_execution_time, execution_count, success_count, failure_count, last_execution_time, last_execution_status`

func (s *sqliteStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	row := s.stmtGetSubscByID.QueryRowContext(ctx, id)
	sub, err := scanSubscriptionRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}

func (s *sqliteStore) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+subscriptionCols+` FROM subscriptions ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscriptionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// ListDueSubscriptions returns enabled subscriptions whose next_execution_time
// has passed (oldest first) so the scheduler can fire them.
func (s *sqliteStore) ListDueSubscriptions(ctx context.Context, now time.Time) ([]Subscription, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+subscriptionCols+` FROM subscriptions
WHERE enabled = 1 AND next_execution_time IS NOT NULL AND next_execution_time <= ?
ORDER BY next_execution_time ASC`, now.UTC().Unix())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscriptionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetSubscriptionEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE subscriptions SET enabled=? WHERE subscription_id=?`, boolToInt(enabled), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("subscription not found: %s", id)
	}
	return nil
}

func (s *sqliteStore) SetNextExecutionTime(ctx context.Context, id string, next *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE subscriptions SET next_execution_time=? WHERE subscription_id=?`, unixPtr(next), id)
	return err
}

func (s *sqliteStore) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM subscriptions WHERE subscription_id=?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("subscription not found: %s", id)
	}
	return nil
}

// RollupExecutionStats bumps the denormalized counters in one statement so
// concurrent completions never read-modify-write each other's counts.
func (s *sqliteStore) RollupExecutionStats(ctx context.Context, id string, success bool, at time.Time) error {
	col, status := "failure_count", "FAILED"
	if success {
		col, status = "success_count", "COMPLETED"
	}
	q := fmt.Sprintf(`UPDATE subscriptions SET execution_count = execution_count + 1, %s = %s + 1, last_execution_time = ?, last_execution_status = ? WHERE subscription_id = ?`, col, col)
	_, err := s.DB.ExecContext(ctx, q, at.UTC().Unix(), status, id)
	return err
}

func (s *sqliteStore) CreateExecution(ctx context.Context, e Execution) (int64, error) {
	if e.SubscriptionID == "" {
		return 0, errors.New("subscription_id required")
	}
	if e.Status == "" {
		e.Status = "PENDING"
	}
	now := time.Now().UTC().Unix()
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO executions(subscription_id, task_id, status, version, trigger_type, trigger_reason, result_summary, error_message, created_at)
VALUES(?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		e.SubscriptionID, e.TaskID, e.Status, e.TriggerType, e.TriggerReason, e.ResultSummary, e.ErrorMessage, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanExecutionRow(rows interface{ Scan(dest ...any) error }) (*Execution, error) {
	var (
		e           Execution
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

func (s *sqliteStore) GetExecution(ctx context.Context, id int64) (*Execution, error) {
	row := s.stmtGetExecution.QueryRowContext(ctx, id)
	e, err := scanExecutionRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

func (s *sqliteStore) ListExecutions(ctx context.Context, subscriptionID string, limit int) ([]Execution, error) {
	q := `SELECT execution_id, subscription_id, task_id, status, version, trigger_type, trigger_reason, started_at, completed_at, result_summary, error_message, created_at FROM executions WHERE subscription_id = ? ORDER BY created_at DESC, execution_id DESC`
	args := []any{subscriptionID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Execution
	for rows.Next() {
		e, err := scanExecutionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// UpdateExecutionWhere applies the update only where (status, version) still
// match the caller's snapshot, incrementing version by 1. Zero rows affected
// means another writer won the race.
func (s *sqliteStore) UpdateExecutionWhere(ctx context.Context, id int64, expectedStatus string, expectedVersion int64, upd ExecutionUpdate) (int64, error) {
	if upd.Status == "" {
		return 0, errors.New("new status required")
	}
	set := []string{"status = ?", "version = version + 1"}
	args := []any{upd.Status}
	if upd.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, upd.StartedAt.UTC().Unix())
	}
	if upd.CompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, upd.CompletedAt.UTC().Unix())
	}
	if upd.ResultSummary != nil {
		set = append(set, "result_summary = ?")
		args = append(args, *upd.ResultSummary)
	}
	if upd.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *upd.ErrorMessage)
	}
	if upd.TaskID != nil {
		set = append(set, "task_id = ?")
		args = append(args, *upd.TaskID)
	}
	q := `UPDATE executions SET ` + strings.Join(set, ", ") + ` WHERE execution_id = ? AND status = ? AND version = ?`
	args = append(args, id, expectedStatus, expectedVersion)
	res, err := s.DB.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) DeleteExecution(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM executions WHERE execution_id=?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("execution not found: %d", id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}
