package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zxh0305/wegent/internal/store"
	"github.com/zxh0305/wegent/pkg/models"
)

// ConfirmResult reports the outcome of a stage confirmation.
// NextStageName is nil when the pipeline finished.
type ConfirmResult struct {
	Action        string
	TaskStatus    string
	NextStage     int
	NextStageName *string
	SubtaskID     int64 // subtask carrying the confirmed prompt, 0 for retry/finish
}

// Confirm applies a continue or retry decision at the task's current stage.
//
// retry marks the task completed without touching subtasks, so the user can
// re-send to the same bot. continue advances to the next stage: past the last
// stage it completes the task; otherwise it seeds the next stage's subtask
// with the confirmed prompt and sets the task to pending. The dispatcher owns
// the pending-to-running hop, so the task is never set running here.
func (e *Engine) Confirm(ctx context.Context, task *store.Task, team store.Team, confirmedPrompt, action string) (ConfirmResult, error) {
	switch action {
	case models.ActionRetry:
		if err := e.Store.UpdateTaskStatus(ctx, task.TaskID, models.TaskCompleted); err != nil {
			return ConfirmResult{}, err
		}
		return ConfirmResult{Action: action, TaskStatus: models.TaskCompleted}, nil
	case models.ActionContinue:
		// fall through
	default:
		return ConfirmResult{}, fmt.Errorf("unknown confirmation action %q", action)
	}

	info, err := e.StageInfo(ctx, task.TaskID, team)
	if err != nil {
		return ConfirmResult{}, err
	}
	next := info.CurrentStage + 1
	if next >= info.TotalStages {
		if err := e.Store.UpdateTaskStatus(ctx, task.TaskID, models.TaskCompleted); err != nil {
			return ConfirmResult{}, err
		}
		return ConfirmResult{Action: action, TaskStatus: models.TaskCompleted, NextStage: next}, nil
	}

	subtaskID, err := e.seedNextStage(ctx, task.TaskID, team, next, confirmedPrompt)
	if err != nil {
		return ConfirmResult{}, err
	}
	if err := e.Store.UpdateTaskStatus(ctx, task.TaskID, models.TaskPending); err != nil {
		return ConfirmResult{}, err
	}
	name := team.Members[next].BotName
	return ConfirmResult{
		Action:        action,
		TaskStatus:    models.TaskPending,
		NextStage:     next,
		NextStageName: &name,
		SubtaskID:     subtaskID,
	}, nil
}

// seedNextStage locates the earliest pending assistant subtask for the given
// stage, or lazily creates one, and stores the confirmed prompt in its result.
func (e *Engine) seedNextStage(ctx context.Context, taskID int64, team store.Team, stage int, confirmedPrompt string) (int64, error) {
	history, err := e.Store.ListSubtasks(ctx, taskID)
	if err != nil {
		return 0, err
	}

	// Earliest pending assistant subtask already belonging to the stage.
	// history is newest-first, so scan from the tail.
	for i := len(history) - 1; i >= 0; i-- {
		sub := history[i]
		if sub.Role != models.RoleAssistant || sub.Status != models.SubtaskPending {
			continue
		}
		if idx, ok := e.resolveStage(ctx, sub, team.Members); ok && idx == stage {
			if err := e.writeConfirmedPrompt(ctx, sub, confirmedPrompt); err != nil {
				return 0, err
			}
			return sub.SubtaskID, nil
		}
	}
	return e.createNextStageSubtask(ctx, taskID, team, stage, confirmedPrompt, history)
}

// createNextStageSubtask materializes the stage's pending assistant subtask.
// message_id continues strictly from the last subtask; executor affinity is
// copied from any prior assistant subtask so stages share one sandbox.
func (e *Engine) createNextStageSubtask(ctx context.Context, taskID int64, team store.Team, stage int, confirmedPrompt string, history []store.Subtask) (int64, error) {
	if stage < 0 || stage >= len(team.Members) {
		return 0, &ConfigError{Op: "createNextStageSubtask", Detail: fmt.Sprintf("stage %d out of range for team %s", stage, team.Name)}
	}
	member := team.Members[stage]
	bot, err := e.Resolver.GetBot(ctx, member.BotNamespace, member.BotName)
	if err != nil {
		return 0, &ConfigError{Op: "createNextStageSubtask", Detail: fmt.Sprintf("stage %d bot %s/%s unresolvable: %v", stage, member.BotNamespace, member.BotName, err)}
	}
	if len(history) == 0 {
		return 0, &ConfigError{Op: "createNextStageSubtask", Detail: fmt.Sprintf("task %d has no subtask to anchor message numbering", taskID)}
	}
	last := history[0] // newest-first
	var executorName, executorNamespace string
	for _, sub := range history {
		if sub.Role == models.RoleAssistant && sub.ExecutorName != "" {
			executorName = sub.ExecutorName
			executorNamespace = sub.ExecutorNamespace
			break
		}
	}
	result, err := json.Marshal(store.SubtaskResult{
		ConfirmedPrompt:       confirmedPrompt,
		FromStageConfirmation: true,
	})
	if err != nil {
		return 0, err
	}
	return e.Store.CreateSubtask(ctx, store.Subtask{
		TaskID:            taskID,
		Role:              models.RoleAssistant,
		Status:            models.SubtaskPending,
		MessageID:         last.MessageID + 1,
		ParentID:          last.MessageID,
		BotIDs:            []string{bot.BotID},
		ExecutorName:      executorName,
		ExecutorNamespace: executorNamespace,
		Result:            string(result),
	})
}

// writeConfirmedPrompt merges the confirmed prompt into an existing subtask's
// result document, preserving any output already present.
func (e *Engine) writeConfirmedPrompt(ctx context.Context, sub store.Subtask, confirmedPrompt string) error {
	var result store.SubtaskResult
	if sub.Result != "" {
		if err := json.Unmarshal([]byte(sub.Result), &result); err != nil {
			return fmt.Errorf("subtask %d result: %w", sub.SubtaskID, err)
		}
	}
	result.ConfirmedPrompt = confirmedPrompt
	result.FromStageConfirmation = true
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return e.Store.UpdateSubtaskResult(ctx, sub.SubtaskID, string(raw))
}
