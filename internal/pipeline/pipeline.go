// Package pipeline infers a task's current stage from its subtask history and
// drives continue/retry transitions through confirmation gates.
//
// Stage order is the team's member order. The only chronological ordering key
// is message_id; wall-clock timestamps are never consulted.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zxh0305/wegent/internal/store"
	"github.com/zxh0305/wegent/pkg/models"
)

// ConfigError marks an unrecoverable pipeline configuration problem, such as
// a stage whose bot cannot be resolved or a task with no subtask to anchor
// message numbering. The API layer maps it to a 500.
type ConfigError struct {
	Op     string
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pipeline config error in %s: %s", e.Op, e.Detail)
}

// BotResolver maps bot ids and (namespace, name) references to bot records.
// The store satisfies it.
type BotResolver interface {
	GetBotByID(ctx context.Context, botID string) (store.Bot, error)
	GetBot(ctx context.Context, namespace, name string) (store.Bot, error)
}

// Engine computes pipeline stage positions and applies stage transitions.
// Construct one at startup and share it; it holds no per-task state.
type Engine struct {
	Store    store.Store
	Resolver BotResolver
	Logger   *slog.Logger
}

// New returns an Engine backed by st, resolving bots through st as well.
func New(st store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Store: st, Resolver: st, Logger: logger}
}

// CurrentStageIndex returns the stage index of the most recent assistant
// subtask in history, or nil when history or the team's member list is empty.
//
// history must be ordered newest-first by message_id (the ListSubtasks
// contract). If no assistant subtask exists, or its bot cannot be resolved to
// a team member, the engine falls back to stage 0 so transient lookup misses
// never block progress. The fallback is logged at warn level.
func (e *Engine) CurrentStageIndex(ctx context.Context, history []store.Subtask, team store.Team) *int {
	if len(history) == 0 || len(team.Members) == 0 {
		return nil
	}
	zero := 0
	for _, sub := range history {
		if sub.Role != models.RoleAssistant {
			continue
		}
		idx, ok := e.resolveStage(ctx, sub, team.Members)
		if !ok {
			e.Logger.Warn("stage inference fell back to stage 0",
				"task_id", sub.TaskID, "subtask_id", sub.SubtaskID, "team", team.Name)
			return &zero
		}
		return &idx
	}
	// No assistant subtask yet; the round hasn't started.
	return &zero
}

// ShouldHold reports whether auto-advance must halt at the current stage
// because that stage is a confirmation gate. The returned stage index is nil
// exactly when CurrentStageIndex is.
func (e *Engine) ShouldHold(ctx context.Context, history []store.Subtask, team store.Team) (bool, *int) {
	idx := e.CurrentStageIndex(ctx, history, team)
	if idx == nil {
		return false, nil
	}
	if *idx < len(team.Members) && team.Members[*idx].RequireConfirmation {
		return true, idx
	}
	return false, idx
}

// resolveStage maps a subtask's producing bot (bot_ids[0]) to a member index.
func (e *Engine) resolveStage(ctx context.Context, sub store.Subtask, members []store.TeamMember) (int, bool) {
	if len(sub.BotIDs) == 0 {
		return 0, false
	}
	bot, err := e.Resolver.GetBotByID(ctx, sub.BotIDs[0])
	if err != nil {
		return 0, false
	}
	for i, m := range members {
		if m.BotName == bot.Name && m.BotNamespace == bot.Namespace {
			return i, true
		}
	}
	return 0, false
}

// DeriveStageMap builds the best-known subtask per stage from the full
// assistant history. It is a pure function over its inputs: resolve maps a
// subtask to its stage index (false when unresolvable, which skips the entry).
//
// A completed subtask for a stage always wins over a pending or running one,
// so a later follow-up subtask never regresses a completed stage. Among
// subtasks of equal standing the one with the higher message_id wins.
func DeriveStageMap(history []store.Subtask, members []store.TeamMember, resolve func(store.Subtask) (int, bool)) map[int]store.Subtask {
	stageMap := make(map[int]store.Subtask)
	for _, sub := range history {
		if sub.Role != models.RoleAssistant {
			continue
		}
		idx, ok := resolve(sub)
		if !ok || idx < 0 || idx >= len(members) {
			continue
		}
		prev, seen := stageMap[idx]
		if !seen {
			stageMap[idx] = sub
			continue
		}
		if prev.Status == models.SubtaskCompleted && sub.Status != models.SubtaskCompleted {
			continue
		}
		if sub.Status == models.SubtaskCompleted && prev.Status != models.SubtaskCompleted {
			stageMap[idx] = sub
			continue
		}
		if sub.MessageID > prev.MessageID {
			stageMap[idx] = sub
		}
	}
	return stageMap
}

// StageInfo computes the task's pipeline position across its whole history.
//
// The walk visits stages left to right: a stage in pending_confirmation,
// running, pending, or failed stops the walk there; a completed stage whose
// member gates on confirmation stops with is_pending_confirmation when the
// next stage has no subtask yet; a completed non-gated stage advances; a
// stage with no subtask at all is the first unreached stage and stops.
func (e *Engine) StageInfo(ctx context.Context, taskID int64, team store.Team) (models.StageInfo, error) {
	total := len(team.Members)
	if total == 0 {
		return models.StageInfo{}, &ConfigError{Op: "StageInfo", Detail: fmt.Sprintf("team %s has no members", team.Name)}
	}
	history, err := e.Store.ListSubtasks(ctx, taskID)
	if err != nil {
		return models.StageInfo{}, err
	}
	stageMap := DeriveStageMap(history, team.Members, func(sub store.Subtask) (int, bool) {
		return e.resolveStage(ctx, sub, team.Members)
	})

	current := 0
	pendingConfirmation := false
walk:
	for i := 0; i < total; i++ {
		sub, ok := stageMap[i]
		if !ok {
			current = i
			break
		}
		switch sub.Status {
		case models.SubtaskPendingConfirmation:
			current = i
			pendingConfirmation = true
			break walk
		case models.SubtaskRunning, models.SubtaskPending:
			current = i
			break walk
		case models.SubtaskCompleted:
			if team.Members[i].RequireConfirmation {
				if _, next := stageMap[i+1]; !next {
					current = i
					pendingConfirmation = true
					break walk
				}
			}
			current = i + 1
		case models.SubtaskFailed:
			current = i
			break walk
		default:
			current = i
			break walk
		}
	}
	if current > total-1 {
		current = total - 1
	}

	info := models.StageInfo{
		CurrentStage:          current,
		TotalStages:           total,
		IsPendingConfirmation: pendingConfirmation,
		Stages:                make([]models.StageState, 0, total),
	}
	for i, m := range team.Members {
		status := models.SubtaskPending
		if sub, ok := stageMap[i]; ok {
			status = sub.Status
		}
		if pendingConfirmation && i == current {
			// Display override for the gated stage, not the stored status.
			status = models.SubtaskPendingConfirmation
		}
		info.Stages = append(info.Stages, models.StageState{
			Index:               i,
			Name:                m.BotName,
			RequireConfirmation: m.RequireConfirmation,
			Status:              status,
		})
	}
	return info, nil
}
