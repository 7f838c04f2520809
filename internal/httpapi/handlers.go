package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zxh0305/wegent/internal/execution"
	"github.com/zxh0305/wegent/internal/notify"
	"github.com/zxh0305/wegent/internal/otel"
	"github.com/zxh0305/wegent/internal/pipeline"
	"github.com/zxh0305/wegent/internal/sched"
	"github.com/zxh0305/wegent/internal/store"
	"github.com/zxh0305/wegent/pkg/models"
)

func apiBot(b store.Bot) models.Bot {
	return models.Bot{BotID: b.BotID, Name: b.Name, Namespace: b.Namespace, Model: b.Model, CreatedAt: b.CreatedAt}
}

func apiTeam(t store.Team) models.Team {
	out := models.Team{TeamID: t.TeamID, Name: t.Name, Namespace: t.Namespace, CreatedAt: t.CreatedAt}
	for _, m := range t.Members {
		out.Members = append(out.Members, models.TeamMember{
			BotName:             m.BotName,
			BotNamespace:        m.BotNamespace,
			RequireConfirmation: m.RequireConfirmation,
		})
	}
	return out
}

func apiTask(t store.Task) models.Task {
	return models.Task{TaskID: t.TaskID, TeamID: t.TeamID, Title: t.Title, Status: t.Status, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt}
}

func apiSubtask(s store.Subtask) models.Subtask {
	return models.Subtask{
		SubtaskID:         s.SubtaskID,
		TaskID:            s.TaskID,
		Role:              s.Role,
		Status:            s.Status,
		MessageID:         s.MessageID,
		ParentID:          s.ParentID,
		BotIDs:            s.BotIDs,
		ExecutorName:      s.ExecutorName,
		ExecutorNamespace: s.ExecutorNamespace,
		Result:            s.Result,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

func apiSubscription(s store.Subscription) models.Subscription {
	return models.Subscription{
		SubscriptionID:       s.SubscriptionID,
		Name:                 s.Name,
		TeamID:               s.TeamID,
		TriggerType:          s.TriggerType,
		CronExpr:             s.CronExpr,
		IntervalSeconds:      s.IntervalSeconds,
		PromptTemplate:       s.PromptTemplate,
		SourceSubscriptionID: s.SourceSubscriptionID,
		RetryCount:           s.RetryCount,
		TimeoutSeconds:       s.TimeoutSeconds,
		Enabled:              s.Enabled,
		CreatedAt:            s.CreatedAt,
		NextExecutionTime:    s.Internal.NextExecutionTime,
		ExecutionCount:       s.Internal.ExecutionCount,
		SuccessCount:         s.Internal.SuccessCount,
		FailureCount:         s.Internal.FailureCount,
		LastExecutionTime:    s.Internal.LastExecutionTime,
		LastExecutionStatus:  s.Internal.LastExecutionStatus,
	}
}

func apiExecution(e store.Execution) models.Execution {
	return models.Execution{
		ExecutionID:    e.ExecutionID,
		SubscriptionID: e.SubscriptionID,
		TaskID:         e.TaskID,
		Status:         e.Status,
		Version:        e.Version,
		TriggerType:    e.TriggerType,
		TriggerReason:  e.TriggerReason,
		StartedAt:      e.StartedAt,
		CompletedAt:    e.CompletedAt,
		ResultSummary:  e.ResultSummary,
		ErrorMessage:   e.ErrorMessage,
		CreatedAt:      e.CreatedAt,
	}
}

func (a *App) handleBots(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		bots, err := a.Store.ListBots(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]models.Bot, 0, len(bots))
		for _, b := range bots {
			out = append(out, apiBot(b))
		}
		writeJSON(w, out)
	case http.MethodPost:
		var body struct {
			Namespace string `json:"namespace"`
			Name      string `json:"name"`
			Model     string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.Name == "" {
			writeJSONError(w, http.StatusBadRequest, "name required")
			return
		}
		b, err := a.Store.CreateBot(r.Context(), body.Namespace, body.Name, body.Model)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, apiBot(b))
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *App) handleTeams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		teams, err := a.Store.ListTeams(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]models.Team, 0, len(teams))
		for _, t := range teams {
			out = append(out, apiTeam(t))
		}
		writeJSON(w, out)
	case http.MethodPost:
		var body struct {
			Namespace string              `json:"namespace"`
			Name      string              `json:"name"`
			Members   []models.TeamMember `json:"members"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.Name == "" {
			writeJSONError(w, http.StatusBadRequest, "name required")
			return
		}
		if len(body.Members) == 0 {
			writeJSONError(w, http.StatusBadRequest, "at least one member required")
			return
		}
		members := make([]store.TeamMember, 0, len(body.Members))
		for _, m := range body.Members {
			ns := m.BotNamespace
			if ns == "" {
				ns = "default"
			}
			if _, err := a.Store.GetBot(r.Context(), ns, m.BotName); err != nil {
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("member bot %s/%s: %v", ns, m.BotName, err))
				return
			}
			members = append(members, store.TeamMember{
				BotName:             m.BotName,
				BotNamespace:        ns,
				RequireConfirmation: m.RequireConfirmation,
			})
		}
		t, err := a.Store.CreateTeam(r.Context(), body.Namespace, body.Name, members)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.Hub.Emit(r.Context(), notify.Event{Name: "team_update", Payload: map[string]any{"team": t.Name}})
		writeJSON(w, apiTeam(t))
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleTeamScoped routes /teams/{team} and /teams/{team}/tasks.
// The namespace query parameter defaults to "default".
func (a *App) handleTeamScoped(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/teams/"), "/")
	if len(parts) < 1 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	teamName := parts[0]
	namespace := r.URL.Query().Get("namespace")
	if namespace == "" {
		namespace = "default"
	}
	team, err := a.Store.GetTeamByName(r.Context(), namespace, teamName)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	if len(parts) == 1 || parts[1] == "" {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, apiTeam(team))
		case http.MethodDelete:
			if err := a.Store.DeleteTeam(r.Context(), namespace, teamName); err != nil {
				writeJSONError(w, http.StatusNotFound, err.Error())
				return
			}
			a.Hub.Emit(r.Context(), notify.Event{Name: "team_update", Payload: map[string]any{"team": teamName}})
			writeJSON(w, map[string]any{"ok": true})
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	if parts[1] != "tasks" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		limit := 0
		if l := r.URL.Query().Get("limit"); l != "" {
			if n, err := strconv.Atoi(l); err == nil && n > 0 {
				limit = n
				if limit > models.DefaultTaskListLimit {
					limit = models.DefaultTaskListLimit
				}
			}
		}
		tasks, err := a.Store.ListTasks(r.Context(), team.TeamID, limit)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]models.Task, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, apiTask(t))
		}
		writeJSON(w, out)
	case http.MethodPost:
		var body struct {
			Title  string `json:"title"`
			Status string `json:"status"`
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.Title == "" {
			writeJSONError(w, http.StatusBadRequest, "title required")
			return
		}
		if body.Status != "" && body.Status != models.TaskPending && body.Status != models.TaskRunning {
			writeJSONError(w, http.StatusBadRequest, "status must be pending or running")
			return
		}
		id, err := a.Store.CreateTask(r.Context(), team.TeamID, body.Title, body.Status)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Seed the opening user subtask so the pipeline has an anchor.
		prompt := body.Prompt
		if prompt == "" {
			prompt = body.Title
		}
		if _, err := a.Store.CreateSubtask(r.Context(), store.Subtask{
			TaskID:    id,
			Role:      models.RoleUser,
			Status:    models.SubtaskCompleted,
			MessageID: 1,
			Result:    mustResultJSON(store.SubtaskResult{Output: prompt}),
		}); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		a.Hub.Emit(r.Context(), notify.Event{Name: "task_update", Room: taskRoom(id), Payload: map[string]any{"task_id": id}})
		writeJSON(w, map[string]any{"task_id": id})
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleTaskScoped routes /tasks/{id}, /tasks/{id}/subtasks, /tasks/{id}/stage,
// and /tasks/{id}/stage/confirm.
func (a *App) handleTaskScoped(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/")
	if len(parts) < 1 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	taskID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := a.Store.GetTask(r.Context(), taskID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeJSONError(w, http.StatusNotFound, "task not found")
		return
	}

	if len(parts) == 1 || parts[1] == "" {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, apiTask(*task))
		return
	}

	switch parts[1] {
	case "subtasks":
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		subs, err := a.Store.ListSubtasks(r.Context(), taskID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]models.Subtask, 0, len(subs))
		for _, s := range subs {
			out = append(out, apiSubtask(s))
		}
		writeJSON(w, out)
	case "stage":
		team, err := a.Store.GetTeamByID(r.Context(), task.TeamID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if len(parts) >= 3 && parts[2] == "confirm" {
			a.handleStageConfirm(w, r, task, team)
			return
		}
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		info, err := a.Pipeline.StageInfo(r.Context(), taskID, team)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, info)
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

func (a *App) handleStageConfirm(w http.ResponseWriter, r *http.Request, task *store.Task, team store.Team) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Action          string `json:"action"`
		ConfirmedPrompt string `json:"confirmed_prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Action != models.ActionContinue && body.Action != models.ActionRetry {
		writeJSONError(w, http.StatusBadRequest, "action must be continue or retry")
		return
	}
	res, err := a.Pipeline.Confirm(r.Context(), task, team, body.ConfirmedPrompt, body.Action)
	if err != nil {
		var cfgErr *pipeline.ConfigError
		if errors.As(err, &cfgErr) {
			writeJSONError(w, http.StatusInternalServerError, cfgErr.Error())
			return
		}
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	otel.RecordStageConfirmation(r.Context(), team.Name, body.Action)
	a.Hub.Emit(r.Context(), notify.Event{
		Name: "stage_confirm",
		Room: taskRoom(task.TaskID),
		Payload: map[string]any{
			"task_id":     task.TaskID,
			"action":      res.Action,
			"task_status": res.TaskStatus,
			"next_stage":  res.NextStage,
		},
	})
	writeJSON(w, map[string]any{
		"action":          res.Action,
		"task_status":     res.TaskStatus,
		"next_stage":      res.NextStage,
		"next_stage_name": res.NextStageName,
		"subtask_id":      res.SubtaskID,
	})
}

func (a *App) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		subs, err := a.Store.ListSubscriptions(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]models.Subscription, 0, len(subs))
		for _, s := range subs {
			out = append(out, apiSubscription(s))
		}
		writeJSON(w, out)
	case http.MethodPost:
		var body models.Subscription
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		sub := store.Subscription{
			Name:                 body.Name,
			TeamID:               body.TeamID,
			TriggerType:          body.TriggerType,
			CronExpr:             body.CronExpr,
			IntervalSeconds:      body.IntervalSeconds,
			PromptTemplate:       body.PromptTemplate,
			SourceSubscriptionID: body.SourceSubscriptionID,
			RetryCount:           body.RetryCount,
			TimeoutSeconds:       body.TimeoutSeconds,
			Enabled:              body.Enabled,
		}
		next, err := sched.NextRun(sub, time.Now().UTC())
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		sub.Internal.NextExecutionTime = next
		created, err := a.Store.CreateSubscription(r.Context(), sub)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, apiSubscription(created))
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleSubscriptionScoped routes /subscriptions/{id}, /subscriptions/{id}/trigger,
// and /subscriptions/{id}/executions.
func (a *App) handleSubscriptionScoped(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/subscriptions/"), "/")
	if len(parts) < 1 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	sub, err := a.Store.GetSubscription(r.Context(), parts[0])
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sub == nil {
		writeJSONError(w, http.StatusNotFound, "subscription not found")
		return
	}

	if len(parts) == 1 || parts[1] == "" {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, apiSubscription(*sub))
		case http.MethodPatch:
			var body struct {
				Enabled *bool `json:"enabled"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			if body.Enabled == nil {
				writeJSONError(w, http.StatusBadRequest, "enabled required")
				return
			}
			if err := a.Store.SetSubscriptionEnabled(r.Context(), sub.SubscriptionID, *body.Enabled); err != nil {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			if *body.Enabled {
				// Re-arm the schedule; a long-disabled next time may be stale.
				if next, err := sched.NextRun(*sub, time.Now().UTC()); err == nil {
					_ = a.Store.SetNextExecutionTime(r.Context(), sub.SubscriptionID, next)
				}
			}
			updated, _ := a.Store.GetSubscription(r.Context(), sub.SubscriptionID)
			if updated != nil {
				writeJSON(w, apiSubscription(*updated))
				return
			}
			writeJSON(w, map[string]any{"ok": true})
		case http.MethodDelete:
			if err := a.Store.DeleteSubscription(r.Context(), sub.SubscriptionID); err != nil {
				writeJSONError(w, http.StatusNotFound, err.Error())
				return
			}
			writeJSON(w, map[string]any{"ok": true})
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	switch parts[1] {
	case "trigger":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var body struct {
			Reason    string            `json:"reason"`
			ExtraVars map[string]string `json:"extra_vars"`
		}
		// Body is optional for manual triggers.
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Reason == "" {
			body.Reason = "manual trigger"
		}
		e, err := a.Dispatcher.Dispatch(r.Context(), *sub, models.TriggerManual, body.Reason, body.ExtraVars)
		if err != nil {
			writeDispatchError(w, err)
			return
		}
		writeJSON(w, apiExecution(e))
	case "executions":
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		limit := models.DefaultExecutionListLimit
		if l := r.URL.Query().Get("limit"); l != "" {
			if n, err := strconv.Atoi(l); err == nil && n > 0 && n < limit {
				limit = n
			}
		}
		execs, err := a.Store.ListExecutions(r.Context(), sub.SubscriptionID, limit)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]models.Execution, 0, len(execs))
		for _, e := range execs {
			out = append(out, apiExecution(e))
		}
		writeJSON(w, out)
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleWebhook fires an event-triggered subscription: POST /webhooks/{id}.
// The JSON body, if any, becomes the execution's template variables.
func (a *App) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/webhooks/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	sub, err := a.Store.GetSubscription(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sub == nil {
		writeJSONError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if sub.TriggerType != models.TriggerEvent {
		writeJSONError(w, http.StatusBadRequest, "subscription is not event-triggered")
		return
	}
	if !sub.Enabled {
		writeJSONError(w, http.StatusBadRequest, "subscription is disabled")
		return
	}
	extraVars := map[string]string{}
	_ = json.NewDecoder(r.Body).Decode(&extraVars)
	e, err := a.Dispatcher.Dispatch(r.Context(), *sub, models.TriggerEvent, "webhook event", extraVars)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, apiExecution(e))
}

// handleExecutionScoped routes /executions/{id} and /executions/{id}/cancel.
func (a *App) handleExecutionScoped(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/executions/"), "/")
	if len(parts) < 1 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	execID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid execution id")
		return
	}

	if len(parts) >= 2 && parts[1] == "cancel" {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		e, err := a.Manager.Cancel(r.Context(), execID, callerID(r))
		if err != nil {
			var stateErr *execution.StateError
			if errors.As(err, &stateErr) {
				writeJSONError(w, http.StatusBadRequest, stateErr.Error())
				return
			}
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, apiExecution(e))
		return
	}

	switch r.Method {
	case http.MethodGet:
		e, err := a.Store.GetExecution(r.Context(), execID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if e == nil {
			writeJSONError(w, http.StatusNotFound, "execution not found")
			return
		}
		writeJSON(w, apiExecution(*e))
	case http.MethodDelete:
		if err := a.Manager.Delete(r.Context(), execID, callerID(r)); err != nil {
			var stateErr *execution.StateError
			if errors.As(err, &stateErr) {
				writeJSONError(w, http.StatusBadRequest, stateErr.Error())
				return
			}
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func writeDispatchError(w http.ResponseWriter, err error) {
	var cfgErr *execution.ConfigError
	if errors.As(err, &cfgErr) {
		writeJSONError(w, http.StatusInternalServerError, cfgErr.Error())
		return
	}
	writeJSONError(w, http.StatusBadRequest, err.Error())
}

func callerID(r *http.Request) string {
	if u := r.Header.Get("X-User-ID"); u != "" {
		return u
	}
	return "api"
}

func taskRoom(taskID int64) string {
	return fmt.Sprintf("task:%d", taskID)
}

func mustResultJSON(res store.SubtaskResult) string {
	b, err := json.Marshal(res)
	if err != nil {
		return "{}"
	}
	return string(b)
}
