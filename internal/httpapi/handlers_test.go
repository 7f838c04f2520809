package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zxh0305/wegent/internal/store"
	"github.com/zxh0305/wegent/pkg/models"
)

type runnerFunc func(ctx context.Context, e store.Execution, prompt string) error

func (f runnerFunc) Run(ctx context.Context, e store.Execution, prompt string) error {
	return f(ctx, e, prompt)
}

func newTestServer(t *testing.T) (*App, *httptest.Server) {
	t.Helper()
	app, err := NewApp(context.Background(), ServerOptions{
		Home:    t.TempDir(),
		Addr:    "127.0.0.1:0",
		Workers: 2,
		Runner: runnerFunc(func(ctx context.Context, e store.Execution, prompt string) error {
			return nil
		}),
	})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ts := httptest.NewServer(app.Server.Handler)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = app.Store.Close() })
	return app, ts
}

func doJSON(t *testing.T, method, url string, body any) (int, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}

func TestBotAndTeamRoutes(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	code, _ := doJSON(t, http.MethodPost, ts.URL+"/bots", map[string]any{"name": ""})
	if code != http.StatusBadRequest {
		t.Fatalf("POST /bots empty name: status=%d", code)
	}
	code, raw := doJSON(t, http.MethodPost, ts.URL+"/bots", map[string]any{"name": "alpha", "model": "gpt-test"})
	if code != http.StatusOK {
		t.Fatalf("POST /bots: status=%d body=%s", code, raw)
	}
	var bot models.Bot
	if err := json.Unmarshal(raw, &bot); err != nil || bot.BotID == "" {
		t.Fatalf("POST /bots: bad body %s (err=%v)", raw, err)
	}
	if bot.Namespace != "default" {
		t.Fatalf("namespace = %q, want default", bot.Namespace)
	}

	// Team referencing a missing bot is rejected.
	code, _ = doJSON(t, http.MethodPost, ts.URL+"/teams", map[string]any{
		"name":    "t1",
		"members": []map[string]any{{"bot_name": "ghost"}},
	})
	if code != http.StatusBadRequest {
		t.Fatalf("POST /teams missing bot: status=%d", code)
	}

	code, raw = doJSON(t, http.MethodPost, ts.URL+"/teams", map[string]any{
		"name":    "t1",
		"members": []map[string]any{{"bot_name": "alpha"}},
	})
	if code != http.StatusOK {
		t.Fatalf("POST /teams: status=%d body=%s", code, raw)
	}
	var team models.Team
	if err := json.Unmarshal(raw, &team); err != nil || len(team.Members) != 1 {
		t.Fatalf("POST /teams: bad body %s", raw)
	}

	code, raw = doJSON(t, http.MethodGet, ts.URL+"/teams", nil)
	if code != http.StatusOK {
		t.Fatalf("GET /teams: status=%d", code)
	}
	var teams []models.Team
	if err := json.Unmarshal(raw, &teams); err != nil || len(teams) != 1 {
		t.Fatalf("GET /teams: bad body %s", raw)
	}

	code, _ = doJSON(t, http.MethodGet, ts.URL+"/teams/t1", nil)
	if code != http.StatusOK {
		t.Fatalf("GET /teams/t1: status=%d", code)
	}
	code, _ = doJSON(t, http.MethodDelete, ts.URL+"/teams/t1", nil)
	if code != http.StatusOK {
		t.Fatalf("DELETE /teams/t1: status=%d", code)
	}
	code, _ = doJSON(t, http.MethodGet, ts.URL+"/teams/t1", nil)
	if code != http.StatusNotFound {
		t.Fatalf("GET deleted team: status=%d", code)
	}
}

func TestTaskStageFlow(t *testing.T) {
	t.Parallel()
	app, ts := newTestServer(t)
	ctx := context.Background()

	for _, name := range []string{"planner", "builder"} {
		if _, err := app.Store.CreateBot(ctx, "default", name, "m"); err != nil {
			t.Fatalf("create bot %s: %v", name, err)
		}
	}
	code, raw := doJSON(t, http.MethodPost, ts.URL+"/teams", map[string]any{
		"name": "pipeline",
		"members": []map[string]any{
			{"bot_name": "planner", "require_confirmation": true},
			{"bot_name": "builder"},
		},
	})
	if code != http.StatusOK {
		t.Fatalf("POST /teams: status=%d body=%s", code, raw)
	}

	code, raw = doJSON(t, http.MethodPost, ts.URL+"/teams/pipeline/tasks", map[string]any{"title": "ship it"})
	if code != http.StatusOK {
		t.Fatalf("POST tasks: status=%d body=%s", code, raw)
	}
	var created struct {
		TaskID int64 `json:"task_id"`
	}
	if err := json.Unmarshal(raw, &created); err != nil || created.TaskID == 0 {
		t.Fatalf("POST tasks: bad body %s", raw)
	}
	taskID := created.TaskID

	// The opening user subtask is seeded on create.
	code, raw = doJSON(t, http.MethodGet, fmt.Sprintf("%s/tasks/%d/subtasks", ts.URL, taskID), nil)
	if code != http.StatusOK {
		t.Fatalf("GET subtasks: status=%d", code)
	}
	var subs []models.Subtask
	if err := json.Unmarshal(raw, &subs); err != nil || len(subs) != 1 {
		t.Fatalf("GET subtasks: bad body %s", raw)
	}
	if subs[0].Role != models.RoleUser || subs[0].MessageID != 1 {
		t.Fatalf("seed subtask = %+v", subs[0])
	}

	// Simulate planner finishing its gated stage.
	planner, err := app.Store.GetBot(ctx, "default", "planner")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := app.Store.CreateSubtask(ctx, store.Subtask{
		TaskID:       taskID,
		Role:         models.RoleAssistant,
		Status:       models.SubtaskPendingConfirmation,
		MessageID:    2,
		ParentID:     1,
		BotIDs:       []string{planner.BotID},
		ExecutorName: "runner-1",
	}); err != nil {
		t.Fatal(err)
	}

	code, raw = doJSON(t, http.MethodGet, fmt.Sprintf("%s/tasks/%d/stage", ts.URL, taskID), nil)
	if code != http.StatusOK {
		t.Fatalf("GET stage: status=%d body=%s", code, raw)
	}
	var info models.StageInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatalf("GET stage: bad body %s", raw)
	}
	if info.CurrentStage != 0 || !info.IsPendingConfirmation || info.TotalStages != 2 {
		t.Fatalf("stage info = %+v", info)
	}

	code, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/tasks/%d/stage/confirm", ts.URL, taskID), map[string]any{"action": "sideways"})
	if code != http.StatusBadRequest {
		t.Fatalf("confirm bad action: status=%d", code)
	}

	code, raw = doJSON(t, http.MethodPost, fmt.Sprintf("%s/tasks/%d/stage/confirm", ts.URL, taskID), map[string]any{
		"action":           models.ActionContinue,
		"confirmed_prompt": "go build it",
	})
	if code != http.StatusOK {
		t.Fatalf("confirm continue: status=%d body=%s", code, raw)
	}
	var confirm struct {
		TaskStatus string `json:"task_status"`
		NextStage  int    `json:"next_stage"`
		SubtaskID  int64  `json:"subtask_id"`
	}
	if err := json.Unmarshal(raw, &confirm); err != nil {
		t.Fatalf("confirm body: %s", raw)
	}
	if confirm.TaskStatus != models.TaskPending || confirm.NextStage != 1 || confirm.SubtaskID == 0 {
		t.Fatalf("confirm result = %+v", confirm)
	}

	sub, err := app.Store.GetSubtask(ctx, confirm.SubtaskID)
	if err != nil || sub == nil {
		t.Fatalf("seeded subtask: %v", err)
	}
	if !strings.Contains(sub.Result, "go build it") {
		t.Fatalf("result missing confirmed prompt: %s", sub.Result)
	}

	code, _ = doJSON(t, http.MethodGet, ts.URL+"/tasks/notanumber/stage", nil)
	if code != http.StatusBadRequest {
		t.Fatalf("bad task id: status=%d", code)
	}
	code, _ = doJSON(t, http.MethodGet, ts.URL+"/tasks/99999", nil)
	if code != http.StatusNotFound {
		t.Fatalf("missing task: status=%d", code)
	}
}

func TestSubscriptionAndExecutionRoutes(t *testing.T) {
	t.Parallel()
	app, ts := newTestServer(t)
	ctx := context.Background()

	if _, err := app.Store.CreateBot(ctx, "default", "worker", "m"); err != nil {
		t.Fatal(err)
	}
	code, raw := doJSON(t, http.MethodPost, ts.URL+"/teams", map[string]any{
		"name":    "ops",
		"members": []map[string]any{{"bot_name": "worker"}},
	})
	if code != http.StatusOK {
		t.Fatalf("POST /teams: %d %s", code, raw)
	}
	var team models.Team
	_ = json.Unmarshal(raw, &team)

	code, _ = doJSON(t, http.MethodPost, ts.URL+"/subscriptions", map[string]any{
		"name":         "bad-cron",
		"team_id":      team.TeamID,
		"trigger_type": models.TriggerCron,
		"cron_expr":    "not a cron",
	})
	if code != http.StatusBadRequest {
		t.Fatalf("POST bad cron: status=%d", code)
	}

	code, raw = doJSON(t, http.MethodPost, ts.URL+"/subscriptions", map[string]any{
		"name":             "hourly",
		"team_id":          team.TeamID,
		"trigger_type":     models.TriggerInterval,
		"interval_seconds": 3600,
		"prompt_template":  "check {{service}}",
		"enabled":          true,
	})
	if code != http.StatusOK {
		t.Fatalf("POST /subscriptions: %d %s", code, raw)
	}
	var sub models.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil || sub.SubscriptionID == "" {
		t.Fatalf("subscription body: %s", raw)
	}
	if sub.NextExecutionTime == nil {
		t.Fatal("expected next_execution_time to be armed on create")
	}

	code, raw = doJSON(t, http.MethodPost, ts.URL+"/subscriptions/"+sub.SubscriptionID+"/trigger", map[string]any{
		"reason":     "smoke test",
		"extra_vars": map[string]string{"service": "api"},
	})
	if code != http.StatusOK {
		t.Fatalf("trigger: %d %s", code, raw)
	}
	var exec models.Execution
	if err := json.Unmarshal(raw, &exec); err != nil || exec.ExecutionID == 0 {
		t.Fatalf("trigger body: %s", raw)
	}
	if exec.TriggerType != models.TriggerManual {
		t.Fatalf("trigger_type = %q", exec.TriggerType)
	}

	waitForAPIStatus(t, ts.URL, exec.ExecutionID, "COMPLETED")

	// Cancelling a finished execution is a state error, not a 500.
	code, raw = doJSON(t, http.MethodPost, fmt.Sprintf("%s/executions/%d/cancel", ts.URL, exec.ExecutionID), nil)
	if code != http.StatusBadRequest {
		t.Fatalf("cancel terminal: %d %s", code, raw)
	}

	code, raw = doJSON(t, http.MethodGet, ts.URL+"/subscriptions/"+sub.SubscriptionID+"/executions", nil)
	if code != http.StatusOK {
		t.Fatalf("list executions: %d", code)
	}
	var execs []models.Execution
	if err := json.Unmarshal(raw, &execs); err != nil || len(execs) != 1 {
		t.Fatalf("executions body: %s", raw)
	}

	code, _ = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/executions/%d", ts.URL, exec.ExecutionID), nil)
	if code != http.StatusOK {
		t.Fatalf("delete execution: %d", code)
	}

	code, raw = doJSON(t, http.MethodPatch, ts.URL+"/subscriptions/"+sub.SubscriptionID, map[string]any{"enabled": false})
	if code != http.StatusOK {
		t.Fatalf("disable: %d %s", code, raw)
	}
	var patched models.Subscription
	_ = json.Unmarshal(raw, &patched)
	if patched.Enabled {
		t.Fatal("subscription still enabled after PATCH")
	}

	code, _ = doJSON(t, http.MethodDelete, ts.URL+"/subscriptions/"+sub.SubscriptionID, nil)
	if code != http.StatusOK {
		t.Fatalf("delete subscription: %d", code)
	}
	code, _ = doJSON(t, http.MethodGet, ts.URL+"/subscriptions/"+sub.SubscriptionID, nil)
	if code != http.StatusNotFound {
		t.Fatalf("get deleted subscription: %d", code)
	}
}

func TestWebhookRoute(t *testing.T) {
	t.Parallel()
	app, ts := newTestServer(t)
	ctx := context.Background()

	sub, err := app.Store.CreateSubscription(ctx, store.Subscription{
		Name:           "on-deploy",
		TriggerType:    models.TriggerEvent,
		PromptTemplate: "review deploy of {{service}}",
		Enabled:        true,
	})
	if err != nil {
		t.Fatal(err)
	}

	code, _ := doJSON(t, http.MethodPost, ts.URL+"/webhooks/nope", nil)
	if code != http.StatusNotFound {
		t.Fatalf("unknown webhook: %d", code)
	}

	code, raw := doJSON(t, http.MethodPost, ts.URL+"/webhooks/"+sub.SubscriptionID, map[string]string{"service": "billing"})
	if code != http.StatusOK {
		t.Fatalf("webhook fire: %d %s", code, raw)
	}
	var exec models.Execution
	if err := json.Unmarshal(raw, &exec); err != nil || exec.TriggerType != models.TriggerEvent {
		t.Fatalf("webhook body: %s", raw)
	}

	if err := app.Store.SetSubscriptionEnabled(ctx, sub.SubscriptionID, false); err != nil {
		t.Fatal(err)
	}
	code, _ = doJSON(t, http.MethodPost, ts.URL+"/webhooks/"+sub.SubscriptionID, nil)
	if code != http.StatusBadRequest {
		t.Fatalf("disabled webhook: %d", code)
	}

	interval, err := app.Store.CreateSubscription(ctx, store.Subscription{
		Name:            "not-event",
		TriggerType:     models.TriggerInterval,
		IntervalSeconds: 60,
		PromptTemplate:  "p",
		Enabled:         true,
	})
	if err != nil {
		t.Fatal(err)
	}
	code, _ = doJSON(t, http.MethodPost, ts.URL+"/webhooks/"+interval.SubscriptionID, nil)
	if code != http.StatusBadRequest {
		t.Fatalf("non-event webhook: %d", code)
	}
}

func waitForAPIStatus(t *testing.T, baseURL string, execID int64, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		code, raw := doJSON(t, http.MethodGet, fmt.Sprintf("%s/executions/%d", baseURL, execID), nil)
		if code == http.StatusOK {
			var e models.Execution
			if err := json.Unmarshal(raw, &e); err == nil && e.Status == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %d never reached %s", execID, want)
}
