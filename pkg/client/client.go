// Package client provides a Go SDK for the Wegent HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/zxh0305/wegent/pkg/models"
)

// Client calls the Wegent HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:3548"
	APIKey     string       // optional; set for X-API-Key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:3548").
// APIKey is optional; when set, requests send the X-API-Key header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// Config returns the /config response.
func (c *Client) Config(ctx context.Context) (*models.Config, error) {
	var out models.Config
	err := c.doJSON(ctx, http.MethodGet, "/config", nil, &out)
	return &out, err
}

// ListBots returns all bots.
func (c *Client) ListBots(ctx context.Context) ([]models.Bot, error) {
	var out []models.Bot
	err := c.doJSON(ctx, http.MethodGet, "/bots", nil, &out)
	return out, err
}

// CreateBot creates a bot and returns it.
func (c *Client) CreateBot(ctx context.Context, namespace, name, model string) (*models.Bot, error) {
	var out models.Bot
	err := c.doJSON(ctx, http.MethodPost, "/bots", map[string]string{
		"namespace": namespace, "name": name, "model": model,
	}, &out)
	return &out, err
}

// ListTeams returns all teams.
func (c *Client) ListTeams(ctx context.Context) ([]models.Team, error) {
	var out []models.Team
	err := c.doJSON(ctx, http.MethodGet, "/teams", nil, &out)
	return out, err
}

// CreateTeam creates a team with its member stages and returns it.
func (c *Client) CreateTeam(ctx context.Context, namespace, name string, members []models.TeamMember) (*models.Team, error) {
	var out models.Team
	err := c.doJSON(ctx, http.MethodPost, "/teams", map[string]any{
		"namespace": namespace, "name": name, "members": members,
	}, &out)
	return &out, err
}

// DeleteTeam deletes a team by name (namespace defaults to "default").
func (c *Client) DeleteTeam(ctx context.Context, team string) error {
	return c.doJSON(ctx, http.MethodDelete, "/teams/"+url.PathEscape(team), nil, nil)
}

// ListTasks returns tasks for a team, newest first (limit 0 = default).
func (c *Client) ListTasks(ctx context.Context, team string, limit int) ([]models.Task, error) {
	path := "/teams/" + url.PathEscape(team) + "/tasks"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.Task
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// CreateTask creates a task in a team and returns the task_id.
func (c *Client) CreateTask(ctx context.Context, team, title, prompt string) (taskID int64, err error) {
	body := map[string]string{"title": title}
	if prompt != "" {
		body["prompt"] = prompt
	}
	var out struct {
		TaskID int64 `json:"task_id"`
	}
	err = c.doJSON(ctx, http.MethodPost, "/teams/"+url.PathEscape(team)+"/tasks", body, &out)
	return out.TaskID, err
}

// GetTask returns one task.
func (c *Client) GetTask(ctx context.Context, taskID int64) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodGet, "/tasks/"+strconv.FormatInt(taskID, 10), nil, &out)
	return &out, err
}

// ListSubtasks returns a task's subtasks, newest first by message_id.
func (c *Client) ListSubtasks(ctx context.Context, taskID int64) ([]models.Subtask, error) {
	var out []models.Subtask
	err := c.doJSON(ctx, http.MethodGet, "/tasks/"+strconv.FormatInt(taskID, 10)+"/subtasks", nil, &out)
	return out, err
}

// StageInfo returns a task's pipeline stage position.
func (c *Client) StageInfo(ctx context.Context, taskID int64) (*models.StageInfo, error) {
	var out models.StageInfo
	err := c.doJSON(ctx, http.MethodGet, "/tasks/"+strconv.FormatInt(taskID, 10)+"/stage", nil, &out)
	return &out, err
}

// ConfirmResult is the stage confirm response.
type ConfirmResult struct {
	Action        string  `json:"action"`
	TaskStatus    string  `json:"task_status"`
	NextStage     int     `json:"next_stage"`
	NextStageName *string `json:"next_stage_name"`
	SubtaskID     int64   `json:"subtask_id"`
}

// ConfirmStage applies a continue or retry decision at a task's current stage.
func (c *Client) ConfirmStage(ctx context.Context, taskID int64, action, confirmedPrompt string) (*ConfirmResult, error) {
	var out ConfirmResult
	err := c.doJSON(ctx, http.MethodPost, "/tasks/"+strconv.FormatInt(taskID, 10)+"/stage/confirm", map[string]string{
		"action": action, "confirmed_prompt": confirmedPrompt,
	}, &out)
	return &out, err
}

// ListSubscriptions returns all subscriptions.
func (c *Client) ListSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	var out []models.Subscription
	err := c.doJSON(ctx, http.MethodGet, "/subscriptions", nil, &out)
	return out, err
}

// CreateSubscription creates a subscription and returns it with its schedule armed.
func (c *Client) CreateSubscription(ctx context.Context, sub models.Subscription) (*models.Subscription, error) {
	var out models.Subscription
	err := c.doJSON(ctx, http.MethodPost, "/subscriptions", sub, &out)
	return &out, err
}

// GetSubscription returns one subscription.
func (c *Client) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	var out models.Subscription
	err := c.doJSON(ctx, http.MethodGet, "/subscriptions/"+url.PathEscape(id), nil, &out)
	return &out, err
}

// SetSubscriptionEnabled enables or disables a subscription.
func (c *Client) SetSubscriptionEnabled(ctx context.Context, id string, enabled bool) error {
	return c.doJSON(ctx, http.MethodPatch, "/subscriptions/"+url.PathEscape(id), map[string]bool{"enabled": enabled}, nil)
}

// DeleteSubscription deletes a subscription and its executions.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil)
}

// TriggerSubscription fires a subscription manually and returns the new execution.
func (c *Client) TriggerSubscription(ctx context.Context, id, reason string, extraVars map[string]string) (*models.Execution, error) {
	var out models.Execution
	err := c.doJSON(ctx, http.MethodPost, "/subscriptions/"+url.PathEscape(id)+"/trigger", map[string]any{
		"reason": reason, "extra_vars": extraVars,
	}, &out)
	return &out, err
}

// ListExecutions returns a subscription's executions, newest first.
func (c *Client) ListExecutions(ctx context.Context, subscriptionID string, limit int) ([]models.Execution, error) {
	path := "/subscriptions/" + url.PathEscape(subscriptionID) + "/executions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.Execution
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetExecution returns one execution.
func (c *Client) GetExecution(ctx context.Context, id int64) (*models.Execution, error) {
	var out models.Execution
	err := c.doJSON(ctx, http.MethodGet, "/executions/"+strconv.FormatInt(id, 10), nil, &out)
	return &out, err
}

// CancelExecution cancels a pending, running, or retrying execution.
func (c *Client) CancelExecution(ctx context.Context, id int64) (*models.Execution, error) {
	var out models.Execution
	err := c.doJSON(ctx, http.MethodPost, "/executions/"+strconv.FormatInt(id, 10)+"/cancel", nil, &out)
	return &out, err
}

// DeleteExecution deletes a finished execution.
func (c *Client) DeleteExecution(ctx context.Context, id int64) error {
	return c.doJSON(ctx, http.MethodDelete, "/executions/"+strconv.FormatInt(id, 10), nil, nil)
}

// FireWebhook fires an event-triggered subscription with template variables.
func (c *Client) FireWebhook(ctx context.Context, subscriptionID string, vars map[string]string) (*models.Execution, error) {
	var out models.Execution
	err := c.doJSON(ctx, http.MethodPost, "/webhooks/"+url.PathEscape(subscriptionID), vars, &out)
	return &out, err
}
