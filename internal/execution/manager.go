package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zxh0305/wegent/internal/notify"
	"github.com/zxh0305/wegent/internal/otel"
	"github.com/zxh0305/wegent/internal/store"
)

// ConfigError marks an unrecoverable subscription configuration problem,
// such as a rental whose source is missing or a blank resolved prompt.
type ConfigError struct {
	SubscriptionID string
	Detail         string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("subscription %s config error: %s", e.SubscriptionID, e.Detail)
}

// Manager owns the execution lifecycle: creation, CAS status transitions,
// stats rollups, and best-effort notifications. Construct one at startup and
// share it.
type Manager struct {
	Store  store.Store
	Sink   notify.Sink
	Logger *slog.Logger
}

func NewManager(st store.Store, sink notify.Sink, logger *slog.Logger) *Manager {
	if sink == nil {
		sink = notify.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{Store: st, Sink: sink, Logger: logger}
}

// ResolvePrompt returns the effective prompt for a subscription. A rental
// reads the template from its source subscription; its own template is a
// placeholder and never used. extraVars substitute {{key}} occurrences.
func (m *Manager) ResolvePrompt(ctx context.Context, sub store.Subscription, extraVars map[string]string) (string, error) {
	template := sub.PromptTemplate
	if sub.SourceSubscriptionID != "" {
		source, err := m.Store.GetSubscription(ctx, sub.SourceSubscriptionID)
		if err != nil {
			return "", err
		}
		if source == nil {
			return "", &ConfigError{SubscriptionID: sub.SubscriptionID, Detail: fmt.Sprintf("source subscription %s not found", sub.SourceSubscriptionID)}
		}
		template = source.PromptTemplate
	}
	prompt := template
	for k, v := range extraVars {
		prompt = strings.ReplaceAll(prompt, "{{"+k+"}}", v)
	}
	if strings.TrimSpace(prompt) == "" {
		return "", &ConfigError{SubscriptionID: sub.SubscriptionID, Detail: "resolved prompt is blank"}
	}
	return prompt, nil
}

// Create inserts a new PENDING execution for the subscription at version 0.
// The prompt is resolved first so a misconfigured subscription fails before
// any row exists.
func (m *Manager) Create(ctx context.Context, sub store.Subscription, triggerType, triggerReason string, extraVars map[string]string) (store.Execution, error) {
	if _, err := m.ResolvePrompt(ctx, sub, extraVars); err != nil {
		return store.Execution{}, err
	}
	id, err := m.Store.CreateExecution(ctx, store.Execution{
		SubscriptionID: sub.SubscriptionID,
		Status:         string(StatusPending),
		TriggerType:    triggerType,
		TriggerReason:  triggerReason,
	})
	if err != nil {
		return store.Execution{}, err
	}
	e, err := m.Store.GetExecution(ctx, id)
	if err != nil {
		return store.Execution{}, err
	}
	if e == nil {
		return store.Execution{}, fmt.Errorf("execution %d vanished after create", id)
	}
	m.emit(ctx, *e)
	return *e, nil
}

// UpdateStatus attempts newStatus on the execution via a conditional write.
//
// It returns (false, nil) when the execution is missing, when the transition
// is invalid for the current state, or when another writer won the race;
// those are expected outcomes, logged at warn, never errors. A non-nil
// expectedVersion requests strict semantics: a mismatch returns
// OptimisticLockError instead of silently losing. On a committed transition
// into COMPLETED or FAILED the parent subscription's stats roll up
// atomically; COMPLETED_SILENT is excluded from stats.
func (m *Manager) UpdateStatus(ctx context.Context, executionID int64, newStatus Status, resultSummary, errorMessage string, expectedVersion *int64) (bool, error) {
	if !Valid(newStatus) {
		return false, fmt.Errorf("unknown execution status %q", newStatus)
	}
	e, err := m.Store.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	if e == nil {
		m.Logger.Warn("execution status update on missing row", "execution_id", executionID, "new_status", newStatus)
		return false, nil
	}
	current := Status(e.Status)
	if !CanTransition(current, newStatus) {
		m.Logger.Warn("invalid execution transition",
			"execution_id", executionID, "from", current, "to", newStatus)
		otel.RecordTransition(ctx, string(current), string(newStatus), "rejected")
		return false, nil
	}
	if expectedVersion != nil && *expectedVersion != e.Version {
		return false, &OptimisticLockError{ExecutionID: executionID, Expected: *expectedVersion, Actual: e.Version}
	}

	now := time.Now().UTC()
	upd := store.ExecutionUpdate{Status: string(newStatus)}
	if newStatus == StatusRunning && e.StartedAt == nil {
		upd.StartedAt = &now
	}
	if IsTerminal(newStatus) {
		upd.CompletedAt = &now
	}
	if resultSummary != "" {
		upd.ResultSummary = &resultSummary
	}
	if errorMessage != "" {
		upd.ErrorMessage = &errorMessage
	}

	affected, err := m.Store.UpdateExecutionWhere(ctx, executionID, e.Status, e.Version, upd)
	if err != nil {
		return false, err
	}
	if affected == 0 {
		// Another writer won the race. Reload for the log and move on.
		reloaded, rerr := m.Store.GetExecution(ctx, executionID)
		if rerr == nil && reloaded != nil {
			m.Logger.Warn("execution transition lost race",
				"execution_id", executionID, "attempted", newStatus,
				"now_status", reloaded.Status, "now_version", reloaded.Version)
		}
		otel.RecordTransition(ctx, string(current), string(newStatus), "lost_race")
		return false, nil
	}
	otel.RecordTransition(ctx, string(current), string(newStatus), "applied")
	if IsTerminal(newStatus) && e.StartedAt != nil {
		otel.RecordExecutionDuration(ctx, string(newStatus), now.Sub(*e.StartedAt))
	}

	// Silent completions are routine monitoring noise and stay out of the
	// subscription-level stats.
	if newStatus == StatusCompleted || newStatus == StatusFailed {
		if err := m.Store.RollupExecutionStats(ctx, e.SubscriptionID, newStatus == StatusCompleted, now); err != nil {
			// The transition is already committed; losing one stats tick is
			// preferable to reporting the transition as not applied.
			m.Logger.Error("stats rollup failed", "subscription_id", e.SubscriptionID, "err", err)
		}
	}

	updated, err := m.Store.GetExecution(ctx, executionID)
	if err == nil && updated != nil {
		m.emit(ctx, *updated)
	}
	return true, nil
}

// Cancel is the user-facing cancellation path. It rejects terminal
// executions and states with no CANCELLED edge with a StateError.
func (m *Manager) Cancel(ctx context.Context, executionID int64, userID string) (store.Execution, error) {
	e, err := m.Store.GetExecution(ctx, executionID)
	if err != nil {
		return store.Execution{}, err
	}
	if e == nil {
		return store.Execution{}, fmt.Errorf("execution not found: %d", executionID)
	}
	current := Status(e.Status)
	if IsTerminal(current) || !CanTransition(current, StatusCancelled) {
		return store.Execution{}, &StateError{ExecutionID: executionID, Current: current, Op: "cancel"}
	}
	ok, err := m.UpdateStatus(ctx, executionID, StatusCancelled, "", "Cancelled by user", nil)
	if err != nil {
		return store.Execution{}, err
	}
	if !ok {
		// The worker finished between the read and the write.
		reloaded, rerr := m.Store.GetExecution(ctx, executionID)
		if rerr == nil && reloaded != nil {
			return store.Execution{}, &StateError{ExecutionID: executionID, Current: Status(reloaded.Status), Op: "cancel"}
		}
		return store.Execution{}, fmt.Errorf("execution %d cancel lost race", executionID)
	}
	m.Logger.Info("execution cancelled", "execution_id", executionID, "user_id", userID)
	updated, err := m.Store.GetExecution(ctx, executionID)
	if err != nil {
		return store.Execution{}, err
	}
	return *updated, nil
}

// Delete hard-deletes a terminal execution. Running executions must be
// cancelled first.
func (m *Manager) Delete(ctx context.Context, executionID int64, userID string) error {
	e, err := m.Store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("execution not found: %d", executionID)
	}
	if !IsTerminal(Status(e.Status)) {
		return &StateError{ExecutionID: executionID, Current: Status(e.Status), Op: "delete"}
	}
	if err := m.Store.DeleteExecution(ctx, executionID); err != nil {
		return err
	}
	m.Logger.Info("execution deleted", "execution_id", executionID, "user_id", userID)
	return nil
}

// emit sends a best-effort notification; sink failures never reach callers.
func (m *Manager) emit(ctx context.Context, e store.Execution) {
	defer func() {
		if r := recover(); r != nil {
			m.Logger.Warn("notification sink panicked", "execution_id", e.ExecutionID, "panic", r)
		}
	}()
	m.Sink.Emit(ctx, notify.Event{
		Name: "execution_status",
		Room: "subscription:" + e.SubscriptionID,
		Payload: map[string]any{
			"execution_id": e.ExecutionID,
			"status":       e.Status,
			"version":      e.Version,
		},
	})
}
