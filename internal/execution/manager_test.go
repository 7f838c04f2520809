package execution

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zxh0305/wegent/internal/store"
	"github.com/zxh0305/wegent/pkg/models"
)

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	st, err := store.Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewManager(st, nil, nil), st
}

func newTestSubscription(t *testing.T, st store.Store, prompt string) store.Subscription {
	t.Helper()
	sub, err := st.CreateSubscription(context.Background(), store.Subscription{
		Name:           "nightly-report",
		TriggerType:    models.TriggerCron,
		CronExpr:       "0 2 * * *",
		PromptTemplate: prompt,
		Enabled:        true,
	})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	return sub
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()
	all := []Status{StatusPending, StatusRunning, StatusCompleted, StatusCompletedSilent, StatusFailed, StatusRetrying, StatusCancelled}
	edges := [][2]Status{
		{StatusPending, StatusRunning},
		{StatusPending, StatusCancelled},
		{StatusPending, StatusFailed},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusCompletedSilent},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
		{StatusRunning, StatusRetrying},
		{StatusRetrying, StatusRunning},
		{StatusRetrying, StatusFailed},
		{StatusRetrying, StatusCancelled},
	}
	allowed := make(map[[2]Status]bool, len(edges))
	for _, e := range edges {
		allowed[e] = true
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
	for _, s := range []Status{StatusCompleted, StatusCompletedSilent, StatusFailed, StatusCancelled} {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = false", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning, StatusRetrying} {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = true", s)
		}
	}
}

func TestCreate_startsPendingVersionZero(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t)
	ctx := context.Background()
	sub := newTestSubscription(t, st, "report on {{topic}}")

	e, err := m.Create(ctx, sub, models.TriggerManual, "requested from CLI", map[string]string{"topic": "latency"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if e.Status != string(StatusPending) || e.Version != 0 {
		t.Fatalf("got status=%s version=%d, want PENDING/0", e.Status, e.Version)
	}
}

func TestCreate_blankPromptIsConfigError(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t)
	ctx := context.Background()
	sub := newTestSubscription(t, st, "   ")

	_, err := m.Create(ctx, sub, models.TriggerManual, "", nil)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("got %v, want ConfigError", err)
	}
	// No row may exist after a failed create.
	list, err := st.ListExecutions(ctx, sub.SubscriptionID, 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("execution row created despite config error: %d rows", len(list))
	}
}

func TestResolvePrompt_rentalReadsSource(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t)
	ctx := context.Background()

	source := newTestSubscription(t, st, "summarize incidents for {{team}}")
	rental, err := st.CreateSubscription(ctx, store.Subscription{
		Name:                 "rental-of-nightly",
		TriggerType:          models.TriggerCron,
		CronExpr:             "0 3 * * *",
		PromptTemplate:       "__RENTAL_PLACEHOLDER__",
		SourceSubscriptionID: source.SubscriptionID,
		Enabled:              true,
	})
	if err != nil {
		t.Fatalf("CreateSubscription rental: %v", err)
	}

	prompt, err := m.ResolvePrompt(ctx, rental, map[string]string{"team": "core"})
	if err != nil {
		t.Fatalf("ResolvePrompt: %v", err)
	}
	if strings.Contains(prompt, "__RENTAL_PLACEHOLDER__") {
		t.Fatalf("rental used its own placeholder template: %q", prompt)
	}
	if prompt != "summarize incidents for core" {
		t.Fatalf("got %q", prompt)
	}
}

func TestUpdateStatus_monotonicVersion(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t)
	ctx := context.Background()
	sub := newTestSubscription(t, st, "prompt")
	e, err := m.Create(ctx, sub, models.TriggerManual, "", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	steps := []Status{StatusRunning, StatusRetrying, StatusRunning, StatusCompleted}
	for i, s := range steps {
		ok, err := m.UpdateStatus(ctx, e.ExecutionID, s, "", "", nil)
		if err != nil || !ok {
			t.Fatalf("step %d (%s): ok=%v err=%v", i, s, ok, err)
		}
		got, _ := st.GetExecution(ctx, e.ExecutionID)
		if got.Version != int64(i+1) {
			t.Fatalf("after step %d: version=%d, want %d", i, got.Version, i+1)
		}
	}
}

func TestUpdateStatus_invalidTransitionReturnsFalse(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t)
	ctx := context.Background()
	sub := newTestSubscription(t, st, "prompt")
	e, _ := m.Create(ctx, sub, models.TriggerManual, "", nil)

	for _, s := range []Status{StatusRunning, StatusCompleted} {
		if ok, err := m.UpdateStatus(ctx, e.ExecutionID, s, "", "", nil); err != nil || !ok {
			t.Fatalf("setup %s: ok=%v err=%v", s, ok, err)
		}
	}

	// COMPLETED is terminal; every outgoing edge must be rejected without error.
	ok, err := m.UpdateStatus(ctx, e.ExecutionID, StatusRunning, "", "", nil)
	if err != nil {
		t.Fatalf("UpdateStatus from terminal errored: %v", err)
	}
	if ok {
		t.Fatal("transition out of COMPLETED applied")
	}
	got, _ := st.GetExecution(ctx, e.ExecutionID)
	if got.Status != string(StatusCompleted) || got.Version != 2 {
		t.Fatalf("row changed: status=%s version=%d", got.Status, got.Version)
	}
}

func TestUpdateStatus_missingRowReturnsFalse(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ok, err := m.UpdateStatus(context.Background(), 99999, StatusRunning, "", "", nil)
	if err != nil || ok {
		t.Fatalf("got ok=%v err=%v, want false/nil", ok, err)
	}
}

func TestUpdateStatus_explicitVersionMismatch(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t)
	ctx := context.Background()
	sub := newTestSubscription(t, st, "prompt")
	e, _ := m.Create(ctx, sub, models.TriggerManual, "", nil)

	stale := int64(7)
	_, err := m.UpdateStatus(ctx, e.ExecutionID, StatusRunning, "", "", &stale)
	var lockErr *OptimisticLockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("got %v, want OptimisticLockError", err)
	}
	if lockErr.ExecutionID != e.ExecutionID || lockErr.Expected != 7 || lockErr.Actual != 0 {
		t.Fatalf("lock error fields: %+v", lockErr)
	}

	// Matching version passes.
	match := int64(0)
	ok, err := m.UpdateStatus(ctx, e.ExecutionID, StatusRunning, "", "", &match)
	if err != nil || !ok {
		t.Fatalf("matching version: ok=%v err=%v", ok, err)
	}
}

func TestUpdateStatus_concurrentWritersOneWins(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t)
	ctx := context.Background()
	sub := newTestSubscription(t, st, "prompt")
	e, _ := m.Create(ctx, sub, models.TriggerManual, "", nil)
	if ok, err := m.UpdateStatus(ctx, e.ExecutionID, StatusRunning, "", "", nil); err != nil || !ok {
		t.Fatalf("to RUNNING: ok=%v err=%v", ok, err)
	}

	// Both writers race from the same (RUNNING, 1) snapshot.
	const writers = 8
	var wg sync.WaitGroup
	wins := make(chan Status, writers)
	targets := []Status{StatusCompleted, StatusCancelled, StatusFailed, StatusCompletedSilent}
	for i := 0; i < writers; i++ {
		target := targets[i%len(targets)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.UpdateStatus(ctx, e.ExecutionID, target, "", "", nil)
			if err != nil {
				t.Errorf("UpdateStatus(%s): %v", target, err)
				return
			}
			if ok {
				wins <- target
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []Status
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("got %d winners (%v), want exactly 1", len(winners), winners)
	}
	got, _ := st.GetExecution(ctx, e.ExecutionID)
	if got.Status != string(winners[0]) || got.Version != 2 {
		t.Fatalf("row: status=%s version=%d, winner=%s", got.Status, got.Version, winners[0])
	}
}

func TestStatsRollup_exclusivity(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t)
	ctx := context.Background()
	sub := newTestSubscription(t, st, "prompt")

	finish := func(target Status) {
		t.Helper()
		e, err := m.Create(ctx, sub, models.TriggerManual, "", nil)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if ok, err := m.UpdateStatus(ctx, e.ExecutionID, StatusRunning, "", "", nil); err != nil || !ok {
			t.Fatalf("to RUNNING: ok=%v err=%v", ok, err)
		}
		if ok, err := m.UpdateStatus(ctx, e.ExecutionID, target, "", "", nil); err != nil || !ok {
			t.Fatalf("to %s: ok=%v err=%v", target, ok, err)
		}
	}

	finish(StatusCompleted)
	finish(StatusCompletedSilent)
	finish(StatusFailed)

	got, err := st.GetSubscription(ctx, sub.SubscriptionID)
	if err != nil || got == nil {
		t.Fatalf("GetSubscription: %v %v", got, err)
	}
	if got.Internal.SuccessCount != 1 {
		t.Errorf("success_count = %d, want 1 (silent completion must not count)", got.Internal.SuccessCount)
	}
	if got.Internal.FailureCount != 1 {
		t.Errorf("failure_count = %d, want 1", got.Internal.FailureCount)
	}
	if got.Internal.ExecutionCount != 2 {
		t.Errorf("execution_count = %d, want 2", got.Internal.ExecutionCount)
	}
	if got.Internal.LastExecutionStatus != string(StatusFailed) {
		t.Errorf("last_execution_status = %q, want FAILED", got.Internal.LastExecutionStatus)
	}
}

func TestUpdateStatus_timestamps(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t)
	ctx := context.Background()
	sub := newTestSubscription(t, st, "prompt")
	e, _ := m.Create(ctx, sub, models.TriggerManual, "", nil)

	if got, _ := st.GetExecution(ctx, e.ExecutionID); got.StartedAt != nil || got.CompletedAt != nil {
		t.Fatal("fresh execution has timestamps set")
	}
	_, _ = m.UpdateStatus(ctx, e.ExecutionID, StatusRunning, "", "", nil)
	mid, _ := st.GetExecution(ctx, e.ExecutionID)
	if mid.StartedAt == nil || mid.CompletedAt != nil {
		t.Fatalf("after RUNNING: started=%v completed=%v", mid.StartedAt, mid.CompletedAt)
	}
	_, _ = m.UpdateStatus(ctx, e.ExecutionID, StatusCompleted, "done", "", nil)
	end, _ := st.GetExecution(ctx, e.ExecutionID)
	if end.CompletedAt == nil {
		t.Fatal("terminal execution has no completed_at")
	}
	if end.CompletedAt.Before(time.Now().UTC().Add(-time.Minute)) {
		t.Fatalf("completed_at implausible: %v", end.CompletedAt)
	}
	if end.ResultSummary != "done" {
		t.Fatalf("result_summary = %q", end.ResultSummary)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t)
	ctx := context.Background()
	sub := newTestSubscription(t, st, "prompt")

	e, _ := m.Create(ctx, sub, models.TriggerManual, "", nil)
	got, err := m.Cancel(ctx, e.ExecutionID, "user-1")
	if err != nil {
		t.Fatalf("Cancel pending: %v", err)
	}
	if got.Status != string(StatusCancelled) || got.ErrorMessage != "Cancelled by user" {
		t.Fatalf("got status=%s error_message=%q", got.Status, got.ErrorMessage)
	}

	// Already terminal: user-facing StateError naming the current state.
	_, err = m.Cancel(ctx, e.ExecutionID, "user-1")
	var stateErr *StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("got %v, want StateError", err)
	}
	if stateErr.Current != StatusCancelled {
		t.Fatalf("StateError.Current = %s", stateErr.Current)
	}
}

func TestDelete_requiresTerminal(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t)
	ctx := context.Background()
	sub := newTestSubscription(t, st, "prompt")
	e, _ := m.Create(ctx, sub, models.TriggerManual, "", nil)

	var stateErr *StateError
	if err := m.Delete(ctx, e.ExecutionID, "user-1"); !errors.As(err, &stateErr) {
		t.Fatalf("delete of pending execution: got %v, want StateError", err)
	}

	if _, err := m.Cancel(ctx, e.ExecutionID, "user-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := m.Delete(ctx, e.ExecutionID, "user-1"); err != nil {
		t.Fatalf("Delete after cancel: %v", err)
	}
	if got, _ := st.GetExecution(ctx, e.ExecutionID); got != nil {
		t.Fatal("execution still present after delete")
	}
}
