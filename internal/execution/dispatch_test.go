package execution

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/zxh0305/wegent/internal/store"
	"github.com/zxh0305/wegent/pkg/models"
)

type runnerFunc func(ctx context.Context, e store.Execution, prompt string) error

func (f runnerFunc) Run(ctx context.Context, e store.Execution, prompt string) error {
	return f(ctx, e, prompt)
}

func newDispatchFixture(t *testing.T, runner Runner) (*Dispatcher, store.Store, store.Subscription) {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	st, err := store.Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	sub, err := st.CreateSubscription(context.Background(), store.Subscription{
		Name:           "hourly-check",
		TriggerType:    models.TriggerInterval,
		IntervalSeconds: 3600,
		PromptTemplate: "check service health",
		Enabled:        true,
	})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pool := NewPool(ctx, 4, nil)
	t.Cleanup(pool.Wait)
	m := NewManager(st, nil, nil)
	return NewDispatcher(m, pool, runner, nil), st, sub
}

func waitForStatus(t *testing.T, st store.Store, id int64, want Status) *store.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e, err := st.GetExecution(context.Background(), id)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if e != nil && e.Status == string(want) {
			return e
		}
		time.Sleep(10 * time.Millisecond)
	}
	e, _ := st.GetExecution(context.Background(), id)
	t.Fatalf("execution %d never reached %s; last seen %+v", id, want, e)
	return nil
}

func TestDispatch_successfulRunCompletes(t *testing.T) {
	t.Parallel()
	gotPrompt := make(chan string, 1)
	d, st, sub := newDispatchFixture(t, runnerFunc(func(ctx context.Context, e store.Execution, prompt string) error {
		gotPrompt <- prompt
		return nil
	}))

	e, err := d.Dispatch(context.Background(), sub, models.TriggerManual, "manual trigger", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if e.Status != string(StatusPending) {
		t.Fatalf("dispatched execution status = %s, want PENDING", e.Status)
	}
	final := waitForStatus(t, st, e.ExecutionID, StatusCompleted)
	if final.Version != 2 {
		t.Fatalf("version = %d, want 2 (PENDING->RUNNING->COMPLETED)", final.Version)
	}
	if p := <-gotPrompt; p != "check service health" {
		t.Fatalf("runner prompt = %q", p)
	}
}

func TestDispatch_runnerErrorFails(t *testing.T) {
	t.Parallel()
	d, st, sub := newDispatchFixture(t, runnerFunc(func(ctx context.Context, e store.Execution, prompt string) error {
		return errors.New("model unavailable")
	}))

	e, err := d.Dispatch(context.Background(), sub, models.TriggerManual, "", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	final := waitForStatus(t, st, e.ExecutionID, StatusFailed)
	if final.ErrorMessage != "model unavailable" {
		t.Fatalf("error_message = %q", final.ErrorMessage)
	}

	got, _ := st.GetSubscription(context.Background(), sub.SubscriptionID)
	if got.Internal.FailureCount != 1 {
		t.Fatalf("failure_count = %d, want 1", got.Internal.FailureCount)
	}
}

func TestPool_rejectsAfterShutdown(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(ctx, 1, nil)
	cancel()
	pool.Wait()
	if err := pool.Submit(func(context.Context) {}); err == nil {
		t.Fatal("Submit after shutdown succeeded")
	}
}
