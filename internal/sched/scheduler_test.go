package sched

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/zxh0305/wegent/internal/execution"
	"github.com/zxh0305/wegent/internal/store"
	"github.com/zxh0305/wegent/pkg/models"
)

func TestNextRun_cron(t *testing.T) {
	t.Parallel()
	sub := store.Subscription{SubscriptionID: "s1", TriggerType: models.TriggerCron, CronExpr: "0 2 * * *"}
	after := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
	next, err := NextRun(sub, after)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	want := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	if next == nil || !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

func TestNextRun_cronInvalidExpr(t *testing.T) {
	t.Parallel()
	sub := store.Subscription{SubscriptionID: "s1", TriggerType: models.TriggerCron, CronExpr: "not a cron"}
	if _, err := NextRun(sub, time.Now()); err == nil {
		t.Fatal("invalid cron accepted")
	}
}

func TestNextRun_interval(t *testing.T) {
	t.Parallel()
	sub := store.Subscription{SubscriptionID: "s1", TriggerType: models.TriggerInterval, IntervalSeconds: 300}
	after := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
	next, err := NextRun(sub, after)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if !next.Equal(after.Add(5 * time.Minute)) {
		t.Fatalf("got %v", next)
	}
}

func TestNextRun_oneTimeFiresOnce(t *testing.T) {
	t.Parallel()
	sub := store.Subscription{SubscriptionID: "s1", TriggerType: models.TriggerOneTime}
	now := time.Now().UTC()
	next, err := NextRun(sub, now)
	if err != nil || next == nil {
		t.Fatalf("first run: next=%v err=%v", next, err)
	}
	fired := now
	sub.Internal.ExecutionCount = 1
	sub.Internal.LastExecutionTime = &fired
	next, err = NextRun(sub, now)
	if err != nil || next != nil {
		t.Fatalf("after firing: next=%v err=%v, want nil/nil", next, err)
	}
}

func TestNextRun_eventNeverScheduled(t *testing.T) {
	t.Parallel()
	sub := store.Subscription{SubscriptionID: "s1", TriggerType: models.TriggerEvent}
	next, err := NextRun(sub, time.Now())
	if err != nil || next != nil {
		t.Fatalf("got next=%v err=%v, want nil/nil", next, err)
	}
}

type noopRunner struct{}

func (noopRunner) Run(context.Context, store.Execution, string) error { return nil }

func newSchedFixture(t *testing.T) (*Scheduler, store.Store) {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	st, err := store.Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pool := execution.NewPool(ctx, 4, nil)
	t.Cleanup(pool.Wait)
	m := execution.NewManager(st, nil, nil)
	d := execution.NewDispatcher(m, pool, noopRunner{}, nil)
	return New(st, d, time.Second, nil), st
}

func TestTick_firesDueIntervalSubscription(t *testing.T) {
	t.Parallel()
	s, st := newSchedFixture(t)
	ctx := context.Background()

	due := time.Now().UTC().Add(-time.Minute)
	if _, err := st.CreateSubscription(ctx, store.Subscription{
		SubscriptionID:  "sub-due",
		Name:            "due-now",
		TriggerType:     models.TriggerInterval,
		IntervalSeconds: 600,
		PromptTemplate:  "poll the queue",
		Enabled:         true,
		Internal:        store.SubscriptionInternal{NextExecutionTime: &due},
	}); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	now := time.Now().UTC()
	s.Tick(ctx, now)

	execs, err := st.ListExecutions(ctx, "sub-due", 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("got %d executions, want 1", len(execs))
	}
	sub, _ := st.GetSubscription(ctx, "sub-due")
	if sub.Internal.NextExecutionTime == nil || !sub.Internal.NextExecutionTime.After(now) {
		t.Fatalf("next_execution_time not advanced: %v", sub.Internal.NextExecutionTime)
	}

	// Not due anymore: a second tick must not double-fire.
	s.Tick(ctx, now)
	execs, _ = st.ListExecutions(ctx, "sub-due", 0)
	if len(execs) != 1 {
		t.Fatalf("second tick double-fired: %d executions", len(execs))
	}
}

func TestTick_oneTimeDisablesAfterFiring(t *testing.T) {
	t.Parallel()
	s, st := newSchedFixture(t)
	ctx := context.Background()

	due := time.Now().UTC().Add(-time.Second)
	if _, err := st.CreateSubscription(ctx, store.Subscription{
		SubscriptionID: "sub-once",
		Name:           "fire-once",
		TriggerType:    models.TriggerOneTime,
		PromptTemplate: "single shot",
		Enabled:        true,
		Internal:       store.SubscriptionInternal{NextExecutionTime: &due},
	}); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	s.Tick(ctx, time.Now().UTC())

	sub, _ := st.GetSubscription(ctx, "sub-once")
	if sub.Enabled {
		t.Fatal("one-time subscription still enabled after firing")
	}
	if sub.Internal.NextExecutionTime != nil {
		t.Fatalf("next_execution_time still set: %v", sub.Internal.NextExecutionTime)
	}
	execs, _ := st.ListExecutions(ctx, "sub-once", 0)
	if len(execs) != 1 {
		t.Fatalf("got %d executions, want 1", len(execs))
	}
}

func TestTick_badCronParksSubscription(t *testing.T) {
	t.Parallel()
	s, st := newSchedFixture(t)
	ctx := context.Background()

	due := time.Now().UTC().Add(-time.Second)
	if _, err := st.CreateSubscription(ctx, store.Subscription{
		SubscriptionID: "sub-bad",
		Name:           "bad-cron",
		TriggerType:    models.TriggerCron,
		CronExpr:       "nonsense",
		PromptTemplate: "never runs",
		Enabled:        true,
		Internal:       store.SubscriptionInternal{NextExecutionTime: &due},
	}); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	s.Tick(ctx, time.Now().UTC())

	sub, _ := st.GetSubscription(ctx, "sub-bad")
	if sub.Enabled {
		t.Fatal("subscription with unparseable cron left enabled")
	}
	execs, _ := st.ListExecutions(ctx, "sub-bad", 0)
	if len(execs) != 0 {
		t.Fatalf("bad cron dispatched %d executions", len(execs))
	}
}
