package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/zxh0305/wegent/internal/store"
)

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping postgres test")
	}
	st, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpen_listTeams(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.ListTeams(context.Background()); err != nil {
		t.Fatalf("ListTeams: %v", err)
	}
}

func TestExecutionConditionalWrite(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sub, err := st.CreateSubscription(ctx, store.Subscription{
		Name:            "pg-cas-test",
		TriggerType:     "interval",
		IntervalSeconds: 60,
		PromptTemplate:  "p",
		Enabled:         false,
	})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	t.Cleanup(func() { _ = st.DeleteSubscription(ctx, sub.SubscriptionID) })

	id, err := st.CreateExecution(ctx, store.Execution{
		SubscriptionID: sub.SubscriptionID,
		Status:         "PENDING",
		TriggerType:    "manual",
	})
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	n, err := st.UpdateExecutionWhere(ctx, id, "PENDING", 0, store.ExecutionUpdate{Status: "RUNNING"})
	if err != nil || n != 1 {
		t.Fatalf("CAS apply: n=%d err=%v", n, err)
	}
	n, err = st.UpdateExecutionWhere(ctx, id, "PENDING", 0, store.ExecutionUpdate{Status: "RUNNING"})
	if err != nil || n != 0 {
		t.Fatalf("stale CAS: n=%d err=%v", n, err)
	}

	e, err := st.GetExecution(ctx, id)
	if err != nil || e == nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if e.Status != "RUNNING" || e.Version != 1 {
		t.Fatalf("after CAS = %+v", e)
	}
}
