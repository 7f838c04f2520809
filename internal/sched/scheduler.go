// Package sched runs the subscription trigger loop. It fires cron, interval,
// and one-time subscriptions whose next_execution_time has passed; event
// triggers arrive through the webhook endpoint and never pass through here.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zxh0305/wegent/internal/execution"
	"github.com/zxh0305/wegent/internal/store"
	"github.com/zxh0305/wegent/pkg/models"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun computes when the subscription should fire after the given time.
// It returns nil for event subscriptions and for one-time subscriptions that
// have already fired.
func NextRun(sub store.Subscription, after time.Time) (*time.Time, error) {
	switch sub.TriggerType {
	case models.TriggerCron:
		schedule, err := cronParser.Parse(sub.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("subscription %s cron %q: %w", sub.SubscriptionID, sub.CronExpr, err)
		}
		next := schedule.Next(after)
		return &next, nil
	case models.TriggerInterval:
		if sub.IntervalSeconds <= 0 {
			return nil, fmt.Errorf("subscription %s has interval %d", sub.SubscriptionID, sub.IntervalSeconds)
		}
		next := after.Add(time.Duration(sub.IntervalSeconds) * time.Second)
		return &next, nil
	case models.TriggerOneTime:
		if sub.Internal.ExecutionCount > 0 || sub.Internal.LastExecutionTime != nil {
			return nil, nil
		}
		next := after
		return &next, nil
	case models.TriggerEvent:
		return nil, nil
	}
	return nil, fmt.Errorf("subscription %s has unknown trigger type %q", sub.SubscriptionID, sub.TriggerType)
}

// Scheduler polls for due subscriptions and dispatches them.
type Scheduler struct {
	Store      store.Store
	Dispatcher *execution.Dispatcher
	Interval   time.Duration
	Logger     *slog.Logger
}

func New(st store.Store, d *execution.Dispatcher, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{Store: st, Dispatcher: d, Interval: interval, Logger: logger}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick fires every due subscription once. The next execution time is
// advanced before dispatch so a slow run never double-fires on the next tick.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	due, err := s.Store.ListDueSubscriptions(ctx, now)
	if err != nil {
		s.Logger.Error("scheduler list due subscriptions failed", "err", err)
		return
	}
	for _, sub := range due {
		if err := s.advance(ctx, sub, now); err != nil {
			s.Logger.Error("scheduler advance failed", "subscription_id", sub.SubscriptionID, "err", err)
			continue
		}
		reason := fmt.Sprintf("%s trigger at %s", sub.TriggerType, now.Format(time.RFC3339))
		if _, err := s.Dispatcher.Dispatch(ctx, sub, sub.TriggerType, reason, nil); err != nil {
			s.Logger.Error("scheduler dispatch failed", "subscription_id", sub.SubscriptionID, "err", err)
		}
	}
}

// advance persists the subscription's next firing time; one-time
// subscriptions are disabled instead.
func (s *Scheduler) advance(ctx context.Context, sub store.Subscription, now time.Time) error {
	if sub.TriggerType == models.TriggerOneTime {
		if err := s.Store.SetNextExecutionTime(ctx, sub.SubscriptionID, nil); err != nil {
			return err
		}
		return s.Store.SetSubscriptionEnabled(ctx, sub.SubscriptionID, false)
	}
	next, err := NextRun(sub, now)
	if err != nil {
		// Bad expression; park the subscription rather than retrying forever.
		if derr := s.Store.SetSubscriptionEnabled(ctx, sub.SubscriptionID, false); derr != nil {
			return derr
		}
		return err
	}
	return s.Store.SetNextExecutionTime(ctx, sub.SubscriptionID, next)
}
