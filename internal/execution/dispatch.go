package execution

import (
	"context"
	"log/slog"
	"sync"

	"github.com/zxh0305/wegent/internal/otel"
	"github.com/zxh0305/wegent/internal/store"
	"github.com/zxh0305/wegent/pkg/models"
)

// TaskRunner submits work for asynchronous processing.
type TaskRunner interface {
	Submit(fn func(ctx context.Context)) error
}

// Pool is a bounded-goroutine TaskRunner. The semaphore caps concurrent
// work; Submit blocks when the pool is saturated and fails once the pool's
// context is cancelled.
type Pool struct {
	ctx    context.Context
	sem    chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewPool(ctx context.Context, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = models.DefaultDispatchWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{ctx: ctx, sem: make(chan struct{}, workers), logger: logger}
}

func (p *Pool) Submit(fn func(ctx context.Context)) error {
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case p.sem <- struct{}{}:
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("pool worker panicked", "panic", r)
			}
		}()
		fn(p.ctx)
	}()
	return nil
}

// Wait blocks until all submitted work has finished. Call after cancelling
// the pool's context during shutdown.
func (p *Pool) Wait() { p.wg.Wait() }

// Runner executes one background run end to end. Concrete implementations
// invoke the model pipeline; tests stub it.
type Runner interface {
	Run(ctx context.Context, e store.Execution, prompt string) error
}

// Dispatcher creates PENDING executions and hands them to the runner pool.
// It is deliberately thin: all state handling lives in Manager.
type Dispatcher struct {
	Manager *Manager
	Tasks   TaskRunner
	Runner  Runner
	Logger  *slog.Logger
}

func NewDispatcher(m *Manager, tasks TaskRunner, runner Runner, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{Manager: m, Tasks: tasks, Runner: runner, Logger: logger}
}

// Dispatch creates the execution row and submits the run. The returned
// execution is PENDING; the worker owns every later transition.
func (d *Dispatcher) Dispatch(ctx context.Context, sub store.Subscription, triggerType, triggerReason string, extraVars map[string]string) (store.Execution, error) {
	prompt, err := d.Manager.ResolvePrompt(ctx, sub, extraVars)
	if err != nil {
		return store.Execution{}, err
	}
	e, err := d.Manager.Create(ctx, sub, triggerType, triggerReason, extraVars)
	if err != nil {
		return store.Execution{}, err
	}
	otel.RecordDispatch(ctx, triggerType)
	err = d.Tasks.Submit(func(ctx context.Context) {
		d.run(ctx, e, prompt)
	})
	if err != nil {
		// Pool is shut down; fail the orphaned row so it never sits PENDING.
		if _, uerr := d.Manager.UpdateStatus(ctx, e.ExecutionID, StatusFailed, "", "dispatch rejected: "+err.Error(), nil); uerr != nil {
			d.Logger.Error("failed to fail undispatchable execution", "execution_id", e.ExecutionID, "err", uerr)
		}
		return store.Execution{}, err
	}
	return e, nil
}

func (d *Dispatcher) run(ctx context.Context, e store.Execution, prompt string) {
	ok, err := d.Manager.UpdateStatus(ctx, e.ExecutionID, StatusRunning, "", "", nil)
	if err != nil {
		d.Logger.Error("execution start failed", "execution_id", e.ExecutionID, "err", err)
		return
	}
	if !ok {
		// Cancelled before pickup.
		return
	}
	if d.Runner == nil {
		_, _ = d.Manager.UpdateStatus(ctx, e.ExecutionID, StatusCompletedSilent, "no runner configured", "", nil)
		return
	}
	if err := d.Runner.Run(ctx, e, prompt); err != nil {
		if _, uerr := d.Manager.UpdateStatus(ctx, e.ExecutionID, StatusFailed, "", err.Error(), nil); uerr != nil {
			d.Logger.Error("execution fail transition errored", "execution_id", e.ExecutionID, "err", uerr)
		}
		return
	}
	if _, err := d.Manager.UpdateStatus(ctx, e.ExecutionID, StatusCompleted, "run finished", "", nil); err != nil {
		d.Logger.Error("execution completion errored", "execution_id", e.ExecutionID, "err", err)
	}
}
