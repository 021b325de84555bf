package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/labforge/labforge/internal/bundle"
	"github.com/labforge/labforge/internal/model"
	"github.com/labforge/labforge/internal/store"
)

// ErrNotCancellable is returned by Cancel when the operation already reached
// a terminal status.
var ErrNotCancellable = errors.New("operation is not cancellable")

// Defaults applied when Options fields are zero.
const (
	DefaultMaxConcurrentRuns = 4
	DefaultLogFlushInterval  = 30 * time.Second
	DefaultTerminateGrace    = 3 * time.Second
)

// Options tunes engine behavior.
type Options struct {
	MaxConcurrentRuns int
	LogFlushInterval  time.Duration
	TerminateGrace    time.Duration
}

// Engine orchestrates asynchronous deploy and destroy runs.
type Engine struct {
	store    store.Store
	executor Executor
	registry *Registry
	bundles  bundle.Storage
	broker   *LogBroker
	logger   *slog.Logger

	flushInterval  time.Duration
	terminateGrace time.Duration
	slots          chan struct{}
	wg             sync.WaitGroup
}

// NewEngine creates an execution engine. Concurrency is bounded: dispatch
// always returns immediately, but at most MaxConcurrentRuns subprocesses
// execute at once and the rest wait queued in their goroutines.
func NewEngine(s store.Store, ex Executor, reg *Registry, bundles bundle.Storage, logger *slog.Logger, opts Options) *Engine {
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if opts.LogFlushInterval <= 0 {
		opts.LogFlushInterval = DefaultLogFlushInterval
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = DefaultTerminateGrace
	}
	return &Engine{
		store:          s,
		executor:       ex,
		registry:       reg,
		bundles:        bundles,
		broker:         NewLogBroker(),
		logger:         logger,
		flushInterval:  opts.LogFlushInterval,
		terminateGrace: opts.TerminateGrace,
		slots:          make(chan struct{}, opts.MaxConcurrentRuns),
	}
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Dispatch identifies one (workshop, template) run to start. RunID groups the
// operations of one user-visible action so batch finalization can tell a
// fresh batch from leftovers of an earlier one; callers dispatching several
// templates at once mint a single RunID and share it. OperationID reuses a
// pre-created operation record instead of minting a new one.
type Dispatch struct {
	WorkshopID  string
	TemplateID  string
	RunID       string
	Variables   map[string]any
	Initiator   string
	OperationID string
}

// StartDeploy creates a pending deploy operation and launches asynchronous
// execution. It returns the operation ID immediately.
func (e *Engine) StartDeploy(ctx context.Context, d Dispatch) (string, error) {
	op, err := e.resolveOperation(ctx, d, model.KindDeploy)
	if err != nil {
		return "", err
	}
	e.spawn(op, model.WorkshopDeployed, e.executor.Apply)
	return op.ID, nil
}

// StartDestroy creates a pending destroy operation and launches asynchronous
// execution. It returns the operation ID immediately.
func (e *Engine) StartDestroy(ctx context.Context, d Dispatch) (string, error) {
	op, err := e.resolveOperation(ctx, d, model.KindDestroy)
	if err != nil {
		return "", err
	}
	e.spawn(op, model.WorkshopDestroyed, e.executor.Destroy)
	return op.ID, nil
}

// Cancel terminates the live subprocess for an operation, if any, and marks
// the operation cancelled. The returned bool reports whether a subprocess
// was actually found and terminated.
func (e *Engine) Cancel(ctx context.Context, operationID string) (bool, error) {
	op, err := e.store.GetOperation(ctx, operationID)
	if err != nil {
		return false, err
	}
	if model.TerminalStatus(op.Status) {
		return false, fmt.Errorf("%w: operation is %s", ErrNotCancellable, op.Status)
	}

	found := e.registry.Terminate(operationID, e.terminateGrace)

	cancelled := model.StatusCancelled
	if _, err := e.store.UpdateOperation(ctx, operationID, store.OperationUpdate{Status: &cancelled}); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return found, fmt.Errorf("mark cancelled: %w", err)
	}

	// Put the workshop back in a redeployable state right away. The worker's
	// finalize pass confirms it once the whole batch settles.
	if _, err := e.store.UpdateWorkshopStatus(ctx, op.WorkshopID, model.WorkshopPending, nil); err != nil {
		e.logger.Warn("cancel: reset workshop status", "workshop_id", op.WorkshopID, "error", err)
	}

	e.logger.Info("operation cancelled", "operation_id", operationID, "process_found", found)
	return found, nil
}

// Wait blocks until all in-flight run goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// resolveOperation loads the pre-created operation when d.OperationID is set,
// otherwise creates a fresh pending record.
func (e *Engine) resolveOperation(ctx context.Context, d Dispatch, kind string) (*model.Operation, error) {
	if d.OperationID != "" {
		return e.store.GetOperation(ctx, d.OperationID)
	}

	now := time.Now().UTC()
	op := &model.Operation{
		ID:         model.NewID(),
		RunID:      d.RunID,
		WorkshopID: d.WorkshopID,
		TemplateID: d.TemplateID,
		Kind:       kind,
		Initiator:  d.Initiator,
		Status:     model.StatusPending,
		Variables:  model.SanitizeVariables(d.Variables),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if op.RunID == "" {
		op.RunID = model.NewID()
	}
	if err := e.store.CreateOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("create operation: %w", err)
	}
	return op, nil
}

// spawn launches the run goroutine. The goroutine operates on a copy of the
// operation to avoid data races with the caller.
func (e *Engine) spawn(op *model.Operation, desired string, exec func(context.Context, RunInput) Result) {
	opCopy := *op
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.slots <- struct{}{}
		defer func() { <-e.slots }()
		e.run(&opCopy, desired, exec)
	}()
}

// run drives one operation lifecycle: pending→running→terminal, then batch
// finalization. It is the error boundary for the whole run; every failure
// ends as a failed operation record, never a crashed goroutine.
func (e *Engine) run(op *model.Operation, desired string, exec func(context.Context, RunInput) Result) {
	ctx := context.Background()
	defer e.broker.Close(op.ID)
	defer e.finalize(ctx, op, desired)

	// A cancel can land between dispatch and slot acquisition.
	cur, err := e.store.GetOperation(ctx, op.ID)
	if err != nil {
		e.logger.Error("operation vanished before start", "operation_id", op.ID, "error", err)
		return
	}
	if cur.Status == model.StatusCancelled {
		operationsTotal.WithLabelValues(op.Kind, model.StatusCancelled).Inc()
		return
	}

	tpl, err := e.store.GetTemplate(ctx, op.TemplateID)
	if err != nil {
		e.finishFailed(ctx, op, fmt.Sprintf("resolve template: %v", err))
		return
	}

	data, err := e.bundles.Fetch(ctx, tpl.BundlePath)
	if err != nil {
		e.finishFailed(ctx, op, fmt.Sprintf("fetch bundle: %v", err))
		return
	}

	running := model.StatusRunning
	if _, err := e.store.UpdateOperation(ctx, op.ID, store.OperationUpdate{Status: &running}); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Cancelled while queued.
			operationsTotal.WithLabelValues(op.Kind, model.StatusCancelled).Inc()
			return
		}
		e.finishFailed(ctx, op, fmt.Sprintf("failed to transition to running: %v", err))
		return
	}

	runsInFlight.Inc()
	defer runsInFlight.Dec()

	// The sink dual-writes: batch to SQLite for historical viewing, publish
	// to the broker for real-time SSE.
	batcher := NewBatcher(e.flushInterval, func(lines []string) error {
		return e.store.AppendLogLines(ctx, op.ID, lines)
	}, e.logger)
	sink := e.broker.Attach(op.ID, batcher)

	result := exec(ctx, RunInput{
		OperationID:  op.ID,
		WorkshopID:   op.WorkshopID,
		TemplateID:   op.TemplateID,
		TemplateName: tpl.Name,
		Provider:     tpl.Provider,
		Bundle:       data,
		Variables:    op.Variables,
		Sink:         sink,
	})

	batcher.Flush()
	e.registry.Unregister(op.ID)

	if result.Success {
		e.finishSucceeded(ctx, op, result)
		return
	}

	// Distinguish a genuine failure from a cancel that killed the subprocess
	// out from under us. The cancelled status wins.
	cur, err = e.store.GetOperation(ctx, op.ID)
	if err == nil && cur.Status == model.StatusCancelled {
		operationsTotal.WithLabelValues(op.Kind, model.StatusCancelled).Inc()
		return
	}
	e.finishFailed(ctx, op, result.Error)
}

// finishSucceeded records success. The state address is written in the same
// update as the status so destroy can always find what deploy created; the
// outputs follow in a second best-effort write.
func (e *Engine) finishSucceeded(ctx context.Context, op *model.Operation, result Result) {
	succeeded := model.StatusSucceeded
	upd := store.OperationUpdate{Status: &succeeded}
	if result.StateAddress != "" {
		upd.StateAddress = &result.StateAddress
	}
	if _, err := e.store.UpdateOperation(ctx, op.ID, upd); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// A cancel won the race; its status stands.
			operationsTotal.WithLabelValues(op.Kind, model.StatusCancelled).Inc()
			return
		}
		e.logger.Error("failed to record success", "operation_id", op.ID, "error", err)
		return
	}
	operationsTotal.WithLabelValues(op.Kind, model.StatusSucceeded).Inc()

	if len(result.Outputs) > 0 || len(result.OutputDisplay) > 0 {
		upd := store.OperationUpdate{Outputs: result.Outputs, OutputDisplay: result.OutputDisplay}
		if _, err := e.store.UpdateOperation(ctx, op.ID, upd); err != nil {
			// Status is already recorded; losing outputs is tolerable.
			e.logger.Warn("failed to record outputs", "operation_id", op.ID, "error", err)
		}
	}
}

// finishFailed marks the operation failed with the given error message.
func (e *Engine) finishFailed(ctx context.Context, op *model.Operation, errMsg string) {
	failed := model.StatusFailed
	upd := store.OperationUpdate{Status: &failed, Error: &errMsg}
	if _, err := e.store.UpdateOperation(ctx, op.ID, upd); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			operationsTotal.WithLabelValues(op.Kind, model.StatusCancelled).Inc()
			return
		}
		e.logger.Error("failed to record failure", "operation_id", op.ID, "error", err)
		return
	}
	operationsTotal.WithLabelValues(op.Kind, model.StatusFailed).Inc()
}

// finalize recomputes workshop status once every operation in the newest run
// batch is terminal. Every batch member invokes it after finishing; the
// computation is idempotent so redundant invocations are harmless. Failure
// dominates cancellation dominates the desired status, and a cancelled batch
// leaves the workshop redeployable rather than failed.
//
// Batch dispatch creates all operation records before spawning any worker,
// so the newest run ID always selects a complete batch here.
func (e *Engine) finalize(ctx context.Context, op *model.Operation, desired string) {
	ops, err := e.store.ListOperationsByWorkshop(ctx, op.WorkshopID)
	if err != nil {
		e.logger.Warn("finalize: list operations", "workshop_id", op.WorkshopID, "error", err)
		return
	}
	if len(ops) == 0 {
		return
	}

	// Operations are listed newest first, so the head's run ID identifies the
	// current batch.
	runID := ops[0].RunID
	var batch []*model.Operation
	for _, o := range ops {
		if o.RunID == runID {
			batch = append(batch, o)
		}
	}

	var anyFailed, anyCancelled bool
	outputs := map[string]any{}
	for _, o := range batch {
		if !model.TerminalStatus(o.Status) {
			return
		}
		switch o.Status {
		case model.StatusFailed:
			anyFailed = true
		case model.StatusCancelled:
			anyCancelled = true
		}
		for k, v := range o.Outputs {
			outputs[k] = v
		}
	}

	status := desired
	switch {
	case anyFailed:
		status = model.WorkshopFailed
	case anyCancelled:
		status = model.WorkshopPending
	}
	switch status {
	case model.WorkshopDeployed:
		// The aggregated batch outputs become the workshop's outputs.
	case model.WorkshopDestroyed:
		// A torn-down workshop must not keep serving its old outputs.
		outputs = map[string]any{}
	default:
		outputs = nil
	}

	if _, err := e.store.UpdateWorkshopStatus(ctx, op.WorkshopID, status, outputs); err != nil {
		e.logger.Warn("finalize: update workshop status", "workshop_id", op.WorkshopID, "error", err)
		return
	}
	e.logger.Info("workshop finalized", "workshop_id", op.WorkshopID, "status", status, "run_id", runID)
}
