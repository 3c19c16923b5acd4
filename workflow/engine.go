package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ckoons/Tekton-sub017/config"
	"github.com/ckoons/Tekton-sub017/tekerr"
)

// Dispatcher delivers one task invocation to a component and returns its
// output. The shell-backed implementation lives in dispatch.go; tests plug in
// fakes.
type Dispatcher interface {
	Dispatch(ctx context.Context, component, action string, input map[string]any) (map[string]any, error)
}

// CancelOptions controls cancellation side effects.
type CancelOptions struct {
	// RunCompensations schedules compensate: handlers for tasks that already
	// succeeded. Off by default: cancel stops work.
	RunCompensations bool
}

// Engine executes workflow definitions with bounded parallelism, retries,
// checkpointing, and pause/resume.
type Engine struct {
	cfg        config.WorkflowConfig
	logger     *slog.Logger
	store      *Store
	dispatcher Dispatcher

	mu   sync.Mutex
	runs map[string]*run
}

// NewEngine builds an engine over a store and a dispatcher.
func NewEngine(cfg config.WorkflowConfig, store *Store, dispatcher Dispatcher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		dispatcher: dispatcher,
		runs:       make(map[string]*run),
	}
}

// taskResult crosses from a worker back to the scheduler.
type taskResult struct {
	taskID   string
	attempts int
	output   map[string]any
	err      error
}

// run is one live execution owned by its scheduler goroutine. All state
// mutations happen under mu so observers see consistent snapshots.
type run struct {
	def  *Definition
	exec *Execution

	mu        sync.Mutex
	paused    bool
	draining  bool
	failed    bool
	cancelled bool
	running   int
	cancels   map[string]context.CancelFunc
	// compensation targets are dispatched only when scheduled explicitly
	compTargets map[string]bool
	forcedReady map[string]bool

	results chan taskResult
	wake    chan struct{}
	done    chan struct{}
}

func newRun(def *Definition, exec *Execution) *run {
	r := &run{
		def:         def,
		exec:        exec,
		cancels:     make(map[string]context.CancelFunc),
		compTargets: make(map[string]bool),
		forcedReady: make(map[string]bool),
		results:     make(chan taskResult, len(def.Tasks)),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for id, task := range def.Tasks {
		if target, ok := task.CompensationTarget(); ok {
			r.compTargets[target] = true
		}
		if task.Compensation {
			r.compTargets[id] = true
		}
	}
	return r
}

func (r *run) nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Launch validates a definition, instantiates it when it carries a
// parameters schema, and starts execution.
func (e *Engine) Launch(ctx context.Context, def *Definition, inputs map[string]any) (*Execution, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	concrete := def
	if len(def.ParametersSchema) > 0 || len(inputs) > 0 {
		var err error
		concrete, err = def.Instantiate(inputs)
		if err != nil {
			return nil, err
		}
	}

	exec := &Execution{
		ExecutionID: uuid.NewString(),
		WorkflowID:  def.ID,
		Inputs:      inputs,
		Status:      StatusRunning,
		StartedAt:   time.Now(),
		TaskStates:  make(map[string]*TaskState, len(concrete.Tasks)),
	}
	for id := range concrete.Tasks {
		exec.TaskStates[id] = &TaskState{Status: TaskPending}
	}

	if err := e.store.SaveDefinition(exec.ExecutionID, concrete); err != nil {
		return nil, err
	}
	if err := e.store.SaveState(exec); err != nil {
		return nil, err
	}

	r := newRun(concrete, exec)
	e.mu.Lock()
	e.runs[exec.ExecutionID] = r
	e.mu.Unlock()

	e.logger.Info("Workflow execution launched",
		"execution", exec.ExecutionID, "workflow", def.ID, "tasks", len(concrete.Tasks))
	go e.loop(ctx, r)
	return e.snapshot(r), nil
}

// Restore loads a checkpoint into a paused run ready for Resume. In-flight
// tasks at checkpoint time re-enter the ready derivation (at-least-once).
func (e *Engine) Restore(ctx context.Context, executionID, checkpointID string) (*Execution, error) {
	def, err := e.store.LoadDefinition(executionID)
	if err != nil {
		return nil, err
	}
	cp, err := e.store.LoadCheckpoint(executionID, checkpointID)
	if err != nil {
		return nil, err
	}
	state, err := e.store.LoadState(executionID)
	if err != nil {
		return nil, err
	}

	exec := &Execution{
		ExecutionID: executionID,
		WorkflowID:  def.ID,
		Inputs:      state.Inputs,
		Status:      StatusPaused,
		StartedAt:   state.StartedAt,
		TaskStates:  cloneTaskStates(cp.TaskStates),
		Checkpoints: state.Checkpoints,
	}
	for _, st := range exec.TaskStates {
		if st.Status == TaskRunning || st.Status == TaskReady {
			st.Status = TaskPending
		}
	}

	r := newRun(def, exec)
	r.paused = true
	// Re-arm compensations that were scheduled but not finished.
	for id, task := range def.Tasks {
		target, ok := task.CompensationTarget()
		if !ok {
			continue
		}
		if exec.TaskStates[id].Status == TaskFailed && !exec.TaskStates[target].Status.Terminal() {
			r.forcedReady[target] = true
		}
	}

	e.mu.Lock()
	e.runs[executionID] = r
	e.mu.Unlock()

	if err := e.store.SaveState(exec); err != nil {
		return nil, err
	}
	e.logger.Info("Workflow execution restored",
		"execution", executionID, "checkpoint", checkpointID)
	go e.loop(ctx, r)
	return e.snapshot(r), nil
}

// loop is the per-execution scheduler. It owns all task state transitions,
// so transitions for one execution are totally ordered.
func (e *Engine) loop(ctx context.Context, r *run) {
	defer close(r.done)

	interval := e.cfg.CheckpointInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		e.dispatchReady(ctx, r)
		if e.tryFinish(r) {
			return
		}
		select {
		case res := <-r.results:
			e.applyResult(r, res)
		case <-ticker.C:
			if _, err := e.takeCheckpoint(r); err != nil {
				e.engineFault(r, err)
				return
			}
		case <-r.wake:
		case <-ctx.Done():
			// Daemon shutdown: leave a checkpoint behind and stop.
			if _, err := e.takeCheckpoint(r); err != nil {
				e.logger.Error("Checkpoint on shutdown failed",
					"execution", r.exec.ExecutionID, "error", err)
			}
			return
		}
	}
}

// dispatchReady promotes and dispatches tasks while capacity remains.
func (e *Engine) dispatchReady(ctx context.Context, r *run) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.paused || r.exec.Status.Terminal() {
		return
	}
	// Drain semantics: after fail or cancel only scheduled compensations may
	// still start.
	halted := r.draining || r.cancelled

	maxWorkers := e.cfg.MaxConcurrentTasks
	if maxWorkers <= 0 {
		maxWorkers = 4
	}

	// Promote pending tasks whose dependencies are all satisfied.
	for _, id := range r.def.TaskIDs() {
		st := r.exec.TaskStates[id]
		if st.Status != TaskPending {
			continue
		}
		if (halted || r.compTargets[id]) && !r.forcedReady[id] {
			continue
		}
		if r.depsSatisfiedLocked(id) {
			st.Status = TaskReady
		}
	}

	ready := r.readyLocked()
	for _, id := range ready {
		if r.running >= maxWorkers {
			break
		}
		if halted && !r.forcedReady[id] {
			continue
		}
		task := r.def.Tasks[id]
		input, err := r.resolvedInputLocked(task)
		if err != nil {
			st := r.exec.TaskStates[id]
			st.Status = TaskFailed
			st.Error = err.Error()
			now := time.Now()
			st.FinishedAt = &now
			r.failed = true
			r.draining = true
			continue
		}

		st := r.exec.TaskStates[id]
		st.Status = TaskRunning
		now := time.Now()
		st.StartedAt = &now
		r.running++

		taskCtx, cancel := context.WithCancel(ctx)
		r.cancels[id] = cancel
		go e.runTask(taskCtx, r, id, task, input)
	}

	if err := e.store.SaveState(r.exec); err != nil {
		e.logger.Error("Failed to persist execution state",
			"execution", r.exec.ExecutionID, "error", err)
	}
}

// readyLocked orders ready tasks by priority desc, then id.
func (r *run) readyLocked() []string {
	var ready []string
	for _, id := range r.def.TaskIDs() {
		if r.exec.TaskStates[id].Status == TaskReady {
			ready = append(ready, id)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		pi, pj := r.def.Tasks[ready[i]].Priority, r.def.Tasks[ready[j]].Priority
		if pi != pj {
			return pi > pj
		}
		return ready[i] < ready[j]
	})
	return ready
}

func (r *run) depsSatisfiedLocked(id string) bool {
	for _, dep := range r.def.Tasks[id].DependsOn {
		if !r.exec.TaskStates[dep].Status.Satisfied() {
			return false
		}
	}
	return true
}

// resolvedInputLocked substitutes dependency outputs into the task input.
func (r *run) resolvedInputLocked(task TaskDef) (map[string]any, error) {
	outputs := make(map[string]any)
	for _, dep := range task.DependsOn {
		if out := r.exec.TaskStates[dep].Output; out != nil {
			outputs[dep] = out
		}
	}
	return substituteOutputs(task.Input, outputs)
}

// runTask executes one task with the retry policy and reports the outcome.
func (e *Engine) runTask(ctx context.Context, r *run, id string, task TaskDef, input map[string]any) {
	maxAttempts := e.cfg.MaxAttempts
	base := e.cfg.RetryBase
	ceiling := e.cfg.RetryCap
	if task.Retry != nil {
		if task.Retry.MaxAttempts > 0 {
			maxAttempts = task.Retry.MaxAttempts
		}
		if task.Retry.BaseBackoff > 0 {
			base = task.Retry.BaseBackoff
		}
		if task.Retry.MaxBackoff > 0 {
			ceiling = task.Retry.MaxBackoff
		}
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.MaxInterval = ceiling
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		output, err := e.dispatchOnce(ctx, task, input)
		if err == nil {
			r.results <- taskResult{taskID: id, attempts: attempt, output: output}
			return
		}
		lastErr = err
		if !retryable(err) || attempt == maxAttempts {
			r.results <- taskResult{taskID: id, attempts: attempt, err: err}
			return
		}
		wait := bo.NextBackOff()
		e.logger.Debug("Task attempt failed, backing off",
			"execution", r.exec.ExecutionID, "task", id,
			"attempt", attempt, "backoff", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			r.results <- taskResult{taskID: id, attempts: attempt,
				err: tekerr.Wrap(tekerr.CodeTimeout, ctx.Err())}
			return
		}
	}
	r.results <- taskResult{taskID: id, attempts: maxAttempts, err: lastErr}
}

func (e *Engine) dispatchOnce(ctx context.Context, task TaskDef, input map[string]any) (map[string]any, error) {
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	return e.dispatcher.Dispatch(ctx, task.Component, task.Action, input)
}

// retryable: transport errors, plus errors explicitly flagged retryable.
func retryable(err error) bool {
	if tekerr.IsTransport(err) {
		return true
	}
	var te *tekerr.Error
	if errors.As(err, &te) {
		if v, ok := te.Details["retryable"].(bool); ok {
			return v
		}
	}
	return false
}

// applyResult records one task outcome and applies on_error handling.
func (e *Engine) applyResult(r *run, res taskResult) {
	r.mu.Lock()

	st := r.exec.TaskStates[res.taskID]
	task := r.def.Tasks[res.taskID]
	now := time.Now()
	r.running--
	if cancel, ok := r.cancels[res.taskID]; ok {
		cancel()
		delete(r.cancels, res.taskID)
	}
	st.Attempts = res.attempts
	st.FinishedAt = &now

	durable := task.Durable
	switch {
	case st.Status == TaskCancelled:
		// Cancelled while running; outcome discarded.
	case res.err == nil:
		st.Status = TaskSucceeded
		st.Output = res.output
	default:
		st.Error = res.err.Error()
		switch handling := task.OnError; {
		case handling == OnErrorSkip:
			// Failed but satisfied for dependents.
			st.Status = TaskSkipped
		default:
			if target, ok := task.CompensationTarget(); ok {
				st.Status = TaskFailed
				r.forcedReady[target] = true
				if comp := r.exec.TaskStates[target]; comp.Status == TaskPending {
					comp.Status = TaskReady
				}
			} else {
				st.Status = TaskFailed
				r.failed = true
				r.draining = true
			}
		}
	}

	e.logger.Info("Task finished",
		"execution", r.exec.ExecutionID, "task", res.taskID,
		"status", st.Status, "attempts", st.Attempts)

	saveErr := e.store.SaveState(r.exec)
	r.mu.Unlock()

	if saveErr != nil {
		e.engineFault(r, saveErr)
		return
	}
	if durable {
		if _, err := e.takeCheckpoint(r); err != nil {
			e.engineFault(r, err)
		}
	}
}

// tryFinish finalizes the execution when nothing is ready or running.
func (e *Engine) tryFinish(r *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.exec.Status.Terminal() {
		return true
	}
	if r.running > 0 || r.paused {
		return false
	}
	halted := r.draining || r.cancelled
	for _, id := range r.def.TaskIDs() {
		st := r.exec.TaskStates[id]
		switch st.Status {
		case TaskReady:
			if !halted || r.forcedReady[id] {
				return false
			}
		case TaskPending:
			if halted && r.forcedReady[id] {
				return false
			}
			if !halted && !r.compTargets[id] && r.reachableLocked(id) {
				return false
			}
		}
	}

	// Nothing can progress: close out remaining tasks and settle status.
	// Unreachable tasks on the success path count as skipped; halted runs
	// mark them cancelled.
	leftover := TaskSkipped
	if r.cancelled || r.failed {
		leftover = TaskCancelled
	}
	for _, st := range r.exec.TaskStates {
		if !st.Status.Terminal() {
			st.Status = leftover
		}
	}
	now := time.Now()
	r.exec.FinishedAt = &now
	switch {
	case r.cancelled:
		r.exec.Status = StatusCancelled
	case r.failed:
		r.exec.Status = StatusFailed
	default:
		r.exec.Status = StatusSucceeded
	}
	if err := e.store.SaveState(r.exec); err != nil {
		e.logger.Error("Failed to persist final state",
			"execution", r.exec.ExecutionID, "error", err)
	}
	e.logger.Info("Workflow execution finished",
		"execution", r.exec.ExecutionID, "status", r.exec.Status)
	return true
}

// reachableLocked reports whether a pending task's dependencies can still be
// satisfied.
func (r *run) reachableLocked(id string) bool {
	for _, dep := range r.def.Tasks[id].DependsOn {
		st := r.exec.TaskStates[dep].Status
		if st == TaskFailed || st == TaskCancelled {
			return false
		}
		if st == TaskPending && !r.reachableLocked(dep) {
			return false
		}
	}
	return true
}

// engineFault marks the execution failed_engine after a scheduler or
// persistence fault and leaves a checkpoint for the operator. FinishedAt
// stays unset: the execution is held open, not finished, so a restored
// engine can re-adopt it from the checkpoint.
func (e *Engine) engineFault(r *run, cause error) {
	e.logger.Error("Engine fault, flagging execution for operator attention",
		"execution", r.exec.ExecutionID, "error", cause)

	if _, err := e.takeCheckpoint(r); err != nil {
		e.logger.Error("Checkpoint after engine fault failed",
			"execution", r.exec.ExecutionID, "error", err)
	}

	r.mu.Lock()
	r.exec.Status = StatusFailedEngine
	r.mu.Unlock()

	if err := e.store.SaveState(r.exec); err != nil {
		e.logger.Error("Failed to persist failed_engine state",
			"execution", r.exec.ExecutionID, "error", err)
	}
}

// takeCheckpoint snapshots the execution and records the reference.
func (e *Engine) takeCheckpoint(r *run) (*Checkpoint, error) {
	r.mu.Lock()
	cp := &Checkpoint{
		CheckpointID: uuid.NewString(),
		ExecutionID:  r.exec.ExecutionID,
		TakenAt:      time.Now(),
		Status:       r.exec.Status,
		TaskStates:   cloneTaskStates(r.exec.TaskStates),
		Variables:    r.exec.Inputs,
	}
	r.mu.Unlock()

	ref, err := e.store.SaveCheckpoint(cp)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.exec.Checkpoints = append(r.exec.Checkpoints, CheckpointRef{
		CheckpointID: cp.CheckpointID,
		TakenAt:      cp.TakenAt,
		StorageRef:   ref,
	})
	saveErr := e.store.SaveState(r.exec)
	r.mu.Unlock()
	if saveErr != nil {
		return nil, saveErr
	}
	return cp, nil
}

// CheckpointNow takes an explicit checkpoint of a live execution.
func (e *Engine) CheckpointNow(executionID string) (*Checkpoint, error) {
	r, err := e.run(executionID)
	if err != nil {
		return nil, err
	}
	return e.takeCheckpoint(r)
}

// Pause stops dispatch; running tasks drain unless marked cancel_on_pause.
func (e *Engine) Pause(executionID string) error {
	r, err := e.run(executionID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.paused = true
	r.exec.Status = StatusPaused
	for id, cancel := range r.cancels {
		if r.def.Tasks[id].CancelOnPause {
			cancel()
		}
	}
	saveErr := e.store.SaveState(r.exec)
	r.mu.Unlock()

	r.nudge()
	e.logger.Info("Workflow execution paused", "execution", executionID)
	return saveErr
}

// Resume restores dispatch after a pause or restore.
func (e *Engine) Resume(executionID string) error {
	r, err := e.run(executionID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.exec.Status.Terminal() {
		r.mu.Unlock()
		return tekerr.New(tekerr.CodeConflict, "execution %s already %s",
			executionID, r.exec.Status)
	}
	r.paused = false
	r.exec.Status = StatusRunning
	saveErr := e.store.SaveState(r.exec)
	r.mu.Unlock()

	r.nudge()
	e.logger.Info("Workflow execution resumed", "execution", executionID)
	return saveErr
}

// Cancel marks all non-terminal tasks cancelled and stops dispatch.
func (e *Engine) Cancel(executionID string, opts CancelOptions) error {
	r, err := e.run(executionID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.cancelled = true
	r.paused = false
	if !opts.RunCompensations {
		for _, st := range r.exec.TaskStates {
			if !st.Status.Terminal() {
				st.Status = TaskCancelled
			}
		}
	}
	if opts.RunCompensations {
		for id, st := range r.exec.TaskStates {
			if st.Status != TaskSucceeded {
				continue
			}
			if target, ok := r.def.Tasks[id].CompensationTarget(); ok {
				r.forcedReady[target] = true
				if comp := r.exec.TaskStates[target]; comp.Status == TaskPending {
					comp.Status = TaskReady
				}
			}
		}
	}
	for _, cancel := range r.cancels {
		cancel()
	}
	saveErr := e.store.SaveState(r.exec)
	r.mu.Unlock()

	r.nudge()
	e.logger.Info("Workflow execution cancelled", "execution", executionID)
	return saveErr
}

// Get returns a snapshot of an execution, from memory or the store.
func (e *Engine) Get(executionID string) (*Execution, error) {
	e.mu.Lock()
	r, ok := e.runs[executionID]
	e.mu.Unlock()
	if ok {
		return e.snapshot(r), nil
	}
	return e.store.LoadState(executionID)
}

// Wait blocks until an execution's scheduler exits. Test and shutdown hook.
func (e *Engine) Wait(executionID string) error {
	r, err := e.run(executionID)
	if err != nil {
		return err
	}
	<-r.done
	return nil
}

func (e *Engine) run(executionID string) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[executionID]
	if !ok {
		return nil, tekerr.New(tekerr.CodeNotFound, "no live execution %s", executionID)
	}
	return r, nil
}

func (e *Engine) snapshot(r *run) *Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *r.exec
	copied.TaskStates = cloneTaskStates(r.exec.TaskStates)
	copied.Checkpoints = append([]CheckpointRef(nil), r.exec.Checkpoints...)
	return &copied
}
