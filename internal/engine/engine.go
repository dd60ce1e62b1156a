// Package engine implements a replay-deterministic workflow orchestration
// engine. A workflow instance keeps a durable history of resolved suspension
// points; resuming an instance re-executes its function from the top, serving
// recorded results from history and scheduling only the first unrecorded
// suspension point. Timers and in-flight activities are persisted as pending
// commands so they survive a process restart.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"credit-approval/backend/internal/logging"
)

// Engine drives workflow instances through their suspension points.
type Engine struct {
	store    Store
	registry *Registry
	logger   *logging.Logger
	clock    Clock
	retry    RetryPolicy
	workers  int

	mu        sync.Mutex
	instances map[string]*instanceState

	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup
}

// instanceState is the in-memory runtime of one instance. Its mutex
// serializes execution passes, so a workflow function is never re-entered
// concurrently with itself.
type instanceState struct {
	mu      sync.Mutex
	inst    *Instance
	events  []*Event
	pending map[int]*Command
	timers  map[int]Timer
	done    chan struct{}
}

type job struct {
	is    *instanceState
	seq   int
	name  string
	input json.RawMessage
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithWorkers sets the activity worker pool size.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithRetryPolicy sets the activity retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// New creates an Engine over the given store and registry.
func New(store Store, registry *Registry, logger *logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		registry:  registry,
		logger:    logger,
		clock:     SystemClock(),
		retry:     DefaultRetryPolicy(),
		workers:   8,
		instances: make(map[string]*instanceState),
		jobs:      make(chan job, 1024),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the worker pool and resumes every instance that was still
// running when the process last stopped: pending timers are re-armed and
// pending activities re-dispatched (at-least-once).
func (e *Engine) Start(ctx context.Context) error {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}

	running, err := e.store.ListInstances(ctx, "", StatusRunning, time.Time{}, time.Time{})
	if err != nil {
		return fmt.Errorf("list running instances: %w", err)
	}
	for _, inst := range running {
		is, err := e.state(ctx, inst)
		if err != nil {
			e.logger.Error("failed to load instance for recovery", "instance", inst.ID, "error", err)
			continue
		}
		e.rearm(ctx, is)
		go e.runPass(is)
	}
	if len(running) > 0 {
		e.logger.Info("resumed running workflow instances", "count", len(running))
	}
	return nil
}

// Stop shuts the worker pool down. In-flight activity attempts finish.
func (e *Engine) Stop() {
	close(e.quit)
	e.wg.Wait()
}

// StartWorkflow creates and starts a new instance of a registered workflow.
func (e *Engine) StartWorkflow(ctx context.Context, workflow string, input interface{}) (string, error) {
	if _, err := e.registry.workflow(workflow); err != nil {
		return "", err
	}
	data, err := Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal workflow input: %w", err)
	}
	now := e.clock.Now().UTC()
	inst := &Instance{
		ID:        uuid.New().String(),
		Workflow:  workflow,
		Input:     data,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return "", fmt.Errorf("create instance: %w", err)
	}
	is, err := e.state(ctx, inst)
	if err != nil {
		return "", err
	}
	e.logger.Info("workflow instance started", "workflow", workflow, "instance", inst.ID)
	e.runPass(is)
	return inst.ID, nil
}

// Signal raises a named external event on an instance. If the instance has
// no pending wait for that name the signal is dropped and ErrNoPendingEvent
// returned; late signals never reopen a decided race.
func (e *Engine) Signal(ctx context.Context, instanceID, name string, payload interface{}) error {
	is, err := e.stateByID(ctx, instanceID)
	if err != nil {
		return err
	}
	data, err := Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal signal payload: %w", err)
	}

	is.mu.Lock()
	best := -1
	for seq, cmd := range is.pending {
		if cmd.Kind == KindEvent && cmd.Name == name && (best == -1 || seq < best) {
			best = seq
		}
	}
	is.mu.Unlock()
	if best == -1 {
		return ErrNoPendingEvent
	}
	e.completeCommand(is, best, data, "")
	return nil
}

// Find returns the first running instance of a workflow created inside the
// given window whose input satisfies match.
func (e *Engine) Find(ctx context.Context, workflow string, from, to time.Time, match func(input json.RawMessage) bool) (*Instance, error) {
	insts, err := e.store.ListInstances(ctx, workflow, StatusRunning, from, to)
	if err != nil {
		return nil, err
	}
	for _, inst := range insts {
		if match(inst.Input) {
			return inst, nil
		}
	}
	return nil, ErrInstanceNotFound
}

// GetInstance returns the stored instance record.
func (e *Engine) GetInstance(ctx context.Context, id string) (*Instance, error) {
	return e.store.GetInstance(ctx, id)
}

// Wait blocks until the instance reaches a terminal status or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (*Instance, error) {
	is, err := e.stateByID(ctx, id)
	if err != nil {
		return nil, err
	}
	select {
	case <-is.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	is.mu.Lock()
	defer is.mu.Unlock()
	cp := *is.inst
	return &cp, nil
}

// state returns the tracked runtime for an instance, loading its history and
// pending commands from the store on first sight.
func (e *Engine) state(ctx context.Context, inst *Instance) (*instanceState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if is, ok := e.instances[inst.ID]; ok {
		return is, nil
	}
	events, err := e.store.ListEvents(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	cmds, err := e.store.ListCommands(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("load commands: %w", err)
	}
	is := &instanceState{
		inst:    inst,
		events:  events,
		pending: make(map[int]*Command, len(cmds)),
		timers:  make(map[int]Timer),
		done:    make(chan struct{}),
	}
	for _, cmd := range cmds {
		is.pending[cmd.Seq] = cmd
	}
	if inst.Status.Terminal() {
		close(is.done)
	}
	e.instances[inst.ID] = is
	return is, nil
}

func (e *Engine) stateByID(ctx context.Context, id string) (*instanceState, error) {
	e.mu.Lock()
	is, ok := e.instances[id]
	e.mu.Unlock()
	if ok {
		return is, nil
	}
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.state(ctx, inst)
}

// rearm re-dispatches the pending commands of a recovered instance.
func (e *Engine) rearm(ctx context.Context, is *instanceState) {
	is.mu.Lock()
	var after []func()
	for _, cmd := range is.pending {
		cmd := cmd
		if e.hasEventLocked(is, cmd.Seq) {
			// Crash window: the result was recorded but the command not yet
			// deleted. Clean up instead of re-dispatching.
			e.cancelLocked(is, cmd.Seq)
			continue
		}
		switch cmd.Kind {
		case KindActivity:
			after = append(after, func() {
				e.jobs <- job{is: is, seq: cmd.Seq, name: cmd.Name, input: cmd.Input}
			})
		case KindTimer:
			e.armTimerLocked(is, cmd)
		case KindChild:
			after = append(after, func() { e.startChild(is, cmd) })
		}
	}
	is.mu.Unlock()
	for _, f := range after {
		f()
	}
}

// runPass executes the workflow function once against the current history,
// schedules any newly requested suspension points and applies the pass
// outcome. Passes for one instance are serialized on its mutex.
func (e *Engine) runPass(is *instanceState) {
	ctx := context.Background()
	var after []func()

	is.mu.Lock()
	if is.inst.Status.Terminal() {
		is.mu.Unlock()
		return
	}
	wc := newContext(e, is)
	completed, out, ferr := e.execute(wc)

	for _, cmd := range wc.commands {
		cmd := cmd
		is.pending[cmd.Seq] = cmd
		if err := e.store.SaveCommand(ctx, is.inst.ID, cmd); err != nil {
			e.logger.Error("failed to persist command", "instance", is.inst.ID, "seq", cmd.Seq, "error", err)
		}
		switch cmd.Kind {
		case KindActivity:
			after = append(after, func() {
				e.jobs <- job{is: is, seq: cmd.Seq, name: cmd.Name, input: cmd.Input}
			})
		case KindTimer:
			e.armTimerLocked(is, cmd)
		case KindChild:
			after = append(after, func() { e.startChild(is, cmd) })
		}
	}
	for _, seq := range wc.cancels {
		e.cancelLocked(is, seq)
	}

	if completed {
		e.finalizeLocked(is, out, ferr)
		if is.inst.ParentID != "" {
			parentID, parentSeq := is.inst.ParentID, is.inst.ParentSeq
			output, errStr := is.inst.Output, is.inst.Error
			after = append(after, func() { e.notifyParent(parentID, parentSeq, output, errStr) })
		}
	}
	is.mu.Unlock()

	for _, f := range after {
		f()
	}
}

// execute runs the workflow function, recovering the yield marker thrown at
// an unresolved suspension point. Any other panic fails the instance.
func (e *Engine) execute(wc *Context) (completed bool, out interface{}, err error) {
	fn, rerr := e.registry.workflow(wc.is.inst.Workflow)
	if rerr != nil {
		return true, nil, rerr
	}
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(suspend); ok {
				completed = false
				err = nil
				return
			}
			completed = true
			err = fmt.Errorf("workflow panic: %v", r)
		}
	}()
	out, err = fn(wc, wc.is.inst.Input)
	return true, out, err
}

func (e *Engine) armTimerLocked(is *instanceState, cmd *Command) {
	seq := cmd.Seq
	d := cmd.DueAt.Sub(e.clock.Now())
	is.timers[seq] = e.clock.AfterFunc(d, func() {
		firedAt, _ := Marshal(cmd.DueAt)
		e.completeCommand(is, seq, firedAt, "")
	})
}

// cancelLocked drops a pending command: a cancelled timer never fires into
// the history and a cancelled event wait no longer accepts signals.
func (e *Engine) cancelLocked(is *instanceState, seq int) {
	if _, ok := is.pending[seq]; !ok {
		return
	}
	delete(is.pending, seq)
	if t, ok := is.timers[seq]; ok {
		t.Stop()
		delete(is.timers, seq)
	}
	if err := e.store.DeleteCommand(context.Background(), is.inst.ID, seq); err != nil {
		e.logger.Error("failed to delete cancelled command", "instance", is.inst.ID, "seq", seq, "error", err)
	}
}

// completeCommand records the result of a pending command and continues the
// instance. Results for commands that are no longer pending (cancelled race
// losers, duplicate deliveries) are dropped.
func (e *Engine) completeCommand(is *instanceState, seq int, payload json.RawMessage, errStr string) {
	ctx := context.Background()
	is.mu.Lock()
	cmd, ok := is.pending[seq]
	if !ok || is.inst.Status.Terminal() || e.hasEventLocked(is, seq) {
		is.mu.Unlock()
		return
	}
	delete(is.pending, seq)
	if t, ok := is.timers[seq]; ok {
		t.Stop()
		delete(is.timers, seq)
	}
	ev := &Event{
		Pos:     len(is.events),
		Seq:     seq,
		Kind:    cmd.Kind,
		Name:    cmd.Name,
		Payload: payload,
		Error:   errStr,
		At:      e.clock.Now().UTC(),
	}
	is.events = append(is.events, ev)
	if err := e.store.AppendEvent(ctx, is.inst.ID, ev); err != nil {
		e.logger.Error("failed to append history event", "instance", is.inst.ID, "seq", seq, "error", err)
	}
	if err := e.store.DeleteCommand(ctx, is.inst.ID, seq); err != nil {
		e.logger.Error("failed to delete command", "instance", is.inst.ID, "seq", seq, "error", err)
	}
	is.mu.Unlock()
	e.runPass(is)
}

func (e *Engine) hasEventLocked(is *instanceState, seq int) bool {
	for _, ev := range is.events {
		if ev.Seq == seq {
			return true
		}
	}
	return false
}

// appendEventLocked records an inline-resolved event (deterministic time
// reads). Caller holds is.mu.
func (e *Engine) appendEventLocked(is *instanceState, ev *Event) {
	ev.Pos = len(is.events)
	is.events = append(is.events, ev)
	if err := e.store.AppendEvent(context.Background(), is.inst.ID, ev); err != nil {
		e.logger.Error("failed to append history event", "instance", is.inst.ID, "seq", ev.Seq, "error", err)
	}
}

func (e *Engine) finalizeLocked(is *instanceState, out interface{}, ferr error) {
	if ferr != nil {
		is.inst.Status = StatusFailed
		is.inst.Error = ferr.Error()
		e.logger.Error("workflow instance failed", "workflow", is.inst.Workflow, "instance", is.inst.ID, "error", ferr)
	} else {
		payload, merr := Marshal(out)
		if merr != nil {
			is.inst.Status = StatusFailed
			is.inst.Error = fmt.Sprintf("marshal workflow output: %v", merr)
		} else {
			is.inst.Status = StatusCompleted
			is.inst.Output = payload
		}
	}
	is.inst.UpdatedAt = e.clock.Now().UTC()
	for seq := range is.pending {
		e.cancelLocked(is, seq)
	}
	if err := e.store.UpdateInstance(context.Background(), is.inst); err != nil {
		e.logger.Error("failed to persist instance", "instance", is.inst.ID, "error", err)
	}
	close(is.done)
}

// startChild creates the child instance for a child-workflow command. The
// lookup by parent link keeps restarts from starting a duplicate child.
func (e *Engine) startChild(parent *instanceState, cmd *Command) {
	ctx := context.Background()
	if child, err := e.store.GetChildInstance(ctx, parent.inst.ID, cmd.Seq); err == nil {
		if child.Status.Terminal() {
			e.completeCommand(parent, cmd.Seq, child.Output, child.Error)
		}
		return
	}
	now := e.clock.Now().UTC()
	inst := &Instance{
		ID:        uuid.New().String(),
		Workflow:  cmd.Name,
		Input:     cmd.Input,
		Status:    StatusRunning,
		ParentID:  parent.inst.ID,
		ParentSeq: cmd.Seq,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		e.logger.Error("failed to create child instance", "workflow", cmd.Name, "parent", parent.inst.ID, "error", err)
		e.completeCommand(parent, cmd.Seq, nil, fmt.Sprintf("start child workflow: %v", err))
		return
	}
	is, err := e.state(ctx, inst)
	if err != nil {
		e.completeCommand(parent, cmd.Seq, nil, err.Error())
		return
	}
	e.logger.Info("child workflow started", "workflow", cmd.Name, "instance", inst.ID, "parent", parent.inst.ID)
	e.runPass(is)
}

func (e *Engine) notifyParent(parentID string, parentSeq int, output json.RawMessage, errStr string) {
	is, err := e.stateByID(context.Background(), parentID)
	if err != nil {
		e.logger.Error("failed to load parent instance", "instance", parentID, "error", err)
		return
	}
	e.completeCommand(is, parentSeq, output, errStr)
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.quit:
			return
		case j := <-e.jobs:
			e.runActivity(j)
		}
	}
}

// runActivity executes one scheduled activity with the retry policy.
// Transient errors are retried with exponential backoff; Fatal errors and an
// exhausted budget are recorded as the suspension point's failure.
func (e *Engine) runActivity(j job) {
	fn, err := e.registry.activity(j.name)
	if err != nil {
		e.completeCommand(j.is, j.seq, nil, err.Error())
		return
	}
	var result interface{}
	op := func() error {
		out, aerr := fn(context.Background(), j.input)
		if aerr != nil {
			if IsFatal(aerr) {
				return backoff.Permanent(aerr)
			}
			e.logger.Warn("activity attempt failed, will retry", "activity", j.name, "error", aerr)
			return aerr
		}
		result = out
		return nil
	}
	if err := backoff.Retry(op, e.retry.backOff()); err != nil {
		e.completeCommand(j.is, j.seq, nil, err.Error())
		return
	}
	payload, merr := Marshal(result)
	if merr != nil {
		e.completeCommand(j.is, j.seq, nil, fmt.Sprintf("marshal activity result: %v", merr))
		return
	}
	e.completeCommand(j.is, j.seq, payload, "")
}
