package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/config"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/envelope"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/events"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/state"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/topics"
)

// Publisher is the slice of the bus client the engine publishes
// through. Publish returns false instead of erroring; the engine
// treats a false return on a step publish as fatal for that task.
type Publisher interface {
	Publish(ctx context.Context, topicKey string, data any, priority envelope.Priority, correlationID string) bool
}

// event is one unit of work on a task's serial queue.
type event struct {
	kind      eventKind
	messageID string
	// per-kind payload fields
	direction string
	minHeight float64
	success   bool
	position  int64
	codes     []string
	orderID   string
	reason    string
}

// taskRun pairs a task with its serial event queue.
type taskRun struct {
	task  *Task
	queue chan event
	seen  map[string]struct{} // processed envelope message ids
}

// Engine is the outbound workflow state machine. One goroutine per
// active task consumes that task's queue, so events for the same task
// never interleave.
type Engine struct {
	cfg    *config.ServiceConfig
	pub    Publisher
	states *state.Store
	events *events.Bus
	db     *Store // nil disables persistence
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards the maps, queue sends, and every Task field write, so
	// Task/Tasks snapshots never observe a torn task.
	mu       sync.Mutex
	stopping bool
	runs     map[string]*taskRun
	finished map[string]*Task
	// retirement and trigger order, oldest first, for bounded eviction
	finishedIDs []string
	// trigger envelope ids, for replay dedupe
	triggers     map[string]struct{}
	triggerOrder []string
}

// Dedupe and retired-task memory are bounded; with persistence enabled
// sqlite keeps the full history.
const (
	maxTriggerMemory  = 1024
	maxFinishedMemory = 256
)

// NewEngine wires the workflow engine. db may be nil when crash
// recovery is not wanted.
func NewEngine(cfg *config.ServiceConfig, pub Publisher, states *state.Store, evBus *events.Bus, db *Store, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		pub:      pub,
		states:   states,
		events:   evBus,
		db:       db,
		logger:   logger,
		runs:     make(map[string]*taskRun),
		finished: make(map[string]*Task),
		triggers: make(map[string]struct{}),
	}
}

// Start prepares the engine. With persistence enabled, tasks that were
// in flight at the previous shutdown are replayed as Cancelled; there
// is no durable step log to resume them from.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if e.db == nil {
		return nil
	}
	cancelled, err := e.db.CancelInFlight()
	if err != nil {
		return fmt.Errorf("cancel in-flight tasks: %w", err)
	}
	if cancelled > 0 {
		e.logger.Warn("in-flight tasks cancelled on restart", "count", cancelled)
	}
	return nil
}

// Stop waits for queued events to drain, then stops the per-task
// workers. Idempotent. The stopping flag and the queue closes happen
// under the same lock the senders hold, so no send can race the close.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopping = true
	for _, run := range e.runs {
		close(run.queue)
	}
	e.runs = make(map[string]*taskRun)
	e.mu.Unlock()

	e.wg.Wait()
	if e.cancel != nil {
		e.cancel()
	}
}

// Trigger starts a new outbound task for a grating event. Replaying
// the same trigger envelope does not create a second task. Returns the
// task id, or "" for a duplicate or invalid trigger.
func (e *Engine) Trigger(messageID, direction string) string {
	if direction == "" {
		e.logger.Warn("trigger without direction dropped", "message_id", messageID)
		return ""
	}

	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		e.logger.Warn("trigger after engine stop dropped", "message_id", messageID)
		return ""
	}
	if _, dup := e.triggers[messageID]; dup {
		e.mu.Unlock()
		e.logger.Debug("duplicate trigger ignored", "message_id", messageID)
		return ""
	}
	e.triggers[messageID] = struct{}{}
	e.triggerOrder = append(e.triggerOrder, messageID)
	if len(e.triggerOrder) > maxTriggerMemory {
		delete(e.triggers, e.triggerOrder[0])
		e.triggerOrder = e.triggerOrder[1:]
	}

	now := time.Now().UTC()
	task := &Task{
		TaskID:    newTaskID(),
		Status:    StatusCreated,
		Direction: direction,
		CreatedAt: now,
		UpdatedAt: now,
	}
	run := &taskRun{
		task:  task,
		queue: make(chan event, 16),
		seen:  make(map[string]struct{}),
	}
	e.runs[task.TaskID] = run
	// Fresh queue with spare capacity; the send cannot block under e.mu.
	run.queue <- event{kind: evTrigger, messageID: messageID, direction: direction}
	e.mu.Unlock()

	e.states.Set("task:"+task.TaskID+":status", string(StatusCreated))
	e.persist(task)
	e.events.Emit(events.SourceWorkflow, events.KindTaskCreated,
		map[string]any{"task_id": task.TaskID, "direction": direction})

	e.wg.Add(1)
	go e.runTask(run)
	return task.TaskID
}

// HeightResult feeds a vision height measurement. The task is found by
// correlation id; when the vision service does not echo one, the
// single task awaiting a measurement is used.
func (e *Engine) HeightResult(messageID, correlationID string, minHeight float64) {
	e.enqueue(correlationID, StatusHeightMeasured,
		event{kind: evHeightResult, messageID: messageID, minHeight: minHeight})
}

// MotionComplete feeds a finished (or failed) axis move.
func (e *Engine) MotionComplete(messageID, taskID string, success bool, finalPosition int64) {
	e.enqueue(taskID, StatusMoving,
		event{kind: evMotionComplete, messageID: messageID, success: success, position: finalPosition})
}

// ScanComplete feeds a closed collect window.
func (e *Engine) ScanComplete(messageID, correlationID string, codes []string, success bool, errMsg string) {
	e.enqueue(correlationID, StatusScanning,
		event{kind: evScanComplete, messageID: messageID, codes: codes, success: success, reason: errMsg})
}

// OrderNew feeds the order id that finalises a task.
func (e *Engine) OrderNew(messageID, correlationID, orderID string) {
	e.enqueue(correlationID, StatusOrderPending,
		event{kind: evOrderNew, messageID: messageID, orderID: orderID})
}

// Cancel aborts a task from any non-terminal state.
func (e *Engine) Cancel(taskID string) {
	e.enqueue(taskID, "", event{kind: evCancel, messageID: "cancel:" + taskID + ":" + newTaskID()})
}

// Fail marks a task failed with a reason.
func (e *Engine) Fail(taskID, reason string) {
	e.enqueue(taskID, "", event{kind: evFatal, messageID: "fatal:" + taskID + ":" + newTaskID(), reason: reason})
}

// Task returns a snapshot of one task, finished tasks included.
func (e *Engine) Task(taskID string) (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if run, ok := e.runs[taskID]; ok {
		return *run.task, true
	}
	if t, ok := e.finished[taskID]; ok {
		return *t, true
	}
	return Task{}, false
}

// Tasks snapshots every known task.
func (e *Engine) Tasks() []Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Task, 0, len(e.runs)+len(e.finished))
	for _, run := range e.runs {
		out = append(out, *run.task)
	}
	for _, t := range e.finished {
		out = append(out, *t)
	}
	return out
}

// enqueue routes an event onto the right task queue. taskID may be a
// correlation id (the engine correlates by task id); when empty or
// unknown, the single task in wantStatus receives the event.
func (e *Engine) enqueue(taskID string, wantStatus Status, ev event) {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		e.logger.Debug("workflow event after engine stop dropped", "event", string(ev.kind))
		return
	}
	run, ok := e.runs[taskID]
	if !ok && wantStatus != "" {
		var candidates []*taskRun
		for _, r := range e.runs {
			if r.task.Status == wantStatus {
				candidates = append(candidates, r)
			}
		}
		if len(candidates) == 1 {
			run, ok = candidates[0], true
		}
	}
	if !ok {
		e.mu.Unlock()
		e.logger.Warn("workflow event without matching task dropped",
			"event", string(ev.kind), "correlation_id", taskID)
		return
	}

	// The send stays under e.mu so Stop cannot close the queue between
	// the lookup and the send.
	var overflow bool
	select {
	case run.queue <- ev:
	default:
		overflow = true
	}
	e.mu.Unlock()

	if overflow {
		e.logger.Error("task queue overflow, event dropped",
			"task_id", run.task.TaskID, "event", string(ev.kind))
	}
}

// runTask is the per-task worker. It exits when the task reaches a
// terminal state or the queue closes.
func (e *Engine) runTask(run *taskRun) {
	defer e.wg.Done()
	for ev := range run.queue {
		e.apply(run, ev)
		if run.task.Status.Terminal() {
			break
		}
	}
	e.retire(run)
}

// apply performs one transition. Replayed envelopes (same message id)
// and events invalid for the current state are ignored.
func (e *Engine) apply(run *taskRun, ev event) {
	task := run.task

	if _, dup := run.seen[ev.messageID]; dup {
		e.logger.Debug("replayed step event ignored",
			"task_id", task.TaskID, "message_id", ev.messageID)
		return
	}

	next, ok := nextStatus(task.Status, ev.kind)
	if !ok {
		e.logger.Warn("event invalid for task state",
			"task_id", task.TaskID, "state", string(task.Status), "event", string(ev.kind))
		return
	}
	run.seen[ev.messageID] = struct{}{}

	// Step failures reported by collaborators become task failures.
	if (ev.kind == evMotionComplete || ev.kind == evScanComplete) && !ev.success {
		reason := ev.reason
		if reason == "" {
			reason = fmt.Sprintf("step %s reported failure", ev.kind)
		}
		e.fail(task, reason)
		return
	}

	switch ev.kind {
	case evTrigger:
		if !e.pub.Publish(e.ctx, topics.KeyVisionHeightReq,
			envelope.HeightRequest{TaskID: task.TaskID, Direction: task.Direction},
			envelope.PriorityNormal, task.TaskID) {
			e.fail(task, "publish height request failed")
			return
		}

	case evHeightResult:
		stack, targetMM := ComputeTarget(task.Direction, ev.minHeight, e.cfg.Sample)
		e.mu.Lock()
		task.MeasuredHeight = ev.minHeight
		task.StackHeight = stack
		task.TargetPosition = targetMM
		e.mu.Unlock()
		if !e.pub.Publish(e.ctx, topics.KeyMotionMove,
			envelope.MotionMove{TaskID: task.TaskID, PositionMM: targetMM},
			envelope.PriorityNormal, task.TaskID) {
			e.fail(task, "publish motion move failed")
			return
		}

	case evMotionComplete:
		if !e.pub.Publish(e.ctx, topics.KeyCoderStart,
			envelope.CoderStart{Direction: task.Direction, StackHeight: task.StackHeight},
			envelope.PriorityNormal, task.TaskID) {
			e.fail(task, "publish coder start failed")
			return
		}

	case evScanComplete:
		e.mu.Lock()
		task.Codes = append([]string(nil), ev.codes...)
		e.mu.Unlock()
		if !e.pub.Publish(e.ctx, topics.KeyOrderRequest,
			envelope.OrderRequest{
				TaskID:      task.TaskID,
				Direction:   task.Direction,
				Codes:       task.Codes,
				StackHeight: task.StackHeight,
			}, envelope.PriorityNormal, task.TaskID) {
			e.fail(task, "publish order request failed")
			return
		}

	case evOrderNew:
		e.mu.Lock()
		task.OrderID = ev.orderID
		e.mu.Unlock()
		e.pub.Publish(e.ctx, topics.KeyCoderOdoo,
			envelope.OdooEvent{
				OrderID:     task.OrderID,
				Codes:       task.Codes,
				Direction:   task.Direction,
				StackHeight: task.StackHeight,
				Timestamp:   time.Now().UTC(),
			}, envelope.PriorityHigh, task.TaskID)

	case evCancel:
		e.pub.Publish(e.ctx, topics.KeyMotionStop, map[string]any{"task_id": task.TaskID},
			envelope.PriorityCritical, task.TaskID)
		e.pub.Publish(e.ctx, topics.KeyVisionStop, map[string]any{"task_id": task.TaskID},
			envelope.PriorityCritical, task.TaskID)
		e.cleanTempKeys(task.TaskID)

	case evFatal:
		e.fail(task, ev.reason)
		return
	}

	e.transition(task, next, string(ev.kind))
}

// fail records the error, publishes the task-level error event, and
// marks the task Failed.
func (e *Engine) fail(task *Task, reason string) {
	e.mu.Lock()
	task.Error = reason
	e.mu.Unlock()
	e.states.Set("task:"+task.TaskID+":error", reason)
	e.pub.Publish(e.ctx, topics.KeyTaskError,
		map[string]any{"task_id": task.TaskID, "error": reason},
		envelope.PriorityHigh, task.TaskID)
	e.transition(task, StatusFailed, "fatal")
}

// transition writes the new status under e.mu so concurrent Task
// snapshots never see a half-applied update.
func (e *Engine) transition(task *Task, next Status, cause string) {
	e.mu.Lock()
	from := task.Status
	task.Status = next
	task.UpdatedAt = time.Now().UTC()
	e.mu.Unlock()

	e.states.Set("task:"+task.TaskID+":status", string(next))
	e.persist(task)

	e.logger.Info("task transition",
		"task_id", task.TaskID, "from", string(from), "to", string(next), "event", cause)
	e.events.Emit(events.SourceWorkflow, events.KindTaskTransition,
		map[string]any{"task_id": task.TaskID, "from": string(from), "to": string(next), "event": cause})
}

// retire moves a terminal task out of the active set, evicting the
// oldest retired task past the memory bound.
func (e *Engine) retire(run *taskRun) {
	task := run.task

	e.mu.Lock()
	delete(e.runs, task.TaskID)
	e.finished[task.TaskID] = task
	e.finishedIDs = append(e.finishedIDs, task.TaskID)
	if len(e.finishedIDs) > maxFinishedMemory {
		delete(e.finished, e.finishedIDs[0])
		e.finishedIDs = e.finishedIDs[1:]
	}
	status := task.Status
	orderID := task.OrderID
	e.mu.Unlock()

	e.events.Emit(events.SourceWorkflow, events.KindTaskDone,
		map[string]any{"task_id": task.TaskID, "status": string(status), "order_id": orderID})
}

// cleanTempKeys sweeps the task's temporary and cached entries from
// the shared store.
func (e *Engine) cleanTempKeys(taskID string) {
	for _, key := range e.states.KeysWithPrefix("task:" + taskID + ":") {
		if strings.HasSuffix(key, "temp") || strings.HasSuffix(key, "cache") {
			e.states.Remove(key)
		}
	}
}

func (e *Engine) persist(task *Task) {
	if e.db == nil {
		return
	}
	if err := e.db.Save(task); err != nil {
		e.logger.Error("persist task failed", "task_id", task.TaskID, "error", err)
	}
}

func newTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
