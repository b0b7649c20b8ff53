package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jervisai/jervis/pkg/config"
	"github.com/jervisai/jervis/pkg/events"
	"github.com/jervisai/jervis/pkg/log"
	"github.com/jervisai/jervis/pkg/metrics"
	"github.com/jervisai/jervis/pkg/planner"
	"github.com/jervisai/jervis/pkg/storage"
	"github.com/jervisai/jervis/pkg/types"
)

// processRunning enforces the one-engine-per-process invariant: the
// execution loop assumes it is the only writer of the current-task slot.
var processRunning atomic.Bool

// Gateway is the planner surface the engine dispatches through.
type Gateway interface {
	Submit(ctx context.Context, req planner.ChatRequest) (string, error)
	Stop(ctx context.Context, threadID string) error
	GetStatus(ctx context.Context, threadID string) (planner.StatusResponse, error)
}

// runningTask is the cancel handle of the task currently on the GPU.
type runningTask struct {
	taskID types.ID
	cancel context.CancelFunc
}

// Engine owns the task lifecycle from qualification to completion.
type Engine struct {
	store     storage.Store
	qualifier TaskQualifier
	gateway   Gateway
	bg        config.BackgroundConfig
	qcfg      config.QualifierConfig
	pollEvery time.Duration
	broker    *events.Broker
	logger    zerolog.Logger

	current atomic.Pointer[runningTask]

	failMu       sync.Mutex
	commFailures int

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates an Engine.
func New(store storage.Store, qualifier TaskQualifier, gateway Gateway, cfg *config.Config, broker *events.Broker) *Engine {
	return &Engine{
		store:     store,
		qualifier: qualifier,
		gateway:   gateway,
		bg:        cfg.Background,
		qcfg:      cfg.Qualifier,
		pollEvery: cfg.Planner.PollInterval(),
		broker:    broker,
		logger:    log.WithComponent("engine"),
		stopCh:    make(chan struct{}),
	}
}

// Start recovers stale tasks and launches the three loops. Starting a
// second engine in the same process is an error.
func (e *Engine) Start(ctx context.Context) error {
	if !processRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("task engine already running in this process")
	}

	if err := e.RecoverStale(time.Now()); err != nil {
		e.logger.Error().Err(err).Msg("Stale task recovery failed")
	}

	e.wg.Add(3)
	go e.qualificationLoop(ctx)
	go e.executionLoop(ctx)
	go e.orchestratorLoop(ctx)
	e.logger.Info().Msg("Task engine started")
	return nil
}

// Stop terminates the loops, cancels any running task and releases the
// process singleton.
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.stopCh) })
	if rt := e.current.Load(); rt != nil {
		rt.cancel()
	}
	e.wg.Wait()
	processRunning.Store(false)
	e.logger.Info().Msg("Task engine stopped")
}

// InterruptNow cancels the currently executing task, if any. Used when a
// foreground request arrives and the GPU must be freed immediately.
func (e *Engine) InterruptNow() bool {
	rt := e.current.Load()
	if rt == nil {
		return false
	}
	rt.cancel()
	e.logger.Info().Str("taskId", rt.taskID.String()).Msg("Running task interrupted")
	return true
}

// RecoverStale rewinds tasks abandoned by a previous process. Foreground
// DISPATCHED_GPU tasks stay as they are: they are completed chat turns.
func (e *Engine) RecoverStale(now time.Time) error {
	tasks, err := e.store.ListTasks()
	if err != nil {
		return err
	}

	threshold := now.Add(-time.Duration(e.bg.StaleTaskThresholdHours) * time.Hour)
	recovered := 0
	for _, task := range tasks {
		if !task.CreatedAt.Before(threshold) {
			continue
		}

		switch {
		case task.State == types.TaskStateDispatchedGPU && task.Mode == types.ModeBackground:
			task.State = types.TaskStateReadyForGPU
		case task.State == types.TaskStateQualifying:
			task.State = types.TaskStateReadyForQualification
		case task.State == types.TaskStateOrchestrating:
			task.State = types.TaskStateReadyForGPU
			task.OrchestratorThreadID = ""
		default:
			continue
		}

		if err := e.store.UpdateTask(task); err != nil {
			return err
		}
		recovered++
	}
	if recovered > 0 {
		e.logger.Info().Int("tasks", recovered).Msg("Recovered stale tasks")
	}
	return nil
}

// Qualification loop

func (e *Engine) qualificationLoop(ctx context.Context) {
	defer e.wg.Done()

	select {
	case <-time.After(e.bg.WaitOnStartup()):
	case <-e.stopCh:
		return
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(e.bg.WaitInterval())
	defer ticker.Stop()

	e.qualifyBatch(ctx)
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.qualifyBatch(ctx)
		}
	}
}

func (e *Engine) qualifyBatch(ctx context.Context) {
	limit := e.bg.MaxConcurrentQualifications
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for {
		select {
		case <-e.stopCh:
			g.Wait()
			return
		default:
		}

		task, err := e.store.ClaimNextQualification(time.Now())
		if err != nil {
			e.logger.Error().Err(err).Msg("Qualification claim failed")
			e.waitOnError()
			break
		}
		if task == nil {
			break
		}
		g.Go(func() error {
			e.qualifyOne(gctx, task)
			return nil
		})
	}
	g.Wait()
	e.refreshTaskGauges()
}

func (e *Engine) qualifyOne(ctx context.Context, task *types.Task) {
	logger := log.WithTaskID(task.ID)

	verdict, err := e.qualifier.QualifyTask(ctx, task)
	if err != nil {
		// Operational errors never terminate a task: push it back with
		// exponential backoff and try again, without a retry cap.
		task.QualificationRetries++
		next := time.Now().Add(e.qualificationBackoff(task.QualificationRetries))
		task.NextQualificationRetryAt = &next
		task.State = types.TaskStateReadyForQualification
		if uErr := e.store.UpdateTask(task); uErr != nil {
			logger.Error().Err(uErr).Msg("Failed to reschedule qualification")
		}
		metrics.TasksQualified.WithLabelValues("retry").Inc()
		logger.Warn().Err(err).Int("retries", task.QualificationRetries).
			Time("nextAttempt", next).Msg("Qualification failed, rescheduled")
		return
	}

	if verdict.Simple {
		mem := &types.TaskMemory{
			TaskID:   task.ID,
			ClientID: task.ClientID,
			Summary:  verdict.Summary,
		}
		if err := e.store.SaveTaskMemory(mem); err != nil {
			logger.Error().Err(err).Msg("Failed to save task memory")
		}
		if _, err := e.store.CASTaskState(task.ID, types.TaskStateQualifying, types.TaskStateDone); err != nil {
			logger.Error().Err(err).Msg("Failed to finalize simple task")
			return
		}
		metrics.TasksQualified.WithLabelValues("done").Inc()
		e.publish(events.EventTaskCompleted, task, map[string]string{"by": "qualifier"})
		logger.Debug().Msg("Task finalized by qualifier")
		return
	}

	if _, err := e.store.CASTaskState(task.ID, types.TaskStateQualifying, types.TaskStateReadyForGPU); err != nil {
		logger.Error().Err(err).Msg("Failed to route task to GPU queue")
		return
	}
	metrics.TasksQualified.WithLabelValues("gpu").Inc()
	logger.Debug().Msg("Task routed to GPU queue")
}

// qualificationBackoff computes min(initial * 2^(n-1), max).
func (e *Engine) qualificationBackoff(retries int) time.Duration {
	d := e.qcfg.InitialBackoff()
	max := e.qcfg.MaxBackoff()
	for i := 1; i < retries; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Execution loop

func (e *Engine) executionLoop(ctx context.Context) {
	defer e.wg.Done()

	select {
	case <-time.After(e.bg.WaitOnStartup()):
	case <-e.stopCh:
		return
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(e.bg.WaitInterval())
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.executeNext(ctx)
		}
	}
}

// executeNext claims and dispatches at most one task. The engine holds a
// single GPU slot: a task in flight means the claim is skipped entirely.
func (e *Engine) executeNext(ctx context.Context) {
	if e.current.Load() != nil {
		return
	}

	task, err := e.store.ClaimNextExecution()
	if err != nil {
		e.logger.Error().Err(err).Msg("Execution claim failed")
		e.waitOnError()
		return
	}
	if task == nil {
		return
	}
	logger := log.WithTaskID(task.ID)
	e.publish(events.EventTaskQueueStatus, task, map[string]string{"phase": "claimed"})

	runCtx, cancel := context.WithCancel(ctx)
	e.current.Store(&runningTask{taskID: task.ID, cancel: cancel})
	defer func() {
		cancel()
		e.current.Store(nil)
		e.publish(events.EventTaskQueueStatus, task, map[string]string{"phase": "released"})
	}()

	threadID, err := e.gateway.Submit(runCtx, chatRequestFor(task))
	if err != nil {
		if runCtx.Err() != nil {
			// Interrupted mid-submit: put the task back where the claim
			// found it so the next pick-up sees the original ordering.
			if _, cErr := e.store.CASTaskState(task.ID, types.TaskStateDispatchedGPU, types.TaskStateReadyForGPU); cErr != nil {
				logger.Error().Err(cErr).Msg("Failed to rewind interrupted task")
			}
			metrics.TasksExecuted.WithLabelValues("interrupted").Inc()
			e.publish(events.EventTaskInterrupted, task, nil)
			logger.Info().Msg("Task dispatch interrupted")
			return
		}

		if isCommunicationErr(err) {
			if _, cErr := e.store.CASTaskState(task.ID, types.TaskStateDispatchedGPU, types.TaskStateReadyForGPU); cErr != nil {
				logger.Error().Err(cErr).Msg("Failed to rewind task after planner failure")
			}
			e.backoffAfterFailure(logger, err)
			return
		}

		task.State = types.TaskStateUserTask
		task.ErrorMessage = err.Error()
		if uErr := e.store.UpdateTask(task); uErr != nil {
			logger.Error().Err(uErr).Msg("Failed to escalate task")
		}
		metrics.TasksExecuted.WithLabelValues("user_task").Inc()
		e.publish(events.EventUserTaskCreated, task, map[string]string{"error": err.Error()})
		logger.Warn().Err(err).Msg("Task escalated to user")
		return
	}

	e.failMu.Lock()
	e.commFailures = 0
	e.failMu.Unlock()

	task.OrchestratorThreadID = threadID
	task.State = types.TaskStateOrchestrating
	if err := e.store.UpdateTask(task); err != nil {
		logger.Error().Err(err).Msg("Failed to record orchestrating task")
		return
	}
	logger.Debug().Str("threadId", threadID).Msg("Task dispatched to planner")
}

// backoffAfterFailure applies the linear communication-error backoff
// min(30s*n, 5m) after the failing task, blocking the execution loop.
func (e *Engine) backoffAfterFailure(logger zerolog.Logger, err error) {
	e.failMu.Lock()
	e.commFailures++
	n := e.commFailures
	e.failMu.Unlock()

	delay := time.Duration(n) * 30 * time.Second
	if delay > 5*time.Minute {
		delay = 5 * time.Minute
	}
	metrics.TasksExecuted.WithLabelValues("error").Inc()
	if e.broker != nil {
		e.broker.Publish(events.New(events.EventCommunicationIssue,
			fmt.Sprintf("Planner unreachable, retrying in %s", delay),
			map[string]string{"error": err.Error(), "consecutiveFailures": fmt.Sprintf("%d", n)}))
	}
	logger.Warn().Err(err).Int("consecutiveFailures", n).Dur("backoff", delay).
		Msg("Planner communication failed, backing off")

	select {
	case <-time.After(delay):
	case <-e.stopCh:
	}
}

// waitOnError pauses a loop after a store failure so a wedged store is
// not hammered on every tick.
func (e *Engine) waitOnError() {
	select {
	case <-time.After(e.bg.WaitOnError()):
	case <-e.stopCh:
	}
}

func chatRequestFor(task *types.Task) planner.ChatRequest {
	sessionID := task.CorrelationID
	if sessionID == "" {
		sessionID = task.ID.String()
	}
	return planner.ChatRequest{
		SessionID:       sessionID,
		Message:         task.Content,
		MessageSequence: 1,
		ActiveClientID:  task.ClientID.String(),
		ActiveProjectID: task.ProjectID.String(),
		ContextTaskID:   task.ID.String(),
	}
}

// isCommunicationErr separates transport trouble (retry with backoff)
// from logic errors (escalate to the user).
func isCommunicationErr(err error) bool {
	if types.IsTransient(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection", "timeout", "timed out", "network", "refused", "eof", "unreachable"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Orchestrator poll loop

func (e *Engine) orchestratorLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollOrchestrating(ctx)
		}
	}
}

func (e *Engine) pollOrchestrating(ctx context.Context) {
	tasks, err := e.store.ListTasksByState(types.TaskStateOrchestrating)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to list orchestrating tasks")
		return
	}

	for _, task := range tasks {
		status, err := e.gateway.GetStatus(ctx, task.OrchestratorThreadID)
		if err != nil {
			logger := log.WithTaskID(task.ID)
			logger.Warn().Err(err).Msg("Status poll failed")
			continue
		}
		e.applyStatus(task, status)
	}
}

func (e *Engine) applyStatus(task *types.Task, status planner.StatusResponse) {
	logger := log.WithTaskID(task.ID)

	switch status.Status {
	case planner.StatusRunning:
		return

	case planner.StatusDone:
		if status.Summary != "" {
			mem := &types.TaskMemory{
				TaskID:   task.ID,
				ClientID: task.ClientID,
				Summary:  status.Summary,
			}
			if err := e.store.SaveTaskMemory(mem); err != nil {
				logger.Error().Err(err).Msg("Failed to save task memory")
			}
		}
		if task.Mode == types.ModeForeground {
			// Completed chat turns stay around as continuation checkpoints
			task.State = types.TaskStateDispatchedGPU
			if err := e.store.UpdateTask(task); err != nil {
				logger.Error().Err(err).Msg("Failed to checkpoint foreground task")
				return
			}
		} else {
			if err := e.store.DeleteTask(task.ID); err != nil {
				logger.Error().Err(err).Msg("Failed to delete completed task")
				return
			}
		}
		metrics.TasksExecuted.WithLabelValues("done").Inc()
		e.publish(events.EventTaskCompleted, task, nil)
		logger.Debug().Msg("Task completed")

	case planner.StatusInterrupted:
		task.State = types.TaskStateUserTask
		task.ErrorMessage = status.InterruptDescription
		if err := e.store.UpdateTask(task); err != nil {
			logger.Error().Err(err).Msg("Failed to record interrupted task")
			return
		}
		metrics.TasksExecuted.WithLabelValues("interrupted").Inc()
		e.publish(events.EventTaskInterrupted, task, map[string]string{
			"action":      status.InterruptAction,
			"description": status.InterruptDescription,
		})
		logger.Info().Str("action", status.InterruptAction).Msg("Task needs user input")

	case planner.StatusError:
		task.State = types.TaskStateError
		task.ErrorMessage = status.Error
		if err := e.store.UpdateTask(task); err != nil {
			logger.Error().Err(err).Msg("Failed to record task error")
			return
		}
		metrics.TasksExecuted.WithLabelValues("error").Inc()
		e.publish(events.EventTaskFailed, task, map[string]string{"error": status.Error})
		logger.Warn().Str("error", status.Error).Msg("Task failed in planner")
	}
}

func (e *Engine) publish(t events.EventType, task *types.Task, extra map[string]string) {
	if e.broker == nil {
		return
	}
	meta := map[string]string{
		"taskId": task.ID.String(),
		"type":   string(task.Type),
		"mode":   string(task.Mode),
		"state":  string(task.State),
	}
	for k, v := range extra {
		meta[k] = v
	}
	e.broker.Publish(events.New(t, fmt.Sprintf("%s %s", t, task.ID), meta))
}

func (e *Engine) refreshTaskGauges() {
	counts, err := e.store.CountTasksByState()
	if err != nil {
		return
	}
	for _, state := range []types.TaskState{
		types.TaskStateReadyForQualification, types.TaskStateQualifying,
		types.TaskStateReadyForGPU, types.TaskStateDispatchedGPU,
		types.TaskStateOrchestrating, types.TaskStateUserTask,
		types.TaskStateDone, types.TaskStateError,
	} {
		metrics.TasksByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}

	ready, err := e.store.ListTasksByState(types.TaskStateReadyForGPU)
	if err != nil {
		return
	}
	depth := map[types.ProcessingMode]int{}
	for _, task := range ready {
		depth[task.Mode]++
	}
	for _, mode := range []types.ProcessingMode{types.ModeForeground, types.ModeBackground} {
		metrics.TaskQueueDepth.WithLabelValues(string(mode)).Set(float64(depth[mode]))
	}
}
