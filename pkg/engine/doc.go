/*
Package engine runs the Jervis task state machine from qualification to
completion.

The engine owns three loops: a CPU-side qualification loop deciding
whether a task needs the planner at all, a GPU-side execution loop
dispatching one task at a time, and an orchestrator poll loop tracking
planner threads to completion. All state transitions go through atomic
compare-and-set claims in the staging store, so a crashed or racing
worker never double-processes a task.

# Architecture

	┌────────────────────── TASK ENGINE ───────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │        Qualification Loop                    │          │
	│  │  - Ticks every waitInterval                  │          │
	│  │  - Claims READY_FOR_QUALIFICATION tasks      │          │
	│  │  - errgroup, maxConcurrentQualifications     │          │
	│  │  - LLM verdict: simple or needs GPU          │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │ READY_FOR_GPU                        │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Execution Loop                      │          │
	│  │  - Single GPU slot, one task in flight       │          │
	│  │  - Foreground claimed before background      │          │
	│  │  - Submits chat request to the planner       │          │
	│  │  - Linear backoff on planner outages         │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │ ORCHESTRATING                        │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │       Orchestrator Poll Loop                 │          │
	│  │  - Polls planner thread status               │          │
	│  │  - done / interrupted / error outcomes       │          │
	│  │  - Saves task memory summaries               │          │
	│  └────────────────────────────────────────────┘           │
	│                                                            │
	└────────────────────────────────────────────────────────┘

# Task Lifecycle

	READY_FOR_QUALIFICATION ──► QUALIFYING ──┬──► DONE (simple)
	          ▲                              │
	          │ retry backoff                └──► READY_FOR_GPU
	          └───── qualifier error                  │
	                                                  ▼
	                                          DISPATCHED_GPU
	                                                  │
	                                                  ▼
	                                          ORCHESTRATING ──┬──► deleted (background done)
	                                                          ├──► DISPATCHED_GPU (foreground done)
	                                                          ├──► USER_TASK (needs input)
	                                                          └──► ERROR (planner failure)

Qualification:
  - The qualifier asks a small CPU model whether the task is simple
  - Simple tasks are finalized directly with a task memory summary
  - Complex tasks are routed to the GPU queue
  - Qualifier errors never terminate a task: the task is rescheduled
    with exponential backoff min(initial * 2^(n-1), max), uncapped
    retry count

Execution:
  - The engine holds exactly one GPU slot; a task in flight means the
    claim is skipped entirely
  - Foreground (chat) tasks are claimed before background tasks
  - Communication errors rewind the task to READY_FOR_GPU and apply a
    linear backoff min(30s * consecutiveFailures, 5m), blocking the
    loop; a system.communication_issue event is published
  - Logic errors escalate the task to USER_TASK with the error message
  - Store claim failures pause the loop for background.waitOnError
    before the next attempt

Orchestration:
  - Each ORCHESTRATING task's planner thread is polled every planner
    poll interval
  - done: summary saved to task memory; background tasks are deleted,
    foreground tasks are checkpointed back to DISPATCHED_GPU so the
    chat session can continue from them
  - interrupted: task becomes USER_TASK carrying the interrupt
    description
  - error: task becomes ERROR carrying the planner's message

# Interruption

A foreground chat request must reach the GPU immediately. InterruptNow
cancels the context of the currently running task; an interrupt that
lands mid-submit rewinds the task to READY_FOR_GPU so the original
queue ordering is preserved, and publishes task.interrupted.

# Recovery

RecoverStale runs at startup and rewinds tasks abandoned by a previous
process, judged by the staleTaskThresholdHours config:

  - Background DISPATCHED_GPU: back to READY_FOR_GPU
  - QUALIFYING: back to READY_FOR_QUALIFICATION
  - ORCHESTRATING: back to READY_FOR_GPU, thread id cleared
  - Foreground DISPATCHED_GPU: left alone, they are completed chat
    turns serving as continuation checkpoints

# Usage

	eng := engine.New(store, qualifier, gateway, cfg, broker)
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	// A foreground request arrives and the GPU must be freed:
	eng.InterruptNow()

One engine per process; Start enforces the singleton and returns an
error on a second engine.

# Configuration

From config.BackgroundConfig:

  - waitOnStartup: Delay before the loops start claiming (default 10s)
  - waitInterval: Tick interval of both claim loops (default 30s)
  - waitOnError: Pause after a store claim failure (default 60s)
  - maxConcurrentQualifications: Qualifier parallelism (default 8)
  - staleTaskThresholdHours: Stale recovery threshold (default 24)

From config.PlannerConfig:

  - pollInterval: Orchestrator status poll cadence

# Integration Points

This package integrates with:

  - pkg/storage: Task claims, state transitions, task memory
  - pkg/planner: Chat submission and thread status polling
  - pkg/llm: The qualification model behind TaskQualifier
  - pkg/events: Lifecycle events for the operational API stream
  - pkg/metrics: Qualification and execution counters

# Events

  - task.queue_status: GPU slot claimed or released
  - task.completed: Task finalized (by qualifier or planner)
  - task.interrupted: Task preempted or awaiting user input
  - task.user_action_required: Task escalated on a logic error
  - system.communication_issue: Planner unreachable, backoff engaged

# Monitoring

  - jervis_tasks_by_state: Gauge of tasks per lifecycle state
  - jervis_tasks_qualified_total: Qualifier verdicts (done/gpu/retry)
  - jervis_tasks_executed_total: Execution outcomes
    (done/error/interrupted/user_task)
  - jervis_task_queue_depth: READY_FOR_GPU depth per processing mode

# Troubleshooting

Tasks stuck in READY_FOR_GPU:
  - Symptom: Queue depth grows, nothing dispatches
  - Cause: A task is in flight, or the planner is down and the loop is
    in communication backoff
  - Check: system.communication_issue events, consecutiveFailures

Tasks repeatedly rescheduled for qualification:
  - Symptom: tasks_qualified_total{result="retry"} climbing
  - Cause: The qualification model endpoint is unreachable
  - Check: LLM base URL, model availability

Tasks stuck in ORCHESTRATING after a restart:
  - Symptom: Old tasks never progress
  - Cause: Thread ids from a dead planner process
  - Solution: RecoverStale rewinds them once they pass the stale
    threshold; lower staleTaskThresholdHours if too slow

# See Also

  - pkg/planner for the gateway the execution loop dispatches through
  - pkg/storage for claim semantics
  - pkg/api for task submission and the event stream
*/
package engine
