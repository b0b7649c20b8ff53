package types

import "time"

// TaskState is the background task state machine.
//
//	READY_FOR_QUALIFICATION -> QUALIFYING -> READY_FOR_GPU -> DISPATCHED_GPU
//	                                      -> DONE (qualifier handled it)
//	DISPATCHED_GPU -> PYTHON_ORCHESTRATING -> DISPATCHED_GPU | USER_TASK | ERROR
//
// DONE and ERROR are terminal. USER_TASK waits for a human.
type TaskState string

const (
	TaskStateReadyForQualification TaskState = "READY_FOR_QUALIFICATION"
	TaskStateQualifying            TaskState = "QUALIFYING"
	TaskStateReadyForGPU           TaskState = "READY_FOR_GPU"
	TaskStateDispatchedGPU         TaskState = "DISPATCHED_GPU"
	TaskStateOrchestrating         TaskState = "PYTHON_ORCHESTRATING"
	TaskStateUserTask              TaskState = "USER_TASK"
	TaskStateDone                  TaskState = "DONE"
	TaskStateError                 TaskState = "ERROR"
)

// Terminal reports whether no loop will pick the task up again.
func (s TaskState) Terminal() bool {
	return s == TaskStateDone || s == TaskStateError
}

// ProcessingMode separates interactive chat turns from autonomous work.
type ProcessingMode string

const (
	ModeForeground ProcessingMode = "FOREGROUND"
	ModeBackground ProcessingMode = "BACKGROUND"
)

// TaskType classifies what the task asks for.
type TaskType string

const (
	TaskTypeChat             TaskType = "CHAT"
	TaskTypeBackgroundJob    TaskType = "BACKGROUND_JOB"
	TaskTypeLinkSafetyReview TaskType = "LINK_SAFETY_REVIEW"
	TaskTypeConnectionIssue  TaskType = "CONNECTION_ISSUE"
)

// Task is one unit of autonomous work owned by the background engine.
type Task struct {
	ID            ID             `json:"id"`
	Type          TaskType       `json:"type"`
	Content       string         `json:"content"`
	ClientID      ID             `json:"clientId,omitempty"`
	ProjectID     ID             `json:"projectId,omitempty"`
	Mode          ProcessingMode `json:"processingMode"`
	State         TaskState      `json:"state"`
	CorrelationID string         `json:"correlationId,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`

	// QueuePosition orders foreground tasks; zero for background.
	QueuePosition int `json:"queuePosition,omitempty"`

	QualificationRetries     int        `json:"qualificationRetries,omitempty"`
	NextQualificationRetryAt *time.Time `json:"nextQualificationRetryAt,omitempty"`

	OrchestratorThreadID string     `json:"orchestratorThreadId,omitempty"`
	Attachments          []string   `json:"attachments,omitempty"`
	ErrorMessage         string     `json:"errorMessage,omitempty"`
	ScheduledAt          *time.Time `json:"scheduledAt,omitempty"`
}

// TaskMemory is the structured summary the qualifier stores when it
// finalizes a simple task without involving the planner.
type TaskMemory struct {
	ID        ID        `json:"id"`
	TaskID    ID        `json:"taskId"`
	ClientID  ID        `json:"clientId,omitempty"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"createdAt"`
}
