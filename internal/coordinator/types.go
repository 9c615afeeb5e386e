package coordinator

import (
	"time"

	"github.com/basket/go-council/internal/agent"
	"github.com/basket/go-council/internal/router"
)

// Status is the lifecycle state shared by tasks and subtasks.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// FailureCategory classifies why a subtask did not complete.
type FailureCategory string

const (
	FailureTimeout          FailureCategory = "timeout"
	FailureTransport        FailureCategory = "transport"
	FailureParse            FailureCategory = "parse"
	FailureBackpressure     FailureCategory = "backpressure"
	FailureDependencyFailed FailureCategory = "dependency_failed"
	FailureCancelled        FailureCategory = "cancelled"
	FailureAgent            FailureCategory = "failed"
	// FailureUnsafeInput means the agent refused material that looked like
	// prompt injection. It always goes to a human.
	FailureUnsafeInput FailureCategory = "unsafe_input"
)

// Transient reports whether a failure is worth an automatic retry.
func (c FailureCategory) Transient() bool {
	switch c {
	case FailureTimeout, FailureTransport, FailureParse:
		return true
	}
	return false
}

// ActionKind is the decision taken for a failed subtask.
type ActionKind string

const (
	ActionEscalateRetry ActionKind = "escalate_retry"
	ActionEscalateHuman ActionKind = "escalate_human"
	ActionRetryLater    ActionKind = "retry_later"
)

// Request is one caller request to the council.
type Request struct {
	Query       string
	Material    string
	RequestedAt time.Time
	Priority    router.Priority
}

// Task is one request decomposed across the roster.
type Task struct {
	ID          string
	Query       string
	Material    string
	Priority    router.Priority
	Status      Status
	CreatedAt   time.Time
	CompletedAt *time.Time
	SubTasks    []*SubTask
	Exceptions  []ExceptionEntry
}

// SubTask is one agent's share of a task.
type SubTask struct {
	ID          string
	TaskID      string
	Seq         int
	Agent       agent.Name
	Instruction string
	DependsOn   []agent.Name
	Priority    router.Priority
	Status      Status
	Result      string

	Attempt      int
	RetryCount   int
	RequeueCount int
	MessageID    string
	LastError    string
	// Failure is the category of the last failure. Unhandled is true while
	// that failure still waits for HandleException.
	Failure         FailureCategory
	Unhandled       bool
	StatusChangedAt time.Time
	NotBefore       *time.Time
	HumanRequestID  string

	startedAt time.Time
}

// Terminal reports whether the subtask will not change without outside help.
func (s *SubTask) Terminal() bool {
	return s.Status == StatusCompleted || (s.Status == StatusFailed && !s.Unhandled)
}

// DispatchResult lists what a Dispatch call sent and what it could not.
type DispatchResult struct {
	TaskID     string
	Dispatched []string
	Failures   []DispatchFailure
	Receipts   []router.Receipt
}

// DispatchFailure records one subtask whose message was not confirmed.
type DispatchFailure struct {
	SubTaskID string
	Agent     agent.Name
	Category  FailureCategory
	Err       error
}

// Exception is a subtask needing HandleException. Kind is "timeout" or "failed".
type Exception struct {
	SubTaskID string
	Agent     agent.Name
	Kind      string
	Failure   Failure
}

// StatusReport is the outcome of one monitor cycle.
type StatusReport struct {
	TaskID     string
	Healthy    []string
	Exceptions []Exception
	Blocked    []string
	Completed  int
	Failed     int
	Done       bool
}

// Failure describes why a subtask needs attention.
type Failure struct {
	Category FailureCategory
	Err      error
}

func (f Failure) message() string {
	if f.Err == nil {
		return string(f.Category)
	}
	return f.Err.Error()
}

// Action is what HandleException decided.
type Action struct {
	Kind           ActionKind      `json:"kind"`
	SubTaskID      string          `json:"subtask_id"`
	Priority       router.Priority `json:"priority"`
	RetryCount     int             `json:"retry_count"`
	NotBefore      *time.Time      `json:"not_before,omitempty"`
	HumanRequestID string          `json:"human_request_id,omitempty"`
}

// ExceptionEntry is one line of a task's exception log.
type ExceptionEntry struct {
	At        time.Time       `json:"at"`
	SubTaskID string          `json:"subtask_id"`
	Agent     agent.Name      `json:"agent"`
	Category  FailureCategory `json:"category"`
	Action    string          `json:"action"`
	Detail    string          `json:"detail,omitempty"`
}

// Report is the aggregated result of a task.
type Report struct {
	TaskID       string           `json:"task_id"`
	Query        string           `json:"query"`
	Status       Status           `json:"status"`
	Partial      bool             `json:"partial"`
	Summary      Summary          `json:"summary"`
	Sections     []Section        `json:"sections"`
	ExceptionLog []ExceptionEntry `json:"exception_log"`
	Knowledge    []string         `json:"knowledge,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Section is one agent's contribution. Empty sections carry the error.
type Section struct {
	Agent     agent.Name     `json:"agent"`
	SubTaskID string         `json:"subtask_id"`
	Status    Status         `json:"status"`
	Attempt   int            `json:"attempt"`
	Empty     bool           `json:"empty"`
	Error     string         `json:"error,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
}

// Summary is drawn from the highest-signal fields of the sections.
type Summary struct {
	Text              string `json:"text"`
	PrimaryConclusion string `json:"primary_conclusion,omitempty"`
	TopRiskLevel      string `json:"top_risk_level,omitempty"`
	Completed         int    `json:"completed"`
	Failed            int    `json:"failed"`
	Actions           int    `json:"actions"`
}

func cloneTask(t *Task) *Task {
	out := *t
	out.SubTasks = make([]*SubTask, len(t.SubTasks))
	for i, st := range t.SubTasks {
		c := *st
		c.DependsOn = append([]agent.Name(nil), st.DependsOn...)
		if st.NotBefore != nil {
			nb := *st.NotBefore
			c.NotBefore = &nb
		}
		out.SubTasks[i] = &c
	}
	out.Exceptions = append([]ExceptionEntry(nil), t.Exceptions...)
	return &out
}
