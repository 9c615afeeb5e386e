package bus

// Orchestration topics.
const (
	TopicSubTaskStatus = "subtask.status"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicAgentReport   = "agent.report"
	TopicAgentState    = "agent.state"
)

// Router topics.
const (
	TopicMessageQueued    = "message.queued"
	TopicMessageDelivered = "message.delivered"
	TopicMessageFailed    = "message.failed"
)

// Knowledge topics.
const (
	TopicKnowledgeStored  = "knowledge.stored"
	TopicKnowledgeUpdated = "knowledge.updated"
)

// Human intervention and configuration topics.
const (
	TopicHITLRequested  = "hitl.intervention.requested"
	TopicConfigReloaded = "config.reloaded"
)

// SubTaskStatusEvent is published whenever a subtask changes status.
type SubTaskStatusEvent struct {
	TaskID    string
	SubTaskID string
	Agent     string
	OldStatus string
	NewStatus string
	Attempt   int
}

// TaskDoneEvent is published when a task reaches a terminal state.
type TaskDoneEvent struct {
	TaskID    string
	Status    string
	Completed int
	Failed    int
}

// AgentReportEvent is published when an agent hands back a result.
type AgentReportEvent struct {
	TaskID    string
	SubTaskID string
	Agent     string
	Attempt   int
	Status    string
}

// AgentStateEvent is published on agent status transitions.
type AgentStateEvent struct {
	Agent  string
	Status string
	TaskID string
}

// MessageEvent describes a router lifecycle step for one message.
type MessageEvent struct {
	MessageID string
	From      string
	To        string
	Priority  string
	Status    string
	Error     string
}

// KnowledgeEvent is published after a knowledge write commits.
type KnowledgeEvent struct {
	ID        string
	Kind      string
	Title     string
	Relations int
}

// HITLRequest is published when work is handed to a human operator.
type HITLRequest struct {
	RequestID string
	TaskID    string
	SubTaskID string
	Priority  string
	Context   string
}
