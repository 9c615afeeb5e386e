package agent

import (
	"encoding/json"
	"fmt"
)

// Message kinds exchanged between the orchestrator and agents.
const (
	KindAssign = "assign"
	KindStart  = "start"
)

// Envelope is the JSON content of an orchestrator-to-agent message. An
// assign envelope announces work; a start envelope carries upstream outputs
// and tells the agent its dependencies are complete.
type Envelope struct {
	Kind        string            `json:"kind"`
	TaskID      string            `json:"task_id"`
	SubTaskID   string            `json:"subtask_id"`
	Agent       Name              `json:"agent"`
	Attempt     int               `json:"attempt"`
	Instruction string            `json:"instruction"`
	Query       string            `json:"query"`
	Material    string            `json:"material,omitempty"`
	Upstream    map[string]string `json:"upstream,omitempty"`

	// PreviousError is set on a retried attempt.
	PreviousError string `json:"previous_error,omitempty"`
}

func (e Envelope) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return string(b), nil
}

func DecodeEnvelope(s string) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return e, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Kind != KindAssign && e.Kind != KindStart {
		return e, fmt.Errorf("decode envelope: unknown kind %q", e.Kind)
	}
	return e, nil
}

// Report is an agent's answer for one attempt of a subtask.
type Report struct {
	TaskID    string
	SubTaskID string
	Agent     Name
	Attempt   int
	// Result is the validated JSON output; empty when Err is set.
	Result string
	Err    string
	// Category classifies a failure; see the Category constants.
	Category string
}

// Failure categories an agent can report.
const (
	CategoryTransport   = "transport"
	CategoryParse       = "parse"
	CategoryUnsafeInput = "unsafe_input"
)
