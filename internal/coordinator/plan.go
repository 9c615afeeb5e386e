package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/basket/go-council/internal/agent"
	"github.com/basket/go-council/internal/completion"
	"github.com/basket/go-council/internal/router"
)

const planSchema = `{
  "type": "object",
  "properties": {
    "subtasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["agent"],
        "properties": {
          "agent": {"type": "string"},
          "instruction": {"type": "string"},
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "priority": {"enum": ["low", "normal", "high", "urgent"]}
        }
      }
    }
  }
}`

var compiledPlanSchema = completion.MustCompileSchema(planSchema)

type plannedSubTask struct {
	Agent       string   `json:"agent"`
	Instruction string   `json:"instruction"`
	DependsOn   []string `json:"depends_on"`
	Priority    string   `json:"priority"`
}

type plan struct {
	SubTasks []plannedSubTask `json:"subtasks"`
}

// refine asks the completer for a plan and merges it into subs. The merged
// graph must stay acyclic; a cyclic plan counts as unparsable output.
func (o *Orchestrator) refine(ctx context.Context, task *Task) ([]*SubTask, int, error) {
	req := completion.Request{
		Model:       o.model,
		System:      "You plan work for an analysis council. Reply with one JSON object only.",
		Prompt:      planPrompt(task),
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	}
	attempts := 0
	counted := completion.CompleterFunc(func(ctx context.Context, req completion.Request) (completion.Response, error) {
		attempts++
		return o.completer.Complete(ctx, req)
	})
	var merged []*SubTask
	err := completion.CompleteStructured(ctx, counted, req, o.decomposeAttempts, func(text string) error {
		var p plan
		if _, err := compiledPlanSchema.Decode(text, &p); err != nil {
			return err
		}
		subs, err := mergePlan(task.SubTasks, p)
		if err != nil {
			return err
		}
		merged = subs
		return nil
	})
	return merged, attempts, err
}

func planPrompt(task *Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n\nAgents and their default work:\n", task.Query)
	for _, st := range task.SubTasks {
		fmt.Fprintf(&b, "- %s: %s", st.Agent, st.Instruction)
		if len(st.DependsOn) > 0 {
			fmt.Fprintf(&b, " (after %s)", strings.Join(agent.Strings(st.DependsOn), ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("\nReturn {\"subtasks\":[{\"agent\",\"instruction\",\"depends_on\",\"priority\"}]} " +
		"adjusting instructions, dependencies and priorities for this request. Omit agents you would not change.")
	return b.String()
}

// mergePlan applies p onto copies of subs. Unknown agents are ignored and
// dependency edges to agents outside the roster are dropped.
func mergePlan(subs []*SubTask, p plan) ([]*SubTask, error) {
	out := make([]*SubTask, len(subs))
	index := make(map[agent.Name]*SubTask, len(subs))
	for i, st := range subs {
		c := *st
		c.DependsOn = slices.Clone(st.DependsOn)
		out[i] = &c
		index[c.Agent] = &c
	}
	for _, ps := range p.SubTasks {
		st, ok := index[agent.Name(strings.TrimSpace(ps.Agent))]
		if !ok {
			continue
		}
		if ins := strings.TrimSpace(ps.Instruction); ins != "" {
			st.Instruction = ins
		}
		if ps.DependsOn != nil {
			deps := make([]agent.Name, 0, len(ps.DependsOn))
			for _, d := range ps.DependsOn {
				n := agent.Name(strings.TrimSpace(d))
				if _, ok := index[n]; !ok || n == st.Agent || slices.Contains(deps, n) {
					continue
				}
				deps = append(deps, n)
			}
			st.DependsOn = deps
		}
		if ps.Priority != "" {
			pr, err := router.ParsePriority(ps.Priority)
			if err == nil {
				st.Priority = pr
			}
		}
	}
	if _, err := topoSort(out); err != nil {
		return nil, &completion.ParseError{Err: err}
	}
	return out, nil
}

var errCycle = errors.New("cycle detected in subtask dependencies")

// topoSort groups subtasks into waves: wave 0 has no dependencies, wave 1
// depends only on wave 0, and so on.
func topoSort(subs []*SubTask) ([][]*SubTask, error) {
	byAgent := make(map[agent.Name]bool, len(subs))
	for _, st := range subs {
		byAgent[st.Agent] = true
	}
	for _, st := range subs {
		for _, dep := range st.DependsOn {
			if !byAgent[dep] {
				return nil, fmt.Errorf("subtask %s depends on unknown agent %s", st.ID, dep)
			}
		}
	}

	var waves [][]*SubTask
	done := make(map[agent.Name]bool, len(subs))
	for len(done) < len(subs) {
		var wave []*SubTask
		for _, st := range subs {
			if done[st.Agent] {
				continue
			}
			ready := true
			for _, dep := range st.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, st)
			}
		}
		if len(wave) == 0 {
			return nil, errCycle
		}
		waves = append(waves, wave)
		for _, st := range wave {
			done[st.Agent] = true
		}
	}
	return waves, nil
}
