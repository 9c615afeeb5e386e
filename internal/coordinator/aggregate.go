package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-council/internal/agent"
	"github.com/basket/go-council/internal/bus"
	"github.com/basket/go-council/internal/knowledge"
	otelPkg "github.com/basket/go-council/internal/otel"
	"github.com/basket/go-council/internal/shared"
)

var riskRank = map[string]int{"low": 1, "medium": 2, "high": 3, "critical": 4}

// agentOutput is the part of an agent result the orchestrator reads.
type agentOutput struct {
	Summary      string            `json:"summary"`
	Conclusion   string            `json:"conclusion"`
	RiskLevel    string            `json:"risk_level"`
	Facts        []factItem        `json:"facts"`
	Explanations []explanationItem `json:"explanations"`
	Risks        []riskItem        `json:"risks"`
	Actions      []actionItem      `json:"actions"`
}

type factItem struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

type explanationItem struct {
	FactTitle   string `json:"fact_title"`
	Explanation string `json:"explanation"`
}

type riskItem struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	RelatedFacts []string `json:"related_facts"`
}

type actionItem struct {
	Title        string   `json:"title"`
	Goal         string   `json:"goal"`
	RelatedRisks []string `json:"related_risks"`
}

// Aggregate merges the results of a finished task into one report and
// stores the knowledge found in them. Every subtask must be terminal.
// Failed or missing output becomes an empty section; the report is always
// returned once the task is terminal, even when a knowledge write fails.
func (o *Orchestrator) Aggregate(ctx context.Context, task *Task) (*Report, error) {
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx, span := otelPkg.StartSpan(ctx, o.tracer, "coordinator.aggregate", otelPkg.AttrTaskID.String(task.ID))
	defer span.End()

	o.mu.Lock()
	t, err := o.lookupTaskLocked(task.ID)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if r, ok := o.reports[t.ID]; ok {
		o.mu.Unlock()
		return r, nil
	}
	for _, st := range t.SubTasks {
		if !st.Terminal() {
			o.mu.Unlock()
			return nil, fmt.Errorf("aggregate %s: %w", t.ID, ErrTaskNotTerminal)
		}
	}
	snap := cloneTask(t)
	o.mu.Unlock()

	report, outputs := buildReport(snap, o.roster)
	report.CreatedAt = o.now().UTC()

	stored, kerr := o.storeKnowledge(ctx, outputs)
	report.Knowledge = stored
	if kerr != nil {
		otelPkg.RecordError(span, kerr)
	}

	o.mu.Lock()
	t.Status = report.Status
	done := report.CreatedAt
	t.CompletedAt = &done
	o.reports[t.ID] = report
	errText := ""
	if kerr != nil {
		errText = kerr.Error()
	}
	perr := o.persistTask(ctx, t, report, errText)
	o.mu.Unlock()
	if perr != nil {
		o.logger.ErrorContext(ctx, "persist report failed", "task_id", t.ID, "error", perr)
	}

	topic := bus.TopicTaskCompleted
	if report.Status == StatusFailed {
		topic = bus.TopicTaskFailed
	}
	o.bus.Publish(topic, bus.TaskDoneEvent{
		TaskID:    t.ID,
		Status:    string(report.Status),
		Completed: report.Summary.Completed,
		Failed:    report.Summary.Failed,
	})
	o.logger.InfoContext(ctx, "task aggregated", "task_id", t.ID, "status", report.Status, "partial", report.Partial,
		"completed", report.Summary.Completed, "failed", report.Summary.Failed, "knowledge", len(stored))
	if kerr != nil {
		return report, fmt.Errorf("aggregate %s: %w", t.ID, kerr)
	}
	return report, nil
}

// buildReport assembles sections in roster order and the summary.
func buildReport(t *Task, roster []agent.Name) (*Report, map[agent.Name]agentOutput) {
	report := &Report{
		TaskID:       t.ID,
		Query:        t.Query,
		ExceptionLog: append([]ExceptionEntry{}, t.Exceptions...),
	}
	outputs := make(map[agent.Name]agentOutput)
	var conclusion, writerConclusion string
	topRisk := ""
	for _, name := range roster {
		st := subTaskFor(t, name)
		sec := Section{Agent: name}
		if st == nil {
			sec.Empty = true
			sec.Status = StatusFailed
			sec.Error = "no subtask for agent"
			report.Sections = append(report.Sections, sec)
			report.Summary.Failed++
			continue
		}
		sec.SubTaskID = st.ID
		sec.Status = st.Status
		sec.Attempt = st.Attempt
		if st.Status != StatusCompleted || strings.TrimSpace(st.Result) == "" {
			sec.Empty = true
			sec.Status = StatusFailed
			sec.Error = st.LastError
			if sec.Error == "" {
				sec.Error = "no output"
			}
			report.Sections = append(report.Sections, sec)
			report.Summary.Failed++
			continue
		}
		var raw map[string]any
		var out agentOutput
		if err := json.Unmarshal([]byte(st.Result), &raw); err != nil {
			sec.Empty = true
			sec.Status = StatusFailed
			sec.Error = "unreadable output: " + err.Error()
			report.Sections = append(report.Sections, sec)
			report.Summary.Failed++
			continue
		}
		_ = json.Unmarshal([]byte(st.Result), &out)
		sec.Output = raw
		outputs[name] = out
		report.Sections = append(report.Sections, sec)
		report.Summary.Completed++
		report.Summary.Actions += len(out.Actions)

		c := firstNonEmpty(out.Conclusion, out.Summary)
		if name == agent.ReportWriter && c != "" {
			writerConclusion = c
		}
		if conclusion == "" {
			conclusion = c
		}
		if riskRank[out.RiskLevel] > riskRank[topRisk] {
			topRisk = out.RiskLevel
		}
	}

	report.Summary.PrimaryConclusion = firstNonEmpty(writerConclusion, conclusion)
	report.Summary.TopRiskLevel = topRisk
	switch {
	case report.Summary.Completed == 0:
		report.Status = StatusFailed
	default:
		report.Status = StatusCompleted
	}
	report.Partial = report.Summary.Completed > 0 && report.Summary.Failed > 0
	report.Summary.Text = summaryText(report.Summary, len(report.Sections))
	return report, outputs
}

func summaryText(s Summary, total int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d agents completed", s.Completed, total)
	if s.TopRiskLevel != "" {
		fmt.Fprintf(&b, "; top risk %s", s.TopRiskLevel)
	}
	fmt.Fprintf(&b, "; %d actions proposed.", s.Actions)
	if s.PrimaryConclusion != "" {
		b.WriteString(" ")
		b.WriteString(s.PrimaryConclusion)
	}
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// storeKnowledge writes facts, then explanations, risks and actions so each
// kind can link to records of the kinds before it. Invalid items are skipped;
// any other write failure stops the pass.
func (o *Orchestrator) storeKnowledge(ctx context.Context, outputs map[agent.Name]agentOutput) ([]string, error) {
	if o.knowledge == nil || len(outputs) == 0 {
		return nil, nil
	}
	var ids []string
	put := func(kind knowledge.Kind, src agent.Name, in knowledge.Input) error {
		in.Attrs = map[string]string{"source_agent": string(src), "task_id": shared.TaskID(ctx)}
		rec, err := o.knowledge.Store(ctx, kind, in)
		if err != nil {
			var ve *knowledge.ValidationError
			if errors.As(err, &ve) {
				o.logger.DebugContext(ctx, "skipping invalid knowledge item", "kind", kind, "agent", src, "error", err)
				return nil
			}
			return fmt.Errorf("store %s from %s: %w", kind, src, err)
		}
		ids = append(ids, rec.ID)
		return nil
	}

	for _, name := range o.roster {
		for _, f := range outputs[name].Facts {
			if err := put(knowledge.KindFact, name, knowledge.Input{Title: f.Title, Description: f.Description, Content: f.Content}); err != nil {
				return ids, err
			}
		}
	}
	for _, name := range o.roster {
		for _, e := range outputs[name].Explanations {
			if err := put(knowledge.KindExplanation, name, knowledge.Input{FactTitle: e.FactTitle, Explanation: e.Explanation}); err != nil {
				return ids, err
			}
		}
	}
	for _, name := range o.roster {
		for _, r := range outputs[name].Risks {
			if err := put(knowledge.KindRisk, name, knowledge.Input{Name: r.Name, Description: r.Description, RelatedFacts: r.RelatedFacts}); err != nil {
				return ids, err
			}
		}
	}
	for _, name := range o.roster {
		for _, a := range outputs[name].Actions {
			if err := put(knowledge.KindAction, name, knowledge.Input{Title: a.Title, Goal: a.Goal, RelatedRisks: a.RelatedRisks}); err != nil {
				return ids, err
			}
		}
	}
	return ids, nil
}
