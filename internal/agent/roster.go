package agent

import (
	"fmt"
	"strings"
)

// Name identifies a roster agent.
type Name string

const (
	DataCollector   Name = "data_collector"
	TrendAnalyst    Name = "trend_analyst"
	Explainer       Name = "explainer"
	RiskAnalyst     Name = "risk_analyst"
	StrategyPlanner Name = "strategy_planner"
	ReportWriter    Name = "report_writer"
	QualityReviewer Name = "quality_reviewer"
)

// Spec is the fixed description of one roster agent.
type Spec struct {
	Name        Name
	Role        string
	Instruction string
	DependsOn   []Name
	// OutputSchema is the JSON Schema every result must satisfy.
	OutputSchema string
}

const baseOutputSchema = `{
  "type": "object",
  "required": ["summary"],
  "properties": {
    "summary": {"type": "string"},
    "conclusion": {"type": "string"},
    "risk_level": {"enum": ["low", "medium", "high", "critical"]},
    "facts": {"type": "array", "items": {"type": "object", "required": ["title", "description"]}},
    "explanations": {"type": "array", "items": {"type": "object", "required": ["fact_title", "explanation"]}},
    "risks": {"type": "array", "items": {"type": "object", "required": ["name", "description"]}},
    "actions": {"type": "array", "items": {"type": "object", "required": ["title", "goal"]}}
  }
}`

var specs = map[Name]Spec{
	DataCollector: {
		Name:        DataCollector,
		Role:        "data collector",
		Instruction: "Extract the key quantitative and qualitative facts from the material. Return them under \"facts\" with a title and description each.",
	},
	TrendAnalyst: {
		Name:        TrendAnalyst,
		Role:        "trend analyst",
		Instruction: "Identify trends and changes over time in the collected facts. Record notable trends as additional \"facts\".",
		DependsOn:   []Name{DataCollector},
	},
	Explainer: {
		Name:        Explainer,
		Role:        "explainer",
		Instruction: "Explain the causes behind the most important facts and trends. Return \"explanations\" naming the fact_title each one explains.",
		DependsOn:   []Name{TrendAnalyst},
	},
	RiskAnalyst: {
		Name:        RiskAnalyst,
		Role:        "risk analyst",
		Instruction: "Assess risks implied by the facts and trends. Return \"risks\" with name, description, level and related_facts, and an overall \"risk_level\".",
		DependsOn:   []Name{DataCollector, TrendAnalyst},
	},
	StrategyPlanner: {
		Name:        StrategyPlanner,
		Role:        "strategy planner",
		Instruction: "Propose concrete actions that mitigate the identified risks. Return \"actions\" with title, goal and related_risks.",
		DependsOn:   []Name{RiskAnalyst},
	},
	ReportWriter: {
		Name:        ReportWriter,
		Role:        "report writer",
		Instruction: "Write the executive summary of the analysis. Put the single most important takeaway in \"conclusion\".",
		DependsOn:   []Name{Explainer, RiskAnalyst, StrategyPlanner},
	},
	QualityReviewer: {
		Name:        QualityReviewer,
		Role:        "quality reviewer",
		Instruction: "Review the report for unsupported claims, gaps and contradictions. Summarize the issues found.",
		DependsOn:   []Name{ReportWriter},
	},
}

func init() {
	for name, s := range specs {
		s.OutputSchema = baseOutputSchema
		specs[name] = s
	}
}

// DefaultRoster is every known agent in pipeline order.
var DefaultRoster = []Name{DataCollector, TrendAnalyst, Explainer, RiskAnalyst, StrategyPlanner, ReportWriter, QualityReviewer}

// Lookup returns the spec for name.
func Lookup(name Name) (Spec, bool) {
	s, ok := specs[name]
	return s, ok
}

// ParseRoster validates configured agent names, preserving order. An empty
// list selects DefaultRoster.
func ParseRoster(names []string) ([]Name, error) {
	if len(names) == 0 {
		return append([]Name(nil), DefaultRoster...), nil
	}
	seen := make(map[Name]bool, len(names))
	out := make([]Name, 0, len(names))
	for _, raw := range names {
		n := Name(strings.ToLower(strings.TrimSpace(raw)))
		if _, ok := specs[n]; !ok {
			return nil, fmt.Errorf("unknown agent %q", raw)
		}
		if seen[n] {
			return nil, fmt.Errorf("agent %q listed twice", raw)
		}
		seen[n] = true
		out = append(out, n)
	}
	return out, nil
}

// Strings converts names for storage and routing.
func Strings(names []Name) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}
