package knowledge

import (
	"encoding/json"
	"strings"

	"github.com/basket/go-council/internal/persistence"
)

// Kind is the closed set of knowledge record types.
type Kind string

const (
	KindFact        Kind = "fact"
	KindExplanation Kind = "explanation"
	KindRisk        Kind = "risk"
	KindAction      Kind = "action"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{KindFact, KindExplanation, KindRisk, KindAction}

// ParseKind returns the Kind named by s.
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	_, ok := kindRules[k]
	return k, ok
}

// RelationType names a typed edge between records.
type RelationType string

const (
	RelationExplains     RelationType = "explains"
	RelationDetectedFrom RelationType = "detected_from"
	RelationMitigates    RelationType = "mitigates"
)

var relationWeights = map[RelationType]float64{
	RelationExplains:     1.0,
	RelationDetectedFrom: 0.8,
	RelationMitigates:    0.9,
}

// Attribute keys carrying the link sources of a record.
const (
	attrFactTitle    = "fact_title"
	attrRelatedFacts = "related_facts"
	attrRelatedRisks = "related_risks"
)

type field struct {
	name string
	get  func(Input) string
}

// kindRule is the per-kind table entry: required fields, how the input maps
// onto the common title/description columns, and which edges it implies.
type kindRule struct {
	required []field
	shape    func(Input) (title, description string)
	links    func(attrs map[string]string) []persistence.LinkRequest
}

var kindRules = map[Kind]kindRule{
	KindFact: {
		required: []field{
			{"title", func(in Input) string { return in.Title }},
			{"description", func(in Input) string { return in.Description }},
		},
		shape: func(in Input) (string, string) { return in.Title, in.Description },
	},
	KindExplanation: {
		required: []field{
			{"fact_title", func(in Input) string { return in.FactTitle }},
			{"explanation", func(in Input) string { return in.Explanation }},
		},
		shape: func(in Input) (string, string) {
			title := in.Title
			if title == "" {
				title = "Explanation: " + in.FactTitle
			}
			return title, in.Explanation
		},
		links: func(attrs map[string]string) []persistence.LinkRequest {
			return linkAll([]string{attrs[attrFactTitle]}, KindFact, RelationExplains)
		},
	},
	KindRisk: {
		required: []field{
			{"name", func(in Input) string { return in.Name }},
			{"description", func(in Input) string { return in.Description }},
		},
		shape: func(in Input) (string, string) { return in.Name, in.Description },
		links: func(attrs map[string]string) []persistence.LinkRequest {
			return linkAll(decodeList(attrs[attrRelatedFacts]), KindFact, RelationDetectedFrom)
		},
	},
	KindAction: {
		required: []field{
			{"title", func(in Input) string { return in.Title }},
			{"goal", func(in Input) string { return in.Goal }},
		},
		shape: func(in Input) (string, string) { return in.Title, in.Goal },
		links: func(attrs map[string]string) []persistence.LinkRequest {
			return linkAll(decodeList(attrs[attrRelatedRisks]), KindRisk, RelationMitigates)
		},
	},
}

func linkAll(titles []string, target Kind, rel RelationType) []persistence.LinkRequest {
	out := make([]persistence.LinkRequest, 0, len(titles))
	for _, t := range titles {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		out = append(out, persistence.LinkRequest{
			TargetTitle:  t,
			TargetKind:   string(target),
			RelationType: string(rel),
			Weight:       relationWeights[rel],
		})
	}
	return out
}

func encodeList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func decodeList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
