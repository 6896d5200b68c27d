// Package export renders the rule ordering for a fact set as a D3
// force-directed graph.
package export

import (
	"encoding/json"
	"os"

	"github.com/duynguyendang/ssdtprof/pkg/engine"
	"github.com/duynguyendang/ssdtprof/pkg/facts"
	"github.com/duynguyendang/ssdtprof/pkg/profile"
)

// D3Node represents a rule in the D3 force-directed graph.
type D3Node struct {
	ID       string            `json:"id"`              // Rule id
	Name     string            `json:"name"`            // Display label (action description)
	Kind     string            `json:"kind,omitempty"`  // layout, table, legacy-shim
	Group    string            `json:"group,omitempty"` // "applied" or "skipped"
	Order    int               `json:"order"`           // 1-based application position, 0 if skipped
	Metadata map[string]string `json:"metadata,omitempty"`
}

// D3Link represents an edge in the D3 force-directed graph.
type D3Link struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
	Type     string `json:"type"` // "constraint" or "trace"
}

// D3Graph represents the full graph structure for D3.js.
type D3Graph struct {
	Nodes []D3Node `json:"nodes"`
	Links []D3Link `json:"links"`
}

// D3Transformer converts a rule plan into a D3Graph.
type D3Transformer struct {
	Rules *engine.RuleSet
	// IncludeSkipped adds nodes for rules whose condition did not hold.
	IncludeSkipped bool
}

func NewD3Transformer(rs *engine.RuleSet) *D3Transformer {
	return &D3Transformer{Rules: rs}
}

// Transform builds the graph of applicable rules for s, linked by their
// ordering constraints.
func (t *D3Transformer) Transform(s facts.Set) (*D3Graph, error) {
	plan, err := t.Rules.Plan(s)
	if err != nil {
		return nil, err
	}

	graph := &D3Graph{Nodes: []D3Node{}, Links: []D3Link{}}
	applied := make(map[string]bool, len(plan.Ordered))
	for i, r := range plan.Ordered {
		applied[r.ID] = true
		graph.Nodes = append(graph.Nodes, t.createNode(r, i+1))
	}
	if t.IncludeSkipped {
		for _, r := range t.Rules.Rules() {
			if !applied[r.ID] {
				graph.Nodes = append(graph.Nodes, t.createNode(r, 0))
			}
		}
	}

	for _, e := range plan.Edges() {
		graph.Links = append(graph.Links, D3Link{
			Source:   e[0],
			Target:   e[1],
			Relation: "before",
			Type:     "constraint",
		})
	}
	return graph, nil
}

// TransformProfile is Transform plus a "trace" link for every binding a
// rule replaced, from the rule that made it to the rule that replaced it.
func (t *D3Transformer) TransformProfile(p *profile.Profile) (*D3Graph, error) {
	graph, err := t.Transform(p.Facts())
	if err != nil {
		return nil, err
	}

	trace := p.Trace()
	for i, o := range trace {
		if o.Replaced == "" {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			prev := trace[j]
			if prev.Kind == o.Kind && prev.Name == o.Name && prev.Value == o.Replaced {
				graph.Links = append(graph.Links, D3Link{
					Source:   prev.RuleID,
					Target:   o.RuleID,
					Relation: "overrides " + o.Name,
					Type:     "trace",
				})
				break
			}
		}
	}
	return graph, nil
}

func (t *D3Transformer) createNode(r engine.Rule, pos int) D3Node {
	group := "skipped"
	if pos > 0 {
		group = "applied"
	}
	return D3Node{
		ID:    r.ID,
		Name:  r.Action.Describe(),
		Kind:  string(r.Action.Kind()),
		Group: group,
		Order: pos,
		Metadata: map[string]string{
			"when": r.When.String(),
		},
	}
}

// SaveD3Graph writes the graph to a JSON file.
func SaveD3Graph(graph *D3Graph, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(graph)
}
