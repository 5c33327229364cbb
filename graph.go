package synthorch

import (
	"fmt"
	"strings"
)

type GraphNode struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Driver string `json:"driver,omitempty"`
}

// GraphEdge means "From depends on To".
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is the resource graph of one engine instance. TopoOrder is the
// creation order; teardown walks it backwards.
type Graph struct {
	Nodes     []GraphNode `json:"nodes"`
	Edges     []GraphEdge `json:"edges"`
	TopoOrder []string    `json:"topoOrder"`
}

func (g *Graph) add(n GraphNode, deps ...string) {
	g.Nodes = append(g.Nodes, n)
	g.TopoOrder = append(g.TopoOrder, n.ID)
	for _, d := range deps {
		g.Edges = append(g.Edges, GraphEdge{From: n.ID, To: d})
	}
}

// DOT exports Graphviz DOT text.
func (g Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph synthorch {\n")
	b.WriteString("  rankdir=LR;\n")

	aliases := make(map[string]string, len(g.Nodes))
	for i, n := range g.Nodes {
		alias := fmt.Sprintf("n%d", i)
		aliases[n.ID] = alias
		b.WriteString(fmt.Sprintf("  %s [label=\"%s\"];\n", alias, nodeLabel(n, "\\n", escapeDOT)))
	}
	for _, e := range g.Edges {
		from, okFrom := aliases[e.From]
		to, okTo := aliases[e.To]
		if !okFrom || !okTo {
			continue
		}
		b.WriteString(fmt.Sprintf("  %s -> %s;\n", from, to))
	}
	b.WriteString("}\n")
	return b.String()
}

// Mermaid exports Mermaid graph text.
func (g Graph) Mermaid() string {
	var b strings.Builder
	b.WriteString("graph TD\n")

	aliases := make(map[string]string, len(g.Nodes))
	for i, n := range g.Nodes {
		alias := fmt.Sprintf("n%d", i)
		aliases[n.ID] = alias
		b.WriteString(fmt.Sprintf("    %s[\"%s\"]\n", alias, nodeLabel(n, "<br/>", escapeMermaid)))
	}
	for _, e := range g.Edges {
		from, okFrom := aliases[e.From]
		to, okTo := aliases[e.To]
		if !okFrom || !okTo {
			continue
		}
		b.WriteString(fmt.Sprintf("    %s --> %s\n", from, to))
	}
	return b.String()
}

func nodeLabel(n GraphNode, br string, escape func(string) string) string {
	label := escape(n.ID)
	if n.Driver != "" {
		label += br + "(" + escape(n.Driver) + ")"
	}
	return label
}

func escapeDOT(s string) string {
	return strings.ReplaceAll(s, "\"", "\\\"")
}

func escapeMermaid(s string) string {
	return strings.ReplaceAll(s, "\"", "#quot;")
}
