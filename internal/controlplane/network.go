package controlplane

import (
	"html/template"

	"github.com/kingrea/cascade/internal/engine"
)

const (
	graphColumn = 120
	graphRow    = 110
	graphRadius = 24
	graphLabel  = 14
)

// Graph is the CEO, team and worker hierarchy laid out on a grid: the CEO on
// the first row, teams on the second and each team's workers below it.
// Workers without a team are left out.
type Graph struct {
	Width  int
	Height int
	Radius int
	Nodes  []GraphNode
	Edges  []GraphEdge
}

// GraphNode is one drawn spec.
type GraphNode struct {
	ID    string
	Label string
	Class string
	X, Y  int
}

// GraphEdge joins a parent node to a child node.
type GraphEdge struct {
	X1, Y1, X2, Y2 int
}

// LayoutGraph places every team and worker of tree. A team is centred over
// the columns its workers occupy.
func LayoutGraph(tree Tree) Graph {
	columns := 0
	for _, team := range tree.Teams {
		columns += max(1, len(team.Workers))
	}
	columns = max(columns, 1)
	g := Graph{Width: columns * graphColumn, Height: 3 * graphRow, Radius: graphRadius}
	rowY := func(row int) int { return row*graphRow + graphRow/2 }

	ceo := GraphNode{ID: "ceo", Label: "CEO", Class: "ceo", X: g.Width / 2, Y: rowY(0)}
	g.Nodes = append(g.Nodes, ceo)
	col := 0
	for _, team := range tree.Teams {
		span := max(1, len(team.Workers))
		node := GraphNode{
			ID:    team.ID,
			Label: graphText(team.ID),
			Class: "team " + teamClass(team),
			X:     col*graphColumn + span*graphColumn/2,
			Y:     rowY(1),
		}
		g.Nodes = append(g.Nodes, node)
		g.Edges = append(g.Edges, GraphEdge{X1: ceo.X, Y1: ceo.Y, X2: node.X, Y2: node.Y})
		for i, w := range team.Workers {
			child := GraphNode{
				ID:    w.ID,
				Label: graphText(w.ID),
				Class: "worker " + workerClass(w),
				X:     (col+i)*graphColumn + graphColumn/2,
				Y:     rowY(2),
			}
			g.Nodes = append(g.Nodes, child)
			g.Edges = append(g.Edges, GraphEdge{X1: node.X, Y1: node.Y, X2: child.X, Y2: child.Y})
		}
		col += span
	}
	return g
}

func teamClass(team Team) string {
	switch {
	case team.Stopped:
		return "stopped"
	case team.State == engine.StateDone:
		return "done"
	case team.State == engine.StateNeedsPlan:
		return "pending"
	}
	return "active"
}

func workerClass(w Worker) string {
	switch {
	case !w.Progress.Present:
		return "pending"
	case w.ExitCode != nil && *w.ExitCode != 0:
		return "failed"
	}
	return "done"
}

func graphText(id string) string {
	if len(id) <= graphLabel {
		return id
	}
	return id[:graphLabel-1] + "…"
}

const networkSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="{{.Width}}" height="{{.Height}}" viewBox="0 0 {{.Width}} {{.Height}}" font-family="sans-serif" font-size="11">
<style>
line { stroke: #999; }
circle { stroke: #333; fill: #ddd; }
.ceo circle { fill: #9cf; }
.done circle { fill: #9d9; }
.active circle { fill: #fd8; }
.failed circle { fill: #f96; }
.stopped circle { fill: #e77; }
</style>
{{range .Edges}}<line x1="{{.X1}}" y1="{{.Y1}}" x2="{{.X2}}" y2="{{.Y2}}"/>
{{end}}{{range .Nodes}}<g id="node-{{.ID}}" class="node {{.Class}}"><title>{{.ID}}</title><circle cx="{{.X}}" cy="{{.Y}}" r="{{$.Radius}}"/><text x="{{.X}}" y="{{.Y}}" dy="4" text-anchor="middle">{{.Label}}</text></g>
{{end}}</svg>
`

var networkTemplate = template.Must(template.New("network").Parse(networkSVG))
