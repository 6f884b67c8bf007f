package pipeline

// NodeKind names the kind of a laid out element.
type NodeKind string

// Kinds of positioned elements.
const (
	KindStep      NodeKind = "step"
	KindStepGroup NodeKind = "stepGroup"
	KindParallel  NodeKind = "parallel"
)

// Position places one node on the canvas grid.
type Position struct {
	Path       Path     `json:"path"`
	Identifier string   `json:"identifier,omitempty"`
	Kind       NodeKind `json:"kind"`
	StepType   string   `json:"stepType,omitempty"`
	// Rank is the column the node starts in. Lane is its row.
	Rank int `json:"rank"`
	Lane int `json:"lane"`
	// Depth counts enclosing step groups.
	Depth int `json:"depth"`
	// Span is the number of ranks the node covers, 1 for steps.
	Span int `json:"span"`
	// Height is the number of lanes the node covers, 1 for steps.
	Height int `json:"height"`
}

// Layout is the placement of every node of one graph.
type Layout struct {
	Positions []Position `json:"positions"`
	Ranks     int        `json:"ranks"`
	Lanes     int        `json:"lanes"`
}

// StageLayout is the layout of one stage's graph plus the stage's own
// rank in the document.
type StageLayout struct {
	Path       Path   `json:"path"`
	Identifier string `json:"identifier"`
	Rank       int    `json:"rank"`
	Layout
}

// LayoutGraph places g's nodes. Sequential nodes take increasing ranks,
// members of a parallel block share a rank and stack in lanes, and step
// groups wrap their children. The result depends only on g's shape.
// Paths are relative to the graph, starting with a steps segment.
func LayoutGraph(g Graph) Layout {
	return layoutAt(g, nil)
}

// LayoutDocument lays out every stage. Stages are sequential, so each
// stage's rank is its index.
func LayoutDocument(doc Document) []StageLayout {
	out := make([]StageLayout, 0, len(doc.Stages))
	for i, st := range doc.Stages {
		base := StagePath(i)
		out = append(out, StageLayout{
			Path:       base,
			Identifier: st.Identifier,
			Rank:       i,
			Layout:     layoutAt(st.Steps, base),
		})
	}
	return out
}

func layoutAt(g Graph, base Path) Layout {
	l := &layouter{}
	ranks, lanes := l.sequence(g, base, FieldSteps, 0, 0, 0)
	return Layout{Positions: l.positions, Ranks: ranks, Lanes: lanes}
}

type layouter struct {
	positions []Position
}

// sequence lays out g left to right from (rank, lane) and returns the
// ranks and lanes it used.
func (l *layouter) sequence(g Graph, base Path, field string, rank, lane, depth int) (int, int) {
	width, height := 0, 0
	for i, n := range g {
		w, h := l.place(n, base.Child(field, i), rank+width, lane, depth)
		width += w
		if h > height {
			height = h
		}
	}
	return width, height
}

// stack lays out g top to bottom from (rank, lane).
func (l *layouter) stack(g Graph, base Path, rank, lane, depth int) (int, int) {
	width, height := 0, 0
	for i, n := range g {
		w, h := l.place(n, base.Child(FieldParallel, i), rank, lane+height, depth)
		height += h
		if w > width {
			width = w
		}
	}
	return width, height
}

func (l *layouter) place(n Node, p Path, rank, lane, depth int) (int, int) {
	switch n := n.(type) {
	case Step:
		l.positions = append(l.positions, Position{
			Path:       p,
			Identifier: n.Identifier,
			Kind:       KindStep,
			StepType:   n.Type().String(),
			Rank:       rank,
			Lane:       lane,
			Depth:      depth,
			Span:       1,
			Height:     1,
		})
		return 1, 1

	case StepGroup:
		at := len(l.positions)
		l.positions = append(l.positions, Position{
			Path:       p,
			Identifier: n.Identifier,
			Kind:       KindStepGroup,
			Rank:       rank,
			Lane:       lane,
			Depth:      depth,
		})
		w, h := l.sequence(n.Steps, p, FieldSteps, rank, lane, depth+1)
		w, h = atLeastOne(w), atLeastOne(h)
		l.positions[at].Span, l.positions[at].Height = w, h
		return w, h

	case Parallel:
		at := len(l.positions)
		l.positions = append(l.positions, Position{
			Path:  p,
			Kind:  KindParallel,
			Rank:  rank,
			Lane:  lane,
			Depth: depth,
		})
		w, h := l.stack(n.Nodes, p, rank, lane, depth)
		w, h = atLeastOne(w), atLeastOne(h)
		l.positions[at].Span, l.positions[at].Height = w, h
		return w, h
	}

	return 0, 0
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
