package pipeline

// GetNode returns the stage or node at p.
func GetNode(doc Document, p Path) (Element, error) {
	if len(p) == 0 {
		return nil, &PathError{Kind: ErrInvalidPath, Msg: "empty path"}
	}

	si := p[0].Index
	if si < 0 || si >= len(doc.Stages) {
		return nil, notFound(p[:1])
	}
	stage := doc.Stages[si]
	if p.IsStage() {
		return stage, nil
	}

	g := stage.Steps
	field := FieldSteps
	for depth := 1; depth < len(p); depth++ {
		seg := p[depth]
		if seg.Field != field || seg.Index < 0 || seg.Index >= len(g) {
			return nil, notFound(p[:depth+1])
		}

		n := g[seg.Index]
		if depth == len(p)-1 {
			return n, nil
		}

		var ok bool
		if g, ok = children(n); !ok {
			return nil, notFound(p[:depth+2])
		}
		field = memberField(n)
	}

	return nil, notFound(p)
}

// SetNode replaces the element at p with e. When p's index is one past
// the end of its container, e is appended instead. The returned path is
// the one actually written.
//
// If e's identifier collides with a sibling the new document is still
// returned, together with an error wrapping ErrDuplicateIdentifier.
func SetNode(doc Document, p Path, e Element) (Document, Path, error) {
	return put(doc, p, e, false)
}

// InsertNode inserts e at p, shifting later siblings right. Duplicate
// identifiers are reported the same way as in SetNode.
func InsertNode(doc Document, p Path, e Element) (Document, Path, error) {
	return put(doc, p, e, true)
}

// DeleteNode removes the element at p.
func DeleteNode(doc Document, p Path) (Document, Path, error) {
	if len(p) == 0 {
		return doc, nil, &PathError{Kind: ErrInvalidPath, Msg: "empty path"}
	}

	if p.IsStage() {
		i := p[0].Index
		if i < 0 || i >= len(doc.Stages) {
			return doc, nil, notFound(p)
		}

		out := doc
		out.Stages = removeStage(doc.Stages, i)
		return out, p.clone(), nil
	}

	out, err := modifyGraph(doc, p, func(g Graph, i int) (Graph, error) {
		if i < 0 || i >= len(g) {
			return nil, notFound(p)
		}
		return removeAt(g, i), nil
	})
	if err != nil {
		return doc, nil, err
	}

	return out, p.clone(), nil
}

func put(doc Document, p Path, e Element, insert bool) (Document, Path, error) {
	if len(p) == 0 {
		return doc, nil, &PathError{Kind: ErrInvalidPath, Msg: "empty path"}
	}
	if e == nil {
		return doc, nil, kindMismatch(p, "nil element")
	}

	if p.IsStage() {
		stage, ok := e.(Stage)
		if !ok {
			return doc, nil, kindMismatch(p, "a stage path needs a Stage, got %T", e)
		}

		i := p[0].Index
		if i < 0 || i > len(doc.Stages) {
			return doc, nil, notFound(p)
		}

		out := doc
		if insert || i == len(doc.Stages) {
			out.Stages = insertStage(doc.Stages, i, stage)
		} else {
			out.Stages = replaceStage(doc.Stages, i, stage)
		}

		written := p.clone()
		return out, written, stageCollision(out, i, written)
	}

	n, ok := e.(Node)
	if !ok {
		return doc, nil, kindMismatch(p, "a node path needs a Step, StepGroup or Parallel, got %T", e)
	}

	out, err := modifyGraph(doc, p, func(g Graph, i int) (Graph, error) {
		if i < 0 || i > len(g) {
			return nil, notFound(p)
		}
		if insert || i == len(g) {
			return insertAt(g, i, n), nil
		}
		return replaceAt(g, i, n), nil
	})
	if err != nil {
		return doc, nil, err
	}

	written := p.clone()
	return out, written, nodeCollision(out.Stages[p[0].Index], n, written)
}

// modifyGraph copies the document along p and hands fn the graph that
// holds p's last segment together with that segment's index. Whatever
// fn returns replaces that graph in the copy.
func modifyGraph(doc Document, p Path, fn func(Graph, int) (Graph, error)) (Document, error) {
	si := p[0].Index
	if si < 0 || si >= len(doc.Stages) {
		return doc, notFound(p[:1])
	}

	stage := doc.Stages[si]
	g, err := modifyNested(stage.Steps, FieldSteps, p, 1, fn)
	if err != nil {
		return doc, err
	}

	stage.Steps = g
	out := doc
	out.Stages = replaceStage(doc.Stages, si, stage)
	return out, nil
}

func modifyNested(g Graph, field string, p Path, depth int, fn func(Graph, int) (Graph, error)) (Graph, error) {
	seg := p[depth]
	if seg.Field != field {
		return nil, notFound(p[:depth+1])
	}
	if depth == len(p)-1 {
		return fn(g, seg.Index)
	}
	if seg.Index < 0 || seg.Index >= len(g) {
		return nil, notFound(p[:depth+1])
	}

	n := g[seg.Index]
	inner, ok := children(n)
	if !ok {
		return nil, notFound(p[:depth+2])
	}

	updated, err := modifyNested(inner, memberField(n), p, depth+1, fn)
	if err != nil {
		return nil, err
	}

	return replaceAt(g, seg.Index, withChildren(n, updated)), nil
}

// memberField is the segment field that addresses the members of a
// container node.
func memberField(n Node) string {
	if _, ok := n.(Parallel); ok {
		return FieldParallel
	}
	return FieldSteps
}

func stageCollision(doc Document, at int, p Path) error {
	id := doc.Stages[at].Identifier
	if id == "" {
		return nil
	}

	for i, s := range doc.Stages {
		if i != at && s.Identifier == id {
			return duplicate(p, id)
		}
	}
	return nil
}

// nodeCollision checks every identifier introduced by n against the
// rest of the stage graph.
func nodeCollision(stage Stage, n Node, p Path) error {
	counts := map[string]int{}
	walkGraph(stage.Steps, nil, func(_ Path, n Node) {
		if id := n.ID(); id != "" {
			counts[id]++
		}
	})

	var err error
	walkGraph(Graph{n}, nil, func(_ Path, n Node) {
		if id := n.ID(); err == nil && id != "" && counts[id] > 1 {
			err = duplicate(p, id)
		}
	})
	return err
}

// walkGraph visits every node in g depth-first, in document order. The
// path handed to fn is relative to base.
func walkGraph(g Graph, base Path, fn func(Path, Node)) {
	walkMembers(g, base, FieldSteps, fn)
}

func walkMembers(g Graph, base Path, field string, fn func(Path, Node)) {
	for i, n := range g {
		p := base.Child(field, i)
		fn(p, n)
		if inner, ok := children(n); ok {
			walkMembers(inner, p, memberField(n), fn)
		}
	}
}

func insertAt(g Graph, i int, n Node) Graph {
	out := make(Graph, 0, len(g)+1)
	out = append(out, g[:i]...)
	out = append(out, n)
	return append(out, g[i:]...)
}

func replaceAt(g Graph, i int, n Node) Graph {
	out := make(Graph, len(g))
	copy(out, g)
	out[i] = n
	return out
}

func removeAt(g Graph, i int) Graph {
	out := make(Graph, 0, len(g)-1)
	out = append(out, g[:i]...)
	return append(out, g[i+1:]...)
}

func insertStage(s []Stage, i int, st Stage) []Stage {
	out := make([]Stage, 0, len(s)+1)
	out = append(out, s[:i]...)
	out = append(out, st)
	return append(out, s[i:]...)
}

func replaceStage(s []Stage, i int, st Stage) []Stage {
	out := make([]Stage, len(s))
	copy(out, s)
	out[i] = st
	return out
}

func removeStage(s []Stage, i int) []Stage {
	out := make([]Stage, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}
