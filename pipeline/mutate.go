package pipeline

import (
	"errors"
	"fmt"
)

// ChangeKind says what a mutation did.
type ChangeKind string

// Kinds of change produced by the mutation operations.
const (
	ChangeAdded   ChangeKind = "added"
	ChangeEdited  ChangeKind = "edited"
	ChangeRemoved ChangeKind = "removed"
	ChangeMoved   ChangeKind = "moved"
)

// Change describes the effect of a mutation so validation and layout
// can be recomputed downstream.
type Change struct {
	Kind ChangeKind `json:"kind"`
	// Path is where the node is after the change. For removals it's
	// where the node used to be.
	Path Path `json:"path"`
	// From is set on moves to where the node was before the change.
	From       Path   `json:"from,omitempty"`
	Identifier string `json:"identifier,omitempty"`
}

// AddStep adds n to the document. A stage path appends n to that stage's
// graph, a node path inserts n at that position.
//
// An identifier collision is reported with an error wrapping
// ErrDuplicateIdentifier next to the updated document.
func AddStep(doc Document, p Path, n Node) (Document, Change, error) {
	if len(p) == 0 {
		return doc, Change{}, &PathError{Kind: ErrInvalidPath, Msg: "empty path"}
	}

	target := p
	if p.IsStage() {
		i := p[0].Index
		if i < 0 || i >= len(doc.Stages) {
			return doc, Change{}, notFound(p)
		}
		target = p.Child(FieldSteps, len(doc.Stages[i].Steps))
	}

	out, written, err := InsertNode(doc, target, n)
	if err != nil && !errors.Is(err, ErrDuplicateIdentifier) {
		return doc, Change{}, err
	}

	return out, Change{Kind: ChangeAdded, Path: written, Identifier: idOf(n)}, err
}

// EditStep replaces the step at p with s.
func EditStep(doc Document, p Path, s Step) (Document, Change, error) {
	if len(p) < 2 {
		return doc, Change{}, &PathError{Kind: ErrInvalidPath, Path: p.String(), Msg: "not a step path"}
	}

	cur, err := GetNode(doc, p)
	if err != nil {
		return doc, Change{}, err
	}
	if _, ok := cur.(Step); !ok {
		return doc, Change{}, kindMismatch(p, "%T is not a step", cur)
	}

	out, written, err := SetNode(doc, p, s)
	if err != nil && !errors.Is(err, ErrDuplicateIdentifier) {
		return doc, Change{}, err
	}

	return out, Change{Kind: ChangeEdited, Path: written, Identifier: s.Identifier}, err
}

// RemoveStep removes the node at p, whatever its kind.
func RemoveStep(doc Document, p Path) (Document, Change, error) {
	if len(p) < 2 {
		return doc, Change{}, &PathError{Kind: ErrInvalidPath, Path: p.String(), Msg: "not a step path"}
	}

	cur, err := GetNode(doc, p)
	if err != nil {
		return doc, Change{}, err
	}

	out, removed, err := DeleteNode(doc, p)
	if err != nil {
		return doc, Change{}, err
	}

	return out, Change{Kind: ChangeRemoved, Path: removed, Identifier: cur.ID()}, nil
}

// MoveStep moves the node at from to to.
//
// When both paths share a container, to's index is the index the node
// ends up at, as with moving an item within a slice. Otherwise to is an
// insertion point in the document as it was before the move; indices
// shifted by taking the node out are accounted for.
func MoveStep(doc Document, from, to Path) (Document, Change, error) {
	if len(from) < 2 || len(to) < 2 {
		return doc, Change{}, &PathError{Kind: ErrInvalidPath, Path: fmt.Sprintf("%v -> %v", from, to), Msg: "moves take step paths"}
	}
	if len(to) > len(from) && to.HasPrefix(from) {
		return doc, Change{}, &PathError{Kind: ErrInvalidMove, Path: from.String(), Msg: fmt.Sprintf("can't move into %v", to)}
	}

	el, err := GetNode(doc, from)
	if err != nil {
		return doc, Change{}, err
	}
	n := el.(Node)

	dest := to.clone()
	if !from.Parent().Equal(to.Parent()) {
		dest = shiftAfterRemoval(from, dest)
	}

	cut, _, err := DeleteNode(doc, from)
	if err != nil {
		return doc, Change{}, err
	}

	// Within one stage the identifier left with the node, so only moves
	// across stages can collide.
	out, written, err := InsertNode(cut, dest, n)
	if err != nil && !errors.Is(err, ErrDuplicateIdentifier) {
		return doc, Change{}, err
	}

	return out, Change{Kind: ChangeMoved, Path: written, From: from.clone(), Identifier: n.ID()}, err
}

// shiftAfterRemoval rewrites to so it still points at the same place
// once the node at from has been taken out.
func shiftAfterRemoval(from, to Path) Path {
	parent := from.Parent()
	if !to.HasPrefix(parent) || len(to) <= len(parent) {
		return to
	}

	level := len(from) - 1
	if to[level].Field == from[level].Field && to[level].Index > from[level].Index {
		to[level].Index--
	}
	return to
}

func idOf(e Element) string {
	if e == nil {
		return ""
	}
	return e.ID()
}
