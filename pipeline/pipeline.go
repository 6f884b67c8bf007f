// Package pipeline is the editing model for pipeline definitions.
//
// A Document is an ordered list of stages, each carrying an execution
// graph of steps, step groups and parallel blocks. Documents are values:
// every operation in this package returns a new Document and leaves the
// one it was given untouched. Operations copy only the path they change,
// so callers must treat the nodes they get back as read-only.
//
// Failures are reported as values. Structural problems come back as a
// *PathError wrapping one of the sentinel errors, field problems come
// back in an ErrorMap from Validate.
package pipeline

import (
	"github.com/sirupsen/logrus"
)

var logger *logrus.Entry

func init() {
	logger = logrus.WithField("package", "pipeline")
}

// Document is the root of a pipeline definition.
type Document struct {
	Identifier string
	Name       string
	Stages     []Stage
}

// Stage is one phase of a pipeline.
type Stage struct {
	Identifier string
	Name       string
	Type       StageType
	Spec       StageSpec
	Steps      Graph
	Variables  []Variable
}

// StageSpec holds the stage-level settings. Which of them are required
// depends on the stage type.
type StageSpec struct {
	ConnectorRef   string
	ServiceRef     string
	EnvironmentRef string
	Namespace      string
}

// Variable is a named binding available to a stage's steps.
type Variable struct {
	Name     string
	Type     VariableType
	Value    string
	Required bool
}

// Graph is the ordered execution graph of a stage or a step group.
type Graph []Node

// Element is anything a Path can address: a Stage or a Node.
type Element interface {
	// ID returns the element's identifier, "" for parallel blocks.
	ID() string

	element()
}

// Node is an entry in a Graph. The set of implementations is closed:
// Step, StepGroup and Parallel.
type Node interface {
	Element

	node()
}

// Step is a single action.
type Step struct {
	Identifier string
	Name       string
	Timeout    string
	Spec       StepSpec
}

// StepGroup is a named collection of nodes traversed as one unit.
type StepGroup struct {
	Identifier string
	Name       string
	Steps      Graph
}

// Parallel is a set of nodes executed at the same position.
type Parallel struct {
	Nodes Graph
}

func (s Stage) ID() string     { return s.Identifier }
func (s Step) ID() string      { return s.Identifier }
func (g StepGroup) ID() string { return g.Identifier }
func (Parallel) ID() string    { return "" }

func (Stage) element()     {}
func (Step) element()      {}
func (StepGroup) element() {}
func (Parallel) element()  {}

func (Step) node()      {}
func (StepGroup) node() {}
func (Parallel) node()  {}

// Type returns the step's type tag, StepUnknown when there's no spec.
func (s Step) Type() StepType {
	if s.Spec == nil {
		return StepUnknown
	}
	return s.Spec.StepType()
}

// children returns the nested graph of a container node.
func children(n Node) (Graph, bool) {
	switch n := n.(type) {
	case StepGroup:
		return n.Steps, true
	case Parallel:
		return n.Nodes, true
	}
	return nil, false
}

// withChildren returns a copy of the container node with g as its
// nested graph.
func withChildren(n Node, g Graph) Node {
	switch n := n.(type) {
	case StepGroup:
		n.Steps = g
		return n
	case Parallel:
		n.Nodes = g
		return n
	}
	return n
}
