package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// The wire format wraps every element the way the pipeline service
// serves it:
//
//	pipeline:
//	  identifier: p
//	  stages:
//	    - stage:
//	        identifier: build
//	        type: Build
//	        spec:
//	          connectorRef: account.k8s
//	          execution:
//	            steps:
//	              - step: {identifier: test, type: Run, spec: {command: make test}}
//	              - parallel:
//	                  - step: ...
//	              - stepGroup: {identifier: g, steps: [...]}

type wireDocument struct {
	Pipeline *wirePipeline `yaml:"pipeline" json:"pipeline"`
}

type wirePipeline struct {
	Identifier string          `yaml:"identifier" json:"identifier"`
	Name       string          `yaml:"name,omitempty" json:"name,omitempty"`
	Stages     []wireStageElem `yaml:"stages" json:"stages"`
}

type wireStageElem struct {
	Stage *wireStage `yaml:"stage" json:"stage"`
}

type wireStage struct {
	Identifier string         `yaml:"identifier" json:"identifier"`
	Name       string         `yaml:"name,omitempty" json:"name,omitempty"`
	Type       string         `yaml:"type" json:"type"`
	Spec       wireStageSpec  `yaml:"spec" json:"spec"`
	Variables  []wireVariable `yaml:"variables,omitempty" json:"variables,omitempty"`
}

type wireStageSpec struct {
	ConnectorRef   string        `yaml:"connectorRef,omitempty" json:"connectorRef,omitempty"`
	ServiceRef     string        `yaml:"serviceRef,omitempty" json:"serviceRef,omitempty"`
	EnvironmentRef string        `yaml:"environmentRef,omitempty" json:"environmentRef,omitempty"`
	Namespace      string        `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	Execution      wireExecution `yaml:"execution" json:"execution"`
}

type wireExecution struct {
	Steps []wireNode `yaml:"steps" json:"steps"`
}

type wireVariable struct {
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"`
	Value    string `yaml:"value" json:"value"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// wireNode is one graph entry: exactly one of step, stepGroup or
// parallel.
type wireNode struct {
	Step       *wireStep
	StepGroup  *wireStepGroup
	Parallel   []wireNode
	isParallel bool
}

type wireStep struct {
	Identifier string   `yaml:"identifier" json:"identifier"`
	Name       string   `yaml:"name,omitempty" json:"name,omitempty"`
	Type       string   `yaml:"type" json:"type"`
	Timeout    string   `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Spec       StepSpec `yaml:"spec,omitempty" json:"spec,omitempty"`
}

type wireStepGroup struct {
	Identifier string     `yaml:"identifier" json:"identifier"`
	Name       string     `yaml:"name,omitempty" json:"name,omitempty"`
	Steps      []wireNode `yaml:"steps" json:"steps"`
}

func (w *wireNode) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode || len(n.Content) != 2 {
		return &DecodeError{Line: n.Line, Msg: "a graph entry needs exactly one of step, stepGroup or parallel"}
	}

	key, val := n.Content[0].Value, n.Content[1]
	switch key {
	case "step":
		w.Step = &wireStep{}
		return val.Decode(w.Step)
	case "stepGroup":
		w.StepGroup = &wireStepGroup{}
		return val.Decode(w.StepGroup)
	case "parallel":
		w.isParallel = true
		return val.Decode(&w.Parallel)
	}

	return &DecodeError{Line: n.Line, Msg: fmt.Sprintf("unknown graph entry %q", key)}
}

func (w wireNode) MarshalYAML() (interface{}, error) {
	return w.entry(), nil
}

func (w wireNode) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.entry())
}

func (w wireNode) entry() map[string]interface{} {
	switch {
	case w.Step != nil:
		return map[string]interface{}{"step": w.Step}
	case w.StepGroup != nil:
		return map[string]interface{}{"stepGroup": w.StepGroup}
	}

	members := w.Parallel
	if members == nil {
		members = []wireNode{}
	}
	return map[string]interface{}{"parallel": members}
}

func (w *wireStep) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		Identifier string    `yaml:"identifier"`
		Name       string    `yaml:"name"`
		Type       string    `yaml:"type"`
		Timeout    string    `yaml:"timeout"`
		Spec       yaml.Node `yaml:"spec"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}

	w.Identifier = raw.Identifier
	w.Name = raw.Name
	w.Timeout = raw.Timeout

	// A step without a type is a half-written step. It decodes with a
	// nil spec so validation can point at it.
	if raw.Type == "" {
		return nil
	}

	t, err := ParseStepType(raw.Type)
	if err != nil {
		return &DecodeError{Line: n.Line, Msg: err.Error()}
	}
	w.Type = t.String()

	switch t {
	case StepRun:
		w.Spec, err = decodeSpec[RunSpec](&raw.Spec)
	case StepPlugin:
		w.Spec, err = decodeSpec[PluginSpec](&raw.Spec)
	case StepApproval:
		w.Spec, err = decodeSpec[ApprovalSpec](&raw.Spec)
	case StepShellScript:
		w.Spec, err = decodeSpec[ShellScriptSpec](&raw.Spec)
	case StepWait:
		w.Spec, err = decodeSpec[WaitSpec](&raw.Spec)
	}
	return err
}

func decodeSpec[T StepSpec](n *yaml.Node) (StepSpec, error) {
	var spec T
	if n.Kind == 0 {
		return spec, nil
	}
	if err := n.Decode(&spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// Decode parses a YAML or JSON pipeline document.
func Decode(data []byte) (Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Document{}, &DecodeError{Msg: "document is empty"}
	}

	var w wireDocument
	if err := yaml.Unmarshal(data, &w); err != nil {
		return Document{}, asDecodeError(err)
	}
	if w.Pipeline == nil {
		return Document{}, &DecodeError{Msg: "missing top-level pipeline key"}
	}

	doc, err := w.Pipeline.document()
	if err != nil {
		return Document{}, err
	}

	logger.WithField("stages", len(doc.Stages)).Debug("decoded pipeline document")
	return doc, nil
}

// DecodeNode parses a single graph entry such as {"step": {...}}.
func DecodeNode(data []byte) (Node, error) {
	var w wireNode
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, asDecodeError(err)
	}
	return w.node()
}

// DecodeStep parses a single {"step": {...}} entry.
func DecodeStep(data []byte) (Step, error) {
	n, err := DecodeNode(data)
	if err != nil {
		return Step{}, err
	}

	s, ok := n.(Step)
	if !ok {
		return Step{}, &DecodeError{Msg: fmt.Sprintf("expected a step, got %T", n)}
	}
	return s, nil
}

// DecodeStage parses a single {"stage": {...}} entry.
func DecodeStage(data []byte) (Stage, error) {
	var w wireStageElem
	if err := yaml.Unmarshal(data, &w); err != nil {
		return Stage{}, asDecodeError(err)
	}
	if w.Stage == nil {
		return Stage{}, &DecodeError{Msg: "missing stage key"}
	}
	return w.Stage.stage()
}

// EncodeYAML writes doc in the wire format.
func EncodeYAML(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	if err := enc.Encode(wireDocument{Pipeline: pipelineToWire(doc)}); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeJSON writes doc in the wire format as JSON.
func EncodeJSON(doc Document) ([]byte, error) {
	return json.Marshal(wireDocument{Pipeline: pipelineToWire(doc)})
}

// EncodeElementJSON writes a single stage or node in its wire form.
func EncodeElementJSON(e Element) ([]byte, error) {
	switch e := e.(type) {
	case Stage:
		return json.Marshal(wireStageElem{Stage: stageToWire(e)})
	case Node:
		return json.Marshal(nodeToWire(e))
	}
	return nil, fmt.Errorf("can't encode %T", e)
}

var yamlLine = regexp.MustCompile(`line (\d+)`)

func asDecodeError(err error) error {
	var de *DecodeError
	if errors.As(err, &de) {
		return de
	}

	out := &DecodeError{Msg: err.Error()}
	if m := yamlLine.FindStringSubmatch(err.Error()); m != nil {
		out.Line, _ = strconv.Atoi(m[1])
	}
	return out
}

func (w *wirePipeline) document() (Document, error) {
	doc := Document{
		Identifier: w.Identifier,
		Name:       w.Name,
	}

	for i, elem := range w.Stages {
		if elem.Stage == nil {
			return Document{}, &DecodeError{Msg: fmt.Sprintf("stages[%d]: missing stage key", i)}
		}

		st, err := elem.Stage.stage()
		if err != nil {
			return Document{}, err
		}
		doc.Stages = append(doc.Stages, st)
	}

	return doc, nil
}

func (w *wireStage) stage() (Stage, error) {
	t, err := ParseStageType(w.Type)
	if err != nil {
		return Stage{}, &DecodeError{Msg: fmt.Sprintf("stage %q: %v", w.Identifier, err)}
	}

	st := Stage{
		Identifier: w.Identifier,
		Name:       w.Name,
		Type:       t,
		Spec: StageSpec{
			ConnectorRef:   w.Spec.ConnectorRef,
			ServiceRef:     w.Spec.ServiceRef,
			EnvironmentRef: w.Spec.EnvironmentRef,
			Namespace:      w.Spec.Namespace,
		},
	}

	if st.Steps, err = graphFromWire(w.Spec.Execution.Steps); err != nil {
		return Stage{}, err
	}

	for _, v := range w.Variables {
		vt, err := ParseVariableType(v.Type)
		if err != nil {
			return Stage{}, &DecodeError{Msg: fmt.Sprintf("stage %q variable %q: %v", w.Identifier, v.Name, err)}
		}

		st.Variables = append(st.Variables, Variable{
			Name:     v.Name,
			Type:     vt,
			Value:    v.Value,
			Required: v.Required,
		})
	}

	return st, nil
}

func graphFromWire(ws []wireNode) (Graph, error) {
	var g Graph
	for _, w := range ws {
		n, err := w.node()
		if err != nil {
			return nil, err
		}
		g = append(g, n)
	}
	return g, nil
}

func (w wireNode) node() (Node, error) {
	switch {
	case w.Step != nil:
		return Step{
			Identifier: w.Step.Identifier,
			Name:       w.Step.Name,
			Timeout:    w.Step.Timeout,
			Spec:       w.Step.Spec,
		}, nil

	case w.StepGroup != nil:
		steps, err := graphFromWire(w.StepGroup.Steps)
		if err != nil {
			return nil, err
		}
		return StepGroup{
			Identifier: w.StepGroup.Identifier,
			Name:       w.StepGroup.Name,
			Steps:      steps,
		}, nil

	case w.isParallel:
		members, err := graphFromWire(w.Parallel)
		if err != nil {
			return nil, err
		}
		return Parallel{Nodes: members}, nil
	}

	return nil, &DecodeError{Msg: "empty graph entry"}
}

func pipelineToWire(doc Document) *wirePipeline {
	w := &wirePipeline{
		Identifier: doc.Identifier,
		Name:       doc.Name,
		Stages:     make([]wireStageElem, 0, len(doc.Stages)),
	}
	for _, st := range doc.Stages {
		w.Stages = append(w.Stages, wireStageElem{Stage: stageToWire(st)})
	}
	return w
}

func stageToWire(st Stage) *wireStage {
	w := &wireStage{
		Identifier: st.Identifier,
		Name:       st.Name,
		Type:       st.Type.String(),
		Spec: wireStageSpec{
			ConnectorRef:   st.Spec.ConnectorRef,
			ServiceRef:     st.Spec.ServiceRef,
			EnvironmentRef: st.Spec.EnvironmentRef,
			Namespace:      st.Spec.Namespace,
			Execution:      wireExecution{Steps: graphToWire(st.Steps)},
		},
	}

	for _, v := range st.Variables {
		w.Variables = append(w.Variables, wireVariable{
			Name:     v.Name,
			Type:     string(v.Type),
			Value:    v.Value,
			Required: v.Required,
		})
	}

	return w
}

func graphToWire(g Graph) []wireNode {
	out := make([]wireNode, 0, len(g))
	for _, n := range g {
		out = append(out, nodeToWire(n))
	}
	return out
}

func nodeToWire(n Node) wireNode {
	switch n := n.(type) {
	case Step:
		w := &wireStep{
			Identifier: n.Identifier,
			Name:       n.Name,
			Timeout:    n.Timeout,
			Spec:       n.Spec,
		}
		if n.Spec != nil {
			w.Type = n.Type().String()
		}
		return wireNode{Step: w}

	case StepGroup:
		return wireNode{StepGroup: &wireStepGroup{
			Identifier: n.Identifier,
			Name:       n.Name,
			Steps:      graphToWire(n.Steps),
		}}

	case Parallel:
		return wireNode{Parallel: graphToWire(n.Nodes), isParallel: true}
	}

	return wireNode{isParallel: true}
}
