package pipeline

import (
	"fmt"

	"golang.org/x/text/cases"
)

// StageType tags the kind of work a stage does. The zero value is a
// custom stage.
type StageType int

// The stage types a document can hold.
const (
	StageCustom StageType = iota
	StageBuild
	StageDeploy
	StageApproval
)

var stageTypeNames = map[StageType]string{
	StageCustom:   "Custom",
	StageBuild:    "Build",
	StageDeploy:   "Deploy",
	StageApproval: "Approval",
}

// Aliases accepted on the wire, keyed by their case-folded form.
var stageTypeAliases = map[string]StageType{
	"ci":         StageBuild,
	"deployment": StageDeploy,
}

func (t StageType) String() string {
	if s, ok := stageTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("StageType(%d)", int(t))
}

// ParseStageType maps a wire name to a StageType. Matching ignores case.
// An empty name is a custom stage.
func ParseStageType(s string) (StageType, error) {
	if s == "" {
		return StageCustom, nil
	}

	folded := fold(s)
	for t, name := range stageTypeNames {
		if fold(name) == folded {
			return t, nil
		}
	}
	if t, ok := stageTypeAliases[folded]; ok {
		return t, nil
	}

	return StageCustom, fmt.Errorf("unsupported stage type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t StageType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *StageType) UnmarshalText(b []byte) error {
	parsed, err := ParseStageType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// StepType tags the variant of a step spec.
type StepType int

// The step types the StepSpec union covers.
const (
	StepUnknown StepType = iota
	StepRun
	StepPlugin
	StepApproval
	StepShellScript
	StepWait
)

var stepTypeNames = map[StepType]string{
	StepRun:         "Run",
	StepPlugin:      "Plugin",
	StepApproval:    "Approval",
	StepShellScript: "ShellScript",
	StepWait:        "Wait",
}

func (t StepType) String() string {
	if s, ok := stepTypeNames[t]; ok {
		return s
	}
	return "Unknown"
}

// ParseStepType maps a wire name to a StepType. Matching ignores case.
func ParseStepType(s string) (StepType, error) {
	folded := fold(s)
	for t, name := range stepTypeNames {
		if fold(name) == folded {
			return t, nil
		}
	}
	return StepUnknown, fmt.Errorf("unsupported step type %q", s)
}

// NewSpec returns the zero spec for a step type.
func NewSpec(t StepType) (StepSpec, error) {
	switch t {
	case StepRun:
		return RunSpec{}, nil
	case StepPlugin:
		return PluginSpec{}, nil
	case StepApproval:
		return ApprovalSpec{}, nil
	case StepShellScript:
		return ShellScriptSpec{}, nil
	case StepWait:
		return WaitSpec{}, nil
	}
	return nil, fmt.Errorf("no spec for step type %v", t)
}

// VariableType is the declared type of a stage variable.
type VariableType string

// Supported variable types.
const (
	VariableString VariableType = "String"
	VariableNumber VariableType = "Number"
	VariableSecret VariableType = "Secret"
)

// ParseVariableType maps a wire name to a VariableType. An empty name
// is a string.
func ParseVariableType(s string) (VariableType, error) {
	if s == "" {
		return VariableString, nil
	}
	for _, t := range []VariableType{VariableString, VariableNumber, VariableSecret} {
		if fold(string(t)) == fold(s) {
			return t, nil
		}
	}
	return VariableString, fmt.Errorf("unsupported variable type %q", s)
}

// fold returns the case-folded form of s. Casers carry state, so a
// fresh one is built per call.
func fold(s string) string {
	return cases.Fold().String(s)
}
