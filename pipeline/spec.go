package pipeline

import (
	"fmt"
)

// StepSpec is the type-specific payload of a Step. It's a closed union:
// RunSpec, PluginSpec, ApprovalSpec, ShellScriptSpec and WaitSpec are the
// only implementations, and code that switches over it is exhaustive.
type StepSpec interface {
	StepType() StepType

	// validate records field failures under prefix, which is the
	// path of the spec itself (e.g. "stages[0].steps[1].spec").
	validate(c *checker, prefix string)
}

// RunSpec runs a command in a container.
type RunSpec struct {
	ConnectorRef string            `yaml:"connectorRef,omitempty" json:"connectorRef,omitempty"`
	Image        string            `yaml:"image,omitempty" json:"image,omitempty"`
	Shell        string            `yaml:"shell,omitempty" json:"shell,omitempty"`
	Command      string            `yaml:"command" json:"command"`
	Env          map[string]string `yaml:"envVariables,omitempty" json:"envVariables,omitempty"`
}

// PluginSpec runs a plugin image with settings.
type PluginSpec struct {
	ConnectorRef string            `yaml:"connectorRef,omitempty" json:"connectorRef,omitempty"`
	Image        string            `yaml:"image" json:"image"`
	Settings     map[string]string `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// ApprovalSpec blocks until enough approvers sign off.
type ApprovalSpec struct {
	Approvers    []string `yaml:"approvers" json:"approvers"`
	MinimumCount int      `yaml:"minimumCount" json:"minimumCount"`
	Message      string   `yaml:"approvalMessage,omitempty" json:"approvalMessage,omitempty"`
}

// ShellScriptSpec runs an inline script on the delegate.
type ShellScriptSpec struct {
	Shell  string            `yaml:"shell" json:"shell"`
	Script string            `yaml:"script" json:"script"`
	Env    map[string]string `yaml:"environmentVariables,omitempty" json:"environmentVariables,omitempty"`
}

// WaitSpec pauses the stage.
type WaitSpec struct {
	Duration string `yaml:"duration" json:"duration"`
}

func (RunSpec) StepType() StepType         { return StepRun }
func (PluginSpec) StepType() StepType      { return StepPlugin }
func (ApprovalSpec) StepType() StepType    { return StepApproval }
func (ShellScriptSpec) StepType() StepType { return StepShellScript }
func (WaitSpec) StepType() StepType        { return StepWait }

var shells = []string{"Bash", "Sh", "PowerShell"}

func (s RunSpec) validate(c *checker, prefix string) {
	c.required(prefix+".command", s.Command)
}

func (s PluginSpec) validate(c *checker, prefix string) {
	c.required(prefix+".image", s.Image)
}

func (s ApprovalSpec) validate(c *checker, prefix string) {
	if len(s.Approvers) == 0 {
		c.fail(prefix+".approvers", "at least one approver is required")
		return
	}

	for i, a := range s.Approvers {
		c.required(fmt.Sprintf("%v.approvers[%d]", prefix, i), a)
	}

	if s.MinimumCount < 1 || s.MinimumCount > len(s.Approvers) {
		c.fail(prefix+".minimumCount", "must be between 1 and %d", len(s.Approvers))
	}
}

func (s ShellScriptSpec) validate(c *checker, prefix string) {
	c.required(prefix+".script", s.Script)
	c.oneOf(prefix+".shell", s.Shell, shells)
}

func (s WaitSpec) validate(c *checker, prefix string) {
	if c.required(prefix+".duration", s.Duration) {
		c.matches(prefix+".duration", s.Duration, durationPattern, "must be a duration such as 10m or 1h30m")
	}
}
