package pipeline

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	identifierPattern   = regexp.MustCompile(`^[a-zA-Z_][0-9a-zA-Z_$-]{0,127}$`)
	variableNamePattern = regexp.MustCompile(`^[a-zA-Z_][0-9a-zA-Z_$]{0,127}$`)
	durationPattern     = regexp.MustCompile(`^([0-9]+(ms|s|m|h|d|w))+$`)
)

// Code classifies an ErrorMap entry.
type Code string

// Entry codes.
const (
	CodeValidationFailure   Code = "ValidationFailure"
	CodeDuplicateIdentifier Code = "DuplicateIdentifier"
)

// FieldError is a single field-level failure.
type FieldError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// ErrorMap holds the failures of a document keyed by dotted field path,
// e.g. "stages[0].steps[1].spec.command". Only the first failure of a
// field is kept.
type ErrorMap map[string]FieldError

// Paths returns the failing paths in sorted order.
func (m ErrorMap) Paths() []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Count returns how many entries carry code.
func (m ErrorMap) Count(code Code) int {
	n := 0
	for _, fe := range m {
		if fe.Code == code {
			n++
		}
	}
	return n
}

// Validate checks every stage and step of doc. It accepts partial
// documents and reports rather than fails, so the result for a given
// document is always the same map.
func Validate(doc Document) ErrorMap {
	c := &checker{errs: ErrorMap{}}

	stageIDs := &idIndex{}
	for i, st := range doc.Stages {
		p := StagePath(i).String()
		if c.identifier(p+".identifier", st.Identifier) {
			stageIDs.add(st.Identifier, p)
		}
		validateStage(c, p, st)
	}
	stageIDs.report(c)

	return c.errs
}

func validateStage(c *checker, p string, st Stage) {
	switch st.Type {
	case StageBuild:
		c.required(p+".spec.connectorRef", st.Spec.ConnectorRef)
	case StageDeploy:
		c.required(p+".spec.serviceRef", st.Spec.ServiceRef)
		c.required(p+".spec.environmentRef", st.Spec.EnvironmentRef)
		c.required(p+".spec.connectorRef", st.Spec.ConnectorRef)
	case StageApproval, StageCustom:
	default:
		c.fail(p+".type", "unsupported stage type %v", st.Type)
	}

	if len(st.Steps) == 0 {
		c.fail(p+".steps", "at least one step is required")
	}

	stepIDs := &idIndex{}
	walkGraph(st.Steps, MustParsePath(p), func(np Path, n Node) {
		path := np.String()

		switch n := n.(type) {
		case Step:
			if c.identifier(path+".identifier", n.Identifier) {
				stepIDs.add(n.Identifier, path)
			}
			if n.Timeout != "" {
				c.matches(path+".timeout", n.Timeout, durationPattern, "must be a duration such as 10m or 1h30m")
			}
			if n.Spec == nil {
				c.fail(path+".type", "type is required")
				return
			}
			if st.Type == StageApproval && n.Type() != StepApproval && n.Type() != StepWait {
				c.fail(path+".type", "%v steps are not allowed in an approval stage", n.Type())
			}
			n.Spec.validate(c, path+".spec")

		case StepGroup:
			if c.identifier(path+".identifier", n.Identifier) {
				stepIDs.add(n.Identifier, path)
			}
			if len(n.Steps) == 0 {
				c.fail(path+".steps", "a step group needs at least one step")
			}

		case Parallel:
			if len(n.Nodes) == 0 {
				c.fail(path+".parallel", "a parallel block needs at least one step")
			}

		default:
			c.fail(path, "unsupported node %T", n)
		}
	})
	stepIDs.report(c)

	names := map[string]bool{}
	for j, v := range st.Variables {
		vp := fmt.Sprintf("%v.variables[%d]", p, j)

		if c.required(vp+".name", v.Name) {
			c.matches(vp+".name", v.Name, variableNamePattern, "must start with a letter or underscore and contain only letters, digits, _ or $")
			if names[v.Name] {
				c.fail(vp+".name", "variable %q is declared more than once", v.Name)
			}
			names[v.Name] = true
		}

		if v.Required && strings.TrimSpace(v.Value) == "" {
			c.fail(vp+".value", "value is required")
			continue
		}

		switch v.Type {
		case VariableString, VariableSecret, "":
		case VariableNumber:
			if v.Value != "" && !isExpression(v.Value) {
				if _, err := strconv.ParseFloat(v.Value, 64); err != nil {
					c.fail(vp+".value", "must be a number")
				}
			}
		default:
			c.fail(vp+".type", "unsupported variable type %q", v.Type)
		}
	}
}

// checker accumulates failures into an ErrorMap.
type checker struct {
	errs ErrorMap
}

func (c *checker) fail(path, format string, args ...interface{}) {
	if _, exists := c.errs[path]; exists {
		return
	}
	c.errs[path] = FieldError{Code: CodeValidationFailure, Message: fmt.Sprintf(format, args...)}
}

// required reports whether v is present. Expressions count as present.
func (c *checker) required(path, v string) bool {
	if strings.TrimSpace(v) == "" {
		c.fail(path, "is required")
		return false
	}
	return true
}

func (c *checker) matches(path, v string, re *regexp.Regexp, msg string) {
	if v == "" || isExpression(v) {
		return
	}
	if !re.MatchString(v) {
		c.fail(path, "%v", msg)
	}
}

func (c *checker) oneOf(path, v string, allowed []string) {
	if isExpression(v) {
		return
	}
	for _, a := range allowed {
		if v == a {
			return
		}
	}
	c.fail(path, "must be one of %v", strings.Join(allowed, ", "))
}

// identifier checks a stage or node identifier and reports whether it's
// usable for duplicate detection.
func (c *checker) identifier(path, id string) bool {
	if !c.required(path, id) {
		return false
	}
	if !identifierPattern.MatchString(id) {
		c.fail(path, "must start with a letter or underscore and contain only letters, digits, _, $ or -")
	}
	return true
}

// isExpression reports whether v is a runtime input or expression such
// as <+input> or <+pipeline.variables.tag>, which are resolved later.
func isExpression(v string) bool {
	v = strings.TrimSpace(v)
	return strings.HasPrefix(v, "<+") && strings.HasSuffix(v, ">")
}

// idIndex remembers where each identifier was seen, in document order.
type idIndex struct {
	order []string
	paths map[string][]string
}

func (x *idIndex) add(id, path string) {
	if x.paths == nil {
		x.paths = map[string][]string{}
	}
	if _, seen := x.paths[id]; !seen {
		x.order = append(x.order, id)
	}
	x.paths[id] = append(x.paths[id], path)
}

// report adds one DuplicateIdentifier entry per identifier used more
// than once, keyed at its second use.
func (x *idIndex) report(c *checker) {
	for _, id := range x.order {
		paths := x.paths[id]
		if len(paths) < 2 {
			continue
		}
		c.errs[paths[1]+".identifier"] = FieldError{
			Code:    CodeDuplicateIdentifier,
			Message: fmt.Sprintf("identifier %q is used by %v", id, strings.Join(paths, ", ")),
		}
	}
}
