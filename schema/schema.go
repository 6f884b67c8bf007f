// Package schema checks pipeline documents against a JSON Schema and
// reports failures at their line and column in the source text.
package schema

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var logger *logrus.Entry

func init() {
	logger = logrus.WithField("package", "schema")
}

//go:embed pipeline.schema.json
var defaultSchema []byte

// ErrSchemaParse is returned when a document can't be parsed far enough
// to be checked at all.
var ErrSchemaParse = errors.New("unable to parse document for schema validation")

// ParseError carries the position of a parse failure.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%v: line %v: %v", ErrSchemaParse, e.Line, e.Msg)
	}
	return fmt.Sprintf("%v: %v", ErrSchemaParse, e.Msg)
}

func (e *ParseError) Unwrap() error { return ErrSchemaParse }

// Diagnostic is one schema failure. Path is a JSON pointer into the
// document. Line and Column are 1-based and point at the closest
// element that exists in the source.
type Diagnostic struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Func checks a serialized document. Sessions depend on this rather
// than on a Validator so any checker can be plugged in.
type Func func(ctx context.Context, doc []byte) ([]Diagnostic, error)

// Validator checks documents against one schema.
type Validator struct {
	schema *openapi3.Schema
}

// New builds a Validator from a JSON Schema document.
func New(schemaJSON []byte) (*Validator, error) {
	s := &openapi3.Schema{}
	if err := json.Unmarshal(schemaJSON, s); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	if err := s.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// Load builds a Validator from a schema file.
func Load(path string) (*Validator, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	v, err := New(raw)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", path, err)
	}
	return v, nil
}

// Default returns a Validator for the pipeline wire format.
func Default() *Validator {
	v, err := New(defaultSchema)
	if err != nil {
		panic(err)
	}
	return v
}

// Func returns v.Validate as a Func that gives up once ctx is done.
func (v *Validator) Func() Func {
	return func(ctx context.Context, doc []byte) ([]Diagnostic, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return v.Validate(doc)
	}
}

// Validate checks doc, which may be YAML or JSON. Diagnostics are
// sorted by position. A document that doesn't parse returns a
// *ParseError and no diagnostics.
func (v *Validator) Validate(doc []byte) ([]Diagnostic, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		return nil, &ParseError{Msg: "document is empty"}
	}

	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, parseError(err)
	}

	value, err := jsonValue(&root)
	if err != nil {
		return nil, err
	}

	err = v.schema.VisitJSON(value, openapi3.MultiErrors())
	if err == nil {
		return []Diagnostic{}, nil
	}

	var out []Diagnostic
	for _, se := range flatten(err) {
		pointer := se.JSONPointer()
		line, col := position(&root, pointer)
		out = append(out, Diagnostic{
			Line:    line,
			Column:  col,
			Path:    formatPointer(pointer),
			Message: se.Reason,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Line != out[j].Line {
			return out[i].Line < out[j].Line
		}
		if out[i].Column != out[j].Column {
			return out[i].Column < out[j].Column
		}
		return out[i].Path < out[j].Path
	})

	logger.WithField("diagnostics", len(out)).Debug("schema validation finished")
	return out, nil
}

// jsonValue converts a parsed YAML tree into the plain values the schema
// visitor understands.
func jsonValue(root *yaml.Node) (interface{}, error) {
	var raw interface{}
	if err := root.Decode(&raw); err != nil {
		return nil, parseError(err)
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return nil, &ParseError{Msg: err.Error()}
	}

	var value interface{}
	if err := json.Unmarshal(b, &value); err != nil {
		return nil, &ParseError{Msg: err.Error()}
	}
	return value, nil
}

// flatten collects the leaf schema errors of a MultiError tree.
func flatten(err error) []*openapi3.SchemaError {
	var me openapi3.MultiError
	if errors.As(err, &me) {
		var out []*openapi3.SchemaError
		for _, e := range me {
			out = append(out, flatten(e)...)
		}
		return out
	}

	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		return []*openapi3.SchemaError{se}
	}

	logger.WithError(err).Warn("unexpected schema error")
	return []*openapi3.SchemaError{{Reason: err.Error()}}
}

// position resolves pointer against the YAML tree and returns the
// position of the deepest node it reaches. Mapping values report the
// position of their key.
func position(root *yaml.Node, pointer []string) (int, int) {
	n := root
	if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		n = n.Content[0]
	}
	line, col := n.Line, n.Column

	for _, seg := range pointer {
		switch n.Kind {
		case yaml.MappingNode:
			found := false
			for i := 0; i+1 < len(n.Content); i += 2 {
				if n.Content[i].Value == seg {
					line, col = n.Content[i].Line, n.Content[i].Column
					n = n.Content[i+1]
					found = true
					break
				}
			}
			if !found {
				return line, col
			}

		case yaml.SequenceNode:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(n.Content) {
				return line, col
			}
			n = n.Content[i]
			line, col = n.Line, n.Column

		default:
			return line, col
		}
	}

	return line, col
}

var pointerEscaper = strings.NewReplacer("~", "~0", "/", "~1")

func formatPointer(pointer []string) string {
	if len(pointer) == 0 {
		return "/"
	}

	var b strings.Builder
	for _, seg := range pointer {
		b.WriteString("/")
		b.WriteString(pointerEscaper.Replace(seg))
	}
	return b.String()
}

var yamlLine = regexp.MustCompile(`line (\d+)`)

func parseError(err error) error {
	out := &ParseError{Msg: err.Error()}
	if m := yamlLine.FindStringSubmatch(err.Error()); m != nil {
		out.Line, _ = strconv.Atoi(m[1])
	}
	return out
}
