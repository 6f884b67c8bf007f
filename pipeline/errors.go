package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when a path doesn't resolve to anything
	// in the document.
	ErrNotFound = errors.New("node not found")
	// ErrDuplicateIdentifier is returned alongside an applied change when
	// the inserted element's identifier collides with a sibling. The
	// document returned with it is still the updated one.
	ErrDuplicateIdentifier = errors.New("duplicate identifier")
	// ErrInvalidPath is returned when a path can't be parsed or addresses
	// something that isn't a stage or a node.
	ErrInvalidPath = errors.New("invalid path")
	// ErrKindMismatch is returned when an element is placed at a path
	// that holds a different kind of element.
	ErrKindMismatch = errors.New("element kind does not fit path")
	// ErrInvalidMove is returned when a node would be moved into itself.
	ErrInvalidMove = errors.New("invalid move")
	// ErrMalformedDocument is returned when the wire format can't be
	// decoded into a Document.
	ErrMalformedDocument = errors.New("malformed pipeline document")
)

// PathError ties one of the sentinel errors above to the path it
// happened at.
type PathError struct {
	Kind error
	Path string
	Msg  string
}

func (e *PathError) Error() string {
	if e == nil {
		return ""
	}

	msg := e.Kind.Error()
	if e.Path != "" {
		msg = fmt.Sprintf("%v at %v", msg, e.Path)
	}
	if e.Msg != "" {
		msg = fmt.Sprintf("%v: %v", msg, e.Msg)
	}
	return msg
}

func (e *PathError) Unwrap() error { return e.Kind }

func notFound(p Path) error {
	return &PathError{Kind: ErrNotFound, Path: p.String()}
}

func kindMismatch(p Path, format string, args ...interface{}) error {
	return &PathError{Kind: ErrKindMismatch, Path: p.String(), Msg: fmt.Sprintf(format, args...)}
}

func duplicate(p Path, id string) error {
	return &PathError{Kind: ErrDuplicateIdentifier, Path: p.String(), Msg: fmt.Sprintf("%q is already used by a sibling", id)}
}

// DecodeError is returned by the codec for input that isn't a pipeline
// document.
type DecodeError struct {
	Line int
	Msg  string
}

func (e *DecodeError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%v: line %v: %v", ErrMalformedDocument, e.Line, e.Msg)
	}
	return fmt.Sprintf("%v: %v", ErrMalformedDocument, e.Msg)
}

func (e *DecodeError) Unwrap() error { return ErrMalformedDocument }

// ValidationError aggregates the failures of an ErrorMap into a
// single error value.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "pipeline validation failed"
	}
	return "pipeline validation failed: " + strings.Join(e.Issues, "; ")
}

// Err returns nil for an empty map and a *ValidationError otherwise.
// Issues are sorted by path.
func (m ErrorMap) Err() error {
	if len(m) == 0 {
		return nil
	}

	issues := make([]string, 0, len(m))
	for _, p := range m.Paths() {
		issues = append(issues, fmt.Sprintf("%v: %v", p, m[p].Message))
	}
	sort.Strings(issues)

	return &ValidationError{Issues: issues}
}
