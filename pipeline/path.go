package pipeline

import (
	"fmt"
	"strconv"
	"strings"
)

// Segment field names.
const (
	FieldStages   = "stages"
	FieldSteps    = "steps"
	FieldParallel = "parallel"
)

// Segment is one indexed step of a Path, e.g. "steps[2]".
type Segment struct {
	Field string
	Index int
}

func (s Segment) String() string {
	return fmt.Sprintf("%v[%d]", s.Field, s.Index)
}

// Path addresses a stage or a node inside a document. The first segment
// is always a stages segment. Every segment after it is a steps segment
// (the stage graph or a step group's children) or a parallel segment
// (the members of a parallel block).
type Path []Segment

// StagePath returns the path of the i-th stage.
func StagePath(i int) Path {
	return Path{{Field: FieldStages, Index: i}}
}

// ParsePath parses the dotted form produced by Path.String.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, &PathError{Kind: ErrInvalidPath, Msg: "empty path"}
	}

	parts := strings.Split(s, ".")
	p := make(Path, 0, len(parts))
	for i, part := range parts {
		open := strings.IndexByte(part, '[')
		if open <= 0 || !strings.HasSuffix(part, "]") {
			return nil, &PathError{Kind: ErrInvalidPath, Path: s, Msg: fmt.Sprintf("segment %q is not of the form field[index]", part)}
		}

		field := part[:open]
		idx, err := strconv.Atoi(part[open+1 : len(part)-1])
		if err != nil || idx < 0 {
			return nil, &PathError{Kind: ErrInvalidPath, Path: s, Msg: fmt.Sprintf("segment %q has a bad index", part)}
		}

		switch {
		case i == 0 && field != FieldStages:
			return nil, &PathError{Kind: ErrInvalidPath, Path: s, Msg: "path must start with stages[i]"}
		case i > 0 && field != FieldSteps && field != FieldParallel:
			return nil, &PathError{Kind: ErrInvalidPath, Path: s, Msg: fmt.Sprintf("unknown field %q", field)}
		}

		p = append(p, Segment{Field: field, Index: idx})
	}

	return p, nil
}

// MustParsePath is ParsePath for literals known to be valid.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, seg := range p {
		parts[i] = seg.String()
	}
	return strings.Join(parts, ".")
}

// MarshalText implements encoding.TextMarshaler.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text decodes
// to a nil Path, the form MarshalText writes for one.
func (p *Path) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*p = nil
		return nil
	}

	parsed, err := ParsePath(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// IsStage reports whether the path addresses a stage.
func (p Path) IsStage() bool { return len(p) == 1 }

// Parent returns the path of the containing element.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1]
}

// Last returns the final segment.
func (p Path) Last() Segment {
	return p[len(p)-1]
}

// Child returns a new path with seg appended.
func (p Path) Child(field string, index int) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, Segment{Field: field, Index: index})
}

// Equal reports whether both paths address the same place.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether p lies at or below prefix.
func (p Path) HasPrefix(prefix Path) bool {
	return len(p) >= len(prefix) && p[:len(prefix)].Equal(prefix)
}

func (p Path) clone() Path {
	out := make(Path, len(p))
	copy(out, p)
	return out
}
