package pipeline

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		input    string
		expected Path
	}{
		{"stages[0]", Path{{FieldStages, 0}}},
		{"stages[2].steps[1]", Path{{FieldStages, 2}, {FieldSteps, 1}}},
		{" stages[0].steps[3].parallel[1].steps[0] ", Path{
			{FieldStages, 0}, {FieldSteps, 3}, {FieldParallel, 1}, {FieldSteps, 0},
		}},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			p, err := ParsePath(test.input)
			require.NoError(t, err)
			assert.Equal(t, test.expected, p)
		})
	}
}

func TestParsePathRejects(t *testing.T) {
	inputs := []string{
		"",
		"steps[0]",
		"stages",
		"stages[-1]",
		"stages[x]",
		"stages[0].spec",
		"stages[0].variables[0]",
		"stages[0]..steps[1]",
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			_, err := ParsePath(input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPath), "got %v", err)
		})
	}
}

func TestPathString(t *testing.T) {
	s := "stages[1].steps[0].parallel[2]"
	assert.Equal(t, s, MustParsePath(s).String())
}

func TestPathJSON(t *testing.T) {
	type wrapper struct {
		Path Path `json:"path"`
	}

	buf, err := json.Marshal(wrapper{Path: MustParsePath("stages[0].steps[1]")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"path": "stages[0].steps[1]"}`, string(buf))

	var w wrapper
	require.NoError(t, json.Unmarshal(buf, &w))
	assert.Equal(t, MustParsePath("stages[0].steps[1]"), w.Path)
}

func TestPathHelpers(t *testing.T) {
	p := MustParsePath("stages[0].steps[2].steps[1]")

	assert.Equal(t, "stages[0].steps[2]", p.Parent().String())
	assert.Equal(t, Segment{FieldSteps, 1}, p.Last())
	assert.True(t, p.HasPrefix(MustParsePath("stages[0].steps[2]")))
	assert.False(t, p.HasPrefix(MustParsePath("stages[0].steps[1]")))
	assert.False(t, p.IsStage())
	assert.True(t, StagePath(3).IsStage())

	child := p.Parent().Child(FieldSteps, 9)
	assert.Equal(t, "stages[0].steps[2].steps[9]", child.String())
	assert.Equal(t, "stages[0].steps[2].steps[1]", p.String(), "Child must not alias its receiver")
}

func TestChangeJSONWithoutPath(t *testing.T) {
	buf, err := json.Marshal(Change{Kind: ChangeEdited, Identifier: "release"})
	require.NoError(t, err)

	var c Change
	require.NoError(t, json.Unmarshal(buf, &c))
	assert.Equal(t, Change{Kind: ChangeEdited, Identifier: "release"}, c)

	buf, err = json.Marshal(Change{Kind: ChangeMoved, Path: MustParsePath("stages[0].steps[1]"), From: MustParsePath("stages[0].steps[0]")})
	require.NoError(t, err)

	c = Change{}
	require.NoError(t, json.Unmarshal(buf, &c))
	assert.Equal(t, "stages[0].steps[1]", c.Path.String())
	assert.Equal(t, "stages[0].steps[0]", c.From.String())
}
