package pipeline

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestdata(t *testing.T) Document {
	t.Helper()

	data, err := os.ReadFile("testdata/pipeline.yaml")
	require.NoError(t, err)

	doc, err := Decode(data)
	require.NoError(t, err)
	return doc
}

func TestDecode(t *testing.T) {
	doc := loadTestdata(t)

	assert.Equal(t, "release", doc.Identifier)
	require.Len(t, doc.Stages, 2)

	build := doc.Stages[0]
	assert.Equal(t, StageBuild, build.Type)
	assert.Equal(t, "account.k8s", build.Spec.ConnectorRef)
	assert.Equal(t, []Variable{{Name: "tag", Type: VariableString, Value: "<+input>"}}, build.Variables)
	assert.Equal(t, []string{"compile", ""}, ids(build.Steps))

	compile := build.Steps[0].(Step)
	assert.Equal(t, "10m", compile.Timeout)
	assert.Equal(t, RunSpec{Image: "golang:1.22", Shell: "Sh", Command: "go build ./..."}, compile.Spec)

	vet, err := GetNode(doc, MustParsePath("stages[0].steps[1].parallel[1].steps[0]"))
	require.NoError(t, err)
	assert.Equal(t, StepRun, vet.(Step).Type())

	report, err := GetNode(doc, MustParsePath("stages[0].steps[1].parallel[1].steps[1]"))
	require.NoError(t, err)
	assert.Equal(t, PluginSpec{Image: "plugins/s3", Settings: map[string]string{"bucket": "reports"}}, report.(Step).Spec)

	signOff := doc.Stages[1]
	assert.Equal(t, StageApproval, signOff.Type)
	assert.Equal(t, ApprovalSpec{
		Approvers:    []string{"release-managers"},
		MinimumCount: 1,
		Message:      "Ship it?",
	}, signOff.Steps[0].(Step).Spec)
	assert.Equal(t, WaitSpec{Duration: "1h30m"}, signOff.Steps[1].(Step).Spec)

	assert.Empty(t, Validate(doc))
}

func TestEncodeRoundTrip(t *testing.T) {
	docs := map[string]Document{
		"testdata": loadTestdata(t),
		"sample":   sampleDocument(),
		"untyped": singleStage(Stage{
			Identifier: "draft",
			Steps:      Graph{Step{Identifier: "todo"}, StepGroup{Identifier: "g"}, Parallel{}},
		}),
	}

	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			y, err := EncodeYAML(doc)
			require.NoError(t, err)

			fromYAML, err := Decode(y)
			require.NoError(t, err)
			assert.Equal(t, doc, fromYAML)

			j, err := EncodeJSON(doc)
			require.NoError(t, err)

			fromJSON, err := Decode(j)
			require.NoError(t, err)
			assert.Equal(t, doc, fromJSON)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		label string
		input string
	}{
		{"empty", "  \n"},
		{"no pipeline key", "stages: []\n"},
		{"bad yaml", "pipeline:\n  stages: [\n"},
		{"stage without key", "pipeline:\n  stages:\n    - identifier: x\n"},
		{"unknown step type", "pipeline:\n  stages:\n    - stage:\n        identifier: s\n        spec:\n          execution:\n            steps:\n              - step: {identifier: x, type: Teleport}\n"},
		{"unknown stage type", "pipeline:\n  stages:\n    - stage: {identifier: s, type: Chaos}\n"},
		{"two keys in one entry", "pipeline:\n  stages:\n    - stage:\n        identifier: s\n        spec:\n          execution:\n            steps:\n              - step: {identifier: x}\n                parallel: []\n"},
	}

	for _, test := range tests {
		t.Run(test.label, func(t *testing.T) {
			_, err := Decode([]byte(test.input))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedDocument), "got %v", err)
		})
	}
}

func TestDecodeErrorLine(t *testing.T) {
	input := "pipeline:\n  identifier: p\n  stages:\n    - stage:\n        identifier: s\n        spec:\n          execution:\n            steps:\n              - wat: {}\n"

	_, err := Decode([]byte(input))
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 9, de.Line)
}

func TestDecodeElements(t *testing.T) {
	step, err := DecodeStep([]byte(`{"step": {"identifier": "x", "type": "Wait", "spec": {"duration": "5m"}}}`))
	require.NoError(t, err)
	assert.Equal(t, Step{Identifier: "x", Spec: WaitSpec{Duration: "5m"}}, step)

	_, err = DecodeStep([]byte(`{"stepGroup": {"identifier": "g", "steps": []}}`))
	assert.True(t, errors.Is(err, ErrMalformedDocument))

	node, err := DecodeNode([]byte("parallel:\n  - step: {identifier: a, type: Run, spec: {command: make}}\n"))
	require.NoError(t, err)
	assert.Equal(t, Parallel{Nodes: Graph{run("a", "make")}}, node)

	stage, err := DecodeStage([]byte(`{"stage": {"identifier": "s", "type": "Deployment"}}`))
	require.NoError(t, err)
	assert.Equal(t, Stage{Identifier: "s", Type: StageDeploy}, stage)

	_, err = DecodeStage([]byte(`{"identifier": "s"}`))
	assert.True(t, errors.Is(err, ErrMalformedDocument))
}

func TestEncodeElementJSON(t *testing.T) {
	b, err := EncodeElementJSON(run("a", "make a"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"step": {"identifier": "a", "type": "Run", "spec": {"command": "make a"}}}`, string(b))

	b, err = EncodeElementJSON(Parallel{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"parallel": []}`, string(b))

	b, err = EncodeElementJSON(Stage{Identifier: "s"})
	require.NoError(t, err)

	back, err := DecodeStage(b)
	require.NoError(t, err)
	assert.Equal(t, Stage{Identifier: "s"}, back)
}
