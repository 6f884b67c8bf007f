package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/run-ci/composer/pipeline"
	"github.com/run-ci/composer/store"
)

func TestCreatePipeline(t *testing.T) {
	srv, st, changes := newTestServer(t)

	body := []byte("pipeline:\n  identifier: hello\n  stages: []\n")
	rw := do(t, srv, http.MethodPost, "/pipelines?project_id=3", body)
	if rw.Code != http.StatusCreated {
		t.Fatalf("expected status %v, got %v: %s", http.StatusCreated, rw.Code, rw.Body)
	}

	var resp pipelineResponse
	decodeBody(t, rw, &resp)
	if resp.ID != 1 || resp.ProjectID != 3 || resp.Identifier != "hello" || resp.Revision != 1 {
		t.Fatalf("unexpected pipeline in response: %+v", resp.Pipeline)
	}
	if resp.UpdatedBy != "user@test" {
		t.Fatalf("expected updated_by to be the token subject, got %q", resp.UpdatedBy)
	}

	p, err := st.GetPipeline(1)
	if err != nil {
		t.Fatalf("got error reading stored pipeline: %v", err)
	}
	if p.Document.Identifier != "hello" {
		t.Fatalf("expected stored document identifier hello, got %q", p.Document.Identifier)
	}

	var ev changeEvent
	if err := json.Unmarshal(<-changes, &ev); err != nil {
		t.Fatalf("got error unmarshaling change event: %v", err)
	}
	if ev.PipelineID != 1 || ev.Change.Kind != pipeline.ChangeAdded {
		t.Fatalf("unexpected change event: %+v", ev)
	}
}

func TestCreatePipelineErrors(t *testing.T) {
	srv, st, _ := newTestServer(t)
	seedPipeline(t, st)

	tests := []struct {
		label  string
		url    string
		body   string
		status int
	}{
		{
			label:  "missing project",
			url:    "/pipelines",
			body:   "pipeline: {identifier: p, stages: []}",
			status: http.StatusBadRequest,
		},
		{
			label:  "not a pipeline",
			url:    "/pipelines?project_id=1",
			body:   "stages: []",
			status: http.StatusBadRequest,
		},
		{
			label:  "unparseable",
			url:    "/pipelines?project_id=1",
			body:   "pipeline:\n\tidentifier: p\n",
			status: http.StatusUnprocessableEntity,
		},
		{
			label:  "duplicate identifier",
			url:    "/pipelines?project_id=1",
			body:   "pipeline: {identifier: release, stages: []}",
			status: http.StatusConflict,
		},
	}

	for _, test := range tests {
		t.Run(test.label, func(t *testing.T) {
			rw := do(t, srv, http.MethodPost, test.url, []byte(test.body))
			expectError(t, rw, test.status)
		})
	}
}

func TestGetPipelines(t *testing.T) {
	srv, st, _ := newTestServer(t)
	seedPipeline(t, st)

	if err := st.CreatePipeline(&store.Pipeline{ProjectID: 2, Document: pipeline.Document{Identifier: "other"}}); err != nil {
		t.Fatalf("got error seeding store: %v", err)
	}

	rw := do(t, srv, http.MethodGet, "/projects/1/pipelines", nil)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected status %v, got %v", http.StatusOK, rw.Code)
	}

	var ps []store.Pipeline
	decodeBody(t, rw, &ps)
	if len(ps) != 1 || ps[0].Identifier != "release" {
		t.Fatalf("expected only the release pipeline, got %+v", ps)
	}

	rw = do(t, srv, http.MethodGet, "/projects/abc/pipelines", nil)
	expectError(t, rw, http.StatusBadRequest)
}

func TestGetPipeline(t *testing.T) {
	srv, st, _ := newTestServer(t)
	seedPipeline(t, st)

	rw := do(t, srv, http.MethodGet, "/pipelines/1", nil)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected status %v, got %v", http.StatusOK, rw.Code)
	}

	var resp pipelineResponse
	decodeBody(t, rw, &resp)

	doc, err := pipeline.Decode(resp.Document)
	if err != nil {
		t.Fatalf("got error decoding response document: %v", err)
	}
	if len(doc.Stages) != 2 || doc.Stages[1].Identifier != "sign_off" {
		t.Fatalf("unexpected document in response: %+v", doc)
	}

	rw = do(t, srv, http.MethodGet, "/pipelines/7", nil)
	expectError(t, rw, http.StatusNotFound)
}

func TestGetPipelineAsYAML(t *testing.T) {
	srv, st, _ := newTestServer(t)
	seedPipeline(t, st)

	req := authRequest(http.MethodGet, "/pipelines/1", nil)
	req.Header.Set("Accept", "application/yaml")
	rw := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected status %v, got %v", http.StatusOK, rw.Code)
	}
	if ct := rw.Header().Get("Content-Type"); ct != "application/yaml" {
		t.Fatalf("expected a YAML content type, got %q", ct)
	}
	if !strings.HasPrefix(rw.Body.String(), "pipeline:\n") {
		t.Fatalf("expected a YAML document, got:\n%s", rw.Body)
	}
}

func TestReplacePipeline(t *testing.T) {
	srv, st, changes := newTestServer(t)
	seedPipeline(t, st)

	body := []byte("pipeline:\n  identifier: release\n  name: Renamed\n  stages:\n    - stage:\n        identifier: only\n        spec:\n          execution:\n            steps: []\n")
	rw := do(t, srv, http.MethodPut, "/pipelines/1", body)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected status %v, got %v: %s", http.StatusOK, rw.Code, rw.Body)
	}

	var resp mutationResponse
	decodeBody(t, rw, &resp)
	if resp.Revision != 2 {
		t.Fatalf("expected revision 2, got %v", resp.Revision)
	}
	if _, ok := resp.Errors["stages[0].steps"]; !ok {
		t.Fatalf("expected the empty stage to be reported, got %+v", resp.Errors)
	}

	p, _ := st.GetPipeline(1)
	if p.Name != "Renamed" || len(p.Document.Stages) != 1 {
		t.Fatalf("expected the stored document to be replaced, got %+v", p)
	}

	if len(changes) != 1 {
		t.Fatalf("expected one change event, got %v", len(changes))
	}
}

func TestDeletePipeline(t *testing.T) {
	srv, st, changes := newTestServer(t)
	seedPipeline(t, st)

	rw := do(t, srv, http.MethodDelete, "/pipelines/1", nil)
	if rw.Code != http.StatusNoContent {
		t.Fatalf("expected status %v, got %v", http.StatusNoContent, rw.Code)
	}
	if len(changes) != 1 {
		t.Fatalf("expected one change event, got %v", len(changes))
	}

	rw = do(t, srv, http.MethodDelete, "/pipelines/1", nil)
	expectError(t, rw, http.StatusNotFound)
}

func TestGetNode(t *testing.T) {
	srv, st, _ := newTestServer(t)
	seedPipeline(t, st)

	rw := do(t, srv, http.MethodGet, "/pipelines/1/nodes?path=stages[0].steps[1].parallel[1]", nil)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected status %v, got %v: %s", http.StatusOK, rw.Code, rw.Body)
	}

	n, err := pipeline.DecodeNode(rw.Body.Bytes())
	if err != nil {
		t.Fatalf("got error decoding node: %v", err)
	}
	if g, ok := n.(pipeline.StepGroup); !ok || g.Identifier != "lint" {
		t.Fatalf("expected the lint step group, got %+v", n)
	}

	tests := []struct {
		path   string
		status int
	}{
		{"stages[0].steps[8]", http.StatusNotFound},
		{"steps[0]", http.StatusBadRequest},
		{"", http.StatusBadRequest},
	}

	for _, test := range tests {
		rw := do(t, srv, http.MethodGet, "/pipelines/1/nodes?path="+test.path, nil)
		expectError(t, rw, test.status)
	}
}

func TestValidatePipeline(t *testing.T) {
	srv, st, _ := newTestServer(t)
	seedPipeline(t, st)

	rw := do(t, srv, http.MethodPost, "/pipelines/1/validate", nil)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected status %v, got %v: %s", http.StatusOK, rw.Code, rw.Body)
	}

	var resp validateResponse
	decodeBody(t, rw, &resp)
	if len(resp.Errors) != 0 || len(resp.Diagnostics) != 0 {
		t.Fatalf("expected the stored pipeline to be valid, got %+v", resp)
	}

	body := []byte(`pipeline:
  identifier: draft
  stages:
    - stage:
        identifier: build
        type: Build
        spec:
          execution:
            steps:
              - step:
                  identifier: bad id
                  type: Run
                  spec:
                    command: make
`)
	rw = do(t, srv, http.MethodPost, "/pipelines/1/validate", body)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected status %v, got %v: %s", http.StatusOK, rw.Code, rw.Body)
	}

	resp = validateResponse{}
	decodeBody(t, rw, &resp)
	if _, ok := resp.Errors["stages[0].spec.connectorRef"]; !ok {
		t.Fatalf("expected missing connectorRef to be reported, got %+v", resp.Errors)
	}
	if _, ok := resp.Errors["stages[0].steps[0].identifier"]; !ok {
		t.Fatalf("expected bad identifier to be reported, got %+v", resp.Errors)
	}
	if len(resp.Diagnostics) != 1 || resp.Diagnostics[0].Line != 11 {
		t.Fatalf("expected one schema diagnostic on line 11, got %+v", resp.Diagnostics)
	}

	rw = do(t, srv, http.MethodPost, "/pipelines/1/validate", []byte("pipeline: [\n"))
	expectError(t, rw, http.StatusUnprocessableEntity)
}

func TestGetLayout(t *testing.T) {
	srv, st, _ := newTestServer(t)
	seedPipeline(t, st)

	rw := do(t, srv, http.MethodGet, "/pipelines/1/layout", nil)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected status %v, got %v", http.StatusOK, rw.Code)
	}

	var layouts []pipeline.StageLayout
	decodeBody(t, rw, &layouts)
	if len(layouts) != 2 {
		t.Fatalf("expected 2 stage layouts, got %v", len(layouts))
	}

	build := layouts[0]
	if build.Identifier != "build" || build.Ranks != 3 || build.Lanes != 2 {
		t.Fatalf("unexpected build stage layout: %+v", build)
	}
}
