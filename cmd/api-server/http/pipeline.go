package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/run-ci/composer/pipeline"
	"github.com/run-ci/composer/schema"
	"github.com/run-ci/composer/session"
	"github.com/run-ci/composer/store"
	"github.com/sirupsen/logrus"
)

// maxBody caps the size of request bodies.
const maxBody = 1 << 20

type pipelineResponse struct {
	store.Pipeline
	Document json.RawMessage `json:"document"`
}

type validateResponse struct {
	Errors      pipeline.ErrorMap   `json:"errors"`
	Diagnostics []schema.Diagnostic `json:"diagnostics"`
}

func requestLogger(req *http.Request) *logrus.Entry {
	reqID, _ := req.Context().Value(keyReqID).(string)
	return logger.WithField("request_id", reqID)
}

func subject(req *http.Request) string {
	sub, _ := req.Context().Value(keyReqSub).(string)
	return sub
}

// intVar parses the mux variable name as an integer.
func intVar(req *http.Request, name string) (int, error) {
	raw, ok := mux.Vars(req)[name]
	if !ok || raw == "" {
		return 0, fmt.Errorf("missing parameter '%v' from request", name)
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parameter '%v' must be an integer", name)
	}
	return n, nil
}

func readBody(rw http.ResponseWriter, req *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(rw, req.Body, maxBody))
}

// decodeDocument schema checks raw and then decodes it.
func (srv *Server) decodeDocument(req *http.Request, raw []byte) (pipeline.Document, []schema.Diagnostic, error) {
	var diags []schema.Diagnostic
	if srv.schema != nil {
		var err error
		diags, err = srv.schema(req.Context(), raw)
		if err != nil {
			return pipeline.Document{}, nil, err
		}
	}

	doc, err := pipeline.Decode(raw)
	return doc, diags, err
}

func toResponse(p store.Pipeline) (pipelineResponse, error) {
	doc, err := pipeline.EncodeJSON(p.Document)
	if err != nil {
		return pipelineResponse{}, err
	}
	return pipelineResponse{Pipeline: p, Document: doc}, nil
}

func (srv *Server) handleCreatePipeline(rw http.ResponseWriter, req *http.Request) {
	logger := requestLogger(req)

	pid, err := strconv.Atoi(req.URL.Query().Get("project_id"))
	if err != nil {
		err := errors.New("query parameter 'project_id' must be an integer")
		logger.WithError(err).Error("unable to complete request")

		writeErrResp(rw, err, http.StatusBadRequest)
		return
	}

	buf, err := readBody(rw, req)
	if err != nil {
		logger.WithError(err).Error("unable to read request body")

		writeErrResp(rw, err, http.StatusBadRequest)
		return
	}

	doc, _, err := srv.decodeDocument(req, buf)
	if err != nil {
		logger.WithError(err).Error("unable to decode pipeline document")

		writeErrResp(rw, err, statusFor(err))
		return
	}

	p := store.Pipeline{
		ProjectID: pid,
		UpdatedBy: subject(req),
		Document:  doc,
	}

	logger = logger.WithFields(logrus.Fields{
		"project_id": pid,
		"identifier": doc.Identifier,
	})
	logger.Debug("saving pipeline")

	if err := srv.st.CreatePipeline(&p); err != nil {
		logger.WithError(err).Error("unable to save pipeline")

		writeErrResp(rw, err, statusFor(err))
		return
	}

	resp, err := toResponse(p)
	if err != nil {
		logger.WithError(err).Error("unable to encode pipeline")

		writeErrResp(rw, err, http.StatusInternalServerError)
		return
	}

	srv.publish(req, p.ID, p.Revision, pipeline.Change{Kind: pipeline.ChangeAdded, Identifier: doc.Identifier})
	writeJSON(rw, http.StatusCreated, resp)
}

func (srv *Server) handleGetPipelines(rw http.ResponseWriter, req *http.Request) {
	logger := requestLogger(req)

	logger.Debug("checking mux vars for project_id")
	pid, err := intVar(req, "project_id")
	if err != nil {
		logger.WithError(err).Error("unable to complete request")

		writeErrResp(rw, err, http.StatusBadRequest)
		return
	}

	logger = logger.WithField("project_id", pid)
	logger.Debug("retrieving pipelines from store")

	pipelines, err := srv.st.GetPipelines(pid)
	if err != nil {
		logger.WithError(err).Error("unable to retrieve pipelines")

		writeErrResp(rw, err, http.StatusInternalServerError)
		return
	}

	writeJSON(rw, http.StatusOK, pipelines)
}

// loadPipeline fetches the pipeline named by the id mux variable and
// writes the error response itself when it can't.
func (srv *Server) loadPipeline(rw http.ResponseWriter, req *http.Request) (store.Pipeline, bool) {
	logger := requestLogger(req)

	id, err := intVar(req, "id")
	if err != nil {
		logger.WithError(err).Error("unable to complete request")

		writeErrResp(rw, err, http.StatusBadRequest)
		return store.Pipeline{}, false
	}

	p, err := srv.st.GetPipeline(id)
	if err != nil {
		logger.WithError(err).WithField("id", id).Error("unable to retrieve pipeline")

		writeErrResp(rw, err, statusFor(err))
		return store.Pipeline{}, false
	}

	return p, true
}

func (srv *Server) handleGetPipeline(rw http.ResponseWriter, req *http.Request) {
	logger := requestLogger(req)

	p, ok := srv.loadPipeline(rw, req)
	if !ok {
		return
	}

	if strings.Contains(req.Header.Get("Accept"), "yaml") {
		buf, err := pipeline.EncodeYAML(p.Document)
		if err != nil {
			logger.WithError(err).Error("unable to encode pipeline")

			writeErrResp(rw, err, http.StatusInternalServerError)
			return
		}

		rw.Header().Set("Content-Type", "application/yaml")
		rw.WriteHeader(http.StatusOK)
		rw.Write(buf)
		return
	}

	resp, err := toResponse(p)
	if err != nil {
		logger.WithError(err).Error("unable to encode pipeline")

		writeErrResp(rw, err, http.StatusInternalServerError)
		return
	}

	writeJSON(rw, http.StatusOK, resp)
}

func (srv *Server) handleReplacePipeline(rw http.ResponseWriter, req *http.Request) {
	logger := requestLogger(req)

	buf, err := readBody(rw, req)
	if err != nil {
		logger.WithError(err).Error("unable to read request body")

		writeErrResp(rw, err, http.StatusBadRequest)
		return
	}

	p, ok := srv.loadPipeline(rw, req)
	if !ok {
		return
	}

	doc, _, err := srv.decodeDocument(req, buf)
	if err != nil {
		logger.WithError(err).Error("unable to decode pipeline document")

		writeErrResp(rw, err, statusFor(err))
		return
	}

	srv.applyMutation(rw, req, p, session.Replace(doc))
}

func (srv *Server) handleDeletePipeline(rw http.ResponseWriter, req *http.Request) {
	logger := requestLogger(req)

	id, err := intVar(req, "id")
	if err != nil {
		logger.WithError(err).Error("unable to complete request")

		writeErrResp(rw, err, http.StatusBadRequest)
		return
	}

	if err := srv.st.DeletePipeline(id); err != nil {
		logger.WithError(err).WithField("id", id).Error("unable to delete pipeline")

		writeErrResp(rw, err, statusFor(err))
		return
	}

	srv.publish(req, id, 0, pipeline.Change{Kind: pipeline.ChangeRemoved})
	rw.WriteHeader(http.StatusNoContent)
}

func (srv *Server) handleGetNode(rw http.ResponseWriter, req *http.Request) {
	logger := requestLogger(req)

	path, err := pipeline.ParsePath(req.URL.Query().Get("path"))
	if err != nil {
		logger.WithError(err).Error("unable to parse node path")

		writeErrResp(rw, err, http.StatusBadRequest)
		return
	}

	p, ok := srv.loadPipeline(rw, req)
	if !ok {
		return
	}

	e, err := pipeline.GetNode(p.Document, path)
	if err != nil {
		logger.WithError(err).Error("unable to resolve node")

		writeErrResp(rw, err, statusFor(err))
		return
	}

	buf, err := pipeline.EncodeElementJSON(e)
	if err != nil {
		logger.WithError(err).Error("unable to encode node")

		writeErrResp(rw, err, http.StatusInternalServerError)
		return
	}

	writeJSON(rw, http.StatusOK, json.RawMessage(buf))
}

// handleValidatePipeline validates the document in the request body, or
// the stored document when the body is empty.
func (srv *Server) handleValidatePipeline(rw http.ResponseWriter, req *http.Request) {
	logger := requestLogger(req)

	buf, err := readBody(rw, req)
	if err != nil {
		logger.WithError(err).Error("unable to read request body")

		writeErrResp(rw, err, http.StatusBadRequest)
		return
	}

	p, ok := srv.loadPipeline(rw, req)
	if !ok {
		return
	}

	doc := p.Document
	var diags []schema.Diagnostic

	if len(strings.TrimSpace(string(buf))) > 0 {
		doc, diags, err = srv.decodeDocument(req, buf)
	} else if srv.schema != nil {
		var raw []byte
		if raw, err = pipeline.EncodeYAML(doc); err == nil {
			diags, err = srv.schema(req.Context(), raw)
		}
	}
	if err != nil {
		logger.WithError(err).Error("unable to validate pipeline")

		writeErrResp(rw, err, statusFor(err))
		return
	}

	errs := pipeline.Validate(doc)
	validationIssues.Observe(float64(len(errs)))

	if diags == nil {
		diags = []schema.Diagnostic{}
	}
	writeJSON(rw, http.StatusOK, validateResponse{Errors: errs, Diagnostics: diags})
}

func (srv *Server) handleGetLayout(rw http.ResponseWriter, req *http.Request) {
	p, ok := srv.loadPipeline(rw, req)
	if !ok {
		return
	}

	writeJSON(rw, http.StatusOK, pipeline.LayoutDocument(p.Document))
}
