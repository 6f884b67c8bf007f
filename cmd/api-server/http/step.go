package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/run-ci/composer/pipeline"
	"github.com/run-ci/composer/schema"
	"github.com/run-ci/composer/session"
	"github.com/run-ci/composer/store"
	"github.com/sirupsen/logrus"
)

// nodeRequest is the body of add and edit requests. Node holds a single
// graph entry in wire form, e.g. {"step": {...}}.
type nodeRequest struct {
	Path string          `json:"path" validate:"required"`
	Node json.RawMessage `json:"node" validate:"required"`
}

type moveRequest struct {
	From string `json:"from" validate:"required"`
	To   string `json:"to" validate:"required"`
}

type mutationResponse struct {
	Change      pipeline.Change     `json:"change"`
	Revision    int                 `json:"revision"`
	Errors      pipeline.ErrorMap   `json:"errors"`
	Diagnostics []schema.Diagnostic `json:"diagnostics"`
}

// changeEvent is what gets published for every applied change.
type changeEvent struct {
	PipelineID int             `json:"pipeline_id"`
	Revision   int             `json:"revision"`
	Change     pipeline.Change `json:"change"`
	Subject    string          `json:"sub,omitempty"`
	RequestID  string          `json:"request_id"`
	Time       time.Time       `json:"time"`
}

// decodeRequest reads a JSON body into v and validates its fields.
func (srv *Server) decodeRequest(rw http.ResponseWriter, req *http.Request, v interface{}) bool {
	logger := requestLogger(req)

	buf, err := readBody(rw, req)
	if err != nil {
		logger.WithError(err).Error("unable to read request body")

		writeErrResp(rw, err, http.StatusBadRequest)
		return false
	}

	if err := json.Unmarshal(buf, v); err != nil {
		logger.WithError(err).Error("unable to unmarshal request body")

		writeErrResp(rw, err, http.StatusBadRequest)
		return false
	}

	if err := srv.validate.Struct(v); err != nil {
		logger.WithError(err).Error("invalid request body")

		writeErrResp(rw, err, http.StatusBadRequest)
		return false
	}

	return true
}

func (srv *Server) handleAddStep(rw http.ResponseWriter, req *http.Request) {
	logger := requestLogger(req)

	var body nodeRequest
	if !srv.decodeRequest(rw, req, &body) {
		return
	}

	path, err := pipeline.ParsePath(body.Path)
	if err != nil {
		logger.WithError(err).Error("unable to parse node path")

		writeErrResp(rw, err, http.StatusBadRequest)
		return
	}

	node, err := pipeline.DecodeNode(body.Node)
	if err != nil {
		logger.WithError(err).Error("unable to decode node")

		writeErrResp(rw, err, http.StatusBadRequest)
		return
	}

	p, ok := srv.loadPipeline(rw, req)
	if !ok {
		return
	}

	srv.applyMutation(rw, req, p, session.AddStep(path, node))
}

func (srv *Server) handleEditStep(rw http.ResponseWriter, req *http.Request) {
	logger := requestLogger(req)

	var body nodeRequest
	if !srv.decodeRequest(rw, req, &body) {
		return
	}

	path, err := pipeline.ParsePath(body.Path)
	if err != nil {
		logger.WithError(err).Error("unable to parse node path")

		writeErrResp(rw, err, http.StatusBadRequest)
		return
	}

	step, err := pipeline.DecodeStep(body.Node)
	if err != nil {
		logger.WithError(err).Error("unable to decode step")

		writeErrResp(rw, err, http.StatusBadRequest)
		return
	}

	p, ok := srv.loadPipeline(rw, req)
	if !ok {
		return
	}

	srv.applyMutation(rw, req, p, session.EditStep(path, step))
}

func (srv *Server) handleRemoveStep(rw http.ResponseWriter, req *http.Request) {
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

	srv.applyMutation(rw, req, p, session.RemoveStep(path))
}

func (srv *Server) handleMoveStep(rw http.ResponseWriter, req *http.Request) {
	logger := requestLogger(req)

	var body moveRequest
	if !srv.decodeRequest(rw, req, &body) {
		return
	}

	from, err := pipeline.ParsePath(body.From)
	if err != nil {
		logger.WithError(err).Error("unable to parse source path")

		writeErrResp(rw, err, http.StatusBadRequest)
		return
	}

	to, err := pipeline.ParsePath(body.To)
	if err != nil {
		logger.WithError(err).Error("unable to parse destination path")

		writeErrResp(rw, err, http.StatusBadRequest)
		return
	}

	p, ok := srv.loadPipeline(rw, req)
	if !ok {
		return
	}

	srv.applyMutation(rw, req, p, session.MoveStep(from, to))
}

// applyMutation runs m in a session over p, saves the result and
// publishes the change.
func (srv *Server) applyMutation(rw http.ResponseWriter, req *http.Request, p store.Pipeline, m session.Mutation) {
	logger := requestLogger(req).WithFields(logrus.Fields{
		"id":       p.ID,
		"mutation": m.String(),
	})

	sess := session.New(p.Document, session.Config{
		Schema:   srv.schema,
		Saver:    store.Saver{Store: srv.st, ID: p.ID, UpdatedBy: subject(req)},
		Revision: p.Revision,
	})
	defer sess.Close()

	change, err := sess.Apply(m)
	if err != nil {
		writeErrResp(rw, err, statusFor(err))
		return
	}

	sess.Flush()
	snap := sess.Snapshot()
	if snap.SaveErr != nil {
		logger.WithError(snap.SaveErr).Error("unable to save pipeline")

		writeErrResp(rw, snap.SaveErr, statusFor(snap.SaveErr))
		return
	}

	mutationTotal.WithLabelValues(string(change.Kind)).Inc()
	srv.publish(req, p.ID, snap.Revision, change)

	diags := snap.Diagnostics
	if diags == nil {
		diags = []schema.Diagnostic{}
	}

	writeJSON(rw, http.StatusOK, mutationResponse{
		Change:      change,
		Revision:    snap.Revision,
		Errors:      snap.Errors,
		Diagnostics: diags,
	})
}

// publish sends a change event if the server has somewhere to send it.
func (srv *Server) publish(req *http.Request, id, revision int, change pipeline.Change) {
	if srv.changes == nil {
		return
	}

	reqID, _ := req.Context().Value(keyReqID).(string)
	buf, err := json.Marshal(changeEvent{
		PipelineID: id,
		Revision:   revision,
		Change:     change,
		Subject:    subject(req),
		RequestID:  reqID,
		Time:       time.Now().UTC(),
	})
	if err != nil {
		logger.WithError(err).Error("unable to marshal change event")
		return
	}

	select {
	case srv.changes <- buf:
	case <-req.Context().Done():
		logger.WithField("request_id", reqID).Warn("dropping change event")
	}
}
