package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/run-ci/composer/pipeline"
	"github.com/run-ci/composer/schema"
	"github.com/run-ci/composer/store"

	jwt "github.com/dgrijalva/jwt-go"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var logger *logrus.Entry

type ctxkey int

const (
	keyReqID ctxkey = iota
	keyReqSub
)

func init() {
	logger = logrus.WithField("package", "http")
}

// apiStore is a grouping of the minimum number of store
// interfaces the API needs to work.
type apiStore interface {
	CreatePipeline(*store.Pipeline) error
	GetPipeline(id int) (store.Pipeline, error)
	GetPipelines(projectID int) ([]store.Pipeline, error)
	UpdatePipeline(*store.Pipeline) error
	DeletePipeline(id int) error
}

// Server is a net/http.Server with dependencies like
// the database connection.
type Server struct {
	st        apiStore
	changes   chan<- []byte
	jwtsecret []byte
	schema    schema.Func
	validate  *validator.Validate

	*http.Server
}

// NewServer returns a Server with a reference to `st`, listening
// on `addr`. Every applied edit is published as JSON on `changes`.
func NewServer(addr string, changes chan<- []byte, st apiStore, jwtsecret string, check schema.Func) *Server {
	srv := &Server{
		Server: &http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
		},

		st:        st,
		changes:   changes,
		jwtsecret: []byte(jwtsecret),
		schema:    check,
		validate:  validator.New(),
	}

	r := mux.NewRouter()
	srv.Handler = r

	r.Handle("/", chain(getRoot, setRequestID, logRequest)).
		Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).
		Methods(http.MethodGet)

	srv.route(r, "/pipelines", "create_pipeline", srv.handleCreatePipeline, http.MethodPost)
	srv.route(r, "/projects/{project_id}/pipelines", "get_pipelines", srv.handleGetPipelines, http.MethodGet)

	srv.route(r, "/pipelines/{id}", "get_pipeline", srv.handleGetPipeline, http.MethodGet)
	srv.route(r, "/pipelines/{id}", "replace_pipeline", srv.handleReplacePipeline, http.MethodPut)
	srv.route(r, "/pipelines/{id}", "delete_pipeline", srv.handleDeletePipeline, http.MethodDelete)

	srv.route(r, "/pipelines/{id}/nodes", "get_node", srv.handleGetNode, http.MethodGet)
	srv.route(r, "/pipelines/{id}/validate", "validate_pipeline", srv.handleValidatePipeline, http.MethodPost)
	srv.route(r, "/pipelines/{id}/layout", "get_layout", srv.handleGetLayout, http.MethodGet)

	srv.route(r, "/pipelines/{id}/steps", "add_step", srv.handleAddStep, http.MethodPost)
	srv.route(r, "/pipelines/{id}/steps", "edit_step", srv.handleEditStep, http.MethodPut)
	srv.route(r, "/pipelines/{id}/steps", "remove_step", srv.handleRemoveStep, http.MethodDelete)
	srv.route(r, "/pipelines/{id}/steps/move", "move_step", srv.handleMoveStep, http.MethodPost)

	return srv
}

// route registers an authenticated, instrumented endpoint.
func (srv *Server) route(r *mux.Router, path, name string, f http.HandlerFunc, method string) {
	r.Handle(path, chain(
		f,
		setRequestID,
		logRequest,
		instrument(name),
		srv.checkAuth,
	)).Methods(method)
}

// Middleware is a function that can intercept the handling of an HTTP request
// to do something useful.
type middleware func(http.HandlerFunc) http.HandlerFunc

// Chain builds the final http.Handler from all the middlewares passed to it.
func chain(f http.HandlerFunc, mw ...middleware) http.Handler {
	// Because function calls are placed on a stack, they need to
	// be applied in reverse order from what they are passed in,
	// in order for calls to Chain() to be intuitive.
	for i := len(mw) - 1; i >= 0; i-- {
		f = mw[i](f)
	}

	return f
}

// SetRequestID sets a UUID on the request so that it can be tracked through
// logs, metrics and instrumentation.
func setRequestID(f http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		id := uuid.New().String()

		ctx := context.WithValue(req.Context(), keyReqID, id)
		logger.WithField("request_id", id).
			Debug("setting request ID")

		rw.Header().Set("X-Request-Id", id)
		f(rw, req.WithContext(ctx))
	}
}

// LogRequest logs useful information about the request. It must have a
// "request_id" set on the request context.
func logRequest(f http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		reqid := req.Context().Value(keyReqID).(string)

		logger := logger.WithField("request_id", reqid)

		logger.Infof("%v %v", req.Method, req.URL)

		f(rw, req)
	}
}

func (srv *Server) checkAuth(f http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		hdrline, ok := req.Header["Authorization"]
		if !ok {
			err := errors.New("missing bearer token")

			logger.WithError(err).Error("unable to authorize request")
			writeErrResp(rw, err, http.StatusUnauthorized)
			return
		}

		hdr := strings.Split(hdrline[0], " ")

		if len(hdr) < 2 {
			err := errors.New("missing bearer token")

			logger.WithError(err).Error("unable to authorize request")
			writeErrResp(rw, err, http.StatusUnauthorized)
			return
		}

		// Tokens come in the form of "Bearer $TOKEN"
		bearer := hdr[1]

		keyfn := func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				err := errors.New("invalid signing method for bearer token")

				return nil, err
			}

			return srv.jwtsecret, nil
		}

		token, err := jwt.ParseWithClaims(bearer, &jwt.StandardClaims{}, keyfn)
		if err != nil {
			logger.WithError(err).Error("unable to authorize request")
			writeErrResp(rw, err, http.StatusUnauthorized)
			return
		}

		if claims, ok := token.Claims.(*jwt.StandardClaims); ok && token.Valid {
			if time.Now().Unix() > claims.ExpiresAt {
				err := errors.New("token expired")
				logger.WithError(err).Error("unable to authorize request")
				writeErrResp(rw, err, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(req.Context(), keyReqSub, claims.Subject)
			logger.WithField("sub", claims.Subject).
				Debug("setting auth subject")

			f(rw, req.WithContext(ctx))
			return
		}

		err = errors.New("invalid bearer token")
		logger.WithError(err).Error("unable to authorize request")
		writeErrResp(rw, err, http.StatusUnauthorized)
	}
}

func getRoot(rw http.ResponseWriter, req *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]string{
		"name":   "composer",
		"status": "ok",
	})
}

// statusFor picks the response status for an error coming out of the
// store, the model or the schema checker.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrPipelineNotFound), errors.Is(err, pipeline.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicatePipeline):
		return http.StatusConflict
	case errors.Is(err, schema.ErrSchemaParse):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrInvalidPath),
		errors.Is(err, pipeline.ErrKindMismatch),
		errors.Is(err, pipeline.ErrInvalidMove),
		errors.Is(err, pipeline.ErrMalformedDocument):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeErrResp(rw http.ResponseWriter, err error, status int) {
	writeJSON(rw, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	buf, err := json.Marshal(v)
	if err != nil {
		logger.WithError(err).Error("unable to marshal response body")

		rw.WriteHeader(http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	rw.Write(buf)
}
