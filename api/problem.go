package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ade-io/ade/blob"
	"github.com/ade-io/ade/configstore"
	"github.com/ade-io/ade/store"
)

// Problem is an RFC 9457 error response body. Type carries a stable machine
// tag under the urn:ade:error namespace.
type Problem struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Status      int    `json:"status"`
	Detail      string `json:"detail,omitempty"`
	Instance    string `json:"instance,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
	Errors      any    `json:"errors,omitempty"`
	CurrentETag string `json:"current_etag,omitempty"`
	Limit       int64  `json:"limit,omitempty"`
}

func problemType(tag string) string { return "urn:ade:error:" + tag }

var statusTitles = map[int]string{
	http.StatusBadRequest:           "Bad Request",
	http.StatusUnauthorized:         "Unauthorized",
	http.StatusForbidden:            "Forbidden",
	http.StatusNotFound:             "Not Found",
	http.StatusConflict:             "Conflict",
	http.StatusPreconditionFailed:   "Precondition Failed",
	http.StatusRequestEntityTooLarge: "Payload Too Large",
	http.StatusUnprocessableEntity:  "Unprocessable Entity",
	http.StatusPreconditionRequired: "Precondition Required",
	http.StatusInternalServerError:  "Internal Server Error",
}

func (s *Server) problem(w http.ResponseWriter, r *http.Request, p Problem) {
	if p.Title == "" {
		p.Title = statusTitles[p.Status]
	}
	p.Instance = r.URL.Path
	p.RequestID = middleware.GetReqID(r.Context())
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		s.logger.Warn("problem write failed", map[string]any{"error": err.Error()})
	}
}

// tagStatus maps configstore error tags to HTTP statuses.
var tagStatus = map[configstore.Tag]int{
	configstore.TagNotEditable:          http.StatusConflict,
	configstore.TagPublishConflict:      http.StatusConflict,
	configstore.TagAlreadyExists:        http.StatusConflict,
	configstore.TagEngineDepMissing:     http.StatusUnprocessableEntity,
	configstore.TagPreconditionRequired: http.StatusPreconditionRequired,
	configstore.TagPreconditionFailed:   http.StatusPreconditionFailed,
	configstore.TagPathNotAllowed:       http.StatusBadRequest,
	configstore.TagArchiveTooLarge:      http.StatusRequestEntityTooLarge,
	configstore.TagTooManyEntries:       http.StatusBadRequest,
	configstore.TagFileTooLarge:         http.StatusRequestEntityTooLarge,
	configstore.TagInvalidArchive:       http.StatusBadRequest,
	configstore.TagNotFound:             http.StatusNotFound,
}

// fail translates an internal error into a Problem response. Unrecognized
// errors become opaque 500s; the detail stays in the log, not the body.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var csErr *configstore.Error
	if errors.As(err, &csErr) {
		status, ok := tagStatus[csErr.Tag]
		if !ok {
			status = http.StatusInternalServerError
		}
		s.problem(w, r, Problem{
			Type:        problemType(string(csErr.Tag)),
			Status:      status,
			Detail:      csErr.Message,
			CurrentETag: csErr.CurrentETag,
			Limit:       csErr.Limit,
		})
		return
	}

	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		s.problem(w, r, Problem{Type: problemType("not_found"), Status: http.StatusNotFound, Detail: "resource not found"})
	case errors.Is(err, store.ErrInvalidTransition):
		s.problem(w, r, Problem{Type: problemType("invalid_transition"), Status: http.StatusConflict, Detail: err.Error()})
	case errors.Is(err, store.ErrConflict):
		s.problem(w, r, Problem{Type: problemType("conflict"), Status: http.StatusConflict, Detail: err.Error()})
	case errors.Is(err, blob.ErrTooLarge):
		s.problem(w, r, Problem{Type: problemType("file_too_large"), Status: http.StatusRequestEntityTooLarge, Detail: "upload exceeds size limit"})
	default:
		s.logger.Error("request failed", map[string]any{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		s.problem(w, r, Problem{Type: problemType("internal"), Status: http.StatusInternalServerError, Detail: "internal error"})
	}
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	s.problem(w, r, Problem{Type: problemType("bad_request"), Status: http.StatusBadRequest, Detail: detail})
}

func (s *Server) validationProblem(w http.ResponseWriter, r *http.Request, errs any) {
	s.problem(w, r, Problem{
		Type:   problemType("validation_failed"),
		Status: http.StatusUnprocessableEntity,
		Detail: "request body failed validation",
		Errors: errs,
	})
}

// writeJSON writes a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response write failed", map[string]any{"error": err.Error()})
	}
}
