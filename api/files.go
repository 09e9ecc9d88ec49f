package api

import (
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ade-io/ade/configstore"
	"github.com/ade-io/ade/types"
)

// filePath extracts the wildcard file path from the route.
func filePath(r *http.Request) string {
	return chi.URLParam(r, "*")
}

// pkg opens the configuration's package handle; editable tracks the row's
// draft status so configstore can enforce not_editable.
func (s *Server) pkg(w http.ResponseWriter, r *http.Request) (*configstore.Package, uuid.UUID, bool) {
	ws, _ := s.workspaceID(r)
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, "invalid configuration id")
		return nil, uuid.Nil, false
	}
	cfg, err := s.store.GetConfiguration(r.Context(), ws, id)
	if err != nil {
		s.fail(w, r, err)
		return nil, uuid.Nil, false
	}
	p, err := s.packages.Package(ws.String(), id.String(), cfg.Status == types.ConfigurationDraft)
	if err != nil {
		s.fail(w, r, err)
		return nil, uuid.Nil, false
	}
	return p, id, true
}

func preconditionFrom(r *http.Request) configstore.Precondition {
	return configstore.Precondition{
		IfMatch:        strings.Trim(r.Header.Get("If-Match"), `"`),
		IfNoneMatchAny: r.Header.Get("If-None-Match") == "*",
	}
}

// handleListFiles lists the package tree with filtering, sorting, and
// pagination. The weak fileset hash doubles as the listing ETag: a matching
// If-None-Match short-circuits to 304.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	p, _, ok := s.pkg(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	opts := configstore.ListOptions{
		Prefix:  q.Get("prefix"),
		Depth:   configstore.DepthInfinity,
		Include: q["include"],
		Exclude: q["exclude"],
		Cursor:  q.Get("cursor"),
		SortKey: q.Get("sort"),
		Order:   q.Get("order"),
	}
	if raw := q.Get("depth"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil {
			s.badRequest(w, r, "invalid depth")
			return
		}
		opts.Depth = d
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.badRequest(w, r, "invalid limit")
			return
		}
		opts.Limit = n
	}

	listing, err := p.ListFiles(opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	// FilesetHash is already a complete weak validator (W/"sha256:<hex>");
	// it goes on the wire as-is.
	etag := listing.FilesetHash
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	s.writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	p, _, ok := s.pkg(w, r)
	if !ok {
		return
	}
	rel := filePath(r)
	content, etag, err := p.ReadFile(rel)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if match := strings.Trim(r.Header.Get("If-None-Match"), `"`); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	ct := mime.TypeByExtension(filepath.Ext(rel))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("ETag", `"`+etag+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

// handlePutFile creates or replaces one file under ETag preconditions:
// If-None-Match: * for create-only, If-Match for replace.
func (s *Server) handlePutFile(w http.ResponseWriter, r *http.Request) {
	p, _, ok := s.pkg(w, r)
	if !ok {
		return
	}
	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.ConfigImportMaxBytes))
	if err != nil {
		s.problem(w, r, Problem{
			Type:   problemType("file_too_large"),
			Status: http.StatusRequestEntityTooLarge,
			Detail: "file exceeds size limit",
			Limit:  s.cfg.ConfigImportMaxBytes,
		})
		return
	}

	etag, created, err := p.WriteFile(filePath(r), content, preconditionFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("ETag", `"`+etag+`"`)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, map[string]any{"etag": etag, "created": created})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	p, _, ok := s.pkg(w, r)
	if !ok {
		return
	}
	if err := p.DeleteFile(filePath(r), preconditionFrom(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type renameFileRequest struct {
	Src         string `json:"src" validate:"required"`
	Dest        string `json:"dest" validate:"required"`
	DestIfMatch string `json:"dest_if_match"`
}

func (s *Server) handleRenameFile(w http.ResponseWriter, r *http.Request) {
	p, _, ok := s.pkg(w, r)
	if !ok {
		return
	}
	var req renameFileRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := p.Rename(req.Src, req.Dest, req.DestIfMatch); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type mkdirRequest struct {
	Path string `json:"path" validate:"required"`
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	p, _, ok := s.pkg(w, r)
	if !ok {
		return
	}
	var req mkdirRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := p.Mkdir(req.Path); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleRmdir(w http.ResponseWriter, r *http.Request) {
	p, _, ok := s.pkg(w, r)
	if !ok {
		return
	}
	if err := p.Rmdir(filePath(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
