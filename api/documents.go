package api

import (
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/ade-io/ade/iox"
	"github.com/ade-io/ade/store"
)

// documentBlobName is the blob key for a stored document, shared with the
// worker's input staging.
func documentBlobName(workspaceID uuid.UUID, storedURI string) string {
	return path.Join(workspaceID.String(), "documents", storedURI)
}

// handleUploadDocument streams a multipart upload into blob storage under
// the document byte cap and records the row.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	limit := s.cfg.DocumentMaxBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+(1<<20))

	file, header, err := r.FormFile("file")
	if err != nil {
		s.badRequest(w, r, "multipart field 'file' required")
		return
	}
	defer iox.DiscardClose(file)

	filename := filepath.Base(header.Filename)
	if filename == "" || filename == "." {
		s.badRequest(w, r, "upload is missing a filename")
		return
	}
	storedURI := uuid.NewString() + "/" + filename

	res, err := s.blobs.UploadStream(r.Context(), documentBlobName(ws, storedURI), file, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	ct := header.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	doc, err := s.store.CreateDocument(r.Context(), store.NewDocument{
		WorkspaceID:      ws,
		OriginalFilename: filename,
		ContentType:      ct,
		ByteSize:         res.ByteSize,
		SHA256:           res.SHA256,
		StoredURI:        storedURI,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.badRequest(w, r, "invalid limit")
			return
		}
		limit = n
	}
	docs, err := s.store.ListDocuments(r.Context(), ws, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, "invalid document id")
		return
	}
	doc, err := s.store.GetDocument(r.Context(), ws, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDownloadDocument(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, "invalid document id")
		return
	}
	doc, err := s.store.GetDocument(r.Context(), ws, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rc, err := s.blobs.Stream(r.Context(), documentBlobName(ws, doc.StoredURI), "")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer iox.DiscardClose(rc)

	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+doc.OriginalFilename+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(doc.ByteSize, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("document stream failed", map[string]any{"error": err.Error()})
	}
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, "invalid document id")
		return
	}
	if err := s.store.DeleteDocument(r.Context(), ws, id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
