package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/ade-io/ade/iox"
	"github.com/ade-io/ade/store"
	"github.com/ade-io/ade/types"
)

type createConfigurationRequest struct {
	DisplayName           string     `json:"display_name" validate:"required,min=1,max=200"`
	Source                string     `json:"source" validate:"required,oneof=template clone"`
	SourceConfigurationID *uuid.UUID `json:"source_configuration_id"`
	Notes                 string     `json:"notes" validate:"max=4000"`
}

// handleCreateConfiguration creates a draft and materializes its package
// from the template or by cloning an existing configuration. A failed
// materialization removes the row again.
func (s *Server) handleCreateConfiguration(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	var req createConfigurationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Source == "clone" && req.SourceConfigurationID == nil {
		s.badRequest(w, r, "clone requires source_configuration_id")
		return
	}

	kind := types.SourceTemplate
	if req.Source == "clone" {
		kind = types.SourceClone
		if _, err := s.store.GetConfiguration(r.Context(), ws, *req.SourceConfigurationID); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	cfg, err := s.store.CreateConfiguration(r.Context(), store.NewConfiguration{
		WorkspaceID:           ws,
		DisplayName:           req.DisplayName,
		SourceKind:            kind,
		SourceConfigurationID: req.SourceConfigurationID,
		Notes:                 req.Notes,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if kind == types.SourceClone {
		err = s.packages.Clone(ws.String(), req.SourceConfigurationID.String(), cfg.ID.String())
	} else {
		err = s.packages.MaterializeTemplate(ws.String(), cfg.ID.String(), s.cfg.TemplateDir)
	}
	if err != nil {
		if delErr := s.store.DeleteConfiguration(r.Context(), ws, cfg.ID); delErr != nil {
			s.logger.Warn("orphan configuration cleanup failed", map[string]any{"error": delErr.Error()})
		}
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, cfg)
}

// handleImportConfiguration creates a draft from an uploaded zip.
func (s *Server) handleImportConfiguration(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	zipPath, name, ok := s.receiveArchive(w, r)
	if !ok {
		return
	}
	defer func() { _ = os.Remove(zipPath) }()

	cfg, err := s.store.CreateConfiguration(r.Context(), store.NewConfiguration{
		WorkspaceID: ws,
		DisplayName: name,
		SourceKind:  types.SourceArchive,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.packages.ImportArchive(ws.String(), cfg.ID.String(), zipPath, false); err != nil {
		if delErr := s.store.DeleteConfiguration(r.Context(), ws, cfg.ID); delErr != nil {
			s.logger.Warn("orphan configuration cleanup failed", map[string]any{"error": delErr.Error()})
		}
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, cfg)
}

// handleReplaceConfiguration replaces a draft's package tree from a zip.
func (s *Server) handleReplaceConfiguration(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, "invalid configuration id")
		return
	}
	cfg := s.editableConfiguration(w, r, ws, id)
	if cfg == nil {
		return
	}
	zipPath, _, ok := s.receiveArchive(w, r)
	if !ok {
		return
	}
	defer func() { _ = os.Remove(zipPath) }()

	if err = s.packages.ImportArchive(ws.String(), id.String(), zipPath, true); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

// receiveArchive spools the multipart "file" part to a temp file under the
// configured byte cap and returns its path and original name.
func (s *Server) receiveArchive(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	limit := s.cfg.ConfigImportMaxBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+1)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.badRequest(w, r, "multipart field 'file' required")
		return "", "", false
	}
	defer iox.DiscardClose(file)

	tmp, err := os.CreateTemp("", "ade-import-*.zip")
	if err != nil {
		s.fail(w, r, err)
		return "", "", false
	}
	written, err := io.Copy(tmp, io.LimitReader(file, limit+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		s.fail(w, r, err)
		return "", "", false
	}
	if written > limit {
		_ = os.Remove(tmp.Name())
		s.problem(w, r, Problem{
			Type:   problemType("archive_too_large"),
			Status: http.StatusRequestEntityTooLarge,
			Detail: "archive exceeds import size limit",
			Limit:  limit,
		})
		return "", "", false
	}
	name := filepath.Base(header.Filename)
	return tmp.Name(), name, true
}

func (s *Server) handleListConfigurations(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	status := types.ConfigurationStatus(r.URL.Query().Get("status"))
	list, err := s.store.ListConfigurations(r.Context(), ws, status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"configurations": list})
}

func (s *Server) handleGetConfiguration(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, "invalid configuration id")
		return
	}
	cfg, err := s.store.GetConfiguration(r.Context(), ws, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

type updateConfigurationRequest struct {
	DisplayName string `json:"display_name" validate:"required,min=1,max=200"`
	Notes       string `json:"notes" validate:"max=4000"`
}

func (s *Server) handleUpdateConfiguration(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, "invalid configuration id")
		return
	}
	var req updateConfigurationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	cfg, err := s.store.UpdateConfigurationMeta(r.Context(), ws, id, req.DisplayName, req.Notes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleValidateConfiguration(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, "invalid configuration id")
		return
	}
	if _, err := s.store.GetConfiguration(r.Context(), ws, id); err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.packages.Validate(ws.String(), id.String())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handlePublishConfiguration validates the tree and atomically makes the
// draft active, archiving any prior active configuration.
func (s *Server) handlePublishConfiguration(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, "invalid configuration id")
		return
	}
	if _, err := s.store.GetConfiguration(r.Context(), ws, id); err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.packages.Validate(ws.String(), id.String())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(result.Issues) > 0 {
		s.problem(w, r, Problem{
			Type:   problemType("invalid_source_shape"),
			Status: http.StatusUnprocessableEntity,
			Detail: "configuration failed validation",
			Errors: result.Issues,
		})
		return
	}
	cfg, err := s.store.ActivateExclusive(r.Context(), ws, id, result.ContentDigest)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

// handleArchiveConfiguration refuses while runs are queued or running
// against this configuration.
func (s *Server) handleArchiveConfiguration(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, "invalid configuration id")
		return
	}
	busy, err := s.store.ConfigurationHasActiveRuns(r.Context(), ws, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if busy {
		s.problem(w, r, Problem{
			Type:   problemType("active_configuration_conflict"),
			Status: http.StatusConflict,
			Detail: "configuration has queued or running runs",
		})
		return
	}
	cfg, err := s.store.ArchiveConfiguration(r.Context(), ws, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDeleteConfiguration(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, "invalid configuration id")
		return
	}
	if err := s.store.DeleteConfiguration(r.Context(), ws, id); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.packages.Delete(ws.String(), id.String()); err != nil {
		s.logger.Warn("package dir delete failed", map[string]any{
			"configuration_id": id.String(),
			"error":            err.Error(),
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExportConfiguration(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, "invalid configuration id")
		return
	}
	if _, err := s.store.GetConfiguration(r.Context(), ws, id); err != nil {
		s.fail(w, r, err)
		return
	}
	data, err := s.packages.Export(ws.String(), id.String())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id.String()+`.zip"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("export write failed", map[string]any{"error": err.Error()})
	}
}

// editableConfiguration loads the configuration and fails the request when
// it is not a draft.
func (s *Server) editableConfiguration(w http.ResponseWriter, r *http.Request, ws, id uuid.UUID) *types.Configuration {
	cfg, err := s.store.GetConfiguration(r.Context(), ws, id)
	if err != nil {
		s.fail(w, r, err)
		return nil
	}
	if cfg.Status != types.ConfigurationDraft {
		s.problem(w, r, Problem{
			Type:   problemType("configuration_not_editable"),
			Status: http.StatusConflict,
			Detail: "only draft configurations are editable",
		})
		return nil
	}
	return cfg
}
