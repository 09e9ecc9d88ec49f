package api

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/ade-io/ade/configstore"
	"github.com/ade-io/ade/iox"
	"github.com/ade-io/ade/store"
	"github.com/ade-io/ade/types"
)

type submitRunRequest struct {
	// ConfigurationID defaults to the workspace's active configuration.
	ConfigurationID *uuid.UUID      `json:"configuration_id"`
	InputDocumentID uuid.UUID       `json:"input_document_id" validate:"required"`
	Options         json.RawMessage `json:"options"`
	MaxAttempts     int             `json:"max_attempts" validate:"min=0,max=10"`
}

// handleSubmitRun admits a run to the queue. The deps digest is computed at
// submission so the run pins the package's dependency set even if the draft
// changes afterwards.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	var req submitRunRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	var cfg *types.Configuration
	var err error
	if req.ConfigurationID != nil {
		cfg, err = s.store.GetConfiguration(r.Context(), ws, *req.ConfigurationID)
	} else {
		cfg, err = s.store.ActiveConfiguration(r.Context(), ws)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if cfg.Status == types.ConfigurationArchived {
		s.problem(w, r, Problem{
			Type:   problemType("configuration_not_runnable"),
			Status: http.StatusConflict,
			Detail: "archived configurations cannot run",
		})
		return
	}
	if _, err := s.store.GetDocument(r.Context(), ws, req.InputDocumentID); err != nil {
		s.fail(w, r, err)
		return
	}

	pkgDir, err := s.packages.PackageDir(ws.String(), cfg.ID.String())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	depsDigest, err := configstore.DepsDigest(pkgDir)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	opts := types.ParseRunOptions(req.Options)
	var sheets json.RawMessage
	if len(opts.InputSheetNames) > 0 {
		sheets, _ = json.Marshal(opts.InputSheetNames)
	}

	run, err := s.store.CreateRun(r.Context(), store.NewRun{
		WorkspaceID:     ws,
		ConfigurationID: cfg.ID,
		InputDocumentID: req.InputDocumentID,
		EngineSpec:      s.cfg.EngineSpec,
		DepsDigest:      depsDigest,
		RunOptions:      req.Options,
		InputSheetNames: sheets,
		MaxAttempts:     req.MaxAttempts,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	q := r.URL.Query()
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.badRequest(w, r, "invalid limit")
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(r.Context(), ws, types.RunStatus(q.Get("status")), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleGetRun returns the run row; ?include=results adds the persisted
// metrics, field detections, and table columns.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, "invalid run id")
		return
	}
	run, err := s.store.GetRun(r.Context(), ws, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if r.URL.Query().Get("include") != "results" {
		s.writeJSON(w, http.StatusOK, run)
		return
	}
	results, err := s.store.GetRunResults(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run":     run,
		"results": results,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, "invalid run id")
		return
	}
	run, err := s.store.CancelQueuedRun(r.Context(), ws, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// handleRunEvents streams the run's NDJSON event log.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, "invalid run id")
		return
	}
	if _, err := s.store.GetRun(r.Context(), ws, id); err != nil {
		s.fail(w, r, err)
		return
	}
	path, err := s.layout.RunEventLogPath(ws.String(), id.String())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		s.problem(w, r, Problem{Type: problemType("not_found"), Status: http.StatusNotFound, Detail: "no events recorded yet"})
		return
	}
	defer iox.DiscardClose(f)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Warn("event stream failed", map[string]any{"error": err.Error()})
	}
}

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	ws, _ := s.workspaceID(r)
	envs, err := s.store.ListEnvironments(r.Context(), ws)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"environments": envs})
}
