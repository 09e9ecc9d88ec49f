package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// workspaceID parses the {ws} route param. Routes outside a workspace scope
// return uuid.Nil.
func (s *Server) workspaceID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "ws")
	if raw == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(raw)
}

// pathID parses the {id} route param.
func pathID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

type createWorkspaceRequest struct {
	Name string `json:"name" validate:"required,min=1,max=200"`
	Slug string `json:"slug" validate:"required,min=1,max=64,lowercase"`
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req createWorkspaceRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	ws, err := s.store.CreateWorkspace(r.Context(), req.Name, req.Slug)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListWorkspaces(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workspaces": list})
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	id, err := s.workspaceID(r)
	if err != nil {
		s.badRequest(w, r, "invalid workspace id")
		return
	}
	ws, err := s.store.GetWorkspace(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	id, err := s.workspaceID(r)
	if err != nil {
		s.badRequest(w, r, "invalid workspace id")
		return
	}
	if err := s.store.DeleteWorkspace(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createUserRequest struct {
	Email       string `json:"email" validate:"required,email"`
	DisplayName string `json:"display_name" validate:"required,min=1,max=200"`
	IsAdmin     bool   `json:"is_admin"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	user, err := s.store.CreateUser(r.Context(), req.Email, req.DisplayName, req.IsAdmin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, user)
}

type createAPIKeyRequest struct {
	UserID uuid.UUID `json:"user_id" validate:"required"`
	Name   string    `json:"name" validate:"required,min=1,max=200"`
}

// handleCreateAPIKey mints a key and returns the secret exactly once; only
// its sha256 is stored.
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	secret, err := newSecret()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	key, err := s.store.CreateAPIKey(r.Context(), req.UserID, req.Name, hashAPIKey(secret))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"api_key": key,
		"secret":  secret,
	})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, "invalid api key id")
		return
	}
	if err := s.store.RevokeAPIKey(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bindRoleRequest struct {
	UserID      uuid.UUID  `json:"user_id" validate:"required"`
	Role        string     `json:"role" validate:"required,oneof=admin editor viewer"`
	WorkspaceID *uuid.UUID `json:"workspace_id"`
}

func (s *Server) handleBindRole(w http.ResponseWriter, r *http.Request) {
	var req bindRoleRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.store.BindRole(r.Context(), req.UserID, req.Role, req.WorkspaceID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
