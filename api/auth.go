package api

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ade-io/ade/types"
)

// Permission aliases keep route declarations short.
const (
	permConfigurationsManage = types.PermConfigurationsManage
	permDocumentsWrite       = types.PermDocumentsWrite
	permDocumentsRead        = types.PermDocumentsRead
	permRunsSubmit           = types.PermRunsSubmit
	permRunsRead             = types.PermRunsRead
	permWorkspacesAdmin      = types.PermWorkspacesAdmin
)

const sessionTTL = 7 * 24 * time.Hour

type principalKey struct{}

func principalFrom(ctx context.Context) *types.Principal {
	p, _ := ctx.Value(principalKey{}).(*types.Principal)
	return p
}

// sessionClaims is the signed cookie payload. The session row remains the
// source of truth for expiry and revocation; the token only proves that the
// control plane minted the id.
type sessionClaims struct {
	SessionID string `msgpack:"sid"`
	IssuedAt  int64  `msgpack:"iat"`
}

func (s *Server) signSession(id uuid.UUID) (string, error) {
	payload, err := msgpack.Marshal(sessionClaims{SessionID: id.String(), IssuedAt: time.Now().Unix()})
	if err != nil {
		return "", err
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(s.cfg.SecretKey))
	mac.Write([]byte(body))
	return body + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (s *Server) verifySession(token string) (uuid.UUID, bool) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return uuid.Nil, false
	}
	want := base64.RawURLEncoding.EncodeToString(func() []byte {
		mac := hmac.New(sha256.New, []byte(s.cfg.SecretKey))
		mac.Write([]byte(body))
		return mac.Sum(nil)
	}())
	if subtle.ConstantTimeCompare([]byte(sig), []byte(want)) != 1 {
		return uuid.Nil, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return uuid.Nil, false
	}
	var claims sessionClaims
	if err := msgpack.Unmarshal(raw, &claims); err != nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(claims.SessionID)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// hashAPIKey is the stored form of an API key secret.
func hashAPIKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "ade_" + hex.EncodeToString(buf), nil
}

// authenticate resolves the request principal from a Bearer API key or a
// session cookie. Cookie-authenticated mutations additionally require the
// CSRF double-submit header.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			secret := strings.TrimPrefix(auth, "Bearer ")
			key, err := s.store.LookupAPIKey(r.Context(), hashAPIKey(secret))
			if err != nil {
				s.problem(w, r, Problem{Type: problemType("unauthorized"), Status: http.StatusUnauthorized, Detail: "invalid API key"})
				return
			}
			p, err := s.principalFor(r.Context(), key.UserID, types.AuthAPIKey)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
			return
		}

		cookie, err := r.Cookie(s.cfg.SessionCookieName)
		if err != nil {
			s.problem(w, r, Problem{Type: problemType("unauthorized"), Status: http.StatusUnauthorized, Detail: "authentication required"})
			return
		}
		sid, ok := s.verifySession(cookie.Value)
		if !ok {
			s.problem(w, r, Problem{Type: problemType("unauthorized"), Status: http.StatusUnauthorized, Detail: "invalid session token"})
			return
		}
		session, err := s.store.GetSession(r.Context(), sid)
		if err != nil {
			s.problem(w, r, Problem{Type: problemType("unauthorized"), Status: http.StatusUnauthorized, Detail: "session expired"})
			return
		}

		if isMutating(r.Method) {
			if !s.csrfOK(r, session) {
				s.problem(w, r, Problem{Type: problemType("csrf_mismatch"), Status: http.StatusForbidden, Detail: "missing or mismatched CSRF token"})
				return
			}
		}

		p, err := s.principalFor(r.Context(), session.UserID, types.AuthSession)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func isMutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// csrfOK enforces the double submit: the header must match both the session
// row and the CSRF cookie.
func (s *Server) csrfOK(r *http.Request, session *types.Session) bool {
	header := r.Header.Get("X-CSRF-Token")
	if header == "" {
		return false
	}
	cookie, err := r.Cookie(s.cfg.SessionCSRFCookieName)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(session.CSRFToken)) == 1 &&
		subtle.ConstantTimeCompare([]byte(header), []byte(cookie.Value)) == 1
}

func (s *Server) principalFor(ctx context.Context, userID uuid.UUID, method types.AuthMethod) (*types.Principal, error) {
	bindings, err := s.store.RoleBindings(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &types.Principal{UserID: userID, Method: method, Bindings: bindings}, nil
}

// require gates a route on perm within the {ws} workspace.
func (s *Server) require(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principalFrom(r.Context())
			ws, err := s.workspaceID(r)
			if err != nil {
				s.badRequest(w, r, "invalid workspace id")
				return
			}
			if p == nil || !p.Allowed(perm, ws) {
				s.problem(w, r, Problem{Type: problemType("permission_denied"), Status: http.StatusForbidden, Detail: "permission denied"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireGlobal gates a route on a global binding of perm.
func (s *Server) requireGlobal(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principalFrom(r.Context())
			if p == nil || !p.Allowed(perm, uuid.Nil) {
				s.problem(w, r, Problem{Type: problemType("permission_denied"), Status: http.StatusForbidden, Detail: "permission denied"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// handleLogin exchanges a valid API key for a browser session. The response
// sets the session cookie (HttpOnly) and the CSRF cookie (readable, for the
// double submit) and returns the CSRF token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		s.problem(w, r, Problem{Type: problemType("unauthorized"), Status: http.StatusUnauthorized, Detail: "API key required"})
		return
	}
	key, err := s.store.LookupAPIKey(r.Context(), hashAPIKey(strings.TrimPrefix(auth, "Bearer ")))
	if err != nil {
		s.problem(w, r, Problem{Type: problemType("unauthorized"), Status: http.StatusUnauthorized, Detail: "invalid API key"})
		return
	}

	csrf, err := newSecret()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	session, err := s.store.CreateSession(r.Context(), key.UserID, csrf, sessionTTL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	token, err := s.signSession(session.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCSRFCookieName,
		Value:    csrf,
		Path:     "/",
		Expires:  session.ExpiresAt,
		SameSite: http.SameSiteLaxMode,
	})
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": session.ID,
		"expires_at": session.ExpiresAt,
		"csrf_token": csrf,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(s.cfg.SessionCookieName); err == nil {
		if sid, ok := s.verifySession(cookie.Value); ok {
			if err := s.store.DeleteSession(r.Context(), sid); err != nil {
				s.logger.Warn("session delete failed", map[string]any{"error": err.Error()})
			}
		}
	}
	for _, name := range []string{s.cfg.SessionCookieName, s.cfg.SessionCSRFCookieName} {
		http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1})
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeJSON parses and validates a JSON request body into dst.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		s.badRequest(w, r, "malformed JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.validationProblem(w, r, validationErrors(err))
		return false
	}
	return true
}

func validationErrors(err error) any {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		out := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			out[fe.Field()] = fe.Tag()
		}
		return out
	}
	return err.Error()
}
