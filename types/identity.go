package types

import (
	"time"

	"github.com/google/uuid"
)

// Permission keys gate control-plane operations. Roles carry sets of these.
const (
	PermConfigurationsManage = "configurations.manage"
	PermDocumentsWrite       = "documents.write"
	PermDocumentsRead        = "documents.read"
	PermRunsSubmit           = "runs.submit"
	PermRunsRead             = "runs.read"
	PermWorkspacesAdmin      = "workspaces.admin"
)

// User is an authenticated human principal.
type User struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	IsAdmin     bool      `json:"is_admin"`
	CreatedAt   time.Time `json:"created_at"`
}

// APIKey is a machine credential. Only the sha256 of the secret is stored.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	Name       string     `json:"name"`
	SecretHash string     `json:"-"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Session is a cookie-backed login. The token itself is HMAC-signed and not
// stored; the row exists for revocation and expiry.
type Session struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	CSRFToken string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// RoleBinding grants a role's permissions globally (WorkspaceID nil) or
// scoped to one workspace.
type RoleBinding struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	Role        string     `json:"role"`
	WorkspaceID *uuid.UUID `json:"workspace_id,omitempty"`
}

// RolePermissions maps role names to permission keys.
var RolePermissions = map[string][]string{
	"admin": {
		PermConfigurationsManage, PermDocumentsWrite, PermDocumentsRead,
		PermRunsSubmit, PermRunsRead, PermWorkspacesAdmin,
	},
	"editor": {
		PermConfigurationsManage, PermDocumentsWrite, PermDocumentsRead,
		PermRunsSubmit, PermRunsRead,
	},
	"viewer": {
		PermDocumentsRead, PermRunsRead,
	},
}

// AuthMethod records how a principal authenticated.
type AuthMethod string

const (
	AuthAPIKey  AuthMethod = "api_key"
	AuthSession AuthMethod = "session"
)

// Principal is the resolved identity attached to each authenticated request.
type Principal struct {
	UserID   uuid.UUID
	Method   AuthMethod
	Bindings []RoleBinding
}

// Allowed reports whether the principal holds perm globally or in the given
// workspace. A zero workspace ID checks global bindings only.
func (p *Principal) Allowed(perm string, workspace uuid.UUID) bool {
	for _, b := range p.Bindings {
		if b.WorkspaceID != nil && *b.WorkspaceID != workspace {
			continue
		}
		for _, k := range RolePermissions[b.Role] {
			if k == perm {
				return true
			}
		}
	}
	return false
}
