package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ade-io/ade/config"
	"github.com/ade-io/ade/log"
	"github.com/ade-io/ade/types"
)

func testServer() *Server {
	return New(Options{
		Config: config.Settings{
			SecretKey:             "test-secret-key",
			SessionCookieName:     "ade_session",
			SessionCSRFCookieName: "ade_csrf",
		},
		Logger: log.New("api-test"),
	})
}

func TestSessionTokenRoundTrip(t *testing.T) {
	s := testServer()
	id := uuid.New()

	token, err := s.signSession(id)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	got, ok := s.verifySession(token)
	if !ok {
		t.Fatal("verify rejected a freshly signed token")
	}
	if got != id {
		t.Errorf("session id = %s, want %s", got, id)
	}
}

func TestSessionTokenTamperedSignature(t *testing.T) {
	s := testServer()
	token, err := s.signSession(uuid.New())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	body, _, _ := strings.Cut(token, ".")
	if _, ok := s.verifySession(body + ".AAAA"); ok {
		t.Error("tampered signature accepted")
	}
	if _, ok := s.verifySession("garbage"); ok {
		t.Error("unstructured token accepted")
	}
}

func TestSessionTokenWrongKey(t *testing.T) {
	s := testServer()
	token, err := s.signSession(uuid.New())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	other := testServer()
	other.cfg.SecretKey = "different-key"
	if _, ok := other.verifySession(token); ok {
		t.Error("token signed with another key accepted")
	}
}

func TestHashAPIKeyStable(t *testing.T) {
	a := hashAPIKey("ade_abc")
	b := hashAPIKey("ade_abc")
	if a != b {
		t.Error("hash not deterministic")
	}
	if len(a) != 64 {
		t.Errorf("expected sha256 hex, got %d chars", len(a))
	}
	if hashAPIKey("ade_other") == a {
		t.Error("distinct secrets collided")
	}
}

func TestNewSecretDistinct(t *testing.T) {
	a, err := newSecret()
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	b, _ := newSecret()
	if a == b {
		t.Error("secrets not unique")
	}
	if !strings.HasPrefix(a, "ade_") {
		t.Errorf("missing prefix: %s", a)
	}
}

func TestIsMutating(t *testing.T) {
	for method, want := range map[string]bool{
		http.MethodGet:     false,
		http.MethodHead:    false,
		http.MethodOptions: false,
		http.MethodPost:    true,
		http.MethodPut:     true,
		http.MethodPatch:   true,
		http.MethodDelete:  true,
	} {
		if got := isMutating(method); got != want {
			t.Errorf("isMutating(%s) = %v, want %v", method, got, want)
		}
	}
}

func TestCSRFDoubleSubmit(t *testing.T) {
	s := testServer()
	session := &types.Session{
		ID:        uuid.New(),
		CSRFToken: "csrf-token-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}

	build := func(header, cookie string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/v1/x", nil)
		if header != "" {
			r.Header.Set("X-CSRF-Token", header)
		}
		if cookie != "" {
			r.AddCookie(&http.Cookie{Name: s.cfg.SessionCSRFCookieName, Value: cookie})
		}
		return r
	}

	if !s.csrfOK(build("csrf-token-1", "csrf-token-1"), session) {
		t.Error("matching token rejected")
	}
	if s.csrfOK(build("", "csrf-token-1"), session) {
		t.Error("missing header accepted")
	}
	if s.csrfOK(build("csrf-token-1", ""), session) {
		t.Error("missing cookie accepted")
	}
	if s.csrfOK(build("wrong", "wrong"), session) {
		t.Error("mismatched token accepted")
	}
	if s.csrfOK(build("csrf-token-1", "other"), session) {
		t.Error("cookie mismatch accepted")
	}
}
