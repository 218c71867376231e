package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func apiKeyConfig() *Config {
	return &Config{
		Mode:    ModeAPIKey,
		APIKeys: []string{"ops-key", "view-key"},
		APIKeyRoles: map[string][]Role{
			"view-key": {RoleViewer},
		},
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticate_XAPIKeyHeader(t *testing.T) {
	a := NewAPIKeyAuthenticator(apiKeyConfig())

	r := httptest.NewRequest(http.MethodGet, "/api/v1/instances", nil)
	r.Header.Set("X-API-Key", "ops-key")

	user, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !user.HasRole(RoleOperator) {
		t.Error("unmapped key should default to operator")
	}
	if user.ID == "ops-key" {
		t.Error("user id must not be the plaintext key")
	}
}

func TestAuthenticate_BearerFallback(t *testing.T) {
	a := NewAPIKeyAuthenticator(apiKeyConfig())

	r := httptest.NewRequest(http.MethodGet, "/api/v1/logs", nil)
	r.Header.Set("Authorization", "Bearer view-key")

	user, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if user.HasRole(RoleAdmin) {
		t.Error("viewer key should not grant admin")
	}
	if !user.HasRole(RoleViewer) {
		t.Error("mapped roles not applied")
	}
}

func TestAuthenticate_RejectsUnknownKey(t *testing.T) {
	a := NewAPIKeyAuthenticator(apiKeyConfig())

	r := httptest.NewRequest(http.MethodGet, "/api/v1/logs", nil)
	r.Header.Set("X-API-Key", "wrong")

	if _, err := a.Authenticate(r); err != ErrInvalidCredentials {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestMiddleware_ModeNonePassesThrough(t *testing.T) {
	m := NewMiddleware(DefaultConfig(), nil)

	w := httptest.NewRecorder()
	m.Handler(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/instances", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestMiddleware_MissingCredentials(t *testing.T) {
	cfg := apiKeyConfig()
	m := NewMiddleware(cfg, NewAPIKeyAuthenticator(cfg))

	w := httptest.NewRecorder()
	m.Handler(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/instances", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", w.Code)
	}
}

func TestMiddleware_HealthAlwaysSkipped(t *testing.T) {
	cfg := apiKeyConfig()
	m := NewMiddleware(cfg, NewAPIKeyAuthenticator(cfg))

	w := httptest.NewRecorder()
	m.Handler(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestRequireRoles(t *testing.T) {
	cfg := apiKeyConfig()
	m := NewMiddleware(cfg, NewAPIKeyAuthenticator(cfg))

	chain := m.Handler(m.RequireRoles(RoleAdmin)(okHandler()))

	r := httptest.NewRequest(http.MethodDelete, "/api/v1/instances/sea-01", nil)
	r.Header.Set("X-API-Key", "view-key")
	w := httptest.NewRecorder()
	chain.ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Errorf("viewer deleting: status = %d, want 403", w.Code)
	}
}
