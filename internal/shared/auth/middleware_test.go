package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/motech/platform/internal/shared/config"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		Enabled:     true,
		JWTSecret:   "test-secret",
		Issuer:      "motech",
		TokenTTL:    time.Hour,
		DefaultUser: "motech",
	}
}

func TestIssueAndParseToken(t *testing.T) {
	cfg := testAuthConfig()
	token, err := IssueToken(cfg, User{UserName: "motech", Roles: []string{"Admin"}, Permissions: []string{"mdsSchemaAccess"}}, time.Now())
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	user, err := ParseToken(cfg, token)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if user.UserName != "motech" {
		t.Errorf("Expected motech, got %s", user.UserName)
	}
	if !user.HasPermission("mdsSchemaAccess") {
		t.Error("Expected mdsSchemaAccess permission")
	}
	if !user.HasRole("Admin") {
		t.Error("Expected Admin role")
	}
}

func TestParseToken_Expired(t *testing.T) {
	cfg := testAuthConfig()
	token, err := IssueToken(cfg, User{UserName: "motech"}, time.Now().Add(-2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseToken(cfg, token); err == nil {
		t.Error("Expected expired token to be rejected")
	}
}

func TestMiddleware(t *testing.T) {
	cfg := testAuthConfig()
	token, _ := IssueToken(cfg, User{UserName: "troy"}, time.Now())

	var seen string
	handler := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserName(r.Context(), "nobody")
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"bad scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer abc", http.StatusUnauthorized},
		{"valid token", "Bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, rec.Code)
			}
		})
	}

	if seen != "troy" {
		t.Errorf("Expected user troy in context, got %s", seen)
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	cfg := testAuthConfig()
	cfg.Enabled = false

	var user *User
	handler := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user = GetUser(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if user == nil || user.UserName != "motech" {
		t.Fatalf("Expected default user motech, got %+v", user)
	}
	if !user.HasPermission("anything") {
		t.Error("Expected wildcard permission when auth is disabled")
	}
}

func TestRequirePermissions(t *testing.T) {
	handler := RequirePermissions("sendSMS")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without user, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithUser(context.Background(), &User{UserName: "u", Permissions: []string{"viewSecurity"}}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without permission, got %d", rec.Code)
	}
}
