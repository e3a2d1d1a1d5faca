package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kosuke-ai/kosuke/internal/api/middleware"
	"github.com/kosuke-ai/kosuke/internal/config"
	"github.com/kosuke-ai/kosuke/pkg/contracts"
	pkgmw "github.com/kosuke-ai/kosuke/pkg/middleware"
)

func identityEcho(got **contracts.Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = pkgmw.GetIdentity(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func TestAuthenticator_HeaderMode(t *testing.T) {
	auth := middleware.NewAuthenticator(config.AuthConfig{})

	var got *contracts.Identity
	handler := auth.Handler(identityEcho(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	req.Header.Set("X-Kosuke-User", "user-1")
	req.Header.Set("X-Kosuke-Org", "org-9")
	req.Header.Set("X-Kosuke-Email", "dev@example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got == nil || got.UserID != "user-1" || got.OrgID != "org-9" || got.Email != "dev@example.com" {
		t.Errorf("identity = %+v, want user-1/org-9/dev@example.com", got)
	}
}

func TestAuthenticator_HeaderModeMissingUser(t *testing.T) {
	auth := middleware.NewAuthenticator(config.AuthConfig{})
	handler := auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if h := w.Header().Get("WWW-Authenticate"); h == "" {
		t.Error("WWW-Authenticate header missing")
	}
}

func TestAuthenticator_JWTValid(t *testing.T) {
	auth := middleware.NewAuthenticator(config.AuthConfig{JWTSecret: "shh"})

	var got *contracts.Identity
	handler := auth.Handler(identityEcho(&got))

	token := signToken(t, "shh", jwt.MapClaims{
		"sub":   "user-42",
		"org":   "org-1",
		"email": "u@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got == nil || got.UserID != "user-42" || got.OrgID != "org-1" {
		t.Errorf("identity = %+v, want user-42/org-1", got)
	}
}

func TestAuthenticator_JWTQueryToken(t *testing.T) {
	auth := middleware.NewAuthenticator(config.AuthConfig{JWTSecret: "shh"})

	var got *contracts.Identity
	handler := auth.Handler(identityEcho(&got))

	token := signToken(t, "shh", jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	// EventSource clients cannot set headers.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/p1/activity?token="+token, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got == nil || got.UserID != "user-42" {
		t.Errorf("identity = %+v, want user-42", got)
	}
}

func TestAuthenticator_JWTRejections(t *testing.T) {
	auth := middleware.NewAuthenticator(config.AuthConfig{JWTSecret: "shh"})
	handler := auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"wrong secret", signToken(t, "other", jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix()})},
		{"expired", signToken(t, "shh", jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Hour).Unix()})},
		{"no subject", signToken(t, "shh", jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})},
		{"garbage", "not.a.jwt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestAuthenticator_PublicPaths(t *testing.T) {
	auth := middleware.NewAuthenticator(config.AuthConfig{JWTSecret: "shh"})
	handler := auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/health", "/version"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Public path %q: status = %d, want %d", path, w.Code, http.StatusOK)
		}
	}
}
