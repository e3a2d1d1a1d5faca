package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/kosuke-ai/kosuke/internal/config"
	"github.com/kosuke-ai/kosuke/pkg/contracts"
	pkgmw "github.com/kosuke-ai/kosuke/pkg/middleware"
)

// Authenticator resolves the caller's Identity and stores it in the
// request context.
//
// Two modes, chosen by configuration:
//   - JWT mode (jwt_secret set): requests carry Authorization: Bearer
//     with an HS256 token from the identity provider. Claims: sub (user
//     id, required), org, email.
//   - Header mode (no secret): the web tier terminates auth and forwards
//     X-Kosuke-User / X-Kosuke-Org / X-Kosuke-Email. Only for deployments
//     where the API is not directly reachable.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator builds the identity middleware from auth config.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	var secret []byte
	if cfg.JWTSecret != "" {
		secret = []byte(cfg.JWTSecret)
	}
	return &Authenticator{secret: secret}
}

// Handler returns the middleware. Unauthenticated requests to non-public
// paths get 401.
func (a *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := a.identify(r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			respondUnauthorized(w, err.Error())
			return
		}

		ctx := pkgmw.SetIdentity(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) identify(r *http.Request) (*contracts.Identity, error) {
	if a.secret != nil {
		return a.identifyJWT(r)
	}
	return identifyHeaders(r)
}

func (a *Authenticator) identifyJWT(r *http.Request) (*contracts.Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, errMissingToken
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, errInvalidToken
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, errInvalidToken
	}
	org, _ := claims["org"].(string)
	email, _ := claims["email"].(string)

	return &contracts.Identity{UserID: sub, OrgID: org, Email: email}, nil
}

func identifyHeaders(r *http.Request) (*contracts.Identity, error) {
	userID := strings.TrimSpace(r.Header.Get("X-Kosuke-User"))
	if userID == "" {
		return nil, errMissingIdentity
	}
	return &contracts.Identity{
		UserID: userID,
		OrgID:  strings.TrimSpace(r.Header.Get("X-Kosuke-Org")),
		Email:  strings.TrimSpace(r.Header.Get("X-Kosuke-Email")),
	}, nil
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Query fallback for EventSource connections, which cannot set headers.
	return r.URL.Query().Get("token")
}

type authError string

func (e authError) Error() string { return string(e) }

const (
	errMissingToken    = authError("authentication required, set Authorization: Bearer <token>")
	errInvalidToken    = authError("invalid or expired token")
	errMissingIdentity = authError("identity headers missing, set X-Kosuke-User")
)

func isPublicPath(path string) bool {
	switch path {
	case "/health", "/version":
		return true
	}
	return false
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="kosuke"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
