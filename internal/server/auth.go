package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"briefcast/internal/engine/auth"
	"briefcast/internal/logging"
)

type AuthConfig struct {
	// JWTSecret enables bearer authentication. Empty leaves the API open.
	JWTSecret string
	Logger    logging.Logger
}

type Principal struct {
	Subject     string
	Permissions []string
	Source      string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func requirePermission(ctx context.Context, perm string) error {
	p, ok := principalFromContext(ctx)
	if !ok {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return auth.Require(p.Permissions, perm)
}

func authenticateJWT(token, secret string) (Principal, error) {
	claims, err := auth.Parse(token, secret)
	if err != nil {
		return Principal{}, err
	}
	return Principal{Subject: claims.Subject, Permissions: claims.Permissions, Source: "jwt"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// isPublic reports routes reachable without credentials: the health check
// and the worker liveness probes.
func isPublic(basePath string, req *http.Request) bool {
	if req.URL.Path == path.Join(basePath, "health") {
		return true
	}
	workers := path.Join(basePath, "workers") + "/"
	return req.Method == http.MethodGet && strings.HasPrefix(req.URL.Path, workers)
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	open := strings.TrimSpace(cfg.JWTSecret) == ""
	if open {
		logging.OrDiscard(cfg.Logger).Warn("server.jwt_secret is not set; the API is open to any caller")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open {
				ctx := withPrincipal(req.Context(), Principal{
					Subject:     "anonymous",
					Permissions: []string{auth.PermAll},
					Source:      "open",
				})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}
			if isPublic(basePath, req) {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			principal, err := authenticateJWT(token, cfg.JWTSecret)
			if err != nil {
				logging.OrDiscard(cfg.Logger).WithError(err).Debug("rejected bearer token")
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
