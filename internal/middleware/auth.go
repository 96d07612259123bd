package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/societyhub/server/internal/auth"
	"github.com/societyhub/server/internal/model"
	"github.com/societyhub/server/internal/repo"
	"go.uber.org/zap"
)

type contextKey string

const identityKey contextKey = "identity"

// AuthMiddleware validates the bearer token, reloads the identity and attaches it to the
// context. A frozen identity is rejected here, before any handler runs, on every request.
func AuthMiddleware(jwtService *auth.JWTService, identities repo.IdentityRepo, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				respondWithError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				respondWithError(w, http.StatusUnauthorized, "missing token")
				return
			}

			claims, err := jwtService.VerifyToken(tokenString)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			identity, err := identities.GetByID(r.Context(), claims.UserID)
			if errors.Is(err, repo.ErrNotFound) {
				respondWithError(w, http.StatusUnauthorized, "user not found")
				return
			}
			if err != nil {
				logger.Error("load identity for request", zap.String("identity_id", claims.UserID.String()), zap.Error(err))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"message": "service temporarily unavailable, retry"})
				return
			}
			if identity.Frozen {
				RespondFrozen(w)
				return
			}

			ctx := context.WithValue(r.Context(), identityKey, &identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole allows the request only when the authenticated identity has one of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := GetIdentity(r.Context())
			if !ok {
				respondWithError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			for _, role := range roles {
				if identity.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			respondWithError(w, http.StatusForbidden, "insufficient role")
		})
	}
}

// GetIdentity returns the identity attached by AuthMiddleware.
func GetIdentity(ctx context.Context) (*model.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*model.Identity)
	return identity, ok && identity != nil
}

// WithIdentity attaches identity to ctx the way AuthMiddleware does.
func WithIdentity(ctx context.Context, identity *model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// RespondFrozen writes the frozen-account rejection clients key their logout on.
func RespondFrozen(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "account frozen", "code": "frozen"})
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}
