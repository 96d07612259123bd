package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/societyhub/server/internal/auth"
	"github.com/societyhub/server/internal/middleware"
	"github.com/societyhub/server/internal/model"
	"go.uber.org/zap"
)

const unavailableMessage = "service temporarily unavailable, retry"

// identityResponse is the identity object in API responses
type identityResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	SocietyID string    `json:"societyId,omitempty"`
	Verified  bool      `json:"verified"`
	Frozen    bool      `json:"frozen"`
	CreatedAt time.Time `json:"createdAt"`
}

func toIdentityResponse(identity model.Identity) identityResponse {
	resp := identityResponse{
		ID:        identity.ID.String(),
		Name:      identity.Name,
		Email:     identity.Email,
		Role:      identity.Role,
		Verified:  identity.Verified,
		Frozen:    identity.Frozen,
		CreatedAt: identity.CreatedAt,
	}
	if identity.TenantID != uuid.Nil {
		resp.SocietyID = identity.TenantID.String()
	}
	return resp
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondMessage(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"message": message})
}

// respondError maps service errors to status codes. Anything unrecognized is a storage or
// transport fault: it is logged and answered with an opaque retryable 503.
func respondError(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	var vErr *auth.ValidationError
	switch {
	case errors.As(err, &vErr):
		respondMessage(w, http.StatusBadRequest, vErr.Field+" "+vErr.Message)
	case errors.Is(err, auth.ErrValidation):
		respondMessage(w, http.StatusBadRequest, "invalid request")
	case errors.Is(err, auth.ErrAlreadyRegistered):
		respondMessage(w, http.StatusConflict, "An account with this email already exists.")
	case errors.Is(err, auth.ErrNotVerified):
		respondMessage(w, http.StatusForbidden, "Please verify your email before creating an account.")
	case errors.Is(err, auth.ErrInvalidCredentials):
		respondMessage(w, http.StatusUnauthorized, "Invalid email or password.")
	case errors.Is(err, auth.ErrUnverifiedAccount):
		respondMessage(w, http.StatusForbidden, "Please verify your email address before logging in.")
	case errors.Is(err, auth.ErrForbidden):
		respondMessage(w, http.StatusForbidden, "You can only manage accounts in your own society.")
	case errors.Is(err, auth.ErrFrozen):
		middleware.RespondFrozen(w)
	default:
		logger.Error(op+" failed", zap.Error(err))
		respondMessage(w, http.StatusServiceUnavailable, unavailableMessage)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondMessage(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
