package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/societyhub/server/internal/auth"
	"go.uber.org/zap"
)

// VerificationHandler serves account verification links.
type VerificationHandler struct {
	links  *auth.VerificationTokenService
	logger *zap.Logger
}

func NewVerificationHandler(links *auth.VerificationTokenService, logger *zap.Logger) *VerificationHandler {
	return &VerificationHandler{links: links, logger: logger}
}

type verifyAccountResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Reason  string            `json:"reason,omitempty"`
	User    *identityResponse `json:"user,omitempty"`
}

// HandleVerifyAccount handles GET /verification/verify-account/{token}
func (h *VerificationHandler) HandleVerifyAccount(w http.ResponseWriter, r *http.Request) {
	res, err := h.links.Consume(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.logger.Error("verify account failed", zap.Error(err))
		respondJSON(w, http.StatusServiceUnavailable, verifyAccountResponse{Message: unavailableMessage})
		return
	}

	if !res.Success {
		msg := "Verification link is invalid or has already been used."
		if res.Reason == auth.ReasonExpired {
			msg = "Verification link has expired. Ask your administrator for a new one."
		}
		respondJSON(w, http.StatusBadRequest, verifyAccountResponse{Message: msg, Reason: string(res.Reason)})
		return
	}

	user := toIdentityResponse(*res.User)
	respondJSON(w, http.StatusOK, verifyAccountResponse{
		Success: true,
		Message: "Account verified successfully.",
		User:    &user,
	})
}
