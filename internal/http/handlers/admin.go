package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/societyhub/server/internal/access"
	"github.com/societyhub/server/internal/auth"
	"github.com/societyhub/server/internal/middleware"
	"go.uber.org/zap"
)

// AdminHandler serves administrative account and society operations.
type AdminHandler struct {
	accounts *auth.AccountService
	links    *auth.VerificationTokenService
	freeze   *access.FreezeService
	logger   *zap.Logger
}

func NewAdminHandler(accounts *auth.AccountService, links *auth.VerificationTokenService, freeze *access.FreezeService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{accounts: accounts, links: links, freeze: freeze, logger: logger}
}

type createUserRequest struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Role      string `json:"role"`
	SocietyID string `json:"societyId"`
}

type freezeRequest struct {
	Message string `json:"message"`
}

type freezeResponse struct {
	SocietyID        string `json:"societyId"`
	Frozen           bool   `json:"frozen"`
	Affected         int64  `json:"affected"`
	SessionsNotified int    `json:"sessionsNotified,omitempty"`
}

// HandleCreateUser handles POST /admin/users
func (h *AdminHandler) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetIdentity(r.Context())
	if !ok {
		respondMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var tenantID uuid.UUID
	if s := strings.TrimSpace(req.SocietyID); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			respondMessage(w, http.StatusBadRequest, "societyId is not a valid id")
			return
		}
		tenantID = id
	}

	identity, err := h.accounts.Create(r.Context(), *actor, auth.ManagedAccount{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
		TenantID: tenantID,
	})
	if err != nil {
		respondError(w, h.logger, "create user", err)
		return
	}
	respondJSON(w, http.StatusCreated, toIdentityResponse(identity))
}

// HandleResendVerification handles POST /admin/users/{id}/verification
func (h *AdminHandler) HandleResendVerification(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetIdentity(r.Context())
	if !ok {
		respondMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.links.Resend(r.Context(), *actor, userID); err != nil {
		respondError(w, h.logger, "resend verification", err)
		return
	}
	respondMessage(w, http.StatusOK, "Verification link sent.")
}

// HandleFreeze handles POST /admin/societies/{id}/freeze
func (h *AdminHandler) HandleFreeze(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req freezeRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.freeze.FreezeTenant(r.Context(), tenantID, req.Message)
	if err != nil {
		respondError(w, h.logger, "freeze society", err)
		return
	}
	respondJSON(w, http.StatusOK, freezeResponse{
		SocietyID:        tenantID.String(),
		Frozen:           true,
		Affected:         res.Affected,
		SessionsNotified: res.Notified,
	})
}

// HandleUnfreeze handles POST /admin/societies/{id}/unfreeze
func (h *AdminHandler) HandleUnfreeze(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	n, err := h.freeze.UnfreezeTenant(r.Context(), tenantID)
	if err != nil {
		respondError(w, h.logger, "unfreeze society", err)
		return
	}
	respondJSON(w, http.StatusOK, freezeResponse{SocietyID: tenantID.String(), Frozen: false, Affected: n})
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil || id == uuid.Nil {
		respondMessage(w, http.StatusBadRequest, name+" is not a valid id")
		return uuid.Nil, false
	}
	return id, true
}
