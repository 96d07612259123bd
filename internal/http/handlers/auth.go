package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/societyhub/server/internal/auth"
	"github.com/societyhub/server/internal/middleware"
	"go.uber.org/zap"
)

// AuthHandler handles registration finalization, login and the current identity.
type AuthHandler struct {
	registration *auth.RegistrationStateMachine
	login        *auth.LoginService
	logger       *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(registration *auth.RegistrationStateMachine, login *auth.LoginService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{registration: registration, login: login, logger: logger}
}

// registerRequest is the request body for POST /auth/register. A missing confirmPassword is
// treated as confirming password.
type registerRequest struct {
	Name            string  `json:"name"`
	Email           string  `json:"email"`
	Password        string  `json:"password"`
	ConfirmPassword *string `json:"confirmPassword"`
	Role            string  `json:"role"`
	SocietyID       string  `json:"societyId"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string           `json:"token"`
	TokenType string           `json:"tokenType"`
	ExpiresAt time.Time        `json:"expiresAt"`
	User      identityResponse `json:"user"`
}

// HandleRegister handles POST /auth/register
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	confirm := req.Password
	if req.ConfirmPassword != nil {
		confirm = *req.ConfirmPassword
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

	identity, err := h.registration.CreateAccount(r.Context(), auth.Credentials{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Confirm:  confirm,
		Role:     req.Role,
		TenantID: tenantID,
	})
	if err != nil {
		respondError(w, h.logger, "register", err)
		return
	}
	respondJSON(w, http.StatusOK, toIdentityResponse(identity))
}

// HandleLogin handles POST /auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.login.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respondError(w, h.logger, "login", err)
		return
	}
	respondJSON(w, http.StatusOK, loginResponse{
		Token:     session.Token,
		TokenType: "bearer",
		ExpiresAt: session.ExpiresAt,
		User:      toIdentityResponse(session.Identity),
	})
}

// HandleMe handles GET /me (protected). Returns the authenticated identity.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok {
		respondMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	respondJSON(w, http.StatusOK, toIdentityResponse(*identity))
}
