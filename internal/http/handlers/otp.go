package handlers

import (
	"net/http"
	"time"

	"github.com/societyhub/server/internal/auth"
	"go.uber.org/zap"
)

// OTPHandler serves the first two registration steps.
type OTPHandler struct {
	registration *auth.RegistrationStateMachine
	devMode      bool
	logger       *zap.Logger
}

// NewOTPHandler creates a new OTP handler
func NewOTPHandler(registration *auth.RegistrationStateMachine, devMode bool, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{registration: registration, devMode: devMode, logger: logger}
}

// sendOTPRequest is the request body for POST /otp/send
type sendOTPRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// sendOTPResponse carries the server expiry; client countdowns resync from it.
type sendOTPResponse struct {
	Issued    bool      `json:"issued"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
	DevOTP    string    `json:"devOtp,omitempty"`
}

// verifyOTPRequest is the request body for POST /otp/verify
type verifyOTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type verifyOTPResponse struct {
	Verified bool   `json:"verified"`
	Message  string `json:"message"`
	Reason   string `json:"reason,omitempty"`
}

// HandleSend handles POST /otp/send
func (h *OTPHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendOTPRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	handle, err := h.registration.Start(r.Context(), req.Name, req.Email, req.Role, auth.ClientInfo{
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		respondError(w, h.logger, "send otp", err)
		return
	}

	resp := sendOTPResponse{Issued: true, Message: "OTP sent", ExpiresAt: handle.ExpiresAt}
	if h.devMode {
		resp.DevOTP = auth.DevOTPCode
	}
	respondJSON(w, http.StatusOK, resp)
}

// HandleVerify handles POST /otp/verify. Verification outcomes are 200 with a reason; only
// malformed input and storage faults are errors.
func (h *OTPHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.registration.ConfirmOTP(r.Context(), req.Email, req.OTP)
	if err != nil {
		respondError(w, h.logger, "verify otp", err)
		return
	}
	respondJSON(w, http.StatusOK, verifyOTPResponse{
		Verified: res.Verified,
		Message:  verifyMessage(res.Reason),
		Reason:   string(res.Reason),
	})
}

// verifyMessage only distinguishes expiry and a wrong code for the user.
func verifyMessage(reason auth.Reason) string {
	switch reason {
	case auth.ReasonNone:
		return "Email verified successfully."
	case auth.ReasonExpired:
		return "OTP has expired. Please request a new one."
	case auth.ReasonMismatch:
		return "Invalid OTP. Please try again."
	}
	return "Verification failed. Please request a new OTP."
}
