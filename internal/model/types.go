package model

import (
	"time"

	"github.com/google/uuid"
)

// Roles known to the access layer. Other dashboard roles are opaque strings.
const (
	RoleResident     = "resident"
	RoleSocietyAdmin = "society_admin"
	RoleSuperAdmin   = "super_admin"
)

// Identity represents a persisted account
type Identity struct {
	ID           uuid.UUID
	Name         string
	Email        string
	PasswordHash string
	Role         string
	TenantID     uuid.UUID // uuid.Nil when the identity belongs to no society
	Verified     bool
	Frozen       bool
	CreatedAt    time.Time
}

// OTPChallenge is one issued passcode for an email. Only the code hash is stored.
type OTPChallenge struct {
	ID           uuid.UUID
	Email        string
	CodeHash     []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Attempts     int
	ConsumedAt   *time.Time
	SupersededBy *uuid.UUID
}

// Consumed reports whether the challenge was already used for a successful verification.
func (c OTPChallenge) Consumed() bool { return c.ConsumedAt != nil }

// Superseded reports whether a later request replaced the challenge.
func (c OTPChallenge) Superseded() bool { return c.SupersededBy != nil }

// EmailVerification records a successful OTP verification and the challenge it spent
type EmailVerification struct {
	ChallengeID uuid.UUID `json:"challenge_id"`
	VerifiedAt  time.Time `json:"verified_at"`
}

// VerificationToken is a single-use link token for administratively created accounts
type VerificationToken struct {
	TokenHash string
	UserID    uuid.UUID
	IssuedAt  time.Time
	ExpiresAt time.Time
	Used      bool
}

// RegistrationState is the server-held step of a self-registration
type RegistrationState string

const (
	StateCapturingIdentity     RegistrationState = "capturing_identity"
	StateAwaitingOTP           RegistrationState = "awaiting_otp"
	StateFinalizingCredentials RegistrationState = "finalizing_credentials"
	StateRegistered            RegistrationState = "registered"
)

// PendingIdentity is held between requesting and finalizing a self-registration
type PendingIdentity struct {
	Name      string            `json:"name"`
	Email     string            `json:"email"`
	Role      string            `json:"role"`
	State     RegistrationState `json:"state"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// FreezeEvent is pushed to the sessions of a frozen society
type FreezeEvent struct {
	TenantID uuid.UUID
	Message  string
	IssuedAt time.Time
}
