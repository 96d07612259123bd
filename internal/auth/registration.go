package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/societyhub/server/internal/cache"
	"github.com/societyhub/server/internal/logging"
	"github.com/societyhub/server/internal/model"
	"github.com/societyhub/server/internal/repo"
	"go.uber.org/zap"
)

// PendingRegistrations holds the identity captured in the first step until the account exists.
type PendingRegistrations interface {
	Save(ctx context.Context, pending model.PendingIdentity) error
	Get(ctx context.Context, email string) (model.PendingIdentity, error)
	Delete(ctx context.Context, email string) error
}

// Credentials is the final registration step.
type Credentials struct {
	Name     string
	Email    string
	Password string
	Confirm  string
	Role     string
	TenantID uuid.UUID
}

// RegistrationStateMachine drives self-registration:
// CapturingIdentity -> AwaitingOTP -> FinalizingCredentials -> Registered.
//
// The pending record only tracks progress for the client. Finalization is gated on the
// verification record written by the OTP authority, never on the stored step.
type RegistrationStateMachine struct {
	otp        *OTPAuthority
	pending    PendingRegistrations
	verified   VerifiedEmails
	identities repo.IdentityRepo
	hasher     *PasswordHasher
	logger     *zap.Logger
	now        func() time.Time
}

func NewRegistrationStateMachine(
	otp *OTPAuthority,
	pending PendingRegistrations,
	verified VerifiedEmails,
	identities repo.IdentityRepo,
	hasher *PasswordHasher,
	logger *zap.Logger,
) *RegistrationStateMachine {
	return &RegistrationStateMachine{
		otp:        otp,
		pending:    pending,
		verified:   verified,
		identities: identities,
		hasher:     hasher,
		logger:     logger,
		now:        otp.now,
	}
}

// Start captures the identity and issues a challenge. Calling it again while awaiting the code
// is the resend path; the new challenge supersedes the outstanding one.
func (m *RegistrationStateMachine) Start(ctx context.Context, name, email, role string, client ClientInfo) (ChallengeHandle, error) {
	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return ChallengeHandle{}, err
	}
	role, err := selfServiceRole(role)
	if err != nil {
		return ChallengeHandle{}, err
	}

	exists, err := m.identities.ExistsByEmail(ctx, email)
	if err != nil {
		return ChallengeHandle{}, fmt.Errorf("check existing identity: %w", err)
	}
	if exists {
		return ChallengeHandle{}, ErrAlreadyRegistered
	}

	// A fresh challenge invalidates any earlier verification for this email. A verification
	// still in flight for an older challenge is rejected at finalization by its challenge id.
	if err := m.verified.Clear(ctx, email); err != nil {
		return ChallengeHandle{}, fmt.Errorf("clear verification: %w", err)
	}
	handle, err := m.otp.RequestChallenge(ctx, email, name, client)
	if err != nil {
		return ChallengeHandle{}, err
	}

	err = m.pending.Save(ctx, model.PendingIdentity{
		Name:      strings.TrimSpace(name),
		Email:     email,
		Role:      role,
		State:     model.StateAwaitingOTP,
		UpdatedAt: m.now(),
	})
	if err != nil {
		return ChallengeHandle{}, fmt.Errorf("save pending registration: %w", err)
	}
	return handle, nil
}

// ConfirmOTP verifies the code. Only a successful verification advances the pending record.
func (m *RegistrationStateMachine) ConfirmOTP(ctx context.Context, email, code string) (VerifyResult, error) {
	res, err := m.otp.Verify(ctx, email, code)
	if err != nil || !res.Verified {
		return res, err
	}

	email = normalizeEmail(email)
	pending, err := m.pending.Get(ctx, email)
	if errors.Is(err, cache.ErrRegistrationNotFound) {
		return res, nil
	}
	if err != nil {
		m.logger.Warn("pending registration unavailable", logging.Email(email), zap.Error(err))
		return res, nil
	}
	pending.State = model.StateFinalizingCredentials
	pending.UpdatedAt = m.now()
	if err := m.pending.Save(ctx, pending); err != nil {
		m.logger.Warn("pending registration not advanced", logging.Email(email), zap.Error(err))
	}
	return res, nil
}

// CreateAccount finalizes the registration. Validation failures leave every record untouched.
func (m *RegistrationStateMachine) CreateAccount(ctx context.Context, creds Credentials) (model.Identity, error) {
	email := normalizeEmail(creds.Email)
	if err := validateEmail(email); err != nil {
		return model.Identity{}, err
	}
	role, err := selfServiceRole(creds.Role)
	if err != nil {
		return model.Identity{}, err
	}
	if err := validatePassword(creds.Password, creds.Confirm); err != nil {
		return model.Identity{}, err
	}

	verification, ok, err := m.verified.Get(ctx, email)
	if err != nil {
		return model.Identity{}, fmt.Errorf("load verification: %w", err)
	}
	if !ok {
		return model.Identity{}, ErrNotVerified
	}
	current, err := m.otp.spentBy(ctx, email, verification)
	if err != nil {
		return model.Identity{}, err
	}
	if !current {
		return model.Identity{}, ErrNotVerified
	}
	if err := ensureTenantOpen(ctx, m.identities, creds.TenantID); err != nil {
		return model.Identity{}, err
	}

	name := strings.TrimSpace(creds.Name)
	if name == "" {
		pending, err := m.pending.Get(ctx, email)
		if err == nil {
			name = pending.Name
		}
	}
	if name == "" {
		return model.Identity{}, invalid("name", "is required")
	}

	exists, err := m.identities.ExistsByEmail(ctx, email)
	if err != nil {
		return model.Identity{}, fmt.Errorf("check existing identity: %w", err)
	}
	if exists {
		return model.Identity{}, ErrAlreadyRegistered
	}

	hash, err := m.hasher.Hash(creds.Password)
	if err != nil {
		return model.Identity{}, fmt.Errorf("hash password: %w", err)
	}
	identity, err := m.identities.Create(ctx, model.Identity{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		TenantID:     creds.TenantID,
		Verified:     true,
	})
	if errors.Is(err, repo.ErrDuplicate) {
		return model.Identity{}, ErrAlreadyRegistered
	}
	if err != nil {
		return model.Identity{}, fmt.Errorf("create identity: %w", err)
	}

	if err := m.verified.Clear(ctx, email); err != nil {
		m.logger.Warn("verification record not cleared", logging.Email(email), zap.Error(err))
	}
	if err := m.pending.Delete(ctx, email); err != nil {
		m.logger.Warn("pending registration not removed", logging.Email(email), zap.Error(err))
	}

	m.logger.Info("identity registered", logging.Email(email), zap.String("identity_id", identity.ID.String()))
	return identity, nil
}

// State returns the stored step for email, or CapturingIdentity when nothing is pending.
func (m *RegistrationStateMachine) State(ctx context.Context, email string) (model.RegistrationState, error) {
	pending, err := m.pending.Get(ctx, normalizeEmail(email))
	if errors.Is(err, cache.ErrRegistrationNotFound) {
		return model.StateCapturingIdentity, nil
	}
	if err != nil {
		return "", err
	}
	return pending.State, nil
}

func selfServiceRole(role string) (string, error) {
	role = strings.TrimSpace(role)
	if role == "" || role == model.RoleResident {
		return model.RoleResident, nil
	}
	return "", invalid("role", "self-registration is limited to residents")
}

func validatePassword(password, confirm string) error {
	if len(password) < minPasswordLength {
		return invalid("password", fmt.Sprintf("must be at least %d characters", minPasswordLength))
	}
	if password != confirm {
		return invalid("confirmPassword", "does not match password")
	}
	return nil
}
