package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/societyhub/server/internal/logging"
	"github.com/societyhub/server/internal/model"
	"github.com/societyhub/server/internal/repo"
	"go.uber.org/zap"
)

// ManagedAccount is an account created by an administrator. It skips the OTP flow and
// stays unverified until its owner opens the emailed link.
type ManagedAccount struct {
	Name     string
	Email    string
	Password string
	Role     string
	TenantID uuid.UUID
}

// AccountService creates accounts on behalf of administrators.
type AccountService struct {
	identities repo.IdentityRepo
	hasher     *PasswordHasher
	links      *VerificationTokenService
	logger     *zap.Logger
}

func NewAccountService(identities repo.IdentityRepo, hasher *PasswordHasher, links *VerificationTokenService, logger *zap.Logger) *AccountService {
	return &AccountService{identities: identities, hasher: hasher, links: links, logger: logger}
}

// Create stores the account and sends its verification link. Only a super admin may create
// accounts outside their own society or grant the super admin role.
func (s *AccountService) Create(ctx context.Context, actor model.Identity, account ManagedAccount) (model.Identity, error) {
	email := normalizeEmail(account.Email)
	if err := validateEmail(email); err != nil {
		return model.Identity{}, err
	}
	name := strings.TrimSpace(account.Name)
	if name == "" {
		return model.Identity{}, invalid("name", "is required")
	}
	if len(account.Password) < minPasswordLength {
		return model.Identity{}, invalid("password", fmt.Sprintf("must be at least %d characters", minPasswordLength))
	}
	role := strings.TrimSpace(account.Role)
	if role == "" {
		role = model.RoleResident
	}
	if actor.Role != model.RoleSuperAdmin {
		if role == model.RoleSuperAdmin {
			return model.Identity{}, invalid("role", "cannot be granted by a society admin")
		}
		if account.TenantID != actor.TenantID {
			return model.Identity{}, invalid("societyId", "must be your own society")
		}
	}
	if role != model.RoleSuperAdmin && account.TenantID == uuid.Nil {
		return model.Identity{}, invalid("societyId", "is required")
	}

	if err := ensureTenantOpen(ctx, s.identities, account.TenantID); err != nil {
		return model.Identity{}, err
	}

	hash, err := s.hasher.Hash(account.Password)
	if err != nil {
		return model.Identity{}, fmt.Errorf("hash password: %w", err)
	}
	identity, err := s.identities.Create(ctx, model.Identity{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		TenantID:     account.TenantID,
	})
	if errors.Is(err, repo.ErrDuplicate) {
		return model.Identity{}, ErrAlreadyRegistered
	}
	if err != nil {
		return model.Identity{}, fmt.Errorf("create identity: %w", err)
	}

	if err := s.links.SendLink(ctx, identity); err != nil {
		// The account exists; the link can be resent.
		s.logger.Error("verification link not issued", logging.Email(email), zap.Error(err))
	}
	s.logger.Info("managed account created",
		logging.Email(email),
		zap.String("role", role),
		zap.String("created_by", actor.ID.String()),
	)
	return identity, nil
}

// ensureTenantOpen refuses new identities in a frozen tenant.
func ensureTenantOpen(ctx context.Context, identities repo.IdentityRepo, tenantID uuid.UUID) error {
	if tenantID == uuid.Nil {
		return nil
	}
	frozen, err := identities.TenantFrozen(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("check tenant state: %w", err)
	}
	if frozen {
		return ErrFrozen
	}
	return nil
}

// canManage reports whether actor may administer target.
func canManage(actor, target model.Identity) bool {
	return actor.Role == model.RoleSuperAdmin || (actor.TenantID != uuid.Nil && actor.TenantID == target.TenantID)
}
