package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/societyhub/server/internal/logging"
	"github.com/societyhub/server/internal/model"
	"github.com/societyhub/server/internal/repo"
	"go.uber.org/zap"
)

// LoginService authenticates identities by password and issues access tokens
type LoginService struct {
	identities repo.IdentityRepo
	hasher     *PasswordHasher
	jwtService *JWTService
	logger     *zap.Logger
}

// NewLoginService creates a new login service
func NewLoginService(
	identities repo.IdentityRepo,
	hasher *PasswordHasher,
	jwtService *JWTService,
	logger *zap.Logger,
) *LoginService {
	return &LoginService{
		identities: identities,
		hasher:     hasher,
		jwtService: jwtService,
		logger:     logger,
	}
}

// Session is the result of a successful login
type Session struct {
	Identity  model.Identity
	Token     string
	ExpiresAt time.Time
}

// Login checks the password, then refuses frozen and unverified identities. Logging in
// again never clears the frozen flag.
func (s *LoginService) Login(ctx context.Context, email, password string) (*Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, invalid("credentials", "email and password are required")
	}

	identity, err := s.identities.GetByEmail(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if identity.PasswordHash == "" || !s.hasher.Matches(identity.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	if identity.Frozen {
		s.logger.Info("login refused for frozen identity", logging.Email(email))
		return nil, ErrFrozen
	}
	if !identity.Verified {
		return nil, ErrUnverifiedAccount
	}

	token, expiresAt, err := s.jwtService.SignAccessToken(identity)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &Session{Identity: identity, Token: token, ExpiresAt: expiresAt}, nil
}
