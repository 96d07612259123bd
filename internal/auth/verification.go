package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/societyhub/server/internal/cache"
	"github.com/societyhub/server/internal/logging"
	"github.com/societyhub/server/internal/model"
	"github.com/societyhub/server/internal/notify"
	"github.com/societyhub/server/internal/repo"
	"go.uber.org/zap"
)

const verificationTokenTTL = 24 * time.Hour

// TokenStore persists verification tokens by hash. Claim must be atomic; Release undoes a claim
// whose side effect failed.
type TokenStore interface {
	Save(ctx context.Context, token model.VerificationToken) error
	Claim(ctx context.Context, tokenHash string, now time.Time) (model.VerificationToken, error)
	Release(ctx context.Context, tokenHash string) error
}

// ConsumeResult is the outcome of consuming a link token.
type ConsumeResult struct {
	Success bool
	User    *model.Identity
	Reason  Reason
}

// VerificationTokenService issues and consumes single-use account verification links.
type VerificationTokenService struct {
	tokens     TokenStore
	identities repo.IdentityRepo
	notifier   notify.Notifier
	baseURL    string
	logger     *zap.Logger
	now        func() time.Time
}

func NewVerificationTokenService(
	tokens TokenStore,
	identities repo.IdentityRepo,
	notifier notify.Notifier,
	baseURL string,
	logger *zap.Logger,
) *VerificationTokenService {
	return &VerificationTokenService{
		tokens:     tokens,
		identities: identities,
		notifier:   notifier,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
		now:        time.Now,
	}
}

// Issue creates a token for userID valid for 24 hours. Only the token hash is stored.
func (s *VerificationTokenService) Issue(ctx context.Context, userID uuid.UUID) (string, error) {
	token, hashHex, err := generateVerificationToken()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	now := s.now()
	err = s.tokens.Save(ctx, model.VerificationToken{
		TokenHash: hashHex,
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(verificationTokenTTL),
	})
	if err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return token, nil
}

// SendLink issues a token for identity and hands the link to the notifier.
func (s *VerificationTokenService) SendLink(ctx context.Context, identity model.Identity) error {
	token, err := s.Issue(ctx, identity.ID)
	if err != nil {
		return err
	}
	link := s.baseURL + "/verify-account/" + token
	msg := notify.Message{
		Kind:    notify.KindVerificationLink,
		Subject: "Verify your account",
		Body:    fmt.Sprintf("Hello %s, confirm your email by opening %s within 24 hours.", identity.Name, link),
		Data:    map[string]string{"name": identity.Name, "link": link},
	}
	if err := s.notifier.Send(ctx, identity.Email, msg); err != nil {
		s.logger.Warn("verification link notification failed", logging.Email(identity.Email), zap.Error(err))
	}
	return nil
}

// Resend sends a fresh link to an identity that has not verified yet. A society admin may only
// resend within their own society.
func (s *VerificationTokenService) Resend(ctx context.Context, actor model.Identity, userID uuid.UUID) error {
	identity, err := s.identities.GetByID(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return invalid("user", "does not exist")
	}
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	if !canManage(actor, identity) {
		return ErrForbidden
	}
	if identity.Verified {
		return invalid("user", "is already verified")
	}
	return s.SendLink(ctx, identity)
}

// Consume spends token and marks its identity verified. The claim happens before the side
// effect, so a repeated call reports AlreadyUsed without touching the identity again. If the
// side effect fails the claim is released and the link stays usable.
func (s *VerificationTokenService) Consume(ctx context.Context, token string) (ConsumeResult, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return ConsumeResult{Reason: ReasonInvalid}, nil
	}

	tokenHash := hashVerificationToken(token)
	claimed, err := s.tokens.Claim(ctx, tokenHash, s.now())
	switch {
	case errors.Is(err, cache.ErrTokenNotFound):
		return ConsumeResult{Reason: ReasonInvalid}, nil
	case errors.Is(err, cache.ErrTokenExpired):
		return ConsumeResult{Reason: ReasonExpired}, nil
	case errors.Is(err, cache.ErrTokenUsed):
		return ConsumeResult{Reason: ReasonAlreadyUsed}, nil
	case err != nil:
		return ConsumeResult{}, fmt.Errorf("claim token: %w", err)
	}

	if err := s.identities.MarkVerified(ctx, claimed.UserID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ConsumeResult{Reason: ReasonInvalid}, nil
		}
		s.release(ctx, tokenHash)
		return ConsumeResult{}, fmt.Errorf("mark identity verified: %w", err)
	}
	identity, err := s.identities.GetByID(ctx, claimed.UserID)
	if err != nil {
		s.release(ctx, tokenHash)
		return ConsumeResult{}, fmt.Errorf("load identity: %w", err)
	}

	s.logger.Info("account verified by link", logging.Email(identity.Email))
	return ConsumeResult{Success: true, User: &identity}, nil
}

func (s *VerificationTokenService) release(ctx context.Context, tokenHash string) {
	if err := s.tokens.Release(ctx, tokenHash); err != nil {
		s.logger.Error("verification token claim not released", zap.Error(err))
	}
}

// generateVerificationToken returns a random Base64URL token (32 bytes) and its SHA256 hash as hex
func generateVerificationToken() (token string, hashHex string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	token = base64.RawURLEncoding.EncodeToString(b)
	return token, hashVerificationToken(token), nil
}

func hashVerificationToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
