package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/societyhub/server/internal/logging"
	"github.com/societyhub/server/internal/model"
	"github.com/societyhub/server/internal/notify"
	"github.com/societyhub/server/internal/repo"
	"go.uber.org/zap"
)

const (
	otpLength   = 6
	otpExpiry   = 5 * time.Minute
	maxAttempts = 5
	// Expired challenges are kept this long before the janitor deletes them.
	purgeGrace = time.Hour

	// DevOTPCode is the fixed code issued when the authority runs with WithFixedCode in dev mode.
	DevOTPCode = "123456"
)

// VerifiedEmails records successful OTP verifications per email.
type VerifiedEmails interface {
	Mark(ctx context.Context, email string, v model.EmailVerification) error
	Get(ctx context.Context, email string) (model.EmailVerification, bool, error)
	Clear(ctx context.Context, email string) error
}

// ClientInfo describes the caller of RequestChallenge for auditing.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// ChallengeHandle is returned to the client. ExpiresAt is the server's expiry; clients
// resynchronize their countdown from it.
type ChallengeHandle struct {
	Email     string
	ExpiresAt time.Time
}

// VerifyResult is the outcome of Verify. Reason is empty when Verified is true.
type VerifyResult struct {
	Verified bool
	Reason   Reason
}

// OTPAuthority issues and verifies email passcodes.
type OTPAuthority struct {
	challenges repo.ChallengeRepo
	verified   VerifiedEmails
	notifier   notify.Notifier
	salt       string
	logger     *zap.Logger

	now     func() time.Time
	newCode func() (string, error)
}

// OTPOption customizes an OTPAuthority.
type OTPOption func(*OTPAuthority)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) OTPOption {
	return func(a *OTPAuthority) { a.now = now }
}

// WithCodeGenerator replaces the random code source.
func WithCodeGenerator(gen func() (string, error)) OTPOption {
	return func(a *OTPAuthority) { a.newCode = gen }
}

// WithFixedCode makes every challenge use code. Dev mode only.
func WithFixedCode(code string) OTPOption {
	return WithCodeGenerator(func() (string, error) { return code, nil })
}

// NewOTPAuthority creates a new OTP authority
func NewOTPAuthority(
	challenges repo.ChallengeRepo,
	verified VerifiedEmails,
	notifier notify.Notifier,
	salt string,
	logger *zap.Logger,
	opts ...OTPOption,
) *OTPAuthority {
	a := &OTPAuthority{
		challenges: challenges,
		verified:   verified,
		notifier:   notifier,
		salt:       salt,
		logger:     logger,
		now:        time.Now,
		newCode:    generateOTPCode,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RequestChallenge issues a new challenge for email. Any earlier challenge for the email is
// superseded in the same store operation, so the last request always wins.
func (a *OTPAuthority) RequestChallenge(ctx context.Context, email, name string, client ClientInfo) (ChallengeHandle, error) {
	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return ChallengeHandle{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ChallengeHandle{}, invalid("name", "is required")
	}

	code, err := a.newCode()
	if err != nil {
		return ChallengeHandle{}, fmt.Errorf("generate code: %w", err)
	}

	now := a.now()
	challenge := model.OTPChallenge{
		ID:        uuid.New(),
		Email:     email,
		CodeHash:  hashOTPBytes(email, code, a.salt),
		CreatedAt: now,
		ExpiresAt: now.Add(otpExpiry),
	}
	if err := a.challenges.CreateAndSupersede(ctx, challenge, optional(client.IP), optional(client.UserAgent)); err != nil {
		return ChallengeHandle{}, fmt.Errorf("store challenge: %w", err)
	}

	msg := notify.Message{
		Kind:    notify.KindOTP,
		Subject: "Your verification code",
		Body:    fmt.Sprintf("Hello %s, your verification code is %s. It expires in %d minutes.", name, code, int(otpExpiry.Minutes())),
		Data:    map[string]string{"name": name},
	}
	if err := a.notifier.Send(ctx, email, msg); err != nil {
		a.logger.Warn("otp notification failed", logging.Email(email), zap.Error(err))
	}

	a.logger.Info("otp challenge issued", logging.Email(email), zap.String("challenge_id", challenge.ID.String()))
	return ChallengeHandle{Email: email, ExpiresAt: challenge.ExpiresAt}, nil
}

// Verify checks code against the current challenge for email. Business outcomes come back as
// a Reason; the error is reserved for invalid input and storage faults.
func (a *OTPAuthority) Verify(ctx context.Context, email, code string) (VerifyResult, error) {
	email = normalizeEmail(email)
	code = strings.TrimSpace(code)
	if err := validateEmail(email); err != nil {
		return VerifyResult{}, err
	}
	if code == "" {
		return VerifyResult{}, invalid("otp", "is required")
	}

	challenge, err := a.challenges.Latest(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return failed(ReasonNotFound), nil
	}
	if err != nil {
		return VerifyResult{}, fmt.Errorf("load challenge: %w", err)
	}

	now := a.now()
	provided := hashOTPBytes(email, code, a.salt)
	matches := subtle.ConstantTimeCompare(provided, challenge.CodeHash) == 1

	if !matches {
		stale, err := a.challenges.MatchesSuperseded(ctx, email, provided)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("check superseded challenges: %w", err)
		}
		if stale {
			return failed(ReasonSuperseded), nil
		}
	}

	if reason := terminalReason(challenge, now); reason != ReasonNone {
		return failed(reason), nil
	}

	if !matches {
		attempts, err := a.challenges.RecordFailure(ctx, challenge.ID)
		if errors.Is(err, repo.ErrStale) {
			return a.reclassify(ctx, challenge.ID, now)
		}
		if err != nil {
			return VerifyResult{}, fmt.Errorf("record failed attempt: %w", err)
		}
		if attempts >= maxAttempts {
			a.logger.Warn("otp challenge locked", logging.Email(email), zap.Int("attempts", attempts))
			return failed(ReasonLocked), nil
		}
		return failed(ReasonMismatch), nil
	}

	if err := a.challenges.Consume(ctx, challenge.ID, now); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return a.reclassify(ctx, challenge.ID, now)
		}
		return VerifyResult{}, fmt.Errorf("consume challenge: %w", err)
	}
	if err := a.verified.Mark(ctx, email, model.EmailVerification{ChallengeID: challenge.ID, VerifiedAt: now}); err != nil {
		return VerifyResult{}, fmt.Errorf("record verification: %w", err)
	}

	a.logger.Info("otp verified", logging.Email(email))
	return VerifyResult{Verified: true}, nil
}

// spentBy reports whether v was produced by the email's current challenge. A verification of a
// challenge that a later request superseded does not count.
func (a *OTPAuthority) spentBy(ctx context.Context, email string, v model.EmailVerification) (bool, error) {
	current, err := a.challenges.Latest(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load challenge: %w", err)
	}
	return current.ID == v.ChallengeID && current.Consumed(), nil
}

// Purge deletes challenges that expired more than the grace window ago.
func (a *OTPAuthority) Purge(ctx context.Context) (int64, error) {
	return a.challenges.PurgeExpired(ctx, a.now().Add(-purgeGrace))
}

// RunJanitor purges expired challenges every interval until ctx is done.
func (a *OTPAuthority) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Purge(ctx)
			if err != nil {
				a.logger.Error("otp purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.logger.Debug("otp challenges purged", zap.Int64("count", n))
			}
		}
	}
}

// reclassify reports why a conditional update lost a race.
func (a *OTPAuthority) reclassify(ctx context.Context, id uuid.UUID, now time.Time) (VerifyResult, error) {
	current, err := a.challenges.Get(ctx, id)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("reload challenge: %w", err)
	}
	if reason := terminalReason(current, now); reason != ReasonNone {
		return failed(reason), nil
	}
	return failed(ReasonSuperseded), nil
}

// terminalReason returns why a challenge can no longer be verified, or ReasonNone.
func terminalReason(c model.OTPChallenge, now time.Time) Reason {
	switch {
	case c.Superseded():
		return ReasonSuperseded
	case !now.Before(c.ExpiresAt):
		return ReasonExpired
	case c.Consumed():
		return ReasonAlreadyConsumed
	case c.Attempts >= maxAttempts:
		return ReasonLocked
	}
	return ReasonNone
}

func failed(reason Reason) VerifyResult {
	return VerifyResult{Verified: false, Reason: reason}
}

func generateOTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpLength, n.Int64()), nil
}

// hashOTPBytes returns SHA-256(email:code:salt); only the hash is stored.
func hashOTPBytes(email, code, salt string) []byte {
	data := fmt.Sprintf("%s:%s:%s", email, code, salt)
	hash := sha256.Sum256([]byte(data))
	return hash[:]
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	if email == "" {
		return invalid("email", "is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@"):], ".") {
		return invalid("email", "is not a valid address")
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
