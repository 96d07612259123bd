package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/societyhub/server/internal/model"
)

const verifiedPrefix = "otp_verified:"

// VerifiedEmailStore records that an email passed OTP verification. Account creation reads it
// as the only proof of step two.
type VerifiedEmailStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewVerifiedEmailStore(client *redis.Client, ttl time.Duration) *VerifiedEmailStore {
	return &VerifiedEmailStore{client: client, ttl: ttl}
}

// Mark records a verification for email, replacing any earlier one.
func (s *VerifiedEmailStore) Mark(ctx context.Context, email string, v model.EmailVerification) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode email verification: %w", err)
	}
	if err := s.client.Set(ctx, verifiedPrefix+email, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	return nil
}

// Get returns the verification for email; ok is false when there is no live record.
func (s *VerifiedEmailStore) Get(ctx context.Context, email string) (model.EmailVerification, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, verifiedPrefix+email).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.EmailVerification{}, false, nil
	}
	if err != nil {
		return model.EmailVerification{}, false, fmt.Errorf("read email verification: %w", err)
	}
	var v model.EmailVerification
	if err := json.Unmarshal(raw, &v); err != nil {
		return model.EmailVerification{}, false, fmt.Errorf("decode email verification: %w", err)
	}
	return v, true, nil
}

// Clear removes the record once it has been spent.
func (s *VerifiedEmailStore) Clear(ctx context.Context, email string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, verifiedPrefix+email).Err(); err != nil {
		return fmt.Errorf("clear email verification: %w", err)
	}
	return nil
}
