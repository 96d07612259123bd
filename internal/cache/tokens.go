package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/societyhub/server/internal/model"
)

const tokenPrefix = "verify_token:"

// Used and expired tokens stay readable this long past expiry so they report
// AlreadyUsed/Expired instead of Invalid.
const tokenRetention = 7 * 24 * time.Hour

var (
	ErrTokenNotFound = errors.New("verification token not found")
	ErrTokenUsed     = errors.New("verification token already used")
	ErrTokenExpired  = errors.New("verification token expired")
)

type tokenRecord struct {
	UserID    uuid.UUID `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
}

// TokenStore keeps verification tokens keyed by the token hash
type TokenStore struct {
	client *redis.Client
}

func NewTokenStore(client *redis.Client) *TokenStore {
	return &TokenStore{client: client}
}

// Save stores a fresh, unused token.
func (s *TokenStore) Save(ctx context.Context, token model.VerificationToken) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	payload, err := json.Marshal(tokenRecord{
		UserID:    token.UserID,
		IssuedAt:  token.IssuedAt,
		ExpiresAt: token.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	ttl := token.ExpiresAt.Sub(token.IssuedAt) + tokenRetention
	if err := s.client.Set(ctx, tokenPrefix+token.TokenHash, payload, ttl).Err(); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// Claim marks the token used if it exists, is unused and has not expired at now.
// Exactly one concurrent caller can win the claim.
func (s *TokenStore) Claim(ctx context.Context, tokenHash string, now time.Time) (model.VerificationToken, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := tokenPrefix + tokenHash
	var claimed model.VerificationToken

	err := withWatch(ctx, s.client, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrTokenNotFound
		}
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}

		var rec tokenRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode token: %w", err)
		}
		if rec.Used {
			return ErrTokenUsed
		}
		if now.After(rec.ExpiresAt) {
			return ErrTokenExpired
		}

		rec.Used = true
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode token: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, tokenRetention)
			return nil
		})
		if err != nil {
			return err
		}

		claimed = model.VerificationToken{
			TokenHash: tokenHash,
			UserID:    rec.UserID,
			IssuedAt:  rec.IssuedAt,
			ExpiresAt: rec.ExpiresAt,
			Used:      true,
		}
		return nil
	}, key)
	if err != nil {
		return model.VerificationToken{}, err
	}
	return claimed, nil
}

// Release marks a claimed token unused again. Releasing an unused or missing token is a no-op.
func (s *TokenStore) Release(ctx context.Context, tokenHash string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := tokenPrefix + tokenHash
	return withWatch(ctx, s.client, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}

		var rec tokenRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode token: %w", err)
		}
		if !rec.Used {
			return nil
		}
		rec.Used = false
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode token: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		return err
	}, key)
}
