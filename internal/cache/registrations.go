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

const registrationPrefix = "registration:"

var ErrRegistrationNotFound = errors.New("pending registration not found")

// RegistrationStore holds PendingIdentity records between the registration steps
type RegistrationStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRegistrationStore(client *redis.Client, ttl time.Duration) *RegistrationStore {
	return &RegistrationStore{client: client, ttl: ttl}
}

func (s *RegistrationStore) Save(ctx context.Context, pending model.PendingIdentity) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	payload, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("encode registration: %w", err)
	}
	if err := s.client.Set(ctx, registrationPrefix+pending.Email, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save registration: %w", err)
	}
	return nil
}

func (s *RegistrationStore) Get(ctx context.Context, email string) (model.PendingIdentity, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, registrationPrefix+email).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.PendingIdentity{}, ErrRegistrationNotFound
	}
	if err != nil {
		return model.PendingIdentity{}, fmt.Errorf("read registration: %w", err)
	}
	var pending model.PendingIdentity
	if err := json.Unmarshal(raw, &pending); err != nil {
		return model.PendingIdentity{}, fmt.Errorf("decode registration: %w", err)
	}
	return pending, nil
}

func (s *RegistrationStore) Delete(ctx context.Context, email string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, registrationPrefix+email).Err(); err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	return nil
}
