// Package repotest provides in-memory repositories with the same conditional-update semantics
// as the Postgres ones, for tests that exercise whole request flows.
package repotest

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/societyhub/server/internal/model"
	"github.com/societyhub/server/internal/repo"
)

// Identities is an in-memory repo.IdentityRepo.
type Identities struct {
	mu   sync.Mutex
	rows   map[uuid.UUID]model.Identity
	frozen map[uuid.UUID]bool
	// Err, when set, fails every call.
	Err error
}

func NewIdentities() *Identities {
	return &Identities{rows: make(map[uuid.UUID]model.Identity), frozen: make(map[uuid.UUID]bool)}
}

var _ repo.IdentityRepo = (*Identities)(nil)

func (s *Identities) Create(_ context.Context, identity model.Identity) (model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Identity{}, s.Err
	}
	for _, row := range s.rows {
		if strings.EqualFold(row.Email, identity.Email) {
			return model.Identity{}, repo.ErrDuplicate
		}
	}
	if identity.ID == uuid.Nil {
		identity.ID = uuid.New()
	}
	identity.Email = strings.ToLower(identity.Email)
	identity.CreatedAt = time.Now().UTC()
	if identity.TenantID != uuid.Nil && s.frozen[identity.TenantID] {
		identity.Frozen = true
	}
	s.rows[identity.ID] = identity
	return identity, nil
}

func (s *Identities) GetByID(_ context.Context, id uuid.UUID) (model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Identity{}, s.Err
	}
	row, ok := s.rows[id]
	if !ok {
		return model.Identity{}, repo.ErrNotFound
	}
	return row, nil
}

func (s *Identities) GetByEmail(_ context.Context, email string) (model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Identity{}, s.Err
	}
	for _, row := range s.rows {
		if strings.EqualFold(row.Email, email) {
			return row, nil
		}
	}
	return model.Identity{}, repo.ErrNotFound
}

func (s *Identities) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	_, err := s.GetByEmail(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Identities) MarkVerified(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	row, ok := s.rows[id]
	if !ok {
		return repo.ErrNotFound
	}
	row.Verified = true
	s.rows[id] = row
	return nil
}

func (s *Identities) SetTenantFrozen(_ context.Context, tenantID uuid.UUID, frozen bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	if frozen {
		s.frozen[tenantID] = true
	} else {
		delete(s.frozen, tenantID)
	}
	var n int64
	for id, row := range s.rows {
		if row.TenantID == tenantID && row.Frozen != frozen {
			row.Frozen = frozen
			s.rows[id] = row
			n++
		}
	}
	return n, nil
}

func (s *Identities) TenantFrozen(_ context.Context, tenantID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	return s.frozen[tenantID], nil
}

// Challenges is an in-memory repo.ChallengeRepo.
type Challenges struct {
	mu   sync.Mutex
	rows map[uuid.UUID]model.OTPChallenge
}

func NewChallenges() *Challenges {
	return &Challenges{rows: make(map[uuid.UUID]model.OTPChallenge)}
}

var _ repo.ChallengeRepo = (*Challenges)(nil)

func (s *Challenges) CreateAndSupersede(_ context.Context, c model.OTPChallenge, _, _ *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, row := range s.rows {
		if row.Email == c.Email && row.SupersededBy == nil {
			next := c.ID
			row.SupersededBy = &next
			s.rows[id] = row
		}
	}
	s.rows[c.ID] = c
	return nil
}

func (s *Challenges) Latest(_ context.Context, email string) (model.OTPChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.Email == email && row.SupersededBy == nil {
			return row, nil
		}
	}
	return model.OTPChallenge{}, repo.ErrNotFound
}

func (s *Challenges) Get(_ context.Context, id uuid.UUID) (model.OTPChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return model.OTPChallenge{}, repo.ErrNotFound
	}
	return row, nil
}

func (s *Challenges) MatchesSuperseded(_ context.Context, email string, codeHash []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.Email == email && row.SupersededBy != nil && bytes.Equal(row.CodeHash, codeHash) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Challenges) RecordFailure(_ context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.ConsumedAt != nil || row.SupersededBy != nil {
		return 0, repo.ErrStale
	}
	row.Attempts++
	s.rows[id] = row
	return row.Attempts, nil
}

func (s *Challenges) Consume(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.ConsumedAt != nil || row.SupersededBy != nil {
		return repo.ErrStale
	}
	row.ConsumedAt = &at
	s.rows[id] = row
	return nil
}

func (s *Challenges) PurgeExpired(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, row := range s.rows {
		if row.ExpiresAt.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}
