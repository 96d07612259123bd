package auth

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/societyhub/server/internal/cache"
	"github.com/societyhub/server/internal/model"
	"github.com/societyhub/server/internal/notify"
	"github.com/societyhub/server/internal/repo"
)

// memChallenges mirrors the conditional-update semantics of repo.ChallengeRepo.
type memChallenges struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*model.OTPChallenge
}

func newMemChallenges() *memChallenges {
	return &memChallenges{rows: make(map[uuid.UUID]*model.OTPChallenge)}
}

func (m *memChallenges) CreateAndSupersede(_ context.Context, c model.OTPChallenge, _, _ *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.Email == c.Email && row.SupersededBy == nil {
			next := c.ID
			row.SupersededBy = &next
		}
	}
	stored := c
	m.rows[c.ID] = &stored
	return nil
}

func (m *memChallenges) Latest(_ context.Context, email string) (model.OTPChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.Email == email && row.SupersededBy == nil {
			return *row, nil
		}
	}
	return model.OTPChallenge{}, repo.ErrNotFound
}

func (m *memChallenges) Get(_ context.Context, id uuid.UUID) (model.OTPChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return model.OTPChallenge{}, repo.ErrNotFound
	}
	return *row, nil
}

func (m *memChallenges) MatchesSuperseded(_ context.Context, email string, codeHash []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.Email == email && row.SupersededBy != nil && bytes.Equal(row.CodeHash, codeHash) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memChallenges) RecordFailure(_ context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.ConsumedAt != nil || row.SupersededBy != nil {
		return 0, repo.ErrStale
	}
	row.Attempts++
	return row.Attempts, nil
}

func (m *memChallenges) Consume(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.ConsumedAt != nil || row.SupersededBy != nil {
		return repo.ErrStale
	}
	row.ConsumedAt = &at
	return nil
}

func (m *memChallenges) PurgeExpired(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, row := range m.rows {
		if row.ExpiresAt.Before(cutoff) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

// supersedeBehind simulates a concurrent resend landing between Latest and a conditional update.
func (m *memChallenges) supersedeBehind(email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := uuid.New()
	for _, row := range m.rows {
		if row.Email == email && row.SupersededBy == nil {
			row.SupersededBy = &next
		}
	}
}

type memVerified struct {
	mu   sync.Mutex
	seen map[string]model.EmailVerification
	err  error
}

func newMemVerified() *memVerified {
	return &memVerified{seen: make(map[string]model.EmailVerification)}
}

func (m *memVerified) Mark(_ context.Context, email string, v model.EmailVerification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.seen[email] = v
	return nil
}

func (m *memVerified) Get(_ context.Context, email string) (model.EmailVerification, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.seen[email]
	return v, ok, nil
}

func (m *memVerified) Clear(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, email)
	return nil
}

type sentMessage struct {
	destination string
	msg         notify.Message
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, destination string, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{destination: destination, msg: msg})
	return n.err
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) last() sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[len(n.sent)-1]
}

type memIdentities struct {
	mu          sync.Mutex
	rows        map[uuid.UUID]*model.Identity
	frozen      map[uuid.UUID]bool
	verifyCalls int
	// verifyErr, when set, fails MarkVerified.
	verifyErr error
}

func newMemIdentities() *memIdentities {
	return &memIdentities{rows: make(map[uuid.UUID]*model.Identity), frozen: make(map[uuid.UUID]bool)}
}

func (m *memIdentities) Create(_ context.Context, identity model.Identity) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if strings.EqualFold(row.Email, identity.Email) {
			return model.Identity{}, repo.ErrDuplicate
		}
	}
	identity.ID = uuid.New()
	identity.Email = strings.ToLower(identity.Email)
	identity.CreatedAt = time.Now()
	if identity.TenantID != uuid.Nil && m.frozen[identity.TenantID] {
		identity.Frozen = true
	}
	stored := identity
	m.rows[identity.ID] = &stored
	return identity, nil
}

func (m *memIdentities) GetByID(_ context.Context, id uuid.UUID) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return model.Identity{}, repo.ErrNotFound
	}
	return *row, nil
}

func (m *memIdentities) GetByEmail(_ context.Context, email string) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if strings.EqualFold(row.Email, email) {
			return *row, nil
		}
	}
	return model.Identity{}, repo.ErrNotFound
}

func (m *memIdentities) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	_, err := m.GetByEmail(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (m *memIdentities) MarkVerified(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.verifyErr != nil {
		return m.verifyErr
	}
	row, ok := m.rows[id]
	if !ok {
		return repo.ErrNotFound
	}
	m.verifyCalls++
	row.Verified = true
	return nil
}

func (m *memIdentities) SetTenantFrozen(_ context.Context, tenantID uuid.UUID, frozen bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen[tenantID] = frozen
	var n int64
	for _, row := range m.rows {
		if row.TenantID == tenantID && row.Frozen != frozen {
			row.Frozen = frozen
			n++
		}
	}
	return n, nil
}

func (m *memIdentities) TenantFrozen(_ context.Context, tenantID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frozen[tenantID], nil
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// sequenceCodes returns the given codes in order.
func sequenceCodes(codes ...string) func() (string, error) {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		code := codes[i%len(codes)]
		i++
		return code, nil
	}
}

type memPending struct {
	mu   sync.Mutex
	rows map[string]model.PendingIdentity
}

func newMemPending() *memPending {
	return &memPending{rows: make(map[string]model.PendingIdentity)}
}

func (m *memPending) Save(_ context.Context, pending model.PendingIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[pending.Email] = pending
	return nil
}

func (m *memPending) Get(_ context.Context, email string) (model.PendingIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[email]
	if !ok {
		return model.PendingIdentity{}, cache.ErrRegistrationNotFound
	}
	return p, nil
}

func (m *memPending) Delete(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, email)
	return nil
}
