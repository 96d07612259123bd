package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/societyhub/server/internal/cache"
	"github.com/societyhub/server/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAccountFixture(t *testing.T) (*AccountService, *VerificationTokenService, *memIdentities, *recordingNotifier) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	identities := newMemIdentities()
	notifier := &recordingNotifier{}
	links := NewVerificationTokenService(cache.NewTokenStore(client), identities, notifier, "https://app.example.com", zap.NewNop())
	return NewAccountService(identities, NewPasswordHasher(4), links, zap.NewNop()), links, identities, notifier
}

func TestAccountService_createSendsLinkAndStaysUnverified(t *testing.T) {
	svc, links, _, notifier := newAccountFixture(t)
	ctx := context.Background()
	tenant := uuid.New()
	admin := model.Identity{ID: uuid.New(), Role: model.RoleSocietyAdmin, TenantID: tenant}

	identity, err := svc.Create(ctx, admin, ManagedAccount{
		Name: "Guard One", Email: "guard@example.com", Password: "initial-pass", Role: "security", TenantID: tenant,
	})
	require.NoError(t, err)
	assert.False(t, identity.Verified)
	assert.Equal(t, "security", identity.Role)

	sent := notifier.last()
	assert.Equal(t, "guard@example.com", sent.destination)
	token := strings.TrimPrefix(sent.msg.Data["link"], "https://app.example.com/verify-account/")

	res, err := links.Consume(ctx, token)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, identity.ID, res.User.ID)
}

func TestAccountService_societyAdminLimits(t *testing.T) {
	svc, _, _, _ := newAccountFixture(t)
	ctx := context.Background()
	tenant := uuid.New()
	admin := model.Identity{ID: uuid.New(), Role: model.RoleSocietyAdmin, TenantID: tenant}

	_, err := svc.Create(ctx, admin, ManagedAccount{
		Name: "X", Email: "x@example.com", Password: "initial-pass", TenantID: uuid.New(),
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, admin, ManagedAccount{
		Name: "X", Email: "x@example.com", Password: "initial-pass", Role: model.RoleSuperAdmin, TenantID: tenant,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAccountService_duplicateEmail(t *testing.T) {
	svc, _, identities, _ := newAccountFixture(t)
	ctx := context.Background()
	root := model.Identity{ID: uuid.New(), Role: model.RoleSuperAdmin}

	_, err := identities.Create(ctx, model.Identity{Name: "Taken", Email: "taken@example.com"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, root, ManagedAccount{
		Name: "Again", Email: "Taken@example.com", Password: "initial-pass", TenantID: uuid.New(),
	})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestAccountService_frozenSocietyRefused(t *testing.T) {
	svc, _, identities, notifier := newAccountFixture(t)
	ctx := context.Background()
	tenant := uuid.New()
	super := model.Identity{ID: uuid.New(), Role: model.RoleSuperAdmin}

	_, err := identities.SetTenantFrozen(ctx, tenant, true)
	require.NoError(t, err)

	_, err = svc.Create(ctx, super, ManagedAccount{
		Name: "Late", Email: "late@example.com", Password: "initial-pass", Role: "security", TenantID: tenant,
	})
	assert.ErrorIs(t, err, ErrFrozen)
	assert.Empty(t, notifier.sent)
	exists, err := identities.ExistsByEmail(ctx, "late@example.com")
	require.NoError(t, err)
	assert.False(t, exists)
}
