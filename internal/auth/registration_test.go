package auth

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/societyhub/server/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type registrationFixture struct {
	*otpFixture
	machine    *RegistrationStateMachine
	pending    *memPending
	identities *memIdentities
}

func newRegistrationFixture(codes ...string) *registrationFixture {
	otp := newOTPFixture(codes...)
	f := &registrationFixture{
		otpFixture: otp,
		pending:    newMemPending(),
		identities: newMemIdentities(),
	}
	f.machine = NewRegistrationStateMachine(otp.authority, f.pending, otp.verified, f.identities, NewPasswordHasher(4), zap.NewNop())
	return f
}

func validCredentials(email string) Credentials {
	return Credentials{
		Name:     "Ravi",
		Email:    email,
		Password: "s3cret-pass",
		Confirm:  "s3cret-pass",
		Role:     model.RoleResident,
		TenantID: uuid.MustParse("7f1c2a4e-3b7d-4c55-9a0e-2f3b4c5d6e7f"),
	}
}

func TestRegistration_fullFlow(t *testing.T) {
	f := newRegistrationFixture("123456")
	ctx := context.Background()

	state, err := f.machine.State(ctx, "ravi@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.StateCapturingIdentity, state)

	_, err = f.machine.Start(ctx, "Ravi", "Ravi@Example.com", "", ClientInfo{})
	require.NoError(t, err)
	state, _ = f.machine.State(ctx, "ravi@example.com")
	assert.Equal(t, model.StateAwaitingOTP, state)

	res, err := f.machine.ConfirmOTP(ctx, "ravi@example.com", "123456")
	require.NoError(t, err)
	require.True(t, res.Verified)
	state, _ = f.machine.State(ctx, "ravi@example.com")
	assert.Equal(t, model.StateFinalizingCredentials, state)

	identity, err := f.machine.CreateAccount(ctx, validCredentials("ravi@example.com"))
	require.NoError(t, err)
	assert.True(t, identity.Verified)
	assert.Equal(t, model.RoleResident, identity.Role)
	assert.NotEqual(t, "s3cret-pass", identity.PasswordHash)

	state, _ = f.machine.State(ctx, "ravi@example.com")
	assert.Equal(t, model.StateCapturingIdentity, state, "pending record is dropped once registered")
	_, ok, _ := f.verified.Get(ctx, "ravi@example.com")
	assert.False(t, ok, "verification record is consumed by registration")
}

func TestRegistration_failedConfirmKeepsAwaiting(t *testing.T) {
	f := newRegistrationFixture("123456")
	ctx := context.Background()

	_, err := f.machine.Start(ctx, "Ravi", "ravi@example.com", model.RoleResident, ClientInfo{})
	require.NoError(t, err)

	res, err := f.machine.ConfirmOTP(ctx, "ravi@example.com", "999999")
	require.NoError(t, err)
	assert.Equal(t, ReasonMismatch, res.Reason)

	state, _ := f.machine.State(ctx, "ravi@example.com")
	assert.Equal(t, model.StateAwaitingOTP, state)
}

func TestCreateAccount_withoutVerificationIsRejected(t *testing.T) {
	f := newRegistrationFixture("123456")
	ctx := context.Background()

	_, err := f.machine.Start(ctx, "Ravi", "ravi@example.com", "", ClientInfo{})
	require.NoError(t, err)

	// A client claiming to be on the last step is not enough.
	require.NoError(t, f.pending.Save(ctx, model.PendingIdentity{
		Name: "Ravi", Email: "ravi@example.com", State: model.StateFinalizingCredentials,
	}))

	_, err = f.machine.CreateAccount(ctx, validCredentials("ravi@example.com"))
	assert.ErrorIs(t, err, ErrNotVerified)
	assert.Empty(t, f.identities.rows)
}

func TestCreateAccount_validationLeavesStateUnchanged(t *testing.T) {
	f := newRegistrationFixture("123456")
	ctx := context.Background()

	_, err := f.machine.Start(ctx, "Ravi", "ravi@example.com", "", ClientInfo{})
	require.NoError(t, err)
	_, err = f.machine.ConfirmOTP(ctx, "ravi@example.com", "123456")
	require.NoError(t, err)

	short := validCredentials("ravi@example.com")
	short.Password, short.Confirm = "short", "short"
	_, err = f.machine.CreateAccount(ctx, short)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "password", vErr.Field)

	mismatch := validCredentials("ravi@example.com")
	mismatch.Confirm = "different-pass"
	_, err = f.machine.CreateAccount(ctx, mismatch)
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "confirmPassword", vErr.Field)

	state, _ := f.machine.State(ctx, "ravi@example.com")
	assert.Equal(t, model.StateFinalizingCredentials, state)
	_, ok, _ := f.verified.Get(ctx, "ravi@example.com")
	assert.True(t, ok)

	_, err = f.machine.CreateAccount(ctx, validCredentials("ravi@example.com"))
	require.NoError(t, err)
}

func TestRegistration_rejectsNonResidentRole(t *testing.T) {
	f := newRegistrationFixture("123456")
	_, err := f.machine.Start(context.Background(), "Ravi", "ravi@example.com", model.RoleSuperAdmin, ClientInfo{})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, f.notifier.sent)
}

func TestRegistration_alreadyRegistered(t *testing.T) {
	f := newRegistrationFixture("123456")
	ctx := context.Background()

	_, err := f.identities.Create(ctx, model.Identity{Name: "Ravi", Email: "ravi@example.com", Role: model.RoleResident})
	require.NoError(t, err)

	_, err = f.machine.Start(ctx, "Ravi", "ravi@example.com", "", ClientInfo{})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.Empty(t, f.notifier.sent)

	// The authoritative check also runs at finalization.
	_, err = f.authority.RequestChallenge(ctx, "ravi@example.com", "Ravi", ClientInfo{})
	require.NoError(t, err)
	res, err := f.authority.Verify(ctx, "ravi@example.com", "123456")
	require.NoError(t, err)
	require.True(t, res.Verified)
	_, err = f.machine.CreateAccount(ctx, validCredentials("ravi@example.com"))
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRegistration_resendSupersedesAndClearsVerification(t *testing.T) {
	f := newRegistrationFixture("111111", "222222")
	ctx := context.Background()

	_, err := f.machine.Start(ctx, "Ravi", "ravi@example.com", "", ClientInfo{})
	require.NoError(t, err)
	_, err = f.machine.Start(ctx, "Ravi", "ravi@example.com", "", ClientInfo{})
	require.NoError(t, err)

	res, err := f.machine.ConfirmOTP(ctx, "ravi@example.com", "111111")
	require.NoError(t, err)
	assert.Equal(t, ReasonSuperseded, res.Reason)

	res, err = f.machine.ConfirmOTP(ctx, "ravi@example.com", "222222")
	require.NoError(t, err)
	assert.True(t, res.Verified)
}

func TestCreateAccount_fallsBackToPendingName(t *testing.T) {
	f := newRegistrationFixture("123456")
	ctx := context.Background()

	_, err := f.machine.Start(ctx, "Ravi Kumar", "ravi@example.com", "", ClientInfo{})
	require.NoError(t, err)
	_, err = f.machine.ConfirmOTP(ctx, "ravi@example.com", "123456")
	require.NoError(t, err)

	creds := validCredentials("ravi@example.com")
	creds.Name = ""
	identity, err := f.machine.CreateAccount(ctx, creds)
	require.NoError(t, err)
	assert.Equal(t, "Ravi Kumar", identity.Name)
}

func TestCreateAccount_verificationOfSupersededChallengeDoesNotCount(t *testing.T) {
	f := newRegistrationFixture("111111", "222222")
	ctx := context.Background()

	_, err := f.machine.Start(ctx, "Ravi", "ravi@example.com", "", ClientInfo{})
	require.NoError(t, err)
	first, err := f.challenges.Latest(ctx, "ravi@example.com")
	require.NoError(t, err)

	_, err = f.machine.Start(ctx, "Ravi", "ravi@example.com", "", ClientInfo{})
	require.NoError(t, err)

	// A verification of the first challenge landing after the resend cleared the record.
	require.NoError(t, f.verified.Mark(ctx, "ravi@example.com", model.EmailVerification{
		ChallengeID: first.ID,
		VerifiedAt:  f.clock.Now(),
	}))

	_, err = f.machine.CreateAccount(ctx, validCredentials("ravi@example.com"))
	assert.ErrorIs(t, err, ErrNotVerified)

	res, err := f.machine.ConfirmOTP(ctx, "ravi@example.com", "222222")
	require.NoError(t, err)
	require.True(t, res.Verified)
	_, err = f.machine.CreateAccount(ctx, validCredentials("ravi@example.com"))
	require.NoError(t, err)
}

func TestCreateAccount_frozenSocietyRefused(t *testing.T) {
	f := newRegistrationFixture("123456")
	ctx := context.Background()
	creds := validCredentials("ravi@example.com")

	_, err := f.identities.SetTenantFrozen(ctx, creds.TenantID, true)
	require.NoError(t, err)

	_, err = f.machine.Start(ctx, "Ravi", "ravi@example.com", "", ClientInfo{})
	require.NoError(t, err)
	_, err = f.machine.ConfirmOTP(ctx, "ravi@example.com", "123456")
	require.NoError(t, err)

	_, err = f.machine.CreateAccount(ctx, creds)
	assert.ErrorIs(t, err, ErrFrozen)
	exists, err := f.identities.ExistsByEmail(ctx, "ravi@example.com")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = f.identities.SetTenantFrozen(ctx, creds.TenantID, false)
	require.NoError(t, err)
	identity, err := f.machine.CreateAccount(ctx, creds)
	require.NoError(t, err)
	assert.False(t, identity.Frozen)
}
