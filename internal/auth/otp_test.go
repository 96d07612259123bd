package auth

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type otpFixture struct {
	authority  *OTPAuthority
	challenges *memChallenges
	verified   *memVerified
	notifier   *recordingNotifier
	clock      *fakeClock
}

func newOTPFixture(codes ...string) *otpFixture {
	f := &otpFixture{
		challenges: newMemChallenges(),
		verified:   newMemVerified(),
		notifier:   &recordingNotifier{},
		clock:      newFakeClock(),
	}
	opts := []OTPOption{WithClock(f.clock.Now)}
	if len(codes) > 0 {
		opts = append(opts, WithCodeGenerator(sequenceCodes(codes...)))
	}
	f.authority = NewOTPAuthority(f.challenges, f.verified, f.notifier, "test-salt", zap.NewNop(), opts...)
	return f
}

func TestHashOTPBytes_consistency(t *testing.T) {
	h1 := hashOTPBytes("a@b.com", "123456", "salt")
	h2 := hashOTPBytes("a@b.com", "123456", "salt")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 32)

	assert.NotEqual(t, h1, hashOTPBytes("a@c.com", "123456", "salt"))
	assert.NotEqual(t, h1, hashOTPBytes("a@b.com", "654321", "salt"))
	assert.NotEqual(t, h1, hashOTPBytes("a@b.com", "123456", "pepper"))
}

func TestGenerateOTPCode(t *testing.T) {
	pattern := regexp.MustCompile(`^\d{6}$`)
	for i := 0; i < 50; i++ {
		code, err := generateOTPCode()
		require.NoError(t, err)
		assert.Regexp(t, pattern, code)
	}
}

func TestRequestChallenge_validation(t *testing.T) {
	f := newOTPFixture("123456")
	ctx := context.Background()

	_, err := f.authority.RequestChallenge(ctx, "not-an-email", "A", ClientInfo{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.authority.RequestChallenge(ctx, "a@b", "A", ClientInfo{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.authority.RequestChallenge(ctx, "a@b.com", "   ", ClientInfo{})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "name", vErr.Field)

	assert.Empty(t, f.notifier.sent)
}

func TestRequestChallenge_notifiesAndReturnsServerExpiry(t *testing.T) {
	f := newOTPFixture("123456")
	handle, err := f.authority.RequestChallenge(context.Background(), " A@B.com ", "A", ClientInfo{IP: "10.0.0.1"})
	require.NoError(t, err)

	assert.Equal(t, "a@b.com", handle.Email)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), handle.ExpiresAt)

	sent := f.notifier.last()
	assert.Equal(t, "a@b.com", sent.destination)
	assert.Contains(t, sent.msg.Body, "123456")
}

func TestRequestChallenge_notifierFailureDoesNotFail(t *testing.T) {
	f := newOTPFixture("123456")
	f.notifier.err = errors.New("smtp down")

	_, err := f.authority.RequestChallenge(context.Background(), "a@b.com", "A", ClientInfo{})
	require.NoError(t, err)

	res, err := f.authority.Verify(context.Background(), "a@b.com", "123456")
	require.NoError(t, err)
	assert.True(t, res.Verified)
}

func TestVerify_success(t *testing.T) {
	f := newOTPFixture("123456")
	ctx := context.Background()
	_, err := f.authority.RequestChallenge(ctx, "a@b.com", "A", ClientInfo{})
	require.NoError(t, err)

	f.clock.Advance(299 * time.Second)
	res, err := f.authority.Verify(ctx, "a@b.com", "123456")
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, ReasonNone, res.Reason)

	rec, ok, _ := f.verified.Get(ctx, "a@b.com")
	assert.True(t, ok, "successful verify must record a verification for the email")
	assert.Equal(t, f.clock.Now(), rec.VerifiedAt)
	current, err := f.challenges.Latest(ctx, "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, current.ID, rec.ChallengeID)
}

func TestVerify_notFound(t *testing.T) {
	f := newOTPFixture()
	res, err := f.authority.Verify(context.Background(), "nobody@b.com", "123456")
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Equal(t, ReasonNotFound, res.Reason)
}

func TestVerify_expiredAfterTTL(t *testing.T) {
	f := newOTPFixture("123456")
	ctx := context.Background()
	_, err := f.authority.RequestChallenge(ctx, "a@b.com", "A", ClientInfo{})
	require.NoError(t, err)

	f.clock.Advance(301 * time.Second)
	res, err := f.authority.Verify(ctx, "a@b.com", "123456")
	require.NoError(t, err)
	assert.Equal(t, ReasonExpired, res.Reason)

	_, ok, _ := f.verified.Get(ctx, "a@b.com")
	assert.False(t, ok)
}

func TestVerify_replayIsAlreadyConsumed(t *testing.T) {
	f := newOTPFixture("123456")
	ctx := context.Background()
	_, err := f.authority.RequestChallenge(ctx, "a@b.com", "A", ClientInfo{})
	require.NoError(t, err)

	res, err := f.authority.Verify(ctx, "a@b.com", "123456")
	require.NoError(t, err)
	require.True(t, res.Verified)

	res, err = f.authority.Verify(ctx, "a@b.com", "123456")
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Equal(t, ReasonAlreadyConsumed, res.Reason)
}

func TestVerify_resendSupersedesEarlierCode(t *testing.T) {
	f := newOTPFixture("111111", "222222")
	ctx := context.Background()
	_, err := f.authority.RequestChallenge(ctx, "a@b.com", "A", ClientInfo{})
	require.NoError(t, err)
	_, err = f.authority.RequestChallenge(ctx, "a@b.com", "A", ClientInfo{})
	require.NoError(t, err)

	active := 0
	for _, row := range f.challenges.rows {
		if row.SupersededBy == nil {
			active++
		}
	}
	assert.Equal(t, 1, active, "exactly one challenge may stay current per email")

	res, err := f.authority.Verify(ctx, "a@b.com", "111111")
	require.NoError(t, err)
	assert.Equal(t, ReasonSuperseded, res.Reason)

	res, err = f.authority.Verify(ctx, "a@b.com", "222222")
	require.NoError(t, err)
	assert.True(t, res.Verified)
}

func TestVerify_supersededCodeDoesNotCountAsAttempt(t *testing.T) {
	f := newOTPFixture("111111", "222222")
	ctx := context.Background()
	_, _ = f.authority.RequestChallenge(ctx, "a@b.com", "A", ClientInfo{})
	_, _ = f.authority.RequestChallenge(ctx, "a@b.com", "A", ClientInfo{})

	for i := 0; i < maxAttempts+1; i++ {
		res, err := f.authority.Verify(ctx, "a@b.com", "111111")
		require.NoError(t, err)
		assert.Equal(t, ReasonSuperseded, res.Reason)
	}
	res, err := f.authority.Verify(ctx, "a@b.com", "222222")
	require.NoError(t, err)
	assert.True(t, res.Verified)
}

func TestVerify_mismatchThenLocked(t *testing.T) {
	f := newOTPFixture("123456")
	ctx := context.Background()
	_, err := f.authority.RequestChallenge(ctx, "a@b.com", "A", ClientInfo{})
	require.NoError(t, err)

	for i := 1; i < maxAttempts; i++ {
		res, err := f.authority.Verify(ctx, "a@b.com", "000000")
		require.NoError(t, err)
		assert.Equal(t, ReasonMismatch, res.Reason, "attempt %d", i)
	}
	res, err := f.authority.Verify(ctx, "a@b.com", "000000")
	require.NoError(t, err)
	assert.Equal(t, ReasonLocked, res.Reason)

	// The right code no longer helps; only a fresh request does.
	res, err = f.authority.Verify(ctx, "a@b.com", "123456")
	require.NoError(t, err)
	assert.Equal(t, ReasonLocked, res.Reason)

	_, err = f.authority.RequestChallenge(ctx, "a@b.com", "A", ClientInfo{})
	require.NoError(t, err)
	res, err = f.authority.Verify(ctx, "a@b.com", "123456")
	require.NoError(t, err)
	assert.True(t, res.Verified)
}

func TestVerify_raceWithResendIsSuperseded(t *testing.T) {
	f := newOTPFixture("123456")
	ctx := context.Background()
	_, err := f.authority.RequestChallenge(ctx, "a@b.com", "A", ClientInfo{})
	require.NoError(t, err)

	c, err := f.challenges.Latest(ctx, "a@b.com")
	require.NoError(t, err)
	f.challenges.supersedeBehind("a@b.com")

	res, err := f.authority.reclassify(ctx, c.ID, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, ReasonSuperseded, res.Reason)
}

func TestVerify_concurrentSuccessIsSingleUse(t *testing.T) {
	f := newOTPFixture("123456")
	ctx := context.Background()
	_, err := f.authority.RequestChallenge(ctx, "a@b.com", "A", ClientInfo{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.authority.Verify(ctx, "a@b.com", "123456")
			if err == nil && res.Verified {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestVerify_validation(t *testing.T) {
	f := newOTPFixture()
	_, err := f.authority.Verify(context.Background(), "a@b.com", " ")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.authority.Verify(context.Background(), "", "123456")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestVerify_recordVerificationFailureIsStorageError(t *testing.T) {
	f := newOTPFixture("123456")
	ctx := context.Background()
	_, err := f.authority.RequestChallenge(ctx, "a@b.com", "A", ClientInfo{})
	require.NoError(t, err)

	f.verified.err = errors.New("redis down")
	_, err = f.authority.Verify(ctx, "a@b.com", "123456")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrValidation)
}

func TestPurge(t *testing.T) {
	f := newOTPFixture("123456")
	ctx := context.Background()
	_, err := f.authority.RequestChallenge(ctx, "a@b.com", "A", ClientInfo{})
	require.NoError(t, err)

	n, err := f.authority.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(otpExpiry + purgeGrace + time.Second)
	n, err = f.authority.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReasonErr(t *testing.T) {
	assert.NoError(t, ReasonNone.Err())
	assert.ErrorIs(t, ReasonExpired.Err(), ErrExpired)
	assert.ErrorIs(t, ReasonSuperseded.Err(), ErrSuperseded)
	assert.ErrorIs(t, ReasonAlreadyUsed.Err(), ErrAlreadyUsed)
}
