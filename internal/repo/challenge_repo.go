package repo

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/societyhub/server/internal/model"
)

// ChallengeRepo defines the interface for OTP challenge repository operations
type ChallengeRepo interface {
	// CreateAndSupersede inserts challenge and marks every other non-superseded challenge for the
	// same email as superseded by it, atomically.
	CreateAndSupersede(ctx context.Context, challenge model.OTPChallenge, requestIP, userAgent *string) error
	// Latest returns the current (non-superseded) challenge for the email.
	Latest(ctx context.Context, email string) (model.OTPChallenge, error)
	Get(ctx context.Context, id uuid.UUID) (model.OTPChallenge, error)
	// MatchesSuperseded reports whether codeHash belongs to a superseded challenge for the email.
	MatchesSuperseded(ctx context.Context, email string, codeHash []byte) (bool, error)
	// RecordFailure increments the attempt count of an active challenge and returns the new count.
	RecordFailure(ctx context.Context, id uuid.UUID) (int, error)
	// Consume marks an active challenge consumed.
	Consume(ctx context.Context, id uuid.UUID, at time.Time) error
	// PurgeExpired deletes challenges that expired before the cutoff.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

type challengeRepo struct {
	db *sql.DB
}

// NewChallengeRepo creates a new ChallengeRepo instance
func NewChallengeRepo(db *sql.DB) ChallengeRepo {
	return &challengeRepo{db: db}
}

// CreateAndSupersede serializes requests per email with an advisory lock, points every current
// challenge at the new one and inserts it. The partial unique index on email keeps one current row.
func (r *challengeRepo) CreateAndSupersede(ctx context.Context, challenge model.OTPChallenge, requestIP, userAgent *string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Released on COMMIT/ROLLBACK.
	_, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(2, hashtext($1))`, challenge.Email)
	if err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE otp_challenges
		SET superseded_by = $2
		WHERE email = $1 AND superseded_by IS NULL
	`, challenge.Email, challenge.ID)
	if err != nil {
		return fmt.Errorf("supersede existing challenges: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO otp_challenges (id, email, code_hash, created_at, expires_at, request_ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, challenge.ID, challenge.Email, hex.EncodeToString(challenge.CodeHash),
		challenge.CreatedAt, challenge.ExpiresAt, requestIP, userAgent)
	if err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const challengeColumns = `id, email, code_hash, created_at, expires_at, attempt_count, consumed_at, superseded_by`

// Latest returns the non-superseded challenge for the email, whatever its state.
func (r *challengeRepo) Latest(ctx context.Context, email string) (model.OTPChallenge, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+challengeColumns+`
		FROM otp_challenges
		WHERE email = $1 AND superseded_by IS NULL
	`, email)
	return scanChallenge(row)
}

// Get returns a challenge by ID
func (r *challengeRepo) Get(ctx context.Context, id uuid.UUID) (model.OTPChallenge, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM otp_challenges WHERE id = $1`, id)
	return scanChallenge(row)
}

// MatchesSuperseded looks for a superseded challenge for the email with the same code hash.
func (r *challengeRepo) MatchesSuperseded(ctx context.Context, email string, codeHash []byte) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM otp_challenges
			WHERE email = $1 AND superseded_by IS NOT NULL AND code_hash = $2
		)
	`, email, hex.EncodeToString(codeHash)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("match superseded challenge: %w", err)
	}
	return exists, nil
}

// RecordFailure sets attempt_count = attempt_count + 1 on a still active challenge; returns the new count.
func (r *challengeRepo) RecordFailure(ctx context.Context, id uuid.UUID) (int, error) {
	var newCount int
	err := r.db.QueryRowContext(ctx, `
		UPDATE otp_challenges
		SET attempt_count = attempt_count + 1
		WHERE id = $1 AND consumed_at IS NULL AND superseded_by IS NULL
		RETURNING attempt_count
	`, id).Scan(&newCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrStale
		}
		return 0, fmt.Errorf("increment attempt: %w", err)
	}
	return newCount, nil
}

// Consume sets consumed_at on a still active challenge.
func (r *challengeRepo) Consume(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE otp_challenges SET consumed_at = $2
		WHERE id = $1 AND consumed_at IS NULL AND superseded_by IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("consume challenge: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrStale
	}
	return nil
}

// PurgeExpired deletes challenges whose expiry lies before cutoff.
func (r *challengeRepo) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM otp_challenges WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge challenges: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func scanChallenge(row *sql.Row) (model.OTPChallenge, error) {
	var c model.OTPChallenge
	var idStr, codeHashHex string
	var supersededBy sql.NullString
	err := row.Scan(
		&idStr,
		&c.Email,
		&codeHashHex,
		&c.CreatedAt,
		&c.ExpiresAt,
		&c.Attempts,
		&c.ConsumedAt,
		&supersededBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.OTPChallenge{}, ErrNotFound
		}
		return model.OTPChallenge{}, fmt.Errorf("query challenge: %w", err)
	}

	c.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.OTPChallenge{}, fmt.Errorf("parse challenge ID: %w", err)
	}
	c.CodeHash, err = hex.DecodeString(codeHashHex)
	if err != nil {
		return model.OTPChallenge{}, fmt.Errorf("decode code_hash: %w", err)
	}
	if supersededBy.Valid {
		next, err := uuid.Parse(supersededBy.String)
		if err != nil {
			return model.OTPChallenge{}, fmt.Errorf("parse superseded_by: %w", err)
		}
		c.SupersededBy = &next
	}
	return c, nil
}
