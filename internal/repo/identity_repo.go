package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/societyhub/server/internal/model"
)

// IdentityRepo defines the interface for identity repository operations
type IdentityRepo interface {
	Create(ctx context.Context, identity model.Identity) (model.Identity, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.Identity, error)
	GetByEmail(ctx context.Context, email string) (model.Identity, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	MarkVerified(ctx context.Context, id uuid.UUID) error
	SetTenantFrozen(ctx context.Context, tenantID uuid.UUID, frozen bool) (int64, error)
	// TenantFrozen reports whether the tenant is currently frozen.
	TenantFrozen(ctx context.Context, tenantID uuid.UUID) (bool, error)
}

type identityRepo struct {
	db *sql.DB
}

// NewIdentityRepo creates a new IdentityRepo instance
func NewIdentityRepo(db *sql.DB) IdentityRepo {
	return &identityRepo{db: db}
}

const identityColumns = `id, name, email, password_hash, role, tenant_id, verified, frozen, created_at`

// Create inserts an identity. The email is unique case-insensitively; a clash returns ErrDuplicate.
// An identity created in a frozen tenant is stored frozen.
func (r *identityRepo) Create(ctx context.Context, identity model.Identity) (model.Identity, error) {
	var tenant sql.NullString
	if identity.TenantID != uuid.Nil {
		tenant = sql.NullString{String: identity.TenantID.String(), Valid: true}
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO identities (name, email, password_hash, role, tenant_id, verified, frozen)
		VALUES ($1, $2, $3, $4, $5, $6,
			$7 OR EXISTS (SELECT 1 FROM frozen_tenants WHERE tenant_id = $5))
		RETURNING `+identityColumns,
		identity.Name, strings.ToLower(identity.Email), identity.PasswordHash, identity.Role,
		tenant, identity.Verified, identity.Frozen,
	)
	created, err := scanIdentity(row)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Identity{}, ErrDuplicate
		}
		return model.Identity{}, fmt.Errorf("insert identity: %w", err)
	}
	return created, nil
}

// GetByID retrieves an identity by ID
func (r *identityRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Identity, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)
	identity, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Identity{}, ErrNotFound
		}
		return model.Identity{}, fmt.Errorf("query identity: %w", err)
	}
	return identity, nil
}

// GetByEmail retrieves an identity by email, case-insensitively
func (r *identityRepo) GetByEmail(ctx context.Context, email string) (model.Identity, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE lower(email) = lower($1)`, email)
	identity, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Identity{}, ErrNotFound
		}
		return model.Identity{}, fmt.Errorf("query identity: %w", err)
	}
	return identity, nil
}

// ExistsByEmail reports whether an identity is bound to the email
func (r *identityRepo) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM identities WHERE lower(email) = lower($1))`, email,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check identity email: %w", err)
	}
	return exists, nil
}

// MarkVerified sets verified = true. It is idempotent.
func (r *identityRepo) MarkVerified(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `UPDATE identities SET verified = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTenantFrozen records the tenant's state and sets the frozen flag on every identity of the
// tenant in one transaction. It returns how many identities changed.
func (r *identityRepo) SetTenantFrozen(ctx context.Context, tenantID uuid.UUID, frozen bool) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if frozen {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO frozen_tenants (tenant_id) VALUES ($1)
			ON CONFLICT (tenant_id) DO NOTHING
		`, tenantID)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM frozen_tenants WHERE tenant_id = $1`, tenantID)
	}
	if err != nil {
		return 0, fmt.Errorf("record tenant state: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE identities SET frozen = $2
		WHERE tenant_id = $1 AND frozen <> $2
	`, tenantID, frozen)
	if err != nil {
		return 0, fmt.Errorf("set tenant frozen: %w", err)
	}
	n, _ := result.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// TenantFrozen reports whether tenantID has a freeze record.
func (r *identityRepo) TenantFrozen(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	var frozen bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM frozen_tenants WHERE tenant_id = $1)`, tenantID,
	).Scan(&frozen)
	if err != nil {
		return false, fmt.Errorf("check tenant frozen: %w", err)
	}
	return frozen, nil
}

func scanIdentity(row *sql.Row) (model.Identity, error) {
	var identity model.Identity
	var idStr string
	var tenant sql.NullString
	err := row.Scan(
		&idStr,
		&identity.Name,
		&identity.Email,
		&identity.PasswordHash,
		&identity.Role,
		&tenant,
		&identity.Verified,
		&identity.Frozen,
		&identity.CreatedAt,
	)
	if err != nil {
		return model.Identity{}, err
	}
	identity.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.Identity{}, fmt.Errorf("parse identity ID: %w", err)
	}
	if tenant.Valid {
		identity.TenantID, err = uuid.Parse(tenant.String)
		if err != nil {
			return model.Identity{}, fmt.Errorf("parse tenant ID: %w", err)
		}
	}
	return identity, nil
}
