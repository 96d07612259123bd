package tests

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/societyhub/server/internal/db"
)

// authTables are emptied between test sections.
const authTables = "identities, otp_challenges, frozen_tenants"

// RunMigrations applies the embedded migrations.
func RunMigrations(database *sql.DB) error {
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// TruncateAuthTables truncates auth-related tables for a clean test state.
func TruncateAuthTables(ctx context.Context, database *sql.DB) error {
	_, err := database.ExecContext(ctx, "TRUNCATE TABLE "+authTables+" RESTART IDENTITY CASCADE")
	if err != nil {
		return fmt.Errorf("truncate auth tables: %w", err)
	}
	return nil
}
