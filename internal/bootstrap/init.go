// Package bootstrap seeds a fresh database on first run: the default
// organisation, the initial admin account, the settings rows, and the role
// permission grants.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/beaconchat/beacon-server/internal/auth"
	"github.com/beaconchat/beacon-server/internal/config"
	"github.com/beaconchat/beacon-server/internal/permission"
	"github.com/beaconchat/beacon-server/internal/settings"
	"github.com/beaconchat/beacon-server/internal/staff"
)

// RoleGrants maps each permission action to the roles holding it after first
// run. Settings and staff administration stay admin-only; chat oversight
// actions extend to supervisors.
func RoleGrants() map[string][]int16 {
	adminOnly := []int16{staff.RoleAdmin}
	supervising := []int16{staff.RoleAdmin, staff.RoleSupervisor}
	return map[string][]int16{
		permission.ModifyGlobalSettings: adminOnly,
		permission.ManageStaff:          adminOnly,
		permission.AddStaffToChat:       supervising,
		permission.RemoveStaffFromChat:  supervising,
		permission.UpdateStaffsInChat:   supervising,
		permission.TakeOverChat:         supervising,
		permission.ViewFlaggedChats:     supervising,
	}
}

// IsFirstRun reports whether the database has never been seeded. The
// organisations table is the anchor; every other seed row hangs off it.
func IsFirstRun(ctx context.Context, db *pgxpool.Pool) (bool, error) {
	var count int
	if err := db.QueryRow(ctx, "SELECT COUNT(*) FROM organisations").Scan(&count); err != nil {
		return false, fmt.Errorf("check first run: %w", err)
	}
	return count == 0, nil
}

// RunFirstInit seeds the default organisation, the initial admin, the settings
// defaults, and the role grants inside a single transaction.
func RunFirstInit(ctx context.Context, db *pgxpool.Pool, cfg *config.Config) error {
	if cfg.InitAdminEmail == "" || cfg.InitAdminPassword == "" {
		return errors.New("INIT_ADMIN_EMAIL and INIT_ADMIN_PASSWORD must be set for first-run initialisation")
	}

	hash, err := auth.HashPassword(
		cfg.InitAdminPassword,
		cfg.Argon2Memory,
		cfg.Argon2Iterations,
		cfg.Argon2Parallelism,
		cfg.Argon2SaltLength,
		cfg.Argon2KeyLength,
	)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	orgName := cfg.InitOrgName
	if orgName == "" {
		orgName = "Default Organisation"
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin init transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var orgID string
	err = tx.QueryRow(ctx,
		"INSERT INTO organisations (name) VALUES ($1) RETURNING id", orgName,
	).Scan(&orgID)
	if err != nil {
		return fmt.Errorf("create default organisation: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO staff (org_id, role_id, email, password_hash, full_name, display_name)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, orgID, staff.RoleAdmin, cfg.InitAdminEmail, hash, "Administrator", "Admin")
	if err != nil {
		return fmt.Errorf("create initial admin: %w", err)
	}

	for key, value := range settings.Defaults().Map() {
		if _, err := tx.Exec(ctx,
			"INSERT INTO settings (key, value) VALUES ($1, $2)", key, value,
		); err != nil {
			return fmt.Errorf("seed setting %s: %w", key, err)
		}
	}

	for action, roles := range RoleGrants() {
		for _, roleID := range roles {
			if _, err := tx.Exec(ctx,
				"INSERT INTO role_permissions (name, role_id) VALUES ($1, $2)", action, roleID,
			); err != nil {
				return fmt.Errorf("seed grant %s for role %d: %w", action, roleID, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit init transaction: %w", err)
	}

	log.Info().Str("organisation", orgName).Str("admin_email", cfg.InitAdminEmail).
		Msg("First-run initialisation complete")
	return nil
}
