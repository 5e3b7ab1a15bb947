// Package seed bootstraps the accounts a fresh installation needs: a
// super admin, a default tenant and that tenant's admin.
//
// EnsureDefaults is safe to run on every start; rows that already exist
// (matched by email or tenant code) are left untouched, passwords included.
package seed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-gateway/internal/auth"
	"github.com/tbourn/go-chat-gateway/internal/config"
	"github.com/tbourn/go-chat-gateway/internal/domain"
	"github.com/tbourn/go-chat-gateway/internal/repo"
)

// Result reports which rows EnsureDefaults created.
type Result struct {
	SuperAdminCreated bool
	TenantCreated     bool
	AdminCreated      bool
	TenantID          string
}

// EnsureDefaults creates the configured default accounts that are missing.
// An empty SuperAdminEmail or TenantCode skips that part. All inserts run in
// one transaction.
func EnsureDefaults(ctx context.Context, db *gorm.DB, cfg config.SeedConfig) (Result, error) {
	var res Result
	if !cfg.Enabled {
		return res, nil
	}
	log := zerolog.Ctx(ctx)

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if email := strings.TrimSpace(cfg.SuperAdminEmail); email != "" {
			created, err := ensureUser(ctx, tx, email, cfg.SuperAdminPassword, domain.RoleSuperAdmin, nil)
			if err != nil {
				return fmt.Errorf("super admin: %w", err)
			}
			res.SuperAdminCreated = created
		}

		code := strings.TrimSpace(cfg.TenantCode)
		if code == "" {
			return nil
		}
		t, created, err := ensureTenant(ctx, tx, code, cfg.TenantName)
		if err != nil {
			return fmt.Errorf("tenant %q: %w", code, err)
		}
		res.TenantCreated, res.TenantID = created, t.ID

		if email := strings.TrimSpace(cfg.AdminEmail); email != "" {
			created, err := ensureUser(ctx, tx, email, cfg.AdminPassword, domain.RoleAdmin, &t.ID)
			if err != nil {
				return fmt.Errorf("tenant admin: %w", err)
			}
			res.AdminCreated = created
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	log.Info().
		Bool("super_admin_created", res.SuperAdminCreated).
		Bool("tenant_created", res.TenantCreated).
		Bool("admin_created", res.AdminCreated).
		Str("tenant_id", res.TenantID).
		Msg("seed complete")
	return res, nil
}

func ensureTenant(ctx context.Context, tx *gorm.DB, code, name string) (*domain.Tenant, bool, error) {
	t, err := repo.GetTenantByCode(ctx, tx, code)
	if err == nil {
		return t, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, err
	}
	if strings.TrimSpace(name) == "" {
		name = "Tenant " + code
	}
	t = &domain.Tenant{Name: name, Code: code}
	if err := repo.CreateTenant(ctx, tx, t); err != nil {
		return nil, false, err
	}
	return t, true, nil
}

func ensureUser(ctx context.Context, tx *gorm.DB, email, password, role string, tenantID *string) (bool, error) {
	taken, err := repo.EmailTaken(ctx, tx, email)
	if err != nil || taken {
		return false, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return false, err
	}
	u := &domain.User{Email: email, PasswordHash: hash, Role: role, TenantID: tenantID}
	if err := repo.CreateUser(ctx, tx, u); err != nil {
		return false, err
	}
	return true, nil
}
