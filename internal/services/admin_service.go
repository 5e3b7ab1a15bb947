// Package services – AdminService
//
// Tenant and user provisioning. A tenant is always created together with
// its first admin in one transaction. Users other than super admins always
// belong to a tenant.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-gateway/internal/auth"
	"github.com/tbourn/go-chat-gateway/internal/domain"
	"github.com/tbourn/go-chat-gateway/internal/repo"
)

// Actor is the authenticated caller of an administrative operation.
type Actor struct {
	UserID   string
	Role     string
	TenantID string
}

// CreateTenantInput carries the tenant and its first admin.
type CreateTenantInput struct {
	Name          string
	Code          string
	CountryCode   string
	AdminEmail    string
	AdminName     string
	AdminPassword string
}

// CreateUserInput carries a new tenant user.
type CreateUserInput struct {
	Email    string
	Name     string
	Password string
	Role     string
}

// AdminService implements tenant and user administration.
type AdminService struct {
	DB *gorm.DB
}

// CreateTenant creates a tenant and its admin atomically. A taken name or
// code yields ErrDuplicateTenant; a taken admin email ErrDuplicateEmail.
func (s *AdminService) CreateTenant(ctx context.Context, in CreateTenantInput) (*domain.Tenant, *domain.User, error) {
	tr := otel.Tracer("services/AdminService")
	ctx, span := tr.Start(ctx, "CreateTenant",
		trace.WithAttributes(attribute.String("tenant.code", in.Code)),
	)
	defer span.End()

	in.Name = strings.TrimSpace(in.Name)
	in.Code = strings.TrimSpace(in.Code)
	in.AdminEmail = repo.NormalizeEmail(in.AdminEmail)
	switch {
	case in.Name == "":
		return nil, nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	case in.Code == "":
		return nil, nil, fmt.Errorf("%w: code is required", ErrInvalidInput)
	case !validEmail(in.AdminEmail):
		return nil, nil, fmt.Errorf("%w: admin_email is invalid", ErrInvalidInput)
	}
	hash, err := hashPassword(in.AdminPassword)
	if err != nil {
		return nil, nil, err
	}

	tenant := &domain.Tenant{
		Name:        in.Name,
		Code:        in.Code,
		CountryCode: strings.ToUpper(strings.TrimSpace(in.CountryCode)),
	}
	admin := &domain.User{
		Email:        in.AdminEmail,
		Name:         optional(in.AdminName),
		PasswordHash: hash,
		Role:         domain.RoleAdmin,
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		taken, err := repo.TenantTaken(ctx, tx, tenant.Name, tenant.Code)
		if err != nil {
			return err
		}
		if taken {
			return ErrDuplicateTenant
		}
		if taken, err = repo.EmailTaken(ctx, tx, admin.Email); err != nil {
			return err
		} else if taken {
			return ErrDuplicateEmail
		}

		if err := repo.CreateTenant(ctx, tx, tenant); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return ErrDuplicateTenant
			}
			return err
		}
		admin.TenantID = &tenant.ID
		if err := repo.CreateUser(ctx, tx, admin); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return ErrDuplicateEmail
			}
			return err
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	admin.Tenant = tenant
	return tenant, admin, nil
}

// ListTenants returns every tenant.
func (s *AdminService) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	return repo.ListTenants(ctx, s.DB)
}

// ListAllUsers returns every user with its tenant.
func (s *AdminService) ListAllUsers(ctx context.Context) ([]domain.User, error) {
	return repo.ListUsers(ctx, s.DB, "")
}

// ListTenantUsers returns the users of the actor's tenant. A super admin
// lists the users of tenantID.
func (s *AdminService) ListTenantUsers(ctx context.Context, actor Actor, tenantID string) ([]domain.User, error) {
	switch actor.Role {
	case domain.RoleSuperAdmin:
	case domain.RoleAdmin:
		if tenantID != "" && tenantID != actor.TenantID {
			return nil, ErrTenantMismatch
		}
		tenantID = actor.TenantID
	default:
		return nil, ErrForbidden
	}
	if tenantID == "" {
		return nil, ErrTenantNotFound
	}
	return repo.ListUsers(ctx, s.DB, tenantID)
}

// CreateUser creates a user or admin. Admins create users in their own
// tenant; super admins create them in tenantID, which must exist.
func (s *AdminService) CreateUser(ctx context.Context, actor Actor, tenantID string, in CreateUserInput) (*domain.User, error) {
	tr := otel.Tracer("services/AdminService")
	ctx, span := tr.Start(ctx, "CreateUser",
		trace.WithAttributes(
			attribute.String("actor.role", actor.Role),
			attribute.String("tenant.id", tenantID),
		),
	)
	defer span.End()

	switch actor.Role {
	case domain.RoleSuperAdmin:
		if tenantID == "" {
			return nil, ErrTenantNotFound
		}
		if _, err := repo.GetTenant(ctx, s.DB, tenantID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, ErrTenantNotFound
			}
			return nil, err
		}
	case domain.RoleAdmin:
		if tenantID != "" && tenantID != actor.TenantID {
			return nil, ErrTenantMismatch
		}
		tenantID = actor.TenantID
	default:
		return nil, ErrForbidden
	}

	role := strings.TrimSpace(in.Role)
	if role == "" {
		role = domain.RoleUser
	}
	if role != domain.RoleUser && role != domain.RoleAdmin {
		return nil, ErrInvalidRole
	}
	email := repo.NormalizeEmail(in.Email)
	if !validEmail(email) {
		return nil, fmt.Errorf("%w: email is invalid", ErrInvalidInput)
	}
	hash, err := hashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	taken, err := repo.EmailTaken(ctx, s.DB, email)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrDuplicateEmail
	}
	u := &domain.User{
		Email:        email,
		Name:         optional(in.Name),
		PasswordHash: hash,
		Role:         role,
		TenantID:     &tenantID,
	}
	if err := repo.CreateUser(ctx, s.DB, u); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	return u, nil
}

func hashPassword(pw string) (string, error) {
	hash, err := auth.HashPassword(pw)
	if errors.Is(err, auth.ErrPasswordTooShort) {
		return "", fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, auth.MinPasswordLength)
	}
	return hash, err
}

func validEmail(s string) bool {
	at := strings.IndexByte(s, '@')
	return at > 0 && at < len(s)-1 && !strings.ContainsAny(s, " \t\r\n")
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
