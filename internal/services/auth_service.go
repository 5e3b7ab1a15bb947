// Package services – AuthService
//
// Credential sign-in. Without a tenant code only super admins may sign in;
// with one, the account must belong to that tenant. Every failure is
// reported as ErrInvalidCredentials so callers cannot tell which accounts exist.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-gateway/internal/auth"
	"github.com/tbourn/go-chat-gateway/internal/domain"
	"github.com/tbourn/go-chat-gateway/internal/repo"
)

// checkPassword is swapped in tests.
var checkPassword = auth.CheckPassword

// SignInResult is a successful sign-in.
type SignInResult struct {
	AccessToken string
	ExpiresIn   time.Duration
	User        *domain.User
	Tenant      *domain.Tenant
}

// AuthService signs users in and issues access tokens.
type AuthService struct {
	DB       *gorm.DB
	Secret   string
	TokenTTL time.Duration
}

// SignIn verifies credentials and returns a signed access token.
func (s *AuthService) SignIn(ctx context.Context, email, password, tenantCode string) (*SignInResult, error) {
	tr := otel.Tracer("services/AuthService")
	ctx, span := tr.Start(ctx, "SignIn",
		trace.WithAttributes(attribute.Bool("tenant_code.present", tenantCode != "")),
	)
	defer span.End()

	email = repo.NormalizeEmail(email)
	tenantCode = strings.TrimSpace(tenantCode)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	u, err := repo.GetUserByEmail(ctx, s.DB, email)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	// The hash is always compared, so a missing account or a wrong tenant
	// costs the same time as a wrong password.
	hash := auth.DummyHash()
	if u != nil {
		hash = u.PasswordHash
	}
	passwordOK := checkPassword(hash, password)
	if u == nil || !passwordOK {
		return nil, ErrInvalidCredentials
	}

	var tenant *domain.Tenant
	if tenantCode == "" {
		if u.Role != domain.RoleSuperAdmin {
			return nil, ErrInvalidCredentials
		}
	} else {
		tenant, err = repo.GetTenantByCode(ctx, s.DB, tenantCode)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		if err != nil {
			return nil, err
		}
		if u.TenantID == nil || *u.TenantID != tenant.ID {
			return nil, ErrInvalidCredentials
		}
	}

	tenantID := ""
	if tenant != nil {
		tenantID = tenant.ID
	}
	tok, err := auth.IssueAccessToken(u.ID, u.Email, u.Role, tenantID, s.Secret, s.TokenTTL)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("user.role", u.Role))
	return &SignInResult{AccessToken: tok, ExpiresIn: s.TokenTTL, User: u, Tenant: tenant}, nil
}
