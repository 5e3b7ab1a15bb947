package repo

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-gateway/internal/domain"
)

// CreateTenant inserts a tenant. A clash on name or code yields ErrDuplicate.
func CreateTenant(ctx context.Context, db *gorm.DB, t *domain.Tenant) error {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if strings.TrimSpace(t.CountryCode) == "" {
		t.CountryCode = domain.DefaultCountryCode
	}
	t.CreatedAt, t.UpdatedAt = now, now
	if err := db.WithContext(ctx).Create(t).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// TenantTaken reports whether a tenant with the given name or code exists.
func TenantTaken(ctx context.Context, db *gorm.DB, name, code string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Tenant{}).
		Where("name = ? OR code = ?", name, code).
		Count(&n).Error
	return n > 0, err
}

// GetTenant fetches a tenant by primary key.
func GetTenant(ctx context.Context, db *gorm.DB, id string) (*domain.Tenant, error) {
	var t domain.Tenant
	if err := db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTenantByCode fetches a tenant by its sign-in code.
func GetTenantByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Tenant, error) {
	var t domain.Tenant
	if err := db.WithContext(ctx).Where("code = ?", code).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTenants returns all tenants, newest first.
func ListTenants(ctx context.Context, db *gorm.DB) ([]domain.Tenant, error) {
	var out []domain.Tenant
	err := db.WithContext(ctx).Order("created_at desc").Order("code asc").Find(&out).Error
	return out, err
}
