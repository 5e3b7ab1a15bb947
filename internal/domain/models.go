// Package domain defines the persistence models for tenants, users and chat
// sessions. These types are mapped with GORM and form the core data layer
// of the gateway.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Roles a User can hold.
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleUser       = "user"
)

// DefaultCountryCode is applied to tenants created without one.
const DefaultCountryCode = "JP"

// DefaultSessionTitle is used when no title can be derived for a session.
const DefaultSessionTitle = "New chat"

// Tenant is an isolated organization. Both Name and Code are unique; Code is
// the short identifier users type at sign-in.
type Tenant struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	Name        string    `json:"name"         gorm:"type:varchar(255);not null;uniqueIndex:ux_tenants_name"`
	Code        string    `json:"code"         gorm:"type:varchar(64);not null;uniqueIndex:ux_tenants_code"`
	CountryCode string    `json:"country_code" gorm:"type:varchar(8);not null;default:'JP'"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the database table name for Tenant.
func (Tenant) TableName() string { return "tenants" }

// User is an account that belongs to at most one tenant.
//
// Fields:
//   - Email: globally unique login.
//   - PasswordHash: bcrypt hash, never serialized.
//   - Role: super_admin, admin or user.
//   - TenantID: nil only for super admins.
type User struct {
	ID           string    `json:"id"        gorm:"type:char(36);primaryKey"`
	Email        string    `json:"email"     gorm:"type:varchar(255);not null;uniqueIndex:ux_users_email"`
	Name         *string   `json:"name"      gorm:"type:varchar(255)"`
	PasswordHash string    `json:"-"         gorm:"type:varchar(255);not null"`
	Role         string    `json:"role"      gorm:"type:varchar(16);not null;default:'user';check:role IN ('super_admin','admin','user')"`
	TenantID     *string   `json:"tenant_id" gorm:"type:char(36);index"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	Tenant *Tenant `json:"-" gorm:"foreignKey:TenantID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// ChatSession is the local record of an upstream conversation. A session is
// unique per (ExternalID, UserID); the same upstream conversation id may
// appear for different users.
type ChatSession struct {
	ID         string    `json:"id"              gorm:"type:char(36);primaryKey"`
	TenantID   string    `json:"tenant_id"       gorm:"type:varchar(64);not null;index"`
	UserID     string    `json:"user_id"         gorm:"type:varchar(64);not null;uniqueIndex:ux_sessions_external_user,priority:2;index:idx_sessions_user_updated,priority:1"`
	ExternalID string    `json:"conversation_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_sessions_external_user,priority:1"`
	Title      string    `json:"title"           gorm:"type:varchar(255);not null;default:'New chat'"`
	IsPinned   bool      `json:"is_pinned"       gorm:"not null;default:false"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"      gorm:"index:idx_sessions_user_updated,priority:2"`

	Files []SessionFile `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ChatSession.
func (ChatSession) TableName() string { return "chat_sessions" }

// SessionFile records an upstream file that was sent within a session.
// Rows are removed together with their session.
type SessionFile struct {
	ID             string         `json:"id"               gorm:"type:char(36);primaryKey"`
	SessionID      string         `json:"session_id"       gorm:"type:char(36);not null;uniqueIndex:ux_session_files,priority:1"`
	UpstreamFileID string         `json:"upload_file_id"   gorm:"type:varchar(64);not null;uniqueIndex:ux_session_files,priority:2"`
	Type           string         `json:"type"             gorm:"type:varchar(16);not null"`
	Name           string         `json:"name"             gorm:"type:varchar(255)"`
	Meta           datatypes.JSON `json:"meta,omitempty"` // upload response of the AI service
	CreatedAt      time.Time      `json:"created_at"`
}

// TableName returns the database table name for SessionFile.
func (SessionFile) TableName() string { return "session_files" }
