// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for ChatSession
// and its SessionFile rows.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. They follow the "thin repository"
// approach: no business logic, only persistence and query composition.
//
// Error semantics:
//   - When a session is not found, functions return ErrNotFound
//     (an alias of gorm.ErrRecordNotFound).
//   - Unique violations on (external_id, user_id) surface as ErrDuplicate.
//   - Other DB errors are propagated unchanged.
//
// Sessions are addressed by their upstream conversation id (ExternalID).
// Reads and ownership checks are scoped either to the user or to the tenant,
// depending on the caller.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-chat-gateway/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// UpsertSession creates the (ExternalID, UserID) session or, when it already
// exists, overwrites its title and updated_at. The stored row is returned so
// callers get the persisted primary key in both cases.
func UpsertSession(ctx context.Context, db *gorm.DB, s *domain.ChatSession) (*domain.ChatSession, error) {
	now := time.Now().UTC()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "updated_at"}),
		}).
		Create(s).Error
	if err != nil {
		return nil, err
	}
	return GetSession(ctx, db, s.UserID, s.ExternalID)
}

// CreateSession inserts a new session row. A unique violation on
// (external_id, user_id) is reported as ErrDuplicate.
func CreateSession(ctx context.Context, db *gorm.DB, s *domain.ChatSession) error {
	now := time.Now().UTC()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// InsertSessionsIfAbsent inserts the given sessions, silently skipping any
// whose (external_id, user_id) already exists. It returns how many rows
// were actually inserted.
func InsertSessionsIfAbsent(ctx context.Context, db *gorm.DB, sessions []domain.ChatSession) (int64, error) {
	if len(sessions) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	for i := range sessions {
		if sessions[i].ID == "" {
			sessions[i].ID = uuid.NewString()
		}
		if sessions[i].CreatedAt.IsZero() {
			sessions[i].CreatedAt = now
		}
		if sessions[i].UpdatedAt.IsZero() {
			sessions[i].UpdatedAt = now
		}
	}

	var inserted int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range sessions {
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "external_id"}, {Name: "user_id"}},
				DoNothing: true,
			}).Create(&sessions[i])
			if res.Error != nil {
				return res.Error
			}
			inserted += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetSession fetches the session for (userID, externalID).
func GetSession(ctx context.Context, db *gorm.DB, userID, externalID string) (*domain.ChatSession, error) {
	var s domain.ChatSession
	err := db.WithContext(ctx).
		Where("user_id = ? AND external_id = ?", userID, externalID).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// TouchSession bumps updated_at of an existing session. It returns
// ErrNotFound when the session does not exist.
func TouchSession(ctx context.Context, db *gorm.DB, userID, externalID string, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("user_id = ? AND external_id = ?", userID, externalID).
		Update("updated_at", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSessionTitle sets the title of the session(s) with externalID inside
// tenantID. It returns ErrNotFound if nothing matched.
func UpdateSessionTitle(ctx context.Context, db *gorm.DB, tenantID, externalID, title string) error {
	res := db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("tenant_id = ? AND external_id = ?", tenantID, externalID).
		Updates(map[string]any{"title": title, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionPinned sets is_pinned on the session(s) with externalID inside
// tenantID. Like a rename it bumps updated_at.
func SetSessionPinned(ctx context.Context, db *gorm.DB, tenantID, externalID string, pinned bool) error {
	res := db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("tenant_id = ? AND external_id = ?", tenantID, externalID).
		Updates(map[string]any{"is_pinned": pinned, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes the user's session and its files within tenantID.
// It reports the number of sessions removed; zero is not an error.
func DeleteSession(ctx context.Context, db *gorm.DB, tenantID, userID, externalID string) (int64, error) {
	var removed int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := tx.Model(&domain.ChatSession{}).
			Select("id").
			Where("tenant_id = ? AND user_id = ? AND external_id = ?", tenantID, userID, externalID)
		if err := tx.Where("session_id IN (?)", ids).Delete(&domain.SessionFile{}).Error; err != nil {
			return err
		}
		res := tx.Where("tenant_id = ? AND user_id = ? AND external_id = ?", tenantID, userID, externalID).
			Delete(&domain.ChatSession{})
		removed = res.RowsAffected
		return res.Error
	})
	return removed, err
}

// DeleteSessions removes the user's sessions whose external ids are listed.
func DeleteSessions(ctx context.Context, db *gorm.DB, userID string, externalIDs []string) (int64, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}
	var removed int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := tx.Model(&domain.ChatSession{}).
			Select("id").
			Where("user_id = ? AND external_id IN ?", userID, externalIDs)
		if err := tx.Where("session_id IN (?)", ids).Delete(&domain.SessionFile{}).Error; err != nil {
			return err
		}
		res := tx.Where("user_id = ? AND external_id IN ?", userID, externalIDs).
			Delete(&domain.ChatSession{})
		removed = res.RowsAffected
		return res.Error
	})
	return removed, err
}

// CountSessions returns the total number of sessions owned by userID.
func CountSessions(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}

// ListSessionsPage returns a slice of the user's sessions, most recently
// updated first. Use CountSessions for pagination metadata.
func ListSessionsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.ChatSession, error) {
	var out []domain.ChatSession
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at desc").
		Order("id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListSessions returns every session owned by userID, most recently updated
// first.
func ListSessions(ctx context.Context, db *gorm.DB, userID string) ([]domain.ChatSession, error) {
	var out []domain.ChatSession
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at desc").
		Order("id desc").
		Find(&out).Error
	return out, err
}

// LatestSession returns the user's most recently updated session.
func LatestSession(ctx context.Context, db *gorm.DB, userID string) (*domain.ChatSession, error) {
	var s domain.ChatSession
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at desc").
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// AttachFiles records upstream files against a session. Files already
// attached are skipped.
func AttachFiles(ctx context.Context, db *gorm.DB, sessionID string, files []domain.SessionFile) error {
	if len(files) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range files {
		files[i].SessionID = sessionID
		if files[i].ID == "" {
			files[i].ID = uuid.NewString()
		}
		if files[i].CreatedAt.IsZero() {
			files[i].CreatedAt = now
		}
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "upstream_file_id"}},
			DoNothing: true,
		}).
		Create(&files).Error
}
