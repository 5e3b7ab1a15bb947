package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-gateway/internal/domain"
)

// SessionListStamp summarizes a user's session list for conditional GETs:
// how many sessions exist and when the newest one last changed. Every write
// path bumps updated_at, so the pair moves whenever the list does. newest is
// nil for an empty list.
func SessionListStamp(ctx context.Context, db *gorm.DB, userID string) (count int64, newest *time.Time, err error) {
	// Read the newest row instead of MAX(updated_at): SQLite hands the
	// aggregate back as TEXT, which does not scan into time.Time.
	var head []domain.ChatSession
	err = db.WithContext(ctx).
		Select("updated_at").
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(1).
		Find(&head).Error
	if err != nil || len(head) == 0 {
		return 0, nil, err
	}

	err = db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	if err != nil {
		return 0, nil, err
	}
	ts := head[0].UpdatedAt
	return count, &ts, nil
}
