package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Skotchmaster/academy/internal/models"
	"github.com/Skotchmaster/academy/internal/session"
)

var _ session.Store = (*GormRepo)(nil)

func (r *GormRepo) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	err := r.DB.WithContext(ctx).
		Where("id = ? AND expires_at > ?", id, time.Now().UTC()).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *GormRepo) SaveSession(ctx context.Context, s *models.Session) error {
	s.ExpiresAt = s.ExpiresAt.UTC()
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(s).Error
}

func (r *GormRepo) DeleteSession(ctx context.Context, id string) error {
	return r.DB.WithContext(ctx).Where("id = ?", id).Delete(&models.Session{}).Error
}

func (r *GormRepo) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res := r.DB.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&models.Session{})
	return res.RowsAffected, res.Error
}
