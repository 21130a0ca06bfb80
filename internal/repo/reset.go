package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/Skotchmaster/academy/internal/apperr"
	"github.com/Skotchmaster/academy/internal/models"
)

func (r *GormRepo) CreatePasswordReset(ctx context.Context, userID uint, tokenHash string, expiresAt time.Time) error {
	reset := models.PasswordReset{
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
	}
	return dbErr(r.DB.WithContext(ctx).Create(&reset).Error)
}

// ConsumePasswordReset swaps the password of the token's owner and drops
// every reset token that user holds, all in one transaction. newHash runs
// only once the token is known to be live; its error is returned as is.
func (r *GormRepo) ConsumePasswordReset(ctx context.Context, tokenHash string, newHash func() (string, error), now time.Time) error {
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reset models.PasswordReset
		if err := tx.Where("token_hash = ?", tokenHash).First(&reset).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.ErrInvalidToken
			}
			return err
		}
		if now.After(reset.ExpiresAt) {
			return apperr.ErrExpired
		}
		passwordHash, err := newHash()
		if err != nil {
			return err
		}

		res := tx.Model(&models.User{}).Where("id = ?", reset.UserID).Update("password_hash", passwordHash)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.ErrInvalidToken
		}
		return tx.Where("user_id = ?", reset.UserID).Delete(&models.PasswordReset{}).Error
	})
	return dbErr(err)
}
