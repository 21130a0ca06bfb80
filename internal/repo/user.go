package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/Skotchmaster/academy/internal/apperr"
	"github.com/Skotchmaster/academy/internal/models"
)

func normEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUserIfNotExists inserts u unless the email is taken.
func (r *GormRepo) CreateUserIfNotExists(ctx context.Context, u *models.User) error {
	u.Email = normEmail(u.Email)
	tx := r.DB.WithContext(ctx).Where("email = ?", u.Email).FirstOrCreate(u)
	if tx.Error != nil {
		return dbErr(tx.Error)
	}
	if tx.RowsAffected == 0 {
		return apperr.ErrConflict
	}
	return nil
}

func (r *GormRepo) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := r.DB.WithContext(ctx).Where("email = ?", normEmail(email)).First(&user).Error; err != nil {
		return nil, dbErr(err)
	}
	return &user, nil
}

func (r *GormRepo) GetUserByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := r.DB.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, dbErr(err)
	}
	return &user, nil
}

func (r *GormRepo) ListUsers(ctx context.Context, offset, limit int) ([]models.User, int64, error) {
	var (
		users []models.User
		total int64
	)
	db := r.DB.WithContext(ctx).Model(&models.User{})
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, dbErr(err)
	}
	if err := db.Order("created_at DESC").Order("id DESC").Offset(offset).Limit(limit).Find(&users).Error; err != nil {
		return nil, 0, dbErr(err)
	}
	return users, total, nil
}

type ProfileUpdate struct {
	Name           string
	Email          string
	Bio            string
	ProfilePicture *string
}

// UpdateProfile overwrites the profile fields; ProfilePicture is only
// touched when non-nil.
func (r *GormRepo) UpdateProfile(ctx context.Context, id uint, p ProfileUpdate) (*models.User, error) {
	var out models.User
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&out, id).Error; err != nil {
			return err
		}
		fields := map[string]any{
			"name":  p.Name,
			"email": normEmail(p.Email),
			"bio":   p.Bio,
		}
		if p.ProfilePicture != nil {
			fields["profile_picture"] = *p.ProfilePicture
		}
		if err := tx.Model(&out).Updates(fields).Error; err != nil {
			return err
		}
		return tx.First(&out, id).Error
	})
	if err != nil {
		return nil, dbErr(err)
	}
	return &out, nil
}

func (r *GormRepo) UpdatePlan(ctx context.Context, id uint, plan string) error {
	return dbErr(r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return setPlan(tx, id, plan)
	}))
}

// setPlan checks existence first; MySQL reports zero affected rows for a
// no-op update.
func setPlan(tx *gorm.DB, id uint, plan string) error {
	var u models.User
	if err := tx.Select("id").First(&u, id).Error; err != nil {
		return err
	}
	return tx.Model(&u).Update("plan", plan).Error
}

func (r *GormRepo) SetVerificationToken(ctx context.Context, id uint, token string, sentAt time.Time) error {
	res := r.DB.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Updates(map[string]any{
		"verification_token":   token,
		"verification_sent_at": sentAt,
	})
	if res.Error != nil {
		return dbErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// MarkVerified sets email_verified and clears any pending token.
func (r *GormRepo) MarkVerified(ctx context.Context, id uint) error {
	res := r.DB.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Updates(map[string]any{
		"email_verified":     true,
		"verification_token": nil,
	})
	return dbErr(res.Error)
}

// UpsertOAuthUser creates u when its email is unknown. An existing account is
// marked verified and gets picture as avatar if it has none.
func (r *GormRepo) UpsertOAuthUser(ctx context.Context, u *models.User) (*models.User, bool, error) {
	email := normEmail(u.Email)
	var (
		out     models.User
		created bool
	)
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("email = ?", email).First(&out).Error
		switch {
		case err == nil:
			fields := map[string]any{"email_verified": true, "verification_token": nil}
			if (out.ProfilePicture == nil || *out.ProfilePicture == "") && u.ProfilePicture != nil && *u.ProfilePicture != "" {
				fields["profile_picture"] = *u.ProfilePicture
			}
			if err := tx.Model(&out).Updates(fields).Error; err != nil {
				return err
			}
			return tx.First(&out, out.ID).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			out = *u
			out.Email = email
			out.EmailVerified = true
			created = true
			return tx.Create(&out).Error
		default:
			return err
		}
	})
	if err != nil {
		return nil, false, dbErr(err)
	}
	return &out, created, nil
}

func (r *GormRepo) DeleteUser(ctx context.Context, id uint) error {
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", id).Delete(&models.PasswordReset{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", id).Delete(&models.Payment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", id).Delete(&models.Session{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.User{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	return dbErr(err)
}

// EnsureUser creates u only when no account with that email exists.
func (r *GormRepo) EnsureUser(ctx context.Context, u *models.User) (bool, error) {
	err := r.CreateUserIfNotExists(ctx, u)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, apperr.ErrConflict) {
		return false, nil
	}
	return false, err
}
