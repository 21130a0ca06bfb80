package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/Skotchmaster/academy/internal/models"
)

func (r *GormRepo) CreatePayment(ctx context.Context, p *models.Payment) error {
	return dbErr(r.DB.WithContext(ctx).Omit("User").Create(p).Error)
}

// ListPayments returns newest first with the owning user preloaded.
func (r *GormRepo) ListPayments(ctx context.Context, status string) ([]models.Payment, error) {
	var out []models.Payment
	q := r.DB.WithContext(ctx).Preload("User").Order("created_at DESC").Order("id DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, dbErr(err)
	}
	return out, nil
}

// SetPaymentStatus writes the new status and, on approval, moves the owner to
// the paid plan. Both writes commit or roll back together.
func (r *GormRepo) SetPaymentStatus(ctx context.Context, id uint, status string) (*models.Payment, error) {
	var p models.Payment
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&p, id).Error; err != nil {
			return err
		}
		if err := tx.Model(&p).Update("status", status).Error; err != nil {
			return err
		}
		if status == models.PaymentApproved {
			return setPlan(tx, p.UserID, p.Plan)
		}
		return nil
	})
	if err != nil {
		return nil, dbErr(err)
	}
	return &p, nil
}
