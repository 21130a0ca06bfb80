package repo

import (
	"errors"

	"gorm.io/gorm"

	"github.com/Skotchmaster/academy/internal/apperr"
)

type GormRepo struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *GormRepo {
	return &GormRepo{DB: db}
}

// dbErr maps driver errors onto the domain taxonomy.
func dbErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperr.Wrap(apperr.ErrNotFound, err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return apperr.Wrap(apperr.ErrConflict, err)
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Wrap(apperr.ErrDatabase, err)
}
