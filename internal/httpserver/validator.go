package httpserver

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Skotchmaster/academy/internal/apperr"
)

// CustomValidator wraps validator for Echo.
type CustomValidator struct {
	validator *validator.Validate
}

func NewValidator() *CustomValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &CustomValidator{validator: v}
}

// Validate implements echo.Validator. Failures come back as
// apperr.ErrValidation naming the first offending field.
func (cv *CustomValidator) Validate(i interface{}) error {
	err := cv.validator.Struct(i)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return apperr.Wrap(apperr.ErrValidation, err)
	}
	fe := fields[0]
	if fe.Tag() == "required" {
		return apperr.WithMessage(apperr.ErrValidation, "Missing required field: "+fe.Field())
	}
	return apperr.WithMessage(apperr.ErrValidation, "Invalid "+fe.Field())
}
