package service

import (
	stderrors "errors"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/lead-router/internal/errors"
)

var zip5Pattern = regexp.MustCompile(`^\d{5}$`)

// minPhoneDigits is the shortest phone number we accept
const minPhoneDigits = 7

// newValidator returns a validator with the lead-specific rules registered
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("zip5", func(fl validator.FieldLevel) bool {
		return zip5Pattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return len(onlyDigits(fl.Field().String())) >= minPhoneDigits
	})
	return v
}

// validateStruct runs struct tags and maps the first failure to a validation error
func validateStruct(v *validator.Validate, s interface{}) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if stderrors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return errors.NewValidationError(lowerFirst(fe.Field()), fe.Tag())
	}
	return errors.NewValidationError("payload", err.Error())
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// ValidZip reports whether zip is a 5-digit US zip code
func ValidZip(zip string) bool {
	return zip5Pattern.MatchString(zip)
}
