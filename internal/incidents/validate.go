package incidents

import (
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// TagStorable rejects strings that the store cannot hold: invalid UTF-8 and
// the NUL character.
const TagStorable = "storable"

// NewValidator returns a validator with the incident tags registered.
func NewValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation(TagStorable, validateStorable); err != nil {
		panic(err)
	}
	return v
}

func validateStorable(fl validator.FieldLevel) bool {
	return IsStorable(fl.Field().String())
}

// IsStorable reports whether s can be written to the incident store.
func IsStorable(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}
