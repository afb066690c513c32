package auth

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/nkiryanov/usermanager/internal/apperrors"
)

const MinPasswordLength = 8

// Password has to be at least 8 chars long and mix upper, lower case letters, digits and special chars
func ValidatePasswordStrength(password string) error {
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}

	var missing []string
	if len([]rune(password)) < MinPasswordLength {
		missing = append(missing, fmt.Sprintf("at least %d characters", MinPasswordLength))
	}
	if !upper {
		missing = append(missing, "an upper case letter")
	}
	if !lower {
		missing = append(missing, "a lower case letter")
	}
	if !digit {
		missing = append(missing, "a digit")
	}
	if !special {
		missing = append(missing, "a special character")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: password needs %s", apperrors.ErrWeakPassword, strings.Join(missing, ", "))
	}

	return nil
}
