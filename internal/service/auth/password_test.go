package auth

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/usermanager/internal/apperrors"
)

func TestValidatePasswordStrength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		password string
		ok       bool
	}{
		{"strong", "Str0ng!pass", true},
		{"unicode letters", "Пароль1!x", true},
		{"too short", "S0!a", false},
		{"no upper", "str0ng!pass", false},
		{"no lower", "STR0NG!PASS", false},
		{"no digit", "Strong!pass", false},
		{"no special", "Str0ngpass", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePasswordStrength(tt.password)

			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, apperrors.ErrWeakPassword)
		})
	}
}
