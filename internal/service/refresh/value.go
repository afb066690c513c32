package refresh

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// 256 bits of entropy
const valueSize = 32

// Generate random opaque refresh token value, safe to use in cookies
func GenerateValue() (string, error) {
	b := make([]byte, valueSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("error while generate refresh token. Err: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Mask token value to be logged: 'abcd****yz'
func Mask(value string) string {
	if len(value) <= 6 {
		return strings.Repeat("*", len(value))
	}

	return value[:4] + "****" + value[len(value)-2:]
}
