package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	keySize    = 32
	iterations = 10_000
)

var ErrMismatchedHash = errors.New("hashed password does not match the password")

// PBKDF2-HMAC-SHA256 password hasher
// Stored form is base64(salt || key)
// Will be used as default one if user not provide it's own
type PBKDF2Hasher struct{}

func (h PBKDF2Hasher) Hash(password string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("can't generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(password), salt, iterations, keySize, sha256.New)

	return base64.StdEncoding.EncodeToString(append(salt, key...)), nil
}

// Compare returns nil if password matches the hash
// Malformed hash never matches
func (h PBKDF2Hasher) Compare(hashedPassword string, password string) error {
	decoded, err := base64.StdEncoding.DecodeString(hashedPassword)
	if err != nil || len(decoded) != saltSize+keySize {
		return ErrMismatchedHash
	}

	salt, stored := decoded[:saltSize], decoded[saltSize:]
	key := pbkdf2.Key([]byte(password), salt, iterations, keySize, sha256.New)

	if subtle.ConstantTimeCompare(key, stored) != 1 {
		return ErrMismatchedHash
	}

	return nil
}
