package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost is the bcrypt cost factor for operator tokens
const DefaultBcryptCost = 12

// MaxTokenLength caps the token length accepted for hashing. bcrypt
// only reads the first 72 bytes, so longer tokens are rejected rather
// than silently truncated.
const MaxTokenLength = 72

// HashToken hashes an operator token for storage in config or Vault
func HashToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("token must not be empty")
	}
	if len(token) > MaxTokenLength {
		return "", fmt.Errorf("token too long")
	}

	bytes, err := bcrypt.GenerateFromPassword([]byte(token), DefaultBcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(bytes), nil
}

// VerifyToken verifies an operator token against its stored hash
func VerifyToken(token, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
