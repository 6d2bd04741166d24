package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// KeyPrefix is the prefix for generated admin API keys
	KeyPrefix = "ark_"
	// KeyLength is the length of the random part of the key (32 bytes = 256 bits)
	KeyLength = 32
	// SessionIDLength is the random part of a hook session id (48 bytes = 384 bits)
	SessionIDLength = 48
	// BCryptCost is the cost factor for bcrypt hashing
	BCryptCost = 12
)

// Role represents the access level of an admin credential
type Role string

const (
	RoleReadonly Role = "readonly"
	RoleAdmin    Role = "admin"
)

func randomToken(n int) (string, error) {
	randomBytes := make([]byte, n)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

// GenerateAPIKey generates a new admin API key
func GenerateAPIKey() (string, error) {
	tok, err := randomToken(KeyLength)
	if err != nil {
		return "", err
	}
	return KeyPrefix + tok, nil
}

// NewSessionID returns an unguessable, URL-safe hook session id.
func NewSessionID() (string, error) {
	return randomToken(SessionIDLength)
}

// HashAPIKey hashes an API key using bcrypt
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), BCryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}

// VerifyAPIKey verifies an API key against a bcrypt hash
func VerifyAPIKey(key, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key))
	return err == nil
}

// VerifyAPIKeyConstantTime verifies an API key against a plain text key using constant-time comparison
func VerifyAPIKeyConstantTime(got, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// ExtractBearerToken extracts the bearer token from an Authorization header
func ExtractBearerToken(authHeader string) string {
	token := strings.TrimSpace(authHeader)
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}

// ValidateRole checks if a given role string is valid
func ValidateRole(role string) bool {
	switch Role(role) {
	case RoleReadonly, RoleAdmin:
		return true
	default:
		return false
	}
}

// HasPermission reports whether userRole may act where requiredRole is needed.
// readonly: admin queries only. admin: queries plus expire, remove and reload.
func HasPermission(userRole Role, requiredRole Role) bool {
	if userRole == RoleAdmin {
		return requiredRole == RoleAdmin || requiredRole == RoleReadonly
	}
	return userRole == RoleReadonly && requiredRole == RoleReadonly
}
