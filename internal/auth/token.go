package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	tokenIDLength     = 12
	tokenSecretLength = 24

	digestIterations = 4096
	digestSaltLength = 16
	digestKeyLength  = 32
)

// TokenRecord is a stored bearer credential. The secret itself is never
// persisted; only the salted pbkdf2 digest is.
type TokenRecord struct {
	TokenID      string
	UserID       string
	DisplayName  string
	SecretDigest string
	ExpiresAt    time.Time
}

// Issue mints a new bearer token for the given user, saves its record to the
// store, and returns the raw token. The raw token is shown exactly once; it
// cannot be reconstructed from the stored digest.
func Issue(store TokenStore, userID, displayName string, ttl time.Duration) (string, TokenRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return "", TokenRecord{}, ErrInvalidUserID
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	id, err := randomHex(tokenIDLength)
	if err != nil {
		return "", TokenRecord{}, fmt.Errorf("generate token id: %w", err)
	}
	secret, err := randomHex(tokenSecretLength)
	if err != nil {
		return "", TokenRecord{}, fmt.Errorf("generate token secret: %w", err)
	}
	digest, err := digestSecret(secret)
	if err != nil {
		return "", TokenRecord{}, err
	}
	record := TokenRecord{
		TokenID:      id,
		UserID:       userID,
		DisplayName:  strings.TrimSpace(displayName),
		SecretDigest: digest,
		ExpiresAt:    time.Now().Add(ttl).UTC(),
	}
	if err := store.Save(record); err != nil {
		return "", TokenRecord{}, err
	}
	return id + "." + secret, record, nil
}

// splitToken separates the raw bearer form into its id and secret parts.
func splitToken(raw string) (string, string, bool) {
	parts := strings.SplitN(raw, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func digestSecret(secret string) (string, error) {
	salt := make([]byte, digestSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(secret), salt, digestIterations, digestKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", digestIterations, encodedSalt, encodedKey), nil
}

func verifySecret(encodedDigest, candidate string) error {
	parts := strings.Split(encodedDigest, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify token: invalid digest format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify token: unsupported digest identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify token: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify token: decode salt: %w", err)
	}
	stored, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify token: decode digest: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(stored), sha256.New)
	if len(derived) != len(stored) || subtle.ConstantTimeCompare(derived, stored) != 1 {
		return ErrTokenInvalid
	}
	return nil
}

func randomHex(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
