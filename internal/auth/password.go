package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2-SHA256 parameters. The iteration count is embedded in the stored
// hash so it can be raised later without invalidating existing credentials.
const (
	kdfIterations = 120_000
	kdfSaltLen    = 16
	kdfKeyLen     = 32
)

// HashSecret derives a storage hash from a plaintext secret (password or API
// key) using salted PBKDF2-SHA256. The result is self-describing:
// pbkdf2$sha256$<iterations>$<b64 salt>$<b64 key>
func HashSecret(plaintext string) (string, error) {
	if plaintext == "" {
		return "", Reject(ErrInvalidInput, "secret must not be empty")
	}
	salt := make([]byte, kdfSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(plaintext), salt, kdfIterations, kdfKeyLen, sha256.New)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s",
		kdfIterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifySecret recomputes the derivation with the stored salt and compares in
// constant time. A malformed stored hash verifies as false, not as an error
// kind, so callers keep their generic rejection messages.
func VerifySecret(plaintext, encoded string) bool {
	if plaintext == "" || encoded == "" {
		return false
	}
	salt, key, iterations, err := decodeSecretHash(encoded)
	if err != nil {
		return false
	}
	candidate := pbkdf2.Key([]byte(plaintext), salt, iterations, len(key), sha256.New)
	return subtle.ConstantTimeCompare(key, candidate) == 1
}

func decodeSecretHash(encoded string) (salt, key []byte, iterations int, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return nil, nil, 0, fmt.Errorf("unsupported hash format")
	}
	iterations, err = strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return nil, nil, 0, fmt.Errorf("invalid iteration count")
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, nil, 0, fmt.Errorf("decode salt: %w", err)
	}
	key, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, 0, fmt.Errorf("decode key: %w", err)
	}
	return salt, key, iterations, nil
}
