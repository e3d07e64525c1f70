// ABOUTME: Agent connection keys: generation, parsing, and verification
// ABOUTME: Keys are "agentID.secret"; only a bcrypt hash of the secret is stored

package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Secret key errors
var (
	ErrMalformedKey = errors.New("malformed agent key")
	ErrBadSecret    = errors.New("secret does not match")
)

const secretBytes = 32

// GenerateAgentSecret produces a new random secret and its bcrypt hash.
// The plaintext is embedded into the agent key shown once at
// registration; only the hash is persisted.
func GenerateAgentSecret() (secret, hash string, err error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating secret: %w", err)
	}
	secret = hex.EncodeToString(buf)

	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing secret: %w", err)
	}
	return secret, string(h), nil
}

// FormatAgentKey builds the key an agent presents when connecting.
func FormatAgentKey(agentID, secret string) string {
	return agentID + "." + secret
}

// ParseAgentKey splits a presented key into agent ID and secret. The
// agent ID carries no dots; the secret may.
func ParseAgentKey(key string) (agentID, secret string, err error) {
	agentID, secret, ok := strings.Cut(key, ".")
	if !ok || agentID == "" || secret == "" {
		return "", "", ErrMalformedKey
	}
	return agentID, secret, nil
}

// VerifyAgentSecret compares a presented secret against the stored hash.
func VerifyAgentSecret(hash, secret string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return ErrBadSecret
	}
	return nil
}
