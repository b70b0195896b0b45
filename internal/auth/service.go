// Package auth implements client-credential authentication: clients exchange
// their client_id and secret for a short-lived JWT scoped to an audience, and
// every API request carries that token.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/waldiez/runner/internal/repositories"
)

const (
	// argon2Time is the number of iterations (time cost) for Argon2id.
	argon2Time = 2

	// argon2Memory is the memory cost in KiB for Argon2id (64 MiB).
	argon2Memory = 64 * 1024

	// argon2Threads is the parallelism factor for Argon2id.
	argon2Threads = 2

	// argon2KeyLen is the output hash length in bytes.
	argon2KeyLen = 32

	// argon2SaltLen is the random salt length in bytes.
	argon2SaltLen = 16

	// secretBytes is the length of a generated client secret before encoding.
	secretBytes = 32
)

// Token is the response of a successful credential exchange.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Audience    string    `json:"audience"`
}

// Service authenticates clients and issues access tokens.
// The REST API layer depends on Service, never on the JWTManager directly.
type Service struct {
	clients    repositories.ClientRepository
	jwtManager *JWTManager
}

// NewService creates a Service with the given dependencies.
func NewService(clients repositories.ClientRepository, jwtManager *JWTManager) *Service {
	return &Service{clients: clients, jwtManager: jwtManager}
}

// Authenticate validates a client_id/secret pair and returns a signed token
// scoped to the client's configured audience.
func (s *Service) Authenticate(ctx context.Context, clientID, secret string) (*Token, error) {
	client, err := s.clients.GetByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Same error for unknown id and wrong secret, so callers cannot
			// enumerate registered client ids.
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth: fetching client: %w", err)
	}

	if !VerifySecret(secret, client.SecretHash) {
		return nil, ErrInvalidCredentials
	}

	signed, expiresAt, err := s.jwtManager.GenerateToken(client.ClientID, client.Audience)
	if err != nil {
		return nil, err
	}
	return &Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
		Audience:    client.Audience,
	}, nil
}

// ValidateToken parses and verifies a JWT access token against an audience.
// Used by the HTTP middleware to authenticate incoming requests.
func (s *Service) ValidateToken(tokenString, audience string) (*Claims, error) {
	return s.jwtManager.ValidateToken(tokenString, audience)
}

// HashSecret returns an Argon2id hash of the given plaintext secret.
// Exported so the seed command can hash secrets without the full service.
//
// Format: saltHex:hashHex
func HashSecret(secret string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generating secret salt: %w", err)
	}

	hash := argon2.IDKey([]byte(secret), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(hash), nil
}

// VerifySecret checks a plaintext secret against a stored Argon2id hash.
// Returns false if the hash format is invalid rather than propagating an
// error, since an invalid hash means authentication must fail.
func VerifySecret(secret, stored string) bool {
	saltHex, hashHex, ok := splitHash(stored)
	if !ok {
		return false
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	expected, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}

	actual := argon2.IDKey([]byte(secret), salt, argon2Time, argon2Memory, argon2Threads, uint32(len(expected)))
	return constantTimeEqual(actual, expected)
}

// GenerateSecret returns a cryptographically random hex-encoded secret.
func GenerateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// splitHash splits a "saltHex:hashHex" string into its two components.
func splitHash(s string) (salt, hash string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// constantTimeEqual compares two byte slices in constant time to prevent
// timing-based side-channel attacks.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
