package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *JWTManager {
	t.Helper()
	m, err := NewJWTManager("test-secret", "waldiez-runner")
	require.NoError(t, err)
	return m
}

func TestNewJWTManagerRequiresSecret(t *testing.T) {
	_, err := NewJWTManager("", "waldiez-runner")
	assert.Error(t, err)
}

func TestGenerateValidateRoundTrip(t *testing.T) {
	m := newTestManager(t)

	signed, expiresAt, err := m.GenerateToken("client-1", AudienceTasks)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(accessTokenDuration), expiresAt, 5*time.Second)

	claims, err := m.ValidateToken(signed, AudienceTasks)
	require.NoError(t, err)
	assert.Equal(t, "client-1", claims.ClientID())
	assert.True(t, claims.HasAudience(AudienceTasks))
	assert.False(t, claims.HasAudience(AudienceClients))
	assert.NotEmpty(t, claims.ID)
}

func TestValidateTokenAudienceMismatch(t *testing.T) {
	m := newTestManager(t)

	signed, _, err := m.GenerateToken("client-1", AudienceTasks)
	require.NoError(t, err)

	_, err = m.ValidateToken(signed, AudienceClients)
	assert.ErrorIs(t, err, ErrAudienceMismatch)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	m := newTestManager(t)
	other, err := NewJWTManager("other-secret", "waldiez-runner")
	require.NoError(t, err)

	signed, _, err := other.GenerateToken("client-1", AudienceTasks)
	require.NoError(t, err)

	_, err = m.ValidateToken(signed, AudienceTasks)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateTokenWrongIssuer(t *testing.T) {
	m := newTestManager(t)
	other, err := NewJWTManager("test-secret", "someone-else")
	require.NoError(t, err)

	signed, _, err := other.GenerateToken("client-1", AudienceTasks)
	require.NoError(t, err)

	_, err = m.ValidateToken(signed, AudienceTasks)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateTokenExpired(t *testing.T) {
	m := newTestManager(t)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "waldiez-runner",
			Subject:   "client-1",
			Audience:  jwt.ClaimStrings{AudienceTasks},
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = m.ValidateToken(signed, AudienceTasks)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateTokenRejectsNoneAlg(t *testing.T) {
	m := newTestManager(t)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "waldiez-runner",
			Subject:   "client-1",
			Audience:  jwt.ClaimStrings{AudienceTasks},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.ValidateToken(signed, AudienceTasks)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateTokenMissingSubject(t *testing.T) {
	m := newTestManager(t)

	signed, _, err := m.GenerateToken("", AudienceTasks)
	require.NoError(t, err)

	_, err = m.ValidateToken(signed, AudienceTasks)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateTokenGarbage(t *testing.T) {
	m := newTestManager(t)

	_, err := m.ValidateToken("not.a.jwt", AudienceTasks)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
