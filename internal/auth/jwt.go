package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// accessTokenDuration defines how long an access token remains valid.
	// Clients are services, not browsers, so a longer window is acceptable.
	accessTokenDuration = 60 * time.Minute

	// AudienceTasks scopes tokens to the task endpoints.
	AudienceTasks = "tasks-api"

	// AudienceClients scopes tokens to the client management endpoints.
	AudienceClients = "clients-api"
)

// Claims holds the JWT claims embedded in every access token. The client id
// travels in the standard subject claim; the audience claim scopes which
// endpoint group the token may call.
type Claims struct {
	jwt.RegisteredClaims
}

// ClientID returns the authenticated client's public identifier.
func (c *Claims) ClientID() string { return c.Subject }

// HasAudience reports whether the token was issued for the given audience.
func (c *Claims) HasAudience(aud string) bool {
	for _, a := range c.Audience {
		if a == aud {
			return true
		}
	}
	return false
}

// JWTManager handles HS256 signing and verification of access tokens.
// A single shared secret serves the whole deployment.
type JWTManager struct {
	secret []byte
	issuer string
}

// NewJWTManager creates a JWTManager with the given signing secret.
func NewJWTManager(secret, issuer string) (*JWTManager, error) {
	if secret == "" {
		return nil, errors.New("auth: signing secret must not be empty")
	}
	return &JWTManager{secret: []byte(secret), issuer: issuer}, nil
}

// GenerateToken creates a signed HS256 JWT for the given client and audience.
func (m *JWTManager) GenerateToken(clientID, audience string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(accessTokenDuration)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   clientID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: signing access token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken parses and verifies a JWT string and checks it carries the
// expected audience.
//
// Callers should use errors.Is(err, auth.ErrTokenExpired) to distinguish
// expired tokens from tampered/malformed ones.
func (m *JWTManager) ValidateToken(tokenString, audience string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject tokens signed with anything other than HMAC. This
			// prevents the "alg:none" confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	if !claims.HasAudience(audience) {
		return nil, ErrAudienceMismatch
	}
	return claims, nil
}
