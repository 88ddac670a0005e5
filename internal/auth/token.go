// ABOUTME: Mints and verifies the HS256 bearer tokens the relay issues at registration.
// ABOUTME: Tokens carry the agent name and the registration instance id as typed claims.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// issuer names the relay in every token it mints. Verify rejects tokens
// minted by anything else, even when signed with the same secret.
const issuer = "mcpmesh-relay"

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Identity is the authenticated principal a verified token resolves to.
type Identity struct {
	// Agent is the registered agent name the token was issued for.
	Agent string

	// InstanceID names the registration the token belongs to. A
	// re-register mints a fresh instance id and a fresh token.
	InstanceID string
}

// relayClaims is the claim set minted at registration.
type relayClaims struct {
	InstanceID string `json:"inst,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier mints and verifies the relay's bearer tokens over a shared
// HS256 signing secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier over the given signing secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify parses and validates a token, returning the identity it carries.
func (v *JWTVerifier) Verify(tokenString string) (Identity, error) {
	var claims relayClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}

	return Identity{Agent: claims.Subject, InstanceID: claims.InstanceID}, nil
}

// Generate mints a token for one registration of the named agent. There is
// no refresh; a re-register simply mints a fresh token.
func (v *JWTVerifier) Generate(agentName, instanceID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := relayClaims{
		InstanceID: instanceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   agentName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
