// ABOUTME: JWT token verification for peers announcing themselves in the BackRPC hello.
// ABOUTME: Uses HS256 signing with the configured secret; tokens carry a principal and role.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrShortSecret  = errors.New("jwt secret must be at least 32 bytes")
)

// Role limits what a principal may do on the registry.
type Role string

const (
	// RoleAgent may register agents and report containers.
	RoleAgent Role = "agent"
	// RoleClient may query, subscribe and forward requests.
	RoleClient Role = "client"
)

// Principal is the verified identity behind a token.
type Principal struct {
	Subject string
	Role    Role
}

// Allows reports whether the principal may act in role. Agents may also act
// as clients.
func (p Principal) Allows(role Role) bool {
	return p.Role == role || (p.Role == RoleAgent && role == RoleClient)
}

// TokenVerifier defines the interface for token verification.
type TokenVerifier interface {
	Verify(tokenString string) (Principal, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < 32 {
		return nil, ErrShortSecret
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and extracts the principal from the "sub" and
// "role" claims. A token without a role is treated as a client token.
func (v *JWTVerifier) Verify(tokenString string) (Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrExpiredToken
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Principal{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	role := RoleClient
	if r, ok := claims["role"].(string); ok && r != "" {
		role = Role(r)
	}

	return Principal{Subject: sub, Role: role}, nil
}

// Generate creates a new token for subject acting in role.
func (v *JWTVerifier) Generate(subject string, role Role, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
