// Package auth verifies the bearer tokens presented by websocket clients.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// Claims carries the identity of a connecting user.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	AgencyID string `json:"agency_id,omitempty"`
	TeamID   string `json:"team_id,omitempty"`
}

// ActiveChecker reports whether a user may still connect.
type ActiveChecker interface {
	IsActive(ctx context.Context, userID string) (bool, error)
}

// JWTAuthenticator implements notify.Authenticator for HS256 tokens.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	active ActiveChecker
	parser *jwt.Parser
}

// NewJWTAuthenticator returns an authenticator for tokens signed with secret.
// When issuer is set it must match. active may be nil.
func NewJWTAuthenticator(secret, issuer string, active ActiveChecker) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret cannot be empty")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTAuthenticator{
		secret: []byte(secret),
		issuer: issuer,
		active: active,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Authenticate verifies token and resolves the identity it carries.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, token string) (notify.Identity, error) {
	claims := &Claims{}
	parsed, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return notify.Identity{}, fmt.Errorf("%w: %v", notify.ErrUnauthenticated, err)
	}
	if claims.UserID == "" {
		return notify.Identity{}, fmt.Errorf("%w: token has no user_id", notify.ErrUnauthenticated)
	}
	if a.active != nil {
		ok, err := a.active.IsActive(ctx, claims.UserID)
		if err != nil {
			return notify.Identity{}, fmt.Errorf("failed to check user %s: %w", claims.UserID, err)
		}
		if !ok {
			return notify.Identity{}, fmt.Errorf("%w: user %s is not active", notify.ErrUnauthenticated, claims.UserID)
		}
	}
	return notify.Identity{UserID: claims.UserID, AgencyID: claims.AgencyID, TeamID: claims.TeamID}, nil
}

// GenerateToken signs a token for id valid for ttl. Used by tests and the
// local run mode.
func GenerateToken(secret, issuer string, id notify.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:   id.UserID,
		AgencyID: id.AgencyID,
		TeamID:   id.TeamID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
