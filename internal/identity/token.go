// ABOUTME: Association-link tokens binding an external chat account to an internal user
// ABOUTME: Uses HS256 signing with configurable secret and TTL

package identity

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
)

// LinkClaims identifies the external account an association link is for.
type LinkClaims struct {
	IntegrationID    string
	ExternalUserID   string
	ExternalUserName string
}

// TokenIssuer mints and verifies HS256 signed link tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer creates a token issuer with the given secret and token TTL.
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: secret, ttl: ttl}
}

// Mint creates a signed link token carrying the external account identity.
func (i *TokenIssuer) Mint(claims LinkClaims) (string, error) {
	if claims.IntegrationID == "" || claims.ExternalUserID == "" {
		return "", fmt.Errorf("%w: integration and external user required", ErrMissingClaim)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":            claims.ExternalUserID,
		"integration_id": claims.IntegrationID,
		"name":           claims.ExternalUserName,
		"iat":            now.Unix(),
		"exp":            now.Add(i.ttl).Unix(),
	})
	return token.SignedString(i.secret)
}

// Verify validates the token signature and expiry and extracts the claims.
func (i *TokenIssuer) Verify(tokenString string) (*LinkClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	integrationID, ok := claims["integration_id"].(string)
	if !ok || integrationID == "" {
		return nil, fmt.Errorf("%w: integration_id", ErrMissingClaim)
	}
	name, _ := claims["name"].(string)

	return &LinkClaims{
		IntegrationID:    integrationID,
		ExternalUserID:   sub,
		ExternalUserName: name,
	}, nil
}
