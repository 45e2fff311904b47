package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/netra-systems/zen-sub342/internal/model"
)

// Token errors
var (
	ErrInvalidToken = fmt.Errorf("%w: invalid token", model.ErrUnauthorized)
	ErrExpiredToken = fmt.Errorf("%w: token expired", model.ErrUnauthorized)
	ErrMissingClaim = fmt.Errorf("%w: missing required claim", model.ErrUnauthorized)
)

// Validator turns a credential into a user identity or rejects it.
type Validator interface {
	Validate(token string) (userID string, err error)
}

// JWTValidator validates HS256 signed JWTs and reads the user from the "sub" claim.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator for the given signing secret.
func NewJWTValidator(secret []byte) *JWTValidator {
	return &JWTValidator{secret: secret}
}

// Validate checks the signature and expiry and returns the subject.
func (v *JWTValidator) Validate(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return sub, nil
}

// Issue signs a token for userID. Token issuance belongs to the identity
// service; this exists for local tooling and tests.
func (v *JWTValidator) Issue(userID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
