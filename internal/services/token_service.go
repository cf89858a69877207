package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

// TokenService issues and verifies the bearer tokens sync clients present.
type TokenService struct {
	jwtSecret string
	jwtExpiry time.Duration
}

type TokenClaims struct {
	Subject  string
	ClientID string
	TokenID  string
}

func NewTokenService(jwtSecret string, jwtExpiry time.Duration) *TokenService {
	return &TokenService{
		jwtSecret: jwtSecret,
		jwtExpiry: jwtExpiry,
	}
}

// Issue signs a token for subject. An empty clientID gets a fresh one.
func (s *TokenService) Issue(subject, clientID string) (string, time.Time, error) {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	expiresAt := time.Now().Add(s.jwtExpiry)
	claims := jwt.MapClaims{
		"sub":       subject,
		"client_id": clientID,
		"jti":       uuid.NewString(),
		"exp":       expiresAt.Unix(),
		"iat":       time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (s *TokenService) VerifyToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})

	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	subject, ok := claims["sub"].(string)
	if !ok || subject == "" {
		return nil, ErrInvalidToken
	}
	clientID, ok := claims["client_id"].(string)
	if !ok {
		return nil, ErrInvalidToken
	}
	tokenID, ok := claims["jti"].(string)
	if !ok {
		return nil, ErrInvalidToken
	}

	return &TokenClaims{
		Subject:  subject,
		ClientID: clientID,
		TokenID:  tokenID,
	}, nil
}
