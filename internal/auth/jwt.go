package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DownloadClaims scopes a token to one file of one session.
type DownloadClaims struct {
	SessionID string `json:"sid"`
	FileID    string `json:"fid"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies download tokens with an HS256 secret.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue returns a signed token granting access to one file.
func (t *TokenIssuer) Issue(sessionID, fileID string) (string, error) {
	now := time.Now()
	claims := DownloadClaims{
		SessionID: sessionID,
		FileID:    fileID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "runbox",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify parses a token and returns its claims if valid and unexpired.
func (t *TokenIssuer) Verify(token string) (*DownloadClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &DownloadClaims{}, func(tk *jwt.Token) (any, error) {
		if _, ok := tk.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tk.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse download token: %w", err)
	}
	claims, ok := parsed.Claims.(*DownloadClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid download token")
	}
	return claims, nil
}
