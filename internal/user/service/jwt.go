package service

import (
	"time"

	"downloadgate/internal/user"
	"downloadgate/pkg/jwt"
)

const defaultTokenTTL = 30 * 24 * time.Hour

type JWTManager struct {
	SecretKey string
	TTL       time.Duration
}

func NewJWTManager(secret string) *JWTManager {
	return &JWTManager{
		SecretKey: secret,
		TTL:       defaultTokenTTL,
	}
}

func (j *JWTManager) Generate(u *user.User) (string, error) {
	return jwt.GenerateToken(j.SecretKey, jwt.Claims{UserID: u.ID, Email: u.Email, Role: u.Role}, j.TTL)
}
