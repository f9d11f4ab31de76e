package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrTokenRevoked = errors.New("token revoked")

// Service issues access tokens and tracks them in Redis so they can be
// revoked before expiry.
type Service struct {
	jwt         *JWTManager
	redisClient *redis.Client
}

func NewService(jwt *JWTManager, redisClient *redis.Client) *Service {
	return &Service{
		jwt:         jwt,
		redisClient: redisClient,
	}
}

func tokenKey(userID, tokenID string) string {
	return fmt.Sprintf("token:%s:%s", userID, tokenID)
}

// Issue signs a token and registers it as live.
func (s *Service) Issue(ctx context.Context, userID uuid.UUID, capabilities []string) (string, error) {
	token, claims, err := s.jwt.Generate(userID, capabilities)
	if err != nil {
		return "", err
	}
	if err := s.redisClient.Set(ctx, tokenKey(claims.UserID, claims.ID), "1", s.jwt.Expiry()).Err(); err != nil {
		return "", fmt.Errorf("storing token: %w", err)
	}
	return token, nil
}

// Validate checks signature and expiry, then that the token was not revoked.
// A Redis failure rejects the token.
func (s *Service) Validate(ctx context.Context, token string) (*AccessClaims, error) {
	claims, err := s.jwt.Validate(token)
	if err != nil {
		return nil, err
	}
	n, err := s.redisClient.Exists(ctx, tokenKey(claims.UserID, claims.ID)).Result()
	if err != nil {
		return nil, fmt.Errorf("checking token: %w", err)
	}
	if n == 0 {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// RevokeAll invalidates every live token of userID.
func (s *Service) RevokeAll(ctx context.Context, userID string) error {
	iter := s.redisClient.Scan(ctx, 0, tokenKey(userID, "*"), 100).Iterator()
	for iter.Next(ctx) {
		s.redisClient.Del(ctx, iter.Val())
	}
	return iter.Err()
}
