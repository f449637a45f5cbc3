package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// Claim names read from and written to tokens
const (
	ClaimUserID      = "UserId"
	ClaimEmail       = "email"
	ClaimTimezone    = "timezone"
	ClaimPermissions = "permissions"
)

var ErrInvalidToken = errors.New("invalid token")

// TokenService signs and validates HS256 tokens carrying actor claims
type TokenService struct {
	secretKey []byte
	tokenTTL  time.Duration
}

// NewTokenService creates a TokenService with the given secret key and token TTL
func NewTokenService(secretKey string, tokenTTL time.Duration) *TokenService {
	return &TokenService{
		secretKey: []byte(secretKey),
		tokenTTL:  tokenTTL,
	}
}

// GenerateToken issues a token for actor
func (s *TokenService) GenerateToken(actor *Actor) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		ClaimUserID:      actor.ID,
		ClaimEmail:       actor.Email,
		ClaimTimezone:    actor.Timezone,
		ClaimPermissions: actor.Permissions,
		"exp":            now.Add(s.tokenTTL).Unix(),
		"iat":            now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// ParseToken validates tokenString and returns the actor it describes
func (s *TokenService) ParseToken(tokenString string) (*Actor, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims", ErrInvalidToken)
	}

	id, err := cast.ToInt64E(claims[ClaimUserID])
	if err != nil || id == 0 {
		return nil, fmt.Errorf("%w: missing %s claim", ErrInvalidToken, ClaimUserID)
	}

	return &Actor{
		ID:          id,
		Email:       cast.ToString(claims[ClaimEmail]),
		Timezone:    cast.ToString(claims[ClaimTimezone]),
		Permissions: cast.ToStringSlice(claims[ClaimPermissions]),
	}, nil
}

// JWTResolver resolves the actor from an explicit context actor first and
// then from a bearer token placed with WithToken
type JWTResolver struct {
	tokens *TokenService
	logger *zap.Logger
}

// NewJWTResolver creates a resolver backed by tokens
func NewJWTResolver(tokens *TokenService, logger *zap.Logger) *JWTResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWTResolver{tokens: tokens, logger: logger}
}

// Resolve implements Resolver
func (r *JWTResolver) Resolve(ctx context.Context) (*Actor, bool) {
	if actor, ok := ActorFrom(ctx); ok {
		return actor, true
	}
	raw := TokenFrom(ctx)
	if raw == "" {
		return nil, false
	}
	actor, err := r.tokens.ParseToken(raw)
	if err != nil {
		r.logger.Debug("bearer token rejected", zap.Error(err))
		return nil, false
	}
	return actor, true
}
