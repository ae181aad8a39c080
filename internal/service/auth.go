package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/workloom/backend/internal/domain"
)

// AuthService verifies the bearer tokens issued by the identity service. It can
// also mint operator tokens for local tooling.
type AuthService struct {
	jwtSecret string
	now       Clock
}

// NewAuthService creates a new AuthService.
func NewAuthService(jwtSecret string) *AuthService {
	return &AuthService{jwtSecret: jwtSecret, now: time.Now}
}

// IssueToken signs a token for the given identity.
func (s *AuthService) IssueToken(claims domain.JWTClaims, ttl time.Duration) (string, error) {
	if claims.Sub == "" || claims.TenantID == "" {
		return "", domain.ErrBadRequest("subject and tenant are required")
	}
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":       claims.Sub,
		"email":     claims.Email,
		"role":      claims.Role,
		"tenant_id": claims.TenantID,
		"exp":       now.Add(ttl).Unix(),
		"iat":       now.Unix(),
	})
	signed, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", domain.ErrInternal("failed to sign token", err)
	}
	return signed, nil
}

// VerifyToken validates a JWT token and returns the claims.
func (s *AuthService) VerifyToken(tokenStr string) (*domain.JWTClaims, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return nil, domain.ErrUnauthorized("invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, domain.ErrUnauthorized("invalid token claims")
	}

	out := &domain.JWTClaims{
		Sub:      getClaimString(claims, "sub"),
		Email:    getClaimString(claims, "email"),
		Role:     getClaimString(claims, "role"),
		TenantID: getClaimString(claims, "tenant_id"),
	}
	if out.TenantID == "" {
		return nil, domain.ErrUnauthorized("token carries no tenant")
	}
	return out, nil
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}
