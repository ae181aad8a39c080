package service

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/workloom/backend/internal/domain"
)

func TestIssueAndVerifyToken(t *testing.T) {
	auth := NewAuthService("jwt-secret")

	token, err := auth.IssueToken(domain.JWTClaims{Sub: "u-1", Email: "ops@example.com", Role: domain.RoleOperator, TenantID: "tenant-1"}, time.Hour)
	require.NoError(t, err)

	claims, err := auth.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.Sub)
	assert.Equal(t, domain.RoleOperator, claims.Role)
	assert.Equal(t, "tenant-1", claims.TenantID)

	_, err = NewAuthService("other-secret").VerifyToken(token)
	requireAppError(t, err, http.StatusUnauthorized)

	_, err = auth.IssueToken(domain.JWTClaims{Sub: "u-1"}, time.Hour)
	requireAppError(t, err, http.StatusBadRequest)
}

func TestVerifyTokenRejects(t *testing.T) {
	auth := NewAuthService("jwt-secret")

	expired, err := auth.IssueToken(domain.JWTClaims{Sub: "u-1", TenantID: "tenant-1"}, -time.Minute)
	require.NoError(t, err)
	_, err = auth.VerifyToken(expired)
	requireAppError(t, err, http.StatusUnauthorized)

	noTenant, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("jwt-secret"))
	require.NoError(t, err)
	_, err = auth.VerifyToken(noTenant)
	requireAppError(t, err, http.StatusUnauthorized)

	_, err = auth.VerifyToken("not-a-token")
	requireAppError(t, err, http.StatusUnauthorized)
}
