package domain

// Roles allowed to run operator flows (invoicing, status changes).
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleMember   = "member"
)

// JWTClaims represents the JWT payload. End-user tokens come from the identity
// service; the backend verifies them and mints operator tokens for the CLI.
type JWTClaims struct {
	Sub      string `json:"sub"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	TenantID string `json:"tenant_id"`
}
