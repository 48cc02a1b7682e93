package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleSuperadmin = "superadmin"
	RoleAdmin      = "admin"
)

var (
	ErrInvalidAdminToken = errors.New("invalid admin token")
	ErrAdminRoleRequired = errors.New("admin role required")
)

// AdminClaims is the bearer token presented on administrative routes.
type AdminClaims struct {
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// AdminVerifier checks HS256 bearer tokens signed with the admin secret.
type AdminVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewAdminVerifier(secret string) *AdminVerifier {
	return &AdminVerifier{secret: []byte(secret), now: time.Now}
}

func (v *AdminVerifier) WithClock(now func() time.Time) *AdminVerifier {
	v.now = now
	return v
}

// Sign is used by operators tooling and tests to mint admin tokens.
func (v *AdminVerifier) Sign(subject, role string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := AdminClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign admin token: %w", err)
	}
	return signed, nil
}

// Verify returns ErrInvalidAdminToken for anything that does not parse and
// ErrAdminRoleRequired for a valid token without an administrative role.
func (v *AdminVerifier) Verify(raw string) (*AdminClaims, error) {
	if raw == "" || len(v.secret) == 0 {
		return nil, ErrInvalidAdminToken
	}

	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAdminToken, err)
	}
	if claims.Role != RoleSuperadmin && claims.Role != RoleAdmin {
		return nil, ErrAdminRoleRequired
	}
	return claims, nil
}
