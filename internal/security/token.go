package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const deliveryIssuer = "delivery-guard"

var (
	ErrInvalidToken = errors.New("invalid delivery token")
	// ErrTokenExpired marks an authentic token past its signed expiry. Verify
	// returns the claims with it so the stored record can report the outcome.
	ErrTokenExpired = errors.New("delivery token expired")
)

// DeliveryClaims is the payload signed into every delivery QR.
type DeliveryClaims struct {
	OrderID       string `json:"order_id"`
	WarehouseID   string `json:"warehouse_id"`
	BatchID       string `json:"batch_id"`
	TransporterID string `json:"transporter_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenSigner issues and verifies HS256 delivery tokens.
type TokenSigner struct {
	secret []byte
	now    func() time.Time
}

func NewTokenSigner(secret string) *TokenSigner {
	return &TokenSigner{secret: []byte(secret), now: time.Now}
}

// WithClock replaces the time source used for issuance and expiry checks.
func (s *TokenSigner) WithClock(now func() time.Time) *TokenSigner {
	s.now = now
	return s
}

// Issue signs claims with a fresh jti. The signed expiry is validUntil; the
// caller decides how it relates to the stored record's own expiry.
func (s *TokenSigner) Issue(claims DeliveryClaims, validUntil time.Time) (string, *DeliveryClaims, error) {
	now := s.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    deliveryIssuer,
		Subject:   claims.OrderID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(validUntil),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign delivery token: %w", err)
	}
	return signed, &claims, nil
}

// Verify checks signature, issuer and expiry and returns the embedded claims.
// An expired but authentic token yields its claims and ErrTokenExpired.
func (s *TokenSigner) Verify(raw string) (*DeliveryClaims, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}

	claims := &DeliveryClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Issuer != deliveryIssuer || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: foreign issuer or no expiry", ErrInvalidToken)
	}
	if claims.ID == "" || claims.OrderID == "" {
		return nil, fmt.Errorf("%w: missing jti or order", ErrInvalidToken)
	}
	if !s.now().Before(claims.ExpiresAt.Time) {
		return claims, ErrTokenExpired
	}
	return claims, nil
}

// BuildTokenFingerprint is the stored stand-in for a bearer token.
func BuildTokenFingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
