package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// GenerateOTPCode returns a uniformly random numeric code of the given length.
func GenerateOTPCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid otp length %d", length)
	}
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	code := n.String()
	return strings.Repeat("0", length-len(code)) + code, nil
}

// CreateSessionToken returns a 256-bit url-safe token. Only its hash is stored.
func CreateSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func HashSessionToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SessionTokenMatches hashes the presented token and compares digests in constant time.
func SessionTokenMatches(presented, storedHash string) bool {
	if presented == "" || storedHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashSessionToken(presented)), []byte(storedHash)) == 1
}

// DeviceInfo is the client identity signal. Advisory only.
type DeviceInfo struct {
	IP        string
	UserAgent string
	Device    string
}

func BuildDeviceFingerprint(info DeviceInfo) string {
	parts := []string{
		strings.TrimSpace(info.IP),
		strings.TrimSpace(info.UserAgent),
		strings.TrimSpace(info.Device),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// CreateDeliveryNonce correlates a challenge with its dispatch.
func CreateDeliveryNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashDestination gives a stable key for a phone number without storing it.
func HashDestination(phone string) string {
	sum := sha256.Sum256([]byte("destination:" + phone))
	return hex.EncodeToString(sum[:])
}
