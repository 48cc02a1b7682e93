package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"delivery-guard/internal/config"
	"delivery-guard/internal/util"

	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash   = errors.New("invalid hash format")
	ErrUnknownPepper = errors.New("pepper version not found")
)

const (
	algorithmArgon2id = "argon2id-v1"
	otpContext        = "delivery-otp"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Pepper is a server-side secret mixed into every hash. The version is
// stored next to each hash so a rotated pepper can still verify old rows.
type Pepper struct {
	Value   string
	Version int
}

// Hasher produces salted, peppered argon2id digests of OTP codes.
type Hasher struct {
	params  Argon2Params
	current Pepper
	older   map[int]string
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

func NewHasher(cfg config.HashingConfig) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Argon2MemoryCost),
		Iterations:  uint32(cfg.Argon2TimeCost),
		Parallelism: uint8(cfg.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}
	if params.Memory == 0 {
		params.Memory = 64 * 1024
	}
	if params.Iterations == 0 {
		params.Iterations = 1
	}
	if params.Parallelism == 0 {
		params.Parallelism = 1
	}

	pepper := cfg.Pepper
	if pepper == "" {
		// Outstanding challenges will not survive a restart with an ephemeral pepper.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			util.Fatal("Failed to generate pepper", util.ErrorField(err))
		}
		pepper = base64.RawURLEncoding.EncodeToString(buf)
		util.Warn("OTP_PEPPER not set, using an ephemeral pepper")
	}

	return &Hasher{
		params:  params,
		current: Pepper{Value: pepper, Version: 1},
		older:   map[int]string{},
	}
}

// WithPreviousPepper registers a retired pepper so rows hashed with it still verify.
func (h *Hasher) WithPreviousPepper(p Pepper) *Hasher {
	h.older[p.Version] = p.Value
	return h
}

// HashOTP returns a fresh random salt and the argon2id digest of code.
func (h *Hasher) HashOTP(code string) (*HashResult, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	sum := h.derive(code, h.current.Value, salt, h.params.KeyLength)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(sum),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: h.current.Version,
		Algorithm:     algorithmArgon2id,
	}, nil
}

// VerifyOTP recomputes the digest with the stored salt and compares in constant time.
func (h *Hasher) VerifyOTP(code string, stored *HashResult) (bool, error) {
	pepper, err := h.pepper(stored.PepperVersion)
	if err != nil {
		return false, err
	}

	salt, err := base64.RawURLEncoding.DecodeString(stored.Salt)
	if err != nil || len(salt) == 0 {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(stored.Hash)
	if err != nil || len(expected) == 0 {
		return false, ErrInvalidHash
	}

	computed := h.derive(code, pepper, salt, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func (h *Hasher) derive(code, pepper string, salt []byte, keyLen uint32) []byte {
	return argon2.IDKey(
		[]byte(code+pepper+otpContext),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		keyLen,
	)
}

func (h *Hasher) pepper(version int) (string, error) {
	if version == h.current.Version {
		return h.current.Value, nil
	}
	if v, ok := h.older[version]; ok {
		return v, nil
	}
	return "", ErrUnknownPepper
}

// Benchmark reports how long n hashes take with the configured params.
func (h *Hasher) Benchmark(n int) time.Duration {
	start := time.Now()
	for i := 0; i < n; i++ {
		if _, err := h.HashOTP(fmt.Sprintf("%06d", i)); err != nil {
			util.Error("Benchmark failed", util.ErrorField(err))
			return 0
		}
	}
	return time.Since(start)
}
