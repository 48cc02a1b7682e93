package hashing

import (
	"testing"

	"delivery-guard/internal/config"
)

func testHasher() *Hasher {
	return NewHasher(config.HashingConfig{
		Argon2MemoryCost:  8 * 1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
		Pepper:            "test-pepper",
	})
}

func TestHashOTPRoundTrip(t *testing.T) {
	h := testHasher()

	res, err := h.HashOTP("482913")
	if err != nil {
		t.Fatalf("HashOTP: %v", err)
	}
	if res.Hash == "" || res.Salt == "" {
		t.Fatalf("empty hash result: %+v", res)
	}

	ok, err := h.VerifyOTP("482913", res)
	if err != nil || !ok {
		t.Fatalf("VerifyOTP original code = %v, %v; want true", ok, err)
	}

	for _, mutated := range []string{"482914", "382913", "48291", "4829130", "48a913"} {
		ok, err := h.VerifyOTP(mutated, res)
		if err != nil {
			t.Fatalf("VerifyOTP(%q): %v", mutated, err)
		}
		if ok {
			t.Errorf("VerifyOTP(%q) accepted a mutated code", mutated)
		}
	}
}

func TestHashOTPUsesFreshSalt(t *testing.T) {
	h := testHasher()
	a, _ := h.HashOTP("111111")
	b, _ := h.HashOTP("111111")
	if a.Salt == b.Salt || a.Hash == b.Hash {
		t.Fatal("two hashes of the same code share salt or digest")
	}
}

func TestVerifyOTPPepperMismatch(t *testing.T) {
	h := testHasher()
	res, _ := h.HashOTP("123456")

	other := NewHasher(config.HashingConfig{Argon2MemoryCost: 8 * 1024, Argon2TimeCost: 1, Argon2Parallelism: 1, Pepper: "another"})
	ok, err := other.VerifyOTP("123456", res)
	if err != nil || ok {
		t.Fatalf("verify under a different pepper = %v, %v; want false, nil", ok, err)
	}

	res.PepperVersion = 9
	if _, err := h.VerifyOTP("123456", res); err != ErrUnknownPepper {
		t.Fatalf("unknown pepper version error = %v", err)
	}
}

func TestVerifyOTPPreviousPepper(t *testing.T) {
	old := NewHasher(config.HashingConfig{Argon2MemoryCost: 8 * 1024, Argon2TimeCost: 1, Argon2Parallelism: 1, Pepper: "old"})
	res, _ := old.HashOTP("654321")
	res.PepperVersion = 0

	h := testHasher().WithPreviousPepper(Pepper{Value: "old", Version: 0})
	ok, err := h.VerifyOTP("654321", res)
	if err != nil || !ok {
		t.Fatalf("verify with retired pepper = %v, %v", ok, err)
	}
}

func TestVerifyOTPInvalidEncoding(t *testing.T) {
	h := testHasher()
	_, err := h.VerifyOTP("123456", &HashResult{Hash: "!!", Salt: "!!", PepperVersion: 1})
	if err != ErrInvalidHash {
		t.Fatalf("err = %v, want ErrInvalidHash", err)
	}
}
