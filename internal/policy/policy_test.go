package policy

import (
	"testing"
	"time"
)

func TestSessionExpiryCappedByQR(t *testing.T) {
	p := Default()
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	if got := p.SessionExpiry(now, now.Add(24*time.Hour)); !got.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("uncapped session expiry = %v", got)
	}
	qrExp := now.Add(5 * time.Minute)
	if got := p.SessionExpiry(now, qrExp); !got.Equal(qrExp) {
		t.Fatalf("capped session expiry = %v, want %v", got, qrExp)
	}
}

func TestChallengeTTLMinutes(t *testing.T) {
	p := Default()
	if got := p.ChallengeTTLMinutes(); got != 10 {
		t.Fatalf("ttl minutes = %d", got)
	}
	p.OTPTTL = 90 * time.Second
	if got := p.ChallengeTTLMinutes(); got != 2 {
		t.Fatalf("ttl minutes for 90s = %d", got)
	}
}

func TestReportRange(t *testing.T) {
	p := Default()
	now := time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC)

	from, to := p.ReportRange(time.Time{}, time.Time{}, now)
	if !to.Equal(now) || !from.Equal(now.Add(-30*24*time.Hour)) {
		t.Fatalf("default range = %v..%v", from, to)
	}

	a := now.Add(-time.Hour)
	from, to = p.ReportRange(now, a, now)
	if !from.Equal(a) || !to.Equal(now) {
		t.Fatalf("reversed range not swapped: %v..%v", from, to)
	}
}

func TestSignedTokenExpiresWithRecord(t *testing.T) {
	p := Default()
	issued := time.Date(2025, 5, 1, 0, 0, 0, 500, time.UTC)
	exp := p.QRExpiry(issued, 0)
	if !exp.Equal(issued.Add(72 * time.Hour)) {
		t.Fatalf("qr expiry = %v", exp)
	}
	signed := p.SignedTokenExpiry(exp)
	if signed.After(exp) || exp.Sub(signed) >= time.Second {
		t.Fatalf("signed expiry %v drifts from record expiry %v", signed, exp)
	}
}
