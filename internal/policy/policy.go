// Package policy holds the time and count limits of the delivery flow.
package policy

import (
	"time"

	"delivery-guard/internal/config"
)

type Policy struct {
	TokenTTL        time.Duration
	OTPLength       int
	OTPTTL          time.Duration
	OTPMaxAttempts  int
	RateLimitMax    int
	RateLimitWindow time.Duration
	SessionTTL      time.Duration
	ReportDefault   time.Duration
}

func FromConfig(cfg config.DeliveryConfig) Policy {
	return Policy{
		TokenTTL:        cfg.TokenTTL,
		OTPLength:       cfg.OTPLength,
		OTPTTL:          cfg.OTPTTL,
		OTPMaxAttempts:  cfg.OTPMaxAttempts,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		SessionTTL:      cfg.SessionTTL,
		ReportDefault:   time.Duration(cfg.DefaultReportDay) * 24 * time.Hour,
	}
}

// Default mirrors the configuration defaults.
func Default() Policy {
	return Policy{
		TokenTTL:        72 * time.Hour,
		OTPLength:       6,
		OTPTTL:          10 * time.Minute,
		OTPMaxAttempts:  5,
		RateLimitMax:    3,
		RateLimitWindow: 15 * time.Minute,
		SessionTTL:      30 * time.Minute,
		ReportDefault:   30 * 24 * time.Hour,
	}
}

func (p Policy) QRExpiry(issuedAt time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = p.TokenTTL
	}
	return issuedAt.Add(ttl)
}

// SignedTokenExpiry is the exp claim for a QR whose record expires at
// recordExpiry. NumericDate keeps whole seconds only.
func (p Policy) SignedTokenExpiry(recordExpiry time.Time) time.Time {
	return recordExpiry.Truncate(time.Second)
}

func (p Policy) ChallengeExpiry(now time.Time) time.Time {
	return now.Add(p.OTPTTL)
}

// ChallengeTTLMinutes is the rounded-up TTL reported to clients.
func (p Policy) ChallengeTTLMinutes() int {
	m := int(p.OTPTTL / time.Minute)
	if p.OTPTTL%time.Minute != 0 {
		m++
	}
	return m
}

// SessionExpiry never outlives the QR that the session authorizes.
func (p Policy) SessionExpiry(now, qrExpiresAt time.Time) time.Time {
	exp := now.Add(p.SessionTTL)
	if !qrExpiresAt.IsZero() && qrExpiresAt.Before(exp) {
		return qrExpiresAt
	}
	return exp
}

// ReportRange fills in a missing bound: to defaults to now, from to the
// default lookback before to. Bounds are swapped when reversed.
func (p Policy) ReportRange(from, to, now time.Time) (time.Time, time.Time) {
	if to.IsZero() {
		to = now
	}
	if from.IsZero() {
		from = to.Add(-p.ReportDefault)
	}
	if from.After(to) {
		from, to = to, from
	}
	return from, to
}
