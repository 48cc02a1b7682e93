package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"delivery-guard/internal/audit"
	"delivery-guard/internal/bucketing"
	"delivery-guard/internal/claims"
	"delivery-guard/internal/config"
	"delivery-guard/internal/encryption"
	"delivery-guard/internal/hashing"
	"delivery-guard/internal/models"
	"delivery-guard/internal/policy"
	"delivery-guard/internal/repository/memory"
	"delivery-guard/internal/security"
)

const testDestination = "+573001234567"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type captureSender struct {
	mu    sync.Mutex
	codes []string
	err   error
}

func (s *captureSender) SendOTP(_ context.Context, _ models.OTPChannel, _ string, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.codes = append(s.codes, code)
	return nil
}

func (s *captureSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[len(s.codes)-1]
}

type staticOrders struct {
	err error
}

func (o *staticOrders) Build(_ context.Context, qr *models.DeliveryQRToken) (*models.OrderView, error) {
	if o.err != nil {
		return nil, o.err
	}
	return &models.OrderView{
		OrderID:       qr.OrderID,
		WarehouseID:   qr.WarehouseID,
		Status:        string(qr.Status),
		TotalPackages: 1,
		Packages:      []models.PackageView{{PackageNumber: 1, TotalPackages: 1, CustomerPackageNumber: "1/1", Quantity: 2}},
	}, nil
}

type harness struct {
	clock   *fakeClock
	store   *memory.Store
	objects *memory.ObjectStore
	sender  *captureSender
	orders  *staticOrders
	creator *claims.Creator
	policy  policy.Policy
	factory *ServiceFactory
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clock:   &fakeClock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)},
		store:   memory.NewStore(),
		objects: memory.NewObjectStore(),
		sender:  &captureSender{},
		orders:  &staticOrders{},
		policy:  policy.Default(),
	}

	h.creator = claims.NewCreator(h.store, h.objects, claims.NewActorResolver("system-user", nil), nil, "").
		WithClock(h.clock.Now)

	writer := audit.NewWriter(h.store, bucketing.NewBucketingManager(config.BucketingConfig{EventBuckets: 4})).
		WithClock(h.clock.Now)

	h.factory = NewServiceFactory(Dependencies{
		Signer:     security.NewTokenSigner("test-secret-for-delivery-tokens").WithClock(h.clock.Now),
		QRs:        h.store,
		Challenges: h.store,
		Sessions:   h.store,
		Limiter:    memory.NewRateLimiter(h.clock.Now),
		Hasher: hashing.NewHasher(config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Pepper:            "test-pepper",
		}),
		Encryption: encryption.NewManager(config.KMSConfig{}, nil),
		Sender:     h.sender,
		Orders:     h.orders,
		Claims:     h.creator,
		Audit:      writer,
		Policy:     h.policy,
		Now:        h.clock.Now,
	})
	return h
}

func (h *harness) issue(t *testing.T, orderID string) *IssueQRResult {
	t.Helper()
	res, err := h.factory.QRService().Issue(context.Background(), IssueQRRequest{
		OrderID:     orderID,
		WarehouseID: "wh-1",
		BatchID:     "batch-1",
		AdminID:     "admin-1",
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return res
}

func (h *harness) requestOTP(t *testing.T, token string) *OTPRequestResult {
	t.Helper()
	res, err := h.factory.OTPService().RequestOTP(context.Background(), OTPRequest{
		Token:       token,
		Channel:     "sms",
		Destination: testDestination,
	})
	if err != nil {
		t.Fatalf("RequestOTP: %v", err)
	}
	return res
}

func (h *harness) verify(token, challengeID, code string) (*OTPVerifyResult, error) {
	return h.factory.OTPService().VerifyOTP(context.Background(), OTPVerifyRequest{
		Token:       token,
		ChallengeID: challengeID,
		Code:        code,
	})
}

// openSession runs the OTP flow to completion and returns session credentials.
func (h *harness) openSession(t *testing.T, token string) SessionCredentials {
	t.Helper()
	otp := h.requestOTP(t, token)
	res, err := h.verify(token, otp.ChallengeID, h.sender.last())
	if err != nil {
		t.Fatalf("VerifyOTP: %v", err)
	}
	return SessionCredentials{Token: token, SessionID: res.SessionID, SessionToken: res.SessionToken}
}

func (h *harness) qrStatus(t *testing.T, qrID string) models.QRStatus {
	t.Helper()
	qr, err := h.store.GetQRToken(context.Background(), qrID)
	if err != nil {
		t.Fatalf("GetQRToken: %v", err)
	}
	return qr.Status
}

func (h *harness) auditCount(action string) int {
	n := 0
	for _, e := range h.store.AuditEntries() {
		if e.Action == action {
			n++
		}
	}
	return n
}

func wrongCode(code string) string {
	if code[0] == '9' {
		return "0" + code[1:]
	}
	return string([]byte{code[0] + 1}) + code[1:]
}

func assertKind(t *testing.T, err, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
}
