package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"delivery-guard/internal/audit"
	"delivery-guard/internal/bucketing"
	"delivery-guard/internal/claims"
	"delivery-guard/internal/config"
	"delivery-guard/internal/encryption"
	"delivery-guard/internal/hashing"
	"delivery-guard/internal/models"
	"delivery-guard/internal/policy"
	"delivery-guard/internal/report"
	"delivery-guard/internal/repository/memory"
	"delivery-guard/internal/security"
	"delivery-guard/internal/service"
)

const adminSecret = "admin-secret-for-tests"

type nopSender struct{}

func (nopSender) SendOTP(context.Context, models.OTPChannel, string, string) error { return nil }

type fixedOrders struct{}

func (fixedOrders) Build(_ context.Context, qr *models.DeliveryQRToken) (*models.OrderView, error) {
	return &models.OrderView{
		OrderID:       qr.OrderID,
		WarehouseID:   qr.WarehouseID,
		Status:        string(qr.Status),
		TotalPackages: 1,
		Packages:      []models.PackageView{{PackageNumber: 1, TotalPackages: 1, CustomerPackageNumber: "1/1", Quantity: 1}},
	}, nil
}

type healthy struct{ err error }

func (h healthy) HealthCheck(context.Context) error { return h.err }

type testServer struct {
	t        *testing.T
	server   *httptest.Server
	verifier *security.AdminVerifier
}

func newTestServer(t *testing.T, health HealthChecker) *testServer {
	t.Helper()

	store := memory.NewStore()
	writer := audit.NewWriter(store, bucketing.NewBucketingManager(config.BucketingConfig{EventBuckets: 2}))
	creator := claims.NewCreator(store, memory.NewObjectStore(), claims.NewActorResolver("system-user", nil), nil, "")
	p := policy.Default()

	factory := service.NewServiceFactory(service.Dependencies{
		Signer:     security.NewTokenSigner("delivery-secret-for-tests"),
		QRs:        store,
		Challenges: store,
		Sessions:   store,
		Limiter:    memory.NewRateLimiter(time.Now),
		Hasher: hashing.NewHasher(config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Pepper:            "pepper",
		}),
		Encryption: encryption.NewManager(config.KMSConfig{}, nil),
		Sender:     nopSender{},
		Orders:     fixedOrders{},
		Claims:     creator,
		Audit:      writer,
		Policy:     p,
		TestMode:   true,
	})

	logger := zap.NewNop()
	verifier := security.NewAdminVerifier(adminSecret)
	router := NewRouter(
		NewDeliveryHandler(factory.OTPService(), factory.ConfirmationService(), logger),
		NewAdminHandler(factory.QRService(), report.NewExporter(store, store, store, writer, p, report.NewAuditLogCounter(store)), logger),
		verifier,
		health,
		logger,
		RouterOptions{},
	)

	ts := &testServer{t: t, server: httptest.NewServer(router), verifier: verifier}
	t.Cleanup(ts.server.Close)
	return ts
}

func (s *testServer) adminToken(role string) string {
	s.t.Helper()
	raw, err := s.verifier.Sign("admin-1", role, time.Hour)
	if err != nil {
		s.t.Fatalf("Sign: %v", err)
	}
	return raw
}

func (s *testServer) do(method, path, bearer string, body interface{}) (*http.Response, Response) {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			s.t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		s.t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return s.send(req)
}

func (s *testServer) send(req *http.Request) (*http.Response, Response) {
	s.t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	var envelope Response
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			s.t.Fatalf("decode: %v", err)
		}
	}
	return resp, envelope
}

func field(t *testing.T, r Response, key string) string {
	t.Helper()
	data, ok := r.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("response has no data object: %+v", r)
	}
	v, _ := data[key].(string)
	if v == "" {
		t.Fatalf("response data has no %q: %+v", key, data)
	}
	return v
}

func (s *testServer) issueQR(orderID string) string {
	s.t.Helper()
	resp, body := s.do(http.MethodPost, "/api/v1/admin/delivery-qr", s.adminToken(security.RoleAdmin), map[string]interface{}{
		"order_id":     orderID,
		"warehouse_id": "wh-1",
		"batch_id":     "batch-1",
	})
	if resp.StatusCode != http.StatusCreated {
		s.t.Fatalf("issue QR: status %d %+v", resp.StatusCode, body)
	}
	return field(s.t, body, "token")
}

// validate runs request and verify and returns the session fields.
func (s *testServer) validate(token string) (sessionID, sessionToken string) {
	s.t.Helper()
	resp, body := s.do(http.MethodPost, "/api/v1/delivery/otp/request", "", map[string]string{
		"token": token, "channel": "sms", "destination": "+573001234567",
	})
	if resp.StatusCode != http.StatusOK {
		s.t.Fatalf("otp request: status %d %+v", resp.StatusCode, body)
	}
	challengeID := field(s.t, body, "challenge_id")
	code := field(s.t, body, "debug_otp")

	resp, body = s.do(http.MethodPost, "/api/v1/delivery/otp/verify", "", map[string]string{
		"token": token, "challenge_id": challengeID, "otp_code": code,
	})
	if resp.StatusCode != http.StatusOK {
		s.t.Fatalf("otp verify: status %d %+v", resp.StatusCode, body)
	}
	return field(s.t, body, "session_id"), field(s.t, body, "session_token")
}

func TestDeliveryFlow(t *testing.T) {
	s := newTestServer(t, healthy{})
	token := s.issueQR("order-100")

	resp, body := s.do(http.MethodPost, "/api/v1/delivery/otp/request", "", map[string]string{
		"token": token, "channel": "sms", "destination": "+573001234567",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("otp request: %d %+v", resp.StatusCode, body)
	}
	challengeID := field(t, body, "challenge_id")
	code := field(t, body, "debug_otp")

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	resp, body = s.do(http.MethodPost, "/api/v1/delivery/otp/verify", "", map[string]string{
		"token": token, "challenge_id": challengeID, "otp_code": wrong,
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong code: expected 401, got %d", resp.StatusCode)
	}
	if body.Success || body.Error == "" {
		t.Errorf("error envelope expected, got %+v", body)
	}

	resp, body = s.do(http.MethodPost, "/api/v1/delivery/otp/verify", "", map[string]string{
		"token": token, "challenge_id": challengeID, "otp_code": code,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("right code: expected 200, got %d %+v", resp.StatusCode, body)
	}
	sessionID := field(t, body, "session_id")
	sessionToken := field(t, body, "session_token")

	resp, _ = s.do(http.MethodPost, "/api/v1/delivery/otp/verify", "", map[string]string{
		"token": token, "challenge_id": challengeID, "otp_code": code,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("reused code: expected 409, got %d", resp.StatusCode)
	}

	creds := map[string]string{"token": token, "session_id": sessionID, "session_token": sessionToken}
	resp, body = s.do(http.MethodPost, "/api/v1/delivery/session/order", "", creds)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session order: %d %+v", resp.StatusCode, body)
	}
	if got := field(t, body, "order_id"); got != "order-100" {
		t.Errorf("order_id = %q", got)
	}

	resp, body = s.do(http.MethodPost, "/api/v1/delivery/confirm", "", creds)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm: %d %+v", resp.StatusCode, body)
	}
	if got := field(t, body, "status"); got != string(models.QRStatusConfirmed) {
		t.Errorf("status = %q", got)
	}

	resp, _ = s.do(http.MethodPost, "/api/v1/delivery/reject", "", creds)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("reject after confirm: expected 409, got %d", resp.StatusCode)
	}
}

func TestOTPRequestStatuses(t *testing.T) {
	s := newTestServer(t, healthy{})
	token := s.issueQR("order-200")

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"missing destination", map[string]string{"token": token, "channel": "sms"}, http.StatusBadRequest},
		{"local phone", map[string]string{"token": token, "channel": "sms", "destination": "3001234567"}, http.StatusBadRequest},
		{"unknown token", map[string]string{"token": "not-a-token", "channel": "sms", "destination": "+573001234567"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := s.do(http.MethodPost, "/api/v1/delivery/otp/request", "", tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}

	req, _ := http.NewRequest(http.MethodPost, s.server.URL+"/api/v1/delivery/otp/request", strings.NewReader("{"))
	resp, _ := s.send(req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: expected 400, got %d", resp.StatusCode)
	}
}

func TestOTPRequestRateLimitSetsRetryAfter(t *testing.T) {
	s := newTestServer(t, healthy{})
	token := s.issueQR("order-300")
	body := map[string]string{"token": token, "channel": "sms", "destination": "+573001234567"}

	for i := 0; i < 3; i++ {
		if resp, b := s.do(http.MethodPost, "/api/v1/delivery/otp/request", "", body); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: %d %+v", i+1, resp.StatusCode, b)
		}
	}

	resp, envelope := s.do(http.MethodPost, "/api/v1/delivery/otp/request", "", body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if !strings.Contains(envelope.Error, "minutos") {
		t.Errorf("unexpected message %q", envelope.Error)
	}
}

func TestAdminRoutesRequireRole(t *testing.T) {
	s := newTestServer(t, healthy{})
	issue := map[string]string{"order_id": "o", "warehouse_id": "w", "batch_id": "b"}

	resp, _ := s.do(http.MethodPost, "/api/v1/admin/delivery-qr", "", issue)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", resp.StatusCode)
	}

	resp, _ = s.do(http.MethodPost, "/api/v1/admin/delivery-qr", "garbage", issue)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", resp.StatusCode)
	}

	resp, _ = s.do(http.MethodGet, "/api/v1/admin/delivery-report", s.adminToken("cliente"), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("customer role: expected 403, got %d", resp.StatusCode)
	}
}

func TestDeliveryReportDownload(t *testing.T) {
	s := newTestServer(t, healthy{})
	s.issueQR("order-400")

	req, _ := http.NewRequest(http.MethodGet, s.server.URL+"/api/v1/admin/delivery-report", nil)
	req.Header.Set("Authorization", "Bearer "+s.adminToken(security.RoleSuperadmin))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("content type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "reporte-entregas-qr-") {
		t.Errorf("content disposition = %q", cd)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(buf.String(), "order-400") {
		t.Error("report does not list the issued QR")
	}

	resp2, _ := s.do(http.MethodGet, "/api/v1/admin/delivery-report?from=yesterday", s.adminToken(security.RoleAdmin), nil)
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad from: expected 400, got %d", resp2.StatusCode)
	}
}

func TestConfirmWithDefectMultipart(t *testing.T) {
	s := newTestServer(t, healthy{})
	token := s.issueQR("order-500")
	sessionID, sessionToken := s.validate(token)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range map[string]string{
		"token":              token,
		"session_id":         sessionID,
		"session_token":      sessionToken,
		"invoice_number":     "FV-1",
		"product_reference":  "SKU-1",
		"defective_quantity": "2",
		"description":        "caja golpeada",
		"claimant_name":      "Ana",
		"claimant_contact":   "+573001234567",
	} {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	writeFile(t, mw, "evidence", "foto.png", "image/png")
	writeFile(t, mw, "guide", "guia.jpg", "image/jpeg")
	if err := mw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, s.server.URL+"/api/v1/delivery/confirm-defect", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, body := s.send(req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d %+v", resp.StatusCode, body)
	}
	if got := field(t, body, "status"); got != string(models.QRStatusConfirmedWithIncident) {
		t.Errorf("status = %q", got)
	}
	field(t, body, "ticket_id")
}

func writeFile(t *testing.T, mw *multipart.Writer, field, name, contentType string) {
	t.Helper()
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	part.Write([]byte("fake image bytes"))
}

func TestHealthAndNotFound(t *testing.T) {
	s := newTestServer(t, healthy{})
	resp, _ := s.do(http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", resp.StatusCode)
	}
	resp, _ = s.do(http.MethodGet, "/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown route: %d", resp.StatusCode)
	}

	down := newTestServer(t, healthy{err: errors.New("scylla down")})
	resp, _ = down.do(http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy: %d", resp.StatusCode)
	}
}

func TestGetStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&service.DeliveryError{Kind: service.ErrValidation}, http.StatusBadRequest},
		{&service.DeliveryError{Kind: service.ErrUnauthorized}, http.StatusUnauthorized},
		{&service.DeliveryError{Kind: service.ErrInvalidToken}, http.StatusNotFound},
		{&service.DeliveryError{Kind: service.ErrNotFound}, http.StatusNotFound},
		{&service.DeliveryError{Kind: service.ErrConflict}, http.StatusConflict},
		{&service.DeliveryError{Kind: service.ErrGone}, http.StatusGone},
		{&service.DeliveryError{Kind: service.ErrTooManyRequests}, http.StatusTooManyRequests},
		{&service.DeliveryError{Kind: service.ErrFatal}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := getStatusCode(tt.err); got != tt.want {
			t.Errorf("getStatusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
