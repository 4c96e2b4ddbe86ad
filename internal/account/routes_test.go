package account

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/email"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/events"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/registry"
)

const (
	testAdminKey      = "test-admin-key"
	testCronSecret    = "test-cron-secret"
	testWebhookSecret = "whsec_test"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []email.Message
}

func (s *recordingSender) Send(_ context.Context, msg email.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSender) subjects(to string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.msgs {
		if m.To == to {
			out = append(out, m.Subject)
		}
	}
	return out
}

type testServer struct {
	handler http.Handler
	reg     *registry.LicenseRegistry
	sender  *recordingSender
}

func testConfig(dir string) *Config {
	return &Config{
		DataDir:             dir,
		DatabaseDriver:      registry.DriverSQLite,
		AdminKey:            testAdminKey,
		CronSecret:          testCronSecret,
		BaseURL:             "https://dirac.app",
		StripeWebhookSecret: testWebhookSecret,
		EmailFrom:           "Dirac <peter@dirac.app>",
		TrialDays:           4,
		LicenseKeyPrefix:    "DIRAC",
		DownloadURLARM:      defaultDownloadURLARM,
		DownloadURLIntel:    defaultDownloadURLIntel,
		SessionPollAttempts: 2,
		SessionPollInterval: 10 * time.Millisecond,
	}
}

func newTestServer(t *testing.T, mutate ...func(*Config)) *testServer {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig(dir)
	for _, m := range mutate {
		m(cfg)
	}

	reg, err := registry.NewSQLiteRegistry(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	sender := &recordingSender{}
	deps, err := NewDeps(cfg, reg, sender, email.SyncDispatcher{Sender: sender}, events.NopPublisher{}, "test")
	require.NoError(t, err)

	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return &testServer{handler: Handler(mux), reg: reg, sender: sender}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "198.51.100.7:4321"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func signedWebhook(t *testing.T, payload string) *http.Request {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestLicenseLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	admin := map[string]string{"Authorization": "Bearer " + testAdminKey}

	// Issue
	rec := s.do(t, http.MethodPost, "/api/trial/create-license", map[string]any{"email": " Ada@Example.com ", "platform": "arm"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	issued := decode(t, rec)
	key, _ := issued["licenseKey"].(string)
	require.NotEmpty(t, key)
	assert.Equal(t, "ada@example.com", issued["email"])
	assert.Equal(t, false, issued["existing"])
	assert.Equal(t, []string{email.WelcomeSubject}, s.sender.subjects("ada@example.com"))

	// Idempotent reissue
	rec = s.do(t, http.MethodPost, "/api/trial/create-license", map[string]any{"email": "ada@example.com"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, key, decode(t, rec)["licenseKey"])
	assert.Equal(t, true, decode(t, rec)["existing"])

	// Verify binds the first device
	rec = s.do(t, http.MethodPost, "/api/license/verify", map[string]any{"key": key, "deviceId": "mac-1", "appVersion": "1.1.2"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", decode(t, rec)["status"])

	rec = s.do(t, http.MethodPost, "/api/license/verify", map[string]any{"key": key, "device_id": "mac-2"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "device_mismatch", decode(t, rec)["status"])

	// Reset requires the admin key
	rec = s.do(t, http.MethodPost, "/api/admin/reset-device", map[string]any{"key": key}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/admin/reset-device", map[string]any{"key": key}, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["success"])

	rec = s.do(t, http.MethodPost, "/api/license/verify", map[string]any{"key": key, "deviceId": "mac-2"}, nil)
	assert.Equal(t, "active", decode(t, rec)["status"])

	// Upgrade through the webhook, then pick it up from the success page poll
	payload, err := json.Marshal(map[string]any{
		"id":     "evt_route_1",
		"object": "event",
		"type":   "checkout.session.completed",
		"data": map[string]any{"object": map[string]any{
			"id":             "cs_test_route",
			"object":         "checkout.session",
			"mode":           "subscription",
			"status":         "complete",
			"payment_status": "paid",
			"customer":       "cus_route",
			"subscription":   "sub_route",
			"metadata":       map[string]string{"licenseKey": key},
		}},
	})
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, signedWebhook(t, string(payload)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, s.sender.subjects("ada@example.com"), email.UpgradeSubject)

	rec = s.do(t, http.MethodGet, "/api/get-license-for-session?session_id=cs_test_route", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, key, decode(t, rec)["licenseKey"])

	lic, err := s.reg.GetByKey(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, lic.Status)

	// Admin listing
	rec = s.do(t, http.MethodGet, "/admin/licenses?status=active", nil, map[string]string{"X-Admin-Key": testAdminKey})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])
}

func TestVerifyPreflight(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodOptions, "/api/license/verify", nil, map[string]string{
		"Origin":                        "tauri://localhost",
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = s.do(t, http.MethodOptions, "/api/license/verify", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestTrustedEndpointsRequireTheirSecrets(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/internal/send-trial-reminders", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/internal/send-trial-reminders", nil, map[string]string{"Authorization": "Bearer " + testAdminKey})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/internal/send-trial-reminders", nil, map[string]string{"Authorization": "Bearer " + testCronSecret})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["ok"])

	rec = s.do(t, http.MethodPost, "/api/internal/send-update-nudge", nil, map[string]string{"Authorization": "Bearer " + testCronSecret})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/internal/send-update-nudge?limit=5", nil, map[string]string{"X-Admin-Key": testAdminKey})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSweepRejectedWithoutCronSecret(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.CronSecret = "" })

	rec := s.do(t, http.MethodPost, "/api/internal/send-trial-reminders", nil, map[string]string{"Authorization": "Bearer "})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMetricsVisibility(t *testing.T) {
	private := newTestServer(t)
	rec := private.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = private.do(t, http.MethodGet, "/metrics", nil, map[string]string{"X-Admin-Key": testAdminKey})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"), "expected default collectors in exposition")

	public := newTestServer(t, func(c *Config) { c.PublicMetrics = true })
	rec = public.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckoutUnavailableWithoutStripe(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/trial/create-license", map[string]any{"email": "grace@example.com"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	key := decode(t, rec)["licenseKey"]

	rec = s.do(t, http.MethodPost, "/api/create-checkout-session", map[string]any{"licenseKey": key}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/get-license-for-session?session_id=cs_test_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateLicenseRateLimited(t *testing.T) {
	s := newTestServer(t)

	var last int
	for i := 0; i < 31; i++ {
		rec := s.do(t, http.MethodPost, "/api/trial/create-license", map[string]any{"email": "not-an-email"}, nil)
		last = rec.Code
		if i < 30 {
			require.Equal(t, http.StatusBadRequest, rec.Code, "request %d", i)
		}
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestHandlerSetsRequestIDAndSecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/healthz", nil, map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = s.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
