package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lead-router/internal/circuitbreaker"
	"github.com/lead-router/internal/config"
	"github.com/lead-router/internal/notify"
	"github.com/lead-router/internal/service"
	"github.com/lead-router/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAdminToken = "admin-secret"
	testSecret     = "whsec_test"
)

type outbox struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (o *outbox) Send(_ context.Context, msg notify.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg)
	return nil
}

func (o *outbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent)
}

type testServer struct {
	*Server
	outbox *outbox
	now    time.Time
}

func createTestServer(t *testing.T, tweak func(*ServerConfig)) *testServer {
	t.Helper()

	packs, err := config.ParsePacks("pack_5:200:5,pack_12:450:12:perks,pack_30:1000:30:perks")
	require.NoError(t, err)
	subs, err := config.ParsePacks("subscription_monthly:99:3:perks")
	require.NoError(t, err)

	cfg := &config.Config{
		Pricing: config.PricingConfig{
			Currency:        "usd",
			SingleLeadPrice: decimal.NewFromInt(40),
			Packs:           packs,
			Subscription:    subs[0],
			Tolerance:       decimal.NewFromInt(5),
			PerksRenewal:    30 * 24 * time.Hour,
		},
		Dispatch: config.DispatchConfig{
			CreditsPerLead: 1,
			PaymentLinkURL: "https://pay.example.com/lead",
		},
		Maintenance: config.MaintenanceConfig{
			DanglingAfter:     10 * time.Minute,
			ResendBatchSize:   10,
			ResendMaxAttempts: 3,
		},
	}

	box := &outbox{}
	engine := service.NewEngine(cfg, service.NewMemoryRepositories(storage.NewMemoryStore()), storage.NewLocalPaymentLock(), box)
	t.Cleanup(engine.Alerter.Wait)

	serverCfg := &ServerConfig{
		Host:             "127.0.0.1",
		Port:             "0",
		AdminToken:       testAdminToken,
		WebhookSecret:    testSecret,
		WebhookTolerance: 5 * time.Minute,
		PublicRPS:        1000,
		PublicBurst:      1000,
	}
	if tweak != nil {
		tweak(serverCfg)
	}

	breakers := circuitbreaker.NewManager()
	breakers.GetOrCreate("smtp", nil)

	ts := &testServer{Server: NewServer(serverCfg, engine, breakers), outbox: box, now: time.Unix(1760000000, 0)}
	ts.Server.now = func() time.Time { return ts.now }
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:51234"
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) admin(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	return ts.do(t, method, path, body, map[string]string{"X-Admin-Token": testAdminToken})
}

func (ts *testServer) webhook(t *testing.T, ev map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	return ts.do(t, "POST", "/webhooks/payments", raw, map[string]string{
		SignatureHeader: SignatureHeaderValue(testSecret, ts.now.Unix(), raw),
	})
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, w)
	e, ok := body["error"].(map[string]interface{})
	require.True(t, ok, w.Body.String())
	code, _ := e["code"].(string)
	return code
}

// registerFunded registers a provider through the API and funds it through the admin hook
func (ts *testServer) registerFunded(t *testing.T, email string, zips []string, credits int) string {
	t.Helper()

	w := ts.do(t, "POST", "/api/providers", map[string]interface{}{
		"email":       email,
		"companyName": "Gulf Coast Pools",
		"phone":       "(239) 555-0142",
		"serviceZips": zips,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id, _ := decode(t, w)["providerId"].(string)
	require.NotEmpty(t, id)

	if credits != 0 {
		w = ts.admin(t, "POST", "/admin/providers/"+id+"/credits", map[string]interface{}{
			"amount": credits,
			"note":   "opening balance",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	return id
}

func TestHealth(t *testing.T) {
	ts := createTestServer(t, nil)
	ts.AddHealthCheck("store", func(context.Context) error { return nil })

	w := ts.do(t, "GET", "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, map[string]interface{}{"store": "ok"}, body["checks"])
	breakers, ok := body["breakers"].([]interface{})
	require.True(t, ok)
	assert.Len(t, breakers, 1)
}

func TestHealth_FailingCheck(t *testing.T) {
	ts := createTestServer(t, nil)
	ts.AddHealthCheck("postgres", func(context.Context) error { return assert.AnError })

	w := ts.do(t, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decode(t, w)["status"])
}

func TestRequestIDPropagation(t *testing.T) {
	ts := createTestServer(t, nil)

	w := ts.do(t, "GET", "/health", nil, map[string]string{RequestIDHeader: "req-42"})
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))

	w = ts.do(t, "GET", "/health", nil, nil)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := createTestServer(t, nil)
	ts.do(t, "GET", "/health", nil, nil)

	w := ts.do(t, "GET", "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "leadrouter_http_requests_total")
}

func TestSubmitLead(t *testing.T) {
	ts := createTestServer(t, nil)
	ts.registerFunded(t, "bids@gulfcoastpools.com", []string{"33901"}, 3)

	w := ts.do(t, "POST", "/api/leads", map[string]interface{}{
		"name":  "Dana Ruiz",
		"phone": "239-555-0199",
		"email": "dana@example.net",
		"zip":   "33901",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Regexp(t, `^LD-\d{6}-[0-9A-Z]{6}$`, body["leadId"])
	assert.Equal(t, "Sent", body["status"])
	assert.Equal(t, float64(1), body["fullDeliveries"])
	assert.Equal(t, float64(0), body["teasers"])
}

func TestSubmitLead_NoCoverage(t *testing.T) {
	ts := createTestServer(t, nil)

	w := ts.do(t, "POST", "/api/leads", map[string]interface{}{
		"phone": "239-555-0199",
		"zip":   "99999",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "NoCoverage", decode(t, w)["status"])
	assert.Equal(t, 0, ts.outbox.count())
}

func TestSubmitLead_BadInput(t *testing.T) {
	tests := []struct {
		name     string
		body     interface{}
		wantCode string
	}{
		{name: "malformed JSON", body: []byte("invalid json"), wantCode: ErrCodeInvalidInput},
		{name: "unknown field", body: map[string]interface{}{"zip": "33901", "phone": "2395550199", "budget": 5}, wantCode: ErrCodeInvalidInput},
		{name: "bad zip", body: map[string]interface{}{"zip": "3390", "phone": "2395550199"}, wantCode: "VALIDATION_ERROR"},
		{name: "missing phone", body: map[string]interface{}{"zip": "33901"}, wantCode: "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := createTestServer(t, nil)
			w := ts.do(t, "POST", "/api/leads", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.wantCode, errorCode(t, w))
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := createTestServer(t, nil)

	w := ts.do(t, "OPTIONS", "/api/leads", nil, map[string]string{"Origin": "https://forms.example.org"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRegisterProvider_Duplicate(t *testing.T) {
	ts := createTestServer(t, nil)
	ts.registerFunded(t, "bids@gulfcoastpools.com", []string{"33901"}, 0)

	w := ts.do(t, "POST", "/api/providers", map[string]interface{}{"email": "BIDS@gulfcoastpools.com"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFLICT", errorCode(t, w))
}

func TestProviderBalance(t *testing.T) {
	ts := createTestServer(t, nil)
	ts.registerFunded(t, "bids@gulfcoastpools.com", []string{"33901"}, 7)

	w := ts.do(t, "POST", "/api/providers/balance", map[string]interface{}{
		"email":      "bids@gulfcoastpools.com",
		"phoneLast4": "0142",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(7), decode(t, w)["balance"])

	w = ts.do(t, "POST", "/api/providers/balance", map[string]interface{}{
		"email":      "bids@gulfcoastpools.com",
		"phoneLast4": "9999",
	}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimit(t *testing.T) {
	ts := createTestServer(t, func(c *ServerConfig) {
		c.PublicRPS = 1
		c.PublicBurst = 1
	})
	body := map[string]interface{}{"email": "nobody@example.com", "phoneLast4": "0000"}

	first := ts.do(t, "POST", "/api/providers/balance", body, nil)
	assert.Equal(t, http.StatusNotFound, first.Code)

	second := ts.do(t, "POST", "/api/providers/balance", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))

	// health and webhooks are outside the public limiter
	assert.Equal(t, http.StatusOK, ts.do(t, "GET", "/health", nil, nil).Code)
}

func TestAdminAuth(t *testing.T) {
	ts := createTestServer(t, nil)

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{name: "missing token", headers: nil, want: http.StatusUnauthorized},
		{name: "wrong token", headers: map[string]string{"X-Admin-Token": "guess"}, want: http.StatusUnauthorized},
		{name: "valid token", headers: map[string]string{"X-Admin-Token": testAdminToken}, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, "GET", "/admin/leads", nil, tt.headers)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, "UNAUTHORIZED", errorCode(t, w))
			}
		})
	}
}

func TestAdminAuth_DisabledWithoutToken(t *testing.T) {
	ts := createTestServer(t, func(c *ServerConfig) { c.AdminToken = "" })

	w := ts.do(t, "GET", "/admin/leads", nil, map[string]string{"X-Admin-Token": ""})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPaymentWebhook_CreditsPack(t *testing.T) {
	ts := createTestServer(t, nil)
	providerID := ts.registerFunded(t, "bids@gulfcoastpools.com", []string{"33901"}, 0)

	event := map[string]interface{}{
		"paymentId":        "pi_123",
		"status":           "complete",
		"mode":             "payment",
		"amountCents":      45000,
		"currency":         "usd",
		"correlationToken": providerID,
		"buyerEmail":       "bids@gulfcoastpools.com",
		"livemode":         false,
	}

	w := ts.webhook(t, event)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, map[string]interface{}{"status": "processed"}, decode(t, w))

	w = ts.webhook(t, event)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]interface{}{"status": "processed", "duplicate": true}, decode(t, w))

	w = ts.admin(t, "GET", "/admin/providers/"+providerID+"/ledger", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	recon := decode(t, w)["reconciliation"].(map[string]interface{})
	assert.Equal(t, float64(12), recon["creditBalance"])
	assert.Equal(t, true, recon["consistent"])
}

func TestPaymentWebhook_NotComplete(t *testing.T) {
	ts := createTestServer(t, nil)

	w := ts.webhook(t, map[string]interface{}{
		"paymentId":        "pi_open",
		"status":           "open",
		"mode":             "payment",
		"amountCents":      45000,
		"correlationToken": "prov-1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]interface{}{"status": "rejected", "reason": "event not applicable"}, decode(t, w))
}

func TestPaymentWebhook_Signature(t *testing.T) {
	ts := createTestServer(t, nil)
	raw := []byte(`{"paymentId":"pi_1","status":"complete","mode":"payment","amountCents":4000,"correlationToken":"LD-1"}`)

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing", header: ""},
		{name: "wrong secret", header: SignatureHeaderValue("other", ts.now.Unix(), raw)},
		{name: "stale", header: SignatureHeaderValue(testSecret, ts.now.Add(-10*time.Minute).Unix(), raw)},
		{name: "garbage", header: "v1=deadbeef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, "POST", "/webhooks/payments", raw, map[string]string{SignatureHeader: tt.header})
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, ErrCodeInvalidSignature, errorCode(t, w))
		})
	}
}

func TestPaymentWebhook_MalformedBody(t *testing.T) {
	ts := createTestServer(t, nil)
	raw := []byte(`{"paymentId":`)

	w := ts.do(t, "POST", "/webhooks/payments", raw, map[string]string{
		SignatureHeader: SignatureHeaderValue(testSecret, ts.now.Unix(), raw),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminLeadLifecycle(t *testing.T) {
	ts := createTestServer(t, nil)
	ts.registerFunded(t, "bids@gulfcoastpools.com", []string{"33901"}, 0)

	w := ts.do(t, "POST", "/api/leads", map[string]interface{}{"phone": "239-555-0199", "zip": "33901"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	leadID := decode(t, w)["leadId"].(string)
	assert.Equal(t, float64(1), decode(t, w)["teasers"])

	w = ts.admin(t, "GET", "/admin/leads?zip=33901", nil)
	require.Equal(t, http.StatusOK, w.Code)
	leads := decode(t, w)["leads"].([]interface{})
	require.Len(t, leads, 1)

	w = ts.admin(t, "GET", "/admin/leads/"+leadID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	deliveries := decode(t, w)["deliveries"].([]interface{})
	require.Len(t, deliveries, 1)
	deliveryID := deliveries[0].(map[string]interface{})["id"].(string)

	w = ts.admin(t, "POST", "/admin/deliveries/"+deliveryID+"/resend", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "resent", decode(t, w)["status"])

	// a teased lead is already Sent and cannot be routed again
	w = ts.admin(t, "POST", "/admin/leads/"+leadID+"/dispatch", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFLICT", errorCode(t, w))

	w = ts.admin(t, "POST", "/admin/leads/LD-000000-NOPE00/dispatch", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.admin(t, "GET", "/admin/leads/LD-000000-NOPE00", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.admin(t, "GET", "/admin/leads?zip=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.admin(t, "GET", "/admin/leads?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminCoverageGaps(t *testing.T) {
	ts := createTestServer(t, nil)
	for i := 0; i < 2; i++ {
		w := ts.do(t, "POST", "/api/leads", map[string]interface{}{"phone": "239-555-0199", "zip": "99999"}, nil)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := ts.admin(t, "GET", "/admin/coverage-gaps?since=2000-01-01T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	gaps := decode(t, w)["gaps"].([]interface{})
	require.Len(t, gaps, 1)
	assert.Equal(t, "99999", gaps[0].(map[string]interface{})["zip"])
	assert.Equal(t, float64(2), gaps[0].(map[string]interface{})["leadCount"])

	w = ts.admin(t, "GET", "/admin/coverage-gaps?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminProviderStatusAndSweep(t *testing.T) {
	ts := createTestServer(t, nil)
	providerID := ts.registerFunded(t, "bids@gulfcoastpools.com", []string{"33901"}, 2)

	w := ts.admin(t, "PUT", "/admin/providers/"+providerID+"/status", map[string]interface{}{"status": "Inactive"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.admin(t, "PUT", "/admin/providers/"+providerID+"/status", map[string]interface{}{"status": "Paused"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, "POST", "/api/leads", map[string]interface{}{"phone": "239-555-0199", "zip": "33901"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "NoCoverage", decode(t, w)["status"])

	w = ts.admin(t, "POST", "/admin/maintenance/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(0), decode(t, w)["ledgerMismatches"])
}

func TestAdminAdjustCredits_Validation(t *testing.T) {
	ts := createTestServer(t, nil)
	providerID := ts.registerFunded(t, "bids@gulfcoastpools.com", []string{"33901"}, 0)

	w := ts.admin(t, "POST", "/admin/providers/"+providerID+"/credits", map[string]interface{}{"amount": 0, "note": "noop"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.admin(t, "POST", "/admin/providers/prov-missing/credits", map[string]interface{}{"amount": 5, "note": "gift"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
