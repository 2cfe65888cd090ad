package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"copytrade-core/internal/auth"
	"copytrade-core/internal/autoclose"
	"copytrade-core/internal/events"
	"copytrade-core/internal/guard"
	"copytrade-core/internal/monitor"
	"copytrade-core/internal/protocol"
	"copytrade-core/internal/reconcile"
	"copytrade-core/internal/vault"
	"copytrade-core/pkg/broker"
	"copytrade-core/pkg/crypto"
	"copytrade-core/pkg/db"
)

func newTestAPIServer(t *testing.T) (*httptest.Server, *broker.Mock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	t.Setenv("MASTER_ENCRYPTION_KEY", key)
	km, err := crypto.NewKeyManager()
	if err != nil {
		t.Fatalf("key manager: %v", err)
	}
	v := vault.New(km)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	bus := events.NewBus()
	mock := broker.NewMock()

	server := NewServer(Deps{
		Bus:      bus,
		DB:       database,
		Gateway:  auth.NewGateway(database, 5*time.Minute),
		Protocol: protocol.NewService(database, v, bus, 3),
		Recon:    reconcile.NewService(database, mock, bus, reconcile.DefaultTolerances()),
		Closer:   autoclose.NewEngine(database, mock, bus),
		Guard:    guard.NewService(database, mock, bus),
		Vault:    v,
		Metrics:  monitor.NewSystemMetrics(),
	}, SystemMeta{DryRun: true, Broker: "mock", Version: "test"}, "test-secret")

	httpServer := httptest.NewServer(server.Router)
	t.Cleanup(func() {
		httpServer.Close()
		_ = database.Close()
	})
	return httpServer, mock
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

// doDeviceRequest signs and sends a device-authenticated request.
func doDeviceRequest(t *testing.T, client *http.Client, method, baseURL, path, deviceID, secret string, payload any) (*http.Response, []byte) {
	t.Helper()

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
	}

	ts := time.Now().UTC().Format(time.RFC3339)
	nonce := strconv.FormatInt(time.Now().UnixNano(), 10)
	canonical := auth.CanonicalString(method, path, ts, nonce, body)

	req, err := http.NewRequest(method, baseURL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-ID", deviceID)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Nonce", nonce)
	req.Header.Set("X-Signature", auth.Sign(auth.HashSecret(secret), canonical))

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, raw
}

func registerAndLogin(t *testing.T, client *http.Client, baseURL string) string {
	t.Helper()
	var regResp struct {
		UserID string `json:"user_id"`
	}
	status := doJSONRequest(t, client, http.MethodPost, baseURL+"/api/auth/register", "", map[string]string{
		"email":    "owner@example.com",
		"password": "StrongPass123!",
	}, &regResp)
	if status != http.StatusCreated {
		t.Fatalf("register status=%d resp=%+v", status, regResp)
	}

	var loginResp struct {
		Token string `json:"token"`
	}
	status = doJSONRequest(t, client, http.MethodPost, baseURL+"/api/auth/login", "", map[string]string{
		"email":    "owner@example.com",
		"password": "StrongPass123!",
	}, &loginResp)
	if status != http.StatusOK || loginResp.Token == "" {
		t.Fatalf("login failed status=%d resp=%+v", status, loginResp)
	}
	return loginResp.Token
}

func enrollDevice(t *testing.T, client *http.Client, baseURL, token string) (deviceID, secret string) {
	t.Helper()
	var resp struct {
		DeviceID string `json:"device_id"`
		Secret   string `json:"secret"`
	}
	status := doJSONRequest(t, client, http.MethodPost, baseURL+"/api/admin/devices", token, map[string]string{
		"name": "test-vps",
	}, &resp)
	if status != http.StatusCreated || resp.DeviceID == "" || resp.Secret == "" {
		t.Fatalf("enroll device status=%d resp=%+v", status, resp)
	}
	return resp.DeviceID, resp.Secret
}

func TestHealth(t *testing.T) {
	ts, _ := newTestAPIServer(t)

	resp, err := ts.Client().Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	ts, _ := newTestAPIServer(t)
	client := ts.Client()

	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/admin/positions", "", nil, &resp)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
}

func TestDevicePollAckRoundTrip(t *testing.T) {
	ts, _ := newTestAPIServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)
	deviceID, secret := enrollDevice(t, client, ts.URL, token)

	// Operator publishes an approved instruction with hidden exit levels.
	var created struct {
		ApprovalID string `json:"approval_id"`
	}
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/admin/signals", token, map[string]any{
		"instrument":  "XAUUSD",
		"direction":   "LONG",
		"entry_price": 2650.0,
		"volume":      0.10,
		"ttl_minutes": 15,
		"stop_loss":   2600.0,
		"take_profit": 2700.0,
	}, &created)
	if status != http.StatusCreated || created.ApprovalID == "" {
		t.Fatalf("create signal status=%d resp=%+v", status, created)
	}

	// Device polls; the wire bytes must not carry the levels.
	resp, raw := doDeviceRequest(t, client, http.MethodGet, ts.URL, "/api/v1/device/poll", deviceID, secret, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll status = %d: %s", resp.StatusCode, raw)
	}
	for _, forbidden := range []string{"stop_loss", "take_profit", "2600", "2700", "owner"} {
		if strings.Contains(string(raw), forbidden) {
			t.Errorf("poll response leaks %q: %s", forbidden, raw)
		}
	}
	var pollResp struct {
		Instructions []protocol.PollInstruction `json:"instructions"`
	}
	if err := json.Unmarshal(raw, &pollResp); err != nil {
		t.Fatalf("decode poll: %v", err)
	}
	if len(pollResp.Instructions) != 1 || pollResp.Instructions[0].ApprovalID != created.ApprovalID {
		t.Fatalf("poll instructions = %+v", pollResp.Instructions)
	}

	// Device reports the fill.
	resp, raw = doDeviceRequest(t, client, http.MethodPost, ts.URL, "/api/v1/device/ack", deviceID, secret, map[string]any{
		"approval_id":   created.ApprovalID,
		"result":        "placed",
		"broker_ticket": "MT5-42",
		"fill_price":    2650.2,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack status = %d: %s", resp.StatusCode, raw)
	}

	// The operator view carries the hydrated hidden levels.
	var listResp struct {
		Positions []db.Position `json:"positions"`
	}
	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/admin/positions", token, nil, &listResp)
	if status != http.StatusOK || len(listResp.Positions) != 1 {
		t.Fatalf("list positions status=%d resp=%+v", status, listResp)
	}
	pos := listResp.Positions[0]
	if pos.OwnerStopLoss == nil || *pos.OwnerStopLoss != 2600.0 {
		t.Errorf("owner stop loss = %v, want 2600", pos.OwnerStopLoss)
	}
	if pos.OwnerTakeProfit == nil || *pos.OwnerTakeProfit != 2700.0 {
		t.Errorf("owner take profit = %v, want 2700", pos.OwnerTakeProfit)
	}
}

func TestDeviceAuthUniformRejection(t *testing.T) {
	ts, _ := newTestAPIServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)
	deviceID, secret := enrollDevice(t, client, ts.URL, token)

	makeRequest := func(mutate func(*http.Request)) (int, string) {
		tsHeader := time.Now().UTC().Format(time.RFC3339)
		nonce := strconv.FormatInt(time.Now().UnixNano(), 10)
		canonical := auth.CanonicalString("GET", "/api/v1/device/poll", tsHeader, nonce, nil)

		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/device/poll", nil)
		req.Header.Set("X-Device-ID", deviceID)
		req.Header.Set("X-Timestamp", tsHeader)
		req.Header.Set("X-Nonce", nonce)
		req.Header.Set("X-Signature", auth.Sign(auth.HashSecret(secret), canonical))
		mutate(req)

		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("do request: %v", err)
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(raw)
	}

	// Distinct failure modes, indistinguishable to the caller.
	var bodies []string
	for name, mutate := range map[string]func(*http.Request){
		"unknown_device": func(r *http.Request) { r.Header.Set("X-Device-ID", "ghost") },
		"bad_signature":  func(r *http.Request) { r.Header.Set("X-Signature", "deadbeef") },
		"stale_timestamp": func(r *http.Request) {
			r.Header.Set("X-Timestamp", time.Now().Add(-time.Hour).UTC().Format(time.RFC3339))
		},
	} {
		status, body := makeRequest(mutate)
		if status != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", name, status)
		}
		if !strings.Contains(body, "AUTH_FAILED") {
			t.Errorf("%s: body = %s, want AUTH_FAILED", name, body)
		}
		bodies = append(bodies, body)
	}
	for i := 1; i < len(bodies); i++ {
		if bodies[i] != bodies[0] {
			t.Errorf("rejection bodies differ: %q vs %q", bodies[0], bodies[i])
		}
	}
}

func TestDeviceReplayRejected(t *testing.T) {
	ts, _ := newTestAPIServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)
	deviceID, secret := enrollDevice(t, client, ts.URL, token)

	tsHeader := time.Now().UTC().Format(time.RFC3339)
	nonce := "fixed-nonce"
	canonical := auth.CanonicalString("GET", "/api/v1/device/poll", tsHeader, nonce, nil)
	sig := auth.Sign(auth.HashSecret(secret), canonical)

	send := func() int {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/device/poll", nil)
		req.Header.Set("X-Device-ID", deviceID)
		req.Header.Set("X-Timestamp", tsHeader)
		req.Header.Set("X-Nonce", nonce)
		req.Header.Set("X-Signature", sig)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("do request: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if status := send(); status != http.StatusOK {
		t.Fatalf("first request status = %d", status)
	}
	if status := send(); status != http.StatusUnauthorized {
		t.Fatalf("replayed request status = %d, want 401", status)
	}
}

func TestRevokedDeviceRejected(t *testing.T) {
	ts, _ := newTestAPIServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)
	deviceID, secret := enrollDevice(t, client, ts.URL, token)

	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/admin/devices/"+deviceID+"/revoke", token, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("revoke status = %d", status)
	}

	resp, _ := doDeviceRequest(t, client, http.MethodGet, ts.URL, "/api/v1/device/poll", deviceID, secret, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked device poll status = %d, want 401", resp.StatusCode)
	}
}

func TestManualCloseAndConflict(t *testing.T) {
	ts, mock := newTestAPIServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)
	deviceID, secret := enrollDevice(t, client, ts.URL, token)
	mock.SetQuote("XAUUSD", broker.Quote{Bid: 2660.0, Ask: 2660.4})

	var created struct {
		ApprovalID string `json:"approval_id"`
	}
	doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/admin/signals", token, map[string]any{
		"instrument":  "XAUUSD",
		"direction":   "LONG",
		"entry_price": 2650.0,
		"volume":      0.10,
	}, &created)

	resp, raw := doDeviceRequest(t, client, http.MethodPost, ts.URL, "/api/v1/device/ack", deviceID, secret, map[string]any{
		"approval_id": created.ApprovalID,
		"result":      "placed",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack status = %d: %s", resp.StatusCode, raw)
	}
	var ackResp struct {
		PositionID string `json:"position_id"`
	}
	if err := json.Unmarshal(raw, &ackResp); err != nil || ackResp.PositionID == "" {
		t.Fatalf("ack response: %s", raw)
	}

	var closeResp autoclose.Outcome
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/admin/positions/"+ackResp.PositionID+"/close", token, map[string]string{
		"reason": "manual",
	}, &closeResp)
	if status != http.StatusOK || closeResp.CloseID == "" {
		t.Fatalf("close status=%d resp=%+v", status, closeResp)
	}

	// Conflicting reason after closure.
	var conflictResp struct {
		Code string `json:"code"`
	}
	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/admin/positions/"+ackResp.PositionID+"/close", token, map[string]string{
		"reason": "stop_loss",
	}, &conflictResp)
	if status != http.StatusConflict || conflictResp.Code != "ALREADY_CLOSED" {
		t.Fatalf("conflict status=%d resp=%+v", status, conflictResp)
	}

	// The audit trail records exactly one closure.
	var auditResp struct {
		Audit []db.CloseAudit `json:"audit"`
	}
	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/admin/positions/"+ackResp.PositionID+"/audit", token, nil, &auditResp)
	if status != http.StatusOK || len(auditResp.Audit) != 1 {
		t.Fatalf("audit status=%d resp=%+v", status, auditResp)
	}
}

func TestGuardConfigRoundTrip(t *testing.T) {
	ts, _ := newTestAPIServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	// Defaults come back before any override exists.
	var cfg guard.Config
	status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/admin/guards", token, nil, &cfg)
	if status != http.StatusOK || cfg.Drawdown.CriticalPercent != 20 {
		t.Fatalf("default config status=%d cfg=%+v", status, cfg)
	}

	update := guard.DefaultConfig()
	update.Drawdown.WarningPercent = 10
	update.Drawdown.CriticalPercent = 12
	status = doJSONRequest(t, client, http.MethodPut, ts.URL+"/api/admin/guards", token, update, nil)
	if status != http.StatusOK {
		t.Fatalf("update status = %d", status)
	}

	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/admin/guards", token, nil, &cfg)
	if status != http.StatusOK || cfg.Drawdown.CriticalPercent != 12 {
		t.Fatalf("updated config status=%d cfg=%+v", status, cfg)
	}

	// Inconsistent thresholds are rejected.
	bad := guard.DefaultConfig()
	bad.Drawdown.WarningPercent = 30
	var errResp struct {
		Code string `json:"code"`
	}
	status = doJSONRequest(t, client, http.MethodPut, ts.URL+"/api/admin/guards", token, bad, &errResp)
	if status != http.StatusBadRequest || errResp.Code != "INVALID_THRESHOLDS" {
		t.Fatalf("bad config status=%d resp=%+v", status, errResp)
	}
}

func TestRiskResetEndpoint(t *testing.T) {
	ts, _ := newTestAPIServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/admin/risk/reset", token, map[string]float64{
		"equity": 5000,
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("reset status = %d", status)
	}

	var riskResp struct {
		PeakEquity float64 `json:"peak_equity"`
	}
	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/admin/risk", token, nil, &riskResp)
	if status != http.StatusOK || riskResp.PeakEquity != 5000 {
		t.Fatalf("risk status=%d resp=%+v", status, riskResp)
	}
}
