package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"copytrade-core/pkg/db"
)

const testSecret = "2b7e151628aed2a6abf7158809cf4f3c2b7e151628aed2a6abf7158809cf4f3c"

func newTestGateway(t *testing.T) (*Gateway, *db.Database) {
	t.Helper()

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	if err := database.CreateUser(ctx, db.User{
		ID: "user-1", Email: "trader@example.com", PasswordHash: "x", Role: "user",
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := database.CreateDevice(ctx, db.Device{
		ID: "device-1", UserID: "user-1", Name: "vps-frankfurt",
		SecretHash: HashSecret(testSecret), IsActive: true,
	}); err != nil {
		t.Fatalf("create device: %v", err)
	}

	return NewGateway(database, 5*time.Minute), database
}

func signedRequest(deviceID, method, path string, body []byte, at time.Time, nonce string) Request {
	ts := at.UTC().Format(time.RFC3339)
	req := Request{
		DeviceID:  deviceID,
		Method:    method,
		Path:      path,
		Timestamp: ts,
		Nonce:     nonce,
		Body:      body,
	}
	req.Signature = Sign(HashSecret(testSecret), CanonicalString(method, path, ts, nonce, body))
	return req
}

func TestVerifyHappyPath(t *testing.T) {
	gw, database := newTestGateway(t)
	ctx := context.Background()

	req := signedRequest("device-1", "GET", "/api/v1/device/poll", nil, time.Now(), "nonce-1")
	device, err := gw.Verify(ctx, req)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if device.ID != "device-1" || device.UserID != "user-1" {
		t.Errorf("unexpected device %+v", device)
	}

	stored, err := database.GetDevice(ctx, "device-1")
	if err != nil {
		t.Fatalf("reload device: %v", err)
	}
	if stored.LastSeen == nil {
		t.Error("last_seen not touched after successful auth")
	}
}

func TestVerifyBodyBoundToSignature(t *testing.T) {
	gw, _ := newTestGateway(t)

	req := signedRequest("device-1", "POST", "/api/v1/device/ack",
		[]byte(`{"approval_id":"a1","result":"placed"}`), time.Now(), "nonce-2")
	req.Body = []byte(`{"approval_id":"a1","result":"failed"}`)

	if _, err := gw.Verify(context.Background(), req); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestVerifyUnknownDevice(t *testing.T) {
	gw, _ := newTestGateway(t)

	req := signedRequest("device-999", "GET", "/api/v1/device/poll", nil, time.Now(), "nonce-3")
	if _, err := gw.Verify(context.Background(), req); !errors.Is(err, ErrDeviceRevoked) {
		t.Fatalf("err = %v, want ErrDeviceRevoked", err)
	}
}

func TestVerifyRevokedDevice(t *testing.T) {
	gw, database := newTestGateway(t)
	ctx := context.Background()

	if err := database.RevokeDevice(ctx, "device-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	// Revocation is checked before freshness: even a stale request from a
	// revoked device reports the revocation.
	req := signedRequest("device-1", "GET", "/api/v1/device/poll", nil,
		time.Now().Add(-time.Hour), "nonce-4")
	if _, err := gw.Verify(ctx, req); !errors.Is(err, ErrDeviceRevoked) {
		t.Fatalf("err = %v, want ErrDeviceRevoked", err)
	}
}

func TestVerifyStaleTimestamp(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	tests := []struct {
		name string
		at   time.Time
	}{
		{"too_old", time.Now().Add(-6 * time.Minute)},
		{"too_far_future", time.Now().Add(6 * time.Minute)},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := signedRequest("device-1", "GET", "/api/v1/device/poll", nil,
				tt.at, fmt.Sprintf("stale-nonce-%d", i))
			if _, err := gw.Verify(ctx, req); !errors.Is(err, ErrStaleRequest) {
				t.Fatalf("err = %v, want ErrStaleRequest", err)
			}
		})
	}

	req := signedRequest("device-1", "GET", "/api/v1/device/poll", nil, time.Now(), "garbage-ts")
	req.Timestamp = "not-a-timestamp"
	if _, err := gw.Verify(ctx, req); !errors.Is(err, ErrStaleRequest) {
		t.Fatalf("err = %v, want ErrStaleRequest for malformed timestamp", err)
	}

	// Unix epoch seconds are not the wire format.
	now := time.Now()
	ts := strconv.FormatInt(now.Unix(), 10)
	req = Request{
		DeviceID: "device-1", Method: "GET", Path: "/api/v1/device/poll",
		Timestamp: ts, Nonce: "epoch-nonce",
	}
	req.Signature = Sign(HashSecret(testSecret), CanonicalString(req.Method, req.Path, ts, req.Nonce, nil))
	if _, err := gw.Verify(ctx, req); !errors.Is(err, ErrStaleRequest) {
		t.Fatalf("err = %v, want ErrStaleRequest for epoch-seconds timestamp", err)
	}
}

func TestVerifyReplay(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	req := signedRequest("device-1", "GET", "/api/v1/device/poll", nil, time.Now(), "nonce-once")
	if _, err := gw.Verify(ctx, req); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if _, err := gw.Verify(ctx, req); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("err = %v, want ErrReplayDetected", err)
	}
}

func TestVerifyConcurrentReplay(t *testing.T) {
	gw, _ := newTestGateway(t)
	req := signedRequest("device-1", "GET", "/api/v1/device/poll", nil, time.Now(), "race-nonce")

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = gw.Verify(context.Background(), req)
		}(i)
	}
	wg.Wait()

	var ok, replayed int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrReplayDetected):
			replayed++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("successes = %d, want exactly 1", ok)
	}
	if replayed != attempts-1 {
		t.Errorf("replays = %d, want %d", replayed, attempts-1)
	}
}

func TestVerifyBadSignature(t *testing.T) {
	gw, _ := newTestGateway(t)

	req := signedRequest("device-1", "GET", "/api/v1/device/poll", nil, time.Now(), "nonce-bad")
	req.Signature = Sign(HashSecret("wrong-secret"), CanonicalString("GET", "/api/v1/device/poll", req.Timestamp, req.Nonce, nil))
	if _, err := gw.Verify(context.Background(), req); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestCanonicalString(t *testing.T) {
	got := CanonicalString("post", "/api/v1/device/ack", "2023-11-14T22:13:20Z", "n1", []byte("{}"))
	want := "POST\n/api/v1/device/ack\n2023-11-14T22:13:20Z\nn1\n44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a"
	if got != want {
		t.Errorf("canonical string:\n got %q\nwant %q", got, want)
	}

	// Empty body still contributes a digest line.
	got = CanonicalString("GET", "/p", "2023-11-14T22:13:20Z", "n", nil)
	want = "GET\n/p\n2023-11-14T22:13:20Z\nn\ne3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got != want {
		t.Errorf("canonical string for empty body:\n got %q\nwant %q", got, want)
	}
}
