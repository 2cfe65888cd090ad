// Package auth verifies HMAC-signed device requests. Every execution-client
// request carries a device id, an RFC3339 timestamp, a random nonce and an
// HMAC-SHA256 signature over a canonical rendition of the request.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"copytrade-core/pkg/db"
)

// Verification failures, in check order. The HTTP layer collapses all of
// them into one uniform 401 so a probing client cannot tell which check
// rejected it; the distinct values exist for logs and metrics.
var (
	ErrDeviceRevoked  = errors.New("device revoked or unknown")
	ErrStaleRequest   = errors.New("request timestamp outside window")
	ErrReplayDetected = errors.New("nonce already used")
	ErrBadSignature   = errors.New("signature mismatch")
)

// Request is the authenticated surface of one inbound device call.
type Request struct {
	DeviceID  string
	Method    string
	Path      string
	Timestamp string
	Nonce     string
	Signature string
	Body      []byte
}

// Gateway checks device requests against the device store and replay log.
type Gateway struct {
	database *db.Database
	window   time.Duration
	now      func() time.Time
}

// NewGateway builds a gateway with the given clock-skew window.
func NewGateway(database *db.Database, window time.Duration) *Gateway {
	return &Gateway{database: database, window: window, now: time.Now}
}

// Verify runs the full check sequence: device active, timestamp fresh,
// nonce unseen, signature valid. On success the device row is returned and
// its last_seen is touched.
func (g *Gateway) Verify(ctx context.Context, req Request) (*db.Device, error) {
	device, err := g.database.GetDevice(ctx, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	if device == nil || !device.IsActive {
		return nil, ErrDeviceRevoked
	}

	reqTime, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		return nil, ErrStaleRequest
	}
	now := g.now()
	if drift := now.Sub(reqTime); drift > g.window || drift < -g.window {
		return nil, ErrStaleRequest
	}

	if req.Nonce == "" {
		return nil, ErrReplayDetected
	}
	// Replay records outlive the freshness window so a nonce cannot be
	// reused while its timestamp would still verify.
	accepted, err := g.database.InsertReplayRecord(ctx, device.ID, req.Nonce, reqTime.Add(2*g.window))
	if err != nil {
		return nil, fmt.Errorf("record nonce: %w", err)
	}
	if !accepted {
		return nil, ErrReplayDetected
	}

	expected := Sign(device.SecretHash, CanonicalString(req.Method, req.Path, req.Timestamp, req.Nonce, req.Body))
	if !hmac.Equal([]byte(expected), []byte(req.Signature)) {
		return nil, ErrBadSignature
	}

	if err := g.database.TouchDeviceLastSeen(ctx, device.ID, now); err != nil {
		return nil, fmt.Errorf("touch device: %w", err)
	}
	return device, nil
}

// CanonicalString renders a request into the signed form:
// method, path, timestamp and nonce on separate lines, followed by the
// lowercase hex SHA-256 of the body (empty body still digests).
func CanonicalString(method, path, timestamp, nonce string, body []byte) string {
	digest := sha256.Sum256(body)
	return strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(digest[:]),
	}, "\n")
}

// Sign computes the hex HMAC-SHA256 of the canonical string. The MAC key is
// the stored secret hash, so both sides derive it from the shared secret
// without the server ever persisting the secret itself.
func Sign(secretHash, canonical string) string {
	mac := hmac.New(sha256.New, []byte(secretHash))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashSecret derives the stored (and MAC-keying) hash of a device secret.
func HashSecret(secret string) string {
	digest := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(digest[:])
}

// GenerateSecret returns a fresh random device secret, hex encoded.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
