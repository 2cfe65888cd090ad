package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"copytrade-core/internal/auth"
)

// device_api_check signs a poll request the way a real executor does and
// fires it at a running server, so you can verify enrollment and clock
// sync before deploying the executor.
//
// Usage:
//   go run ./scripts/device_api_check
//
// Environment:
//   CHECK_BASE_URL      (default "http://localhost:8080")
//   CHECK_DEVICE_ID     from device_enroll (required)
//   CHECK_DEVICE_SECRET from device_enroll (required)
//
//   CHECK_SKEW_SECONDS  (default "0")
//        - non-zero shifts the signed timestamp, useful for verifying
//          that stale requests are actually rejected

func main() {
	log.Println("=== Device API check starting ===")

	baseURL := getenv("CHECK_BASE_URL", "http://localhost:8080")
	deviceID := os.Getenv("CHECK_DEVICE_ID")
	secret := os.Getenv("CHECK_DEVICE_SECRET")
	if deviceID == "" || secret == "" {
		log.Fatal("CHECK_DEVICE_ID and CHECK_DEVICE_SECRET are required")
	}
	skew, _ := strconv.Atoi(getenv("CHECK_SKEW_SECONDS", "0"))

	path := "/api/v1/device/poll"
	timestamp := time.Now().Add(time.Duration(skew) * time.Second).UTC().Format(time.RFC3339)
	nonce := strconv.FormatInt(time.Now().UnixNano(), 10)

	canonical := auth.CanonicalString(http.MethodGet, path, timestamp, nonce, nil)
	signature := auth.Sign(auth.HashSecret(secret), canonical)

	req, err := http.NewRequest(http.MethodGet, baseURL+path, nil)
	if err != nil {
		log.Fatalf("build request error: %v", err)
	}
	req.Header.Set("X-Device-ID", deviceID)
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Nonce", nonce)
	req.Header.Set("X-Signature", signature)

	client := &http.Client{Timeout: 10 * time.Second}
	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	log.Printf("Response in %v: HTTP %d", time.Since(started).Round(time.Millisecond), resp.StatusCode)
	fmt.Println(string(body))

	switch resp.StatusCode {
	case http.StatusOK:
		log.Println("✓ device authentication works")
	case http.StatusUnauthorized:
		log.Println("❌ rejected: check device id, secret, revocation status and host clock")
	default:
		log.Printf("⚠️ unexpected status %d", resp.StatusCode)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
