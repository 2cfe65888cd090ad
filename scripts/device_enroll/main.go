package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/denisbrodbeck/machineid"
)

// device_enroll registers this machine as a trade-execution device and
// prints the one-time secret. Run it once on the VPS that will host the
// executor, then put the printed values in the executor's environment.
//
// Usage:
//   go run ./scripts/device_enroll
//
// Environment:
//   ENROLL_BASE_URL   (default "http://localhost:8080")
//   ENROLL_TOKEN      operator JWT from /api/auth/login (required)
//   ENROLL_NAME       device name (default: machine-id derived)

func main() {
	log.Println("=== Device enrollment starting ===")

	baseURL := getenv("ENROLL_BASE_URL", "http://localhost:8080")
	token := os.Getenv("ENROLL_TOKEN")
	if token == "" {
		log.Fatal("ENROLL_TOKEN is required (login via /api/auth/login first)")
	}

	name := os.Getenv("ENROLL_NAME")
	if name == "" {
		// Hash the machine id with an app key so the raw id never leaves
		// this host.
		mid, err := machineid.ProtectedID("copytrade-core")
		if err != nil {
			log.Fatalf("machine id error: %v", err)
		}
		name = "vps-" + mid[:12]
	}
	log.Printf("Enrolling device %q at %s", name, baseURL)

	body, _ := json.Marshal(map[string]string{"name": name})
	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/admin/devices", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("build request error: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		log.Fatalf("❌ enrollment failed (%d): %s", resp.StatusCode, raw)
	}

	var out struct {
		DeviceID string `json:"device_id"`
		Secret   string `json:"secret"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		log.Fatalf("decode response error: %v", err)
	}

	log.Println("✓ device enrolled")
	fmt.Println()
	fmt.Println("# Add to the executor environment (the secret is shown ONCE):")
	fmt.Printf("DEVICE_ID=%s\n", out.DeviceID)
	fmt.Printf("DEVICE_SECRET=%s\n", out.Secret)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
