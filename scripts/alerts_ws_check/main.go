package main

import (
	"log"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"
)

// alerts_ws_check connects to the alert stream of a running server and
// logs every event until interrupted. Trip a guard or close a position in
// another terminal to see events arrive.
//
// Usage:
//   go run ./scripts/alerts_ws_check
//
// Environment:
//   CHECK_WS_URL (default "ws://localhost:8080/ws/alerts")

func main() {
	log.Println("=== Alert stream check starting ===")

	wsURL := os.Getenv("CHECK_WS_URL")
	if wsURL == "" {
		wsURL = "ws://localhost:8080/ws/alerts"
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Fatalf("dial %s error: %v", wsURL, err)
	}
	defer conn.Close()
	log.Printf("✓ connected to %s, waiting for events (Ctrl-C to stop)", wsURL)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg struct {
				Event   string `json:"event"`
				Payload any    `json:"payload"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				log.Printf("read error: %v", err)
				return
			}
			log.Printf("[EVENT] %s: %#v", msg.Event, msg.Payload)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	select {
	case <-sigChan:
		log.Println("🔄 interrupted, closing")
	case <-done:
	}
}
