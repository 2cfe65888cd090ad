package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"copytrade-core/internal/autoclose"
	"copytrade-core/internal/events"
	"copytrade-core/internal/protocol"
	"copytrade-core/internal/vault"
	"copytrade-core/pkg/broker"
	"copytrade-core/pkg/crypto"
	"copytrade-core/pkg/db"
)

// dry_run_demo walks one signal through the full pipeline against the mock
// broker: encrypt owner levels, poll as a device, ack a fill, then breach
// the hidden stop and watch the sweep close the position. Everything runs
// in-memory; no server, no real broker.
//
// Usage:
//   go run ./scripts/dry_run_demo

func main() {
	log.Println("=== DRY-RUN demo starting ===")

	if os.Getenv("MASTER_ENCRYPTION_KEY") == "" {
		key, err := crypto.GenerateKey()
		if err != nil {
			log.Fatalf("generate key error: %v", err)
		}
		os.Setenv("MASTER_ENCRYPTION_KEY", key)
		log.Println("⚠️ MASTER_ENCRYPTION_KEY not set, using a throwaway key")
	}

	keyManager, err := crypto.NewKeyManager()
	if err != nil {
		log.Fatalf("key manager error: %v", err)
	}
	ownerVault := vault.New(keyManager)

	database, err := db.New(":memory:")
	if err != nil {
		log.Fatalf("init DB error: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("migrations error: %v", err)
	}

	ctx := context.Background()
	bus := events.NewBus()
	mock := broker.NewMock()
	protocolSvc := protocol.NewService(database, ownerVault, bus, protocol.DefaultMaxFailures)
	closer := autoclose.NewEngine(database, mock, bus)

	userID := uuid.NewString()
	device := db.Device{
		ID:         uuid.NewString(),
		UserID:     userID,
		Name:       "demo-vps",
		SecretHash: "demo",
		IsActive:   true,
	}
	if err := database.CreateDevice(ctx, device); err != nil {
		log.Fatalf("create device error: %v", err)
	}

	log.Println("[SCENARIO 1] Approve a long on XAUUSD with hidden exit levels")
	ownerOnly, err := ownerVault.Encrypt(vault.OwnerRecord{
		StopLoss:    2640.0,
		TakeProfit:  2700.0,
		StrategyTag: "demo-breakout",
	})
	if err != nil {
		log.Fatalf("encrypt error: %v", err)
	}
	approvalID := uuid.NewString()
	err = database.CreateSignal(ctx, db.Signal{
		ApprovalID: approvalID,
		UserID:     userID,
		Instrument: "XAUUSD",
		Direction:  db.DirectionLong,
		EntryPrice: 2650.0,
		Volume:     1.0,
		TTLMinutes: 15,
		OwnerOnly:  ownerOnly,
		Status:     db.SignalPending,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		log.Fatalf("create signal error: %v", err)
	}

	instructions, err := protocolSvc.Poll(ctx, &device)
	if err != nil {
		log.Fatalf("poll error: %v", err)
	}
	for _, ins := range instructions {
		log.Printf("  device sees: %s %s %.2f x%.2f (no exit levels)", ins.Direction, ins.Instrument, ins.EntryPrice, ins.Volume)
	}

	log.Println("[SCENARIO 2] Ack the fill")
	pos, err := protocolSvc.Ack(ctx, &device, protocol.AckRequest{
		ApprovalID:   approvalID,
		Result:       protocol.ResultPlaced,
		BrokerTicket: "MT5-100001",
		FillPrice:    2650.2,
	})
	if err != nil {
		log.Fatalf("ack error: %v", err)
	}
	log.Printf("  position %s open at %.2f", pos.ID, pos.EntryPrice)

	log.Println("[SCENARIO 3] Price drops through the hidden stop")
	mock.SetQuote("XAUUSD", broker.Quote{
		Instrument: "XAUUSD",
		Bid:        2639.5,
		Ask:        2639.8,
		At:         time.Now().UTC(),
	})
	outcomes, err := closer.SweepUser(ctx, userID)
	if err != nil {
		log.Fatalf("sweep error: %v", err)
	}
	for _, out := range outcomes {
		log.Printf("  ✓ closed %s reason=%s fill=%.2f pnl=%.2f", out.PositionID, out.Reason, out.ClosePrice, out.PnL)
	}

	final, err := database.GetPosition(ctx, pos.ID)
	if err != nil {
		log.Fatalf("reload position error: %v", err)
	}
	log.Printf("Final status: %s (close reason %s)", final.Status, *final.CloseReason)
	log.Println("=== DRY-RUN demo finished ===")
}
