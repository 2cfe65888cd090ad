// Package protocol implements the device-facing poll/ack exchange. Devices
// poll for approved instructions and acknowledge execution outcomes; exit
// levels stay server-side throughout.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"copytrade-core/internal/events"
	"copytrade-core/internal/vault"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/id"
)

var (
	ErrUnknownApproval = errors.New("unknown approval id")
	ErrExpiredApproval = errors.New("approval expired")
	ErrAlreadyAcked    = errors.New("approval already acknowledged")
	ErrInvalidResult   = errors.New("invalid ack result")
	ErrOwnerPayload    = errors.New("owner payload unreadable")
)

// Ack result values reported by a device.
const (
	ResultPlaced = "placed"
	ResultFailed = "failed"
)

// DefaultMaxFailures is how many failed acks a signal absorbs before it
// goes terminally FAILED instead of staying retryable.
const DefaultMaxFailures = 3

// PollInstruction is the wire form of a pending signal. It deliberately has
// no field for the owner-only payload or anything derived from it.
type PollInstruction struct {
	ApprovalID string  `json:"approval_id"`
	Instrument string  `json:"instrument"`
	Direction  string  `json:"direction"`
	EntryPrice float64 `json:"entry_price"`
	Volume     float64 `json:"volume"`
	TTLMinutes int     `json:"ttl_minutes"`
}

// AckRequest is a device's report on one instruction. Volume is the filled
// volume; partial fills report less than the instructed amount.
type AckRequest struct {
	ApprovalID   string  `json:"approval_id"`
	Result       string  `json:"result"`
	BrokerTicket string  `json:"broker_ticket,omitempty"`
	FillPrice    float64 `json:"fill_price,omitempty"`
	Volume       float64 `json:"volume,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

// Service drives the poll/ack lifecycle of approved signals.
type Service struct {
	database *db.Database
	vault    *vault.Vault
	bus      *events.Bus
	maxFails int
	now      func() time.Time
}

// NewService wires the protocol service. maxFails <= 0 selects the default.
func NewService(database *db.Database, v *vault.Vault, bus *events.Bus, maxFails int) *Service {
	if maxFails <= 0 {
		maxFails = DefaultMaxFailures
	}
	return &Service{database: database, vault: v, bus: bus, maxFails: maxFails, now: time.Now}
}

// Poll returns the device owner's pending instructions in redacted form and
// stamps the TTL anchor on any signal served for the first time.
func (s *Service) Poll(ctx context.Context, device *db.Device) ([]PollInstruction, error) {
	now := s.now()
	signals, err := s.database.ListPendingSignals(ctx, device.UserID, now)
	if err != nil {
		return nil, fmt.Errorf("list pending signals: %w", err)
	}

	instructions := make([]PollInstruction, 0, len(signals))
	for _, sig := range signals {
		if err := s.database.MarkSignalPolled(ctx, sig.ApprovalID, now); err != nil {
			return nil, fmt.Errorf("mark signal polled: %w", err)
		}
		instructions = append(instructions, PollInstruction{
			ApprovalID: sig.ApprovalID,
			Instrument: sig.Instrument,
			Direction:  sig.Direction,
			EntryPrice: sig.EntryPrice,
			Volume:     sig.Volume,
			TTLMinutes: sig.TTLMinutes,
		})
	}
	return instructions, nil
}

// Ack processes a device's execution report. A successful placement creates
// the authoritative local position with the decrypted exit levels; repeating
// the same placed ack returns the existing position unchanged. A failure
// report increments the retry counter until the failure policy exhausts it.
func (s *Service) Ack(ctx context.Context, device *db.Device, req AckRequest) (*db.Position, error) {
	if req.Result != ResultPlaced && req.Result != ResultFailed {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResult, req.Result)
	}

	sig, err := s.database.GetSignal(ctx, req.ApprovalID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrUnknownApproval
	}
	if err != nil {
		return nil, fmt.Errorf("load signal: %w", err)
	}
	// A foreign approval id is indistinguishable from an unknown one.
	if sig.UserID != device.UserID {
		return nil, ErrUnknownApproval
	}

	switch sig.Status {
	case db.SignalExecuted:
		if req.Result == ResultPlaced {
			return s.existingPosition(ctx, sig.ApprovalID)
		}
		return nil, ErrAlreadyAcked
	case db.SignalFailed:
		return nil, ErrAlreadyAcked
	case db.SignalExpired:
		return nil, ErrExpiredApproval
	}

	if expired(sig, s.now()) {
		if err := s.database.MarkSignalExpired(ctx, sig.ApprovalID); err != nil {
			return nil, fmt.Errorf("expire signal: %w", err)
		}
		log.Printf("⚠️ signal %s expired before ack (ttl %dm)", sig.ApprovalID, sig.TTLMinutes)
		return nil, ErrExpiredApproval
	}

	if req.Result == ResultFailed {
		if err := s.database.RecordSignalFailure(ctx, sig.ApprovalID, req.ErrorMessage, s.maxFails); err != nil {
			return nil, fmt.Errorf("record failure: %w", err)
		}
		log.Printf("⚠️ signal %s ack failed (attempt %d/%d): %s",
			sig.ApprovalID, sig.FailCount+1, s.maxFails, req.ErrorMessage)
		s.publishAck(sig.ApprovalID, device.ID, ResultFailed)
		return nil, nil
	}

	record, err := s.vault.Decrypt(sig.OwnerOnly)
	if err != nil {
		log.Printf("❌ owner payload for %s failed to open: %v", sig.ApprovalID, err)
		if s.bus != nil {
			s.bus.Publish(events.EventAlert, map[string]string{
				"kind":        "owner_payload_integrity",
				"approval_id": sig.ApprovalID,
				"user_id":     sig.UserID,
			})
		}
		return nil, ErrOwnerPayload
	}

	entry := sig.EntryPrice
	if req.FillPrice > 0 {
		entry = req.FillPrice
	}
	volume := sig.Volume
	if req.Volume > 0 {
		volume = req.Volume
	}

	position := db.Position{
		ID:          id.New(),
		ApprovalID:  sig.ApprovalID,
		UserID:      sig.UserID,
		DeviceID:    device.ID,
		Instrument:  sig.Instrument,
		Direction:   sig.Direction,
		EntryPrice:  entry,
		Volume:      volume,
		StrategyTag: record.StrategyTag,
		Status:      db.StatusOpen,
		OpenedAt:    s.now(),
	}
	if req.BrokerTicket != "" {
		position.BrokerTicket = &req.BrokerTicket
	}
	if record.StopLoss > 0 {
		sl := record.StopLoss
		position.OwnerStopLoss = &sl
	}
	if record.TakeProfit > 0 {
		tp := record.TakeProfit
		position.OwnerTakeProfit = &tp
	}

	if err := s.database.CreatePosition(ctx, position); err != nil {
		// A concurrent ack may have won the unique approval_id insert.
		if existing, lookupErr := s.database.GetPositionByApproval(ctx, sig.ApprovalID); lookupErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create position: %w", err)
	}
	if err := s.database.MarkSignalExecuted(ctx, sig.ApprovalID, s.now()); err != nil {
		return nil, fmt.Errorf("mark executed: %w", err)
	}

	log.Printf("✓ signal %s executed as position %s (%s %s %.2f @ %.5f)",
		sig.ApprovalID, position.ID, position.Direction, position.Instrument,
		position.Volume, position.EntryPrice)
	s.publishAck(sig.ApprovalID, device.ID, ResultPlaced)
	return &position, nil
}

func (s *Service) existingPosition(ctx context.Context, approvalID string) (*db.Position, error) {
	pos, err := s.database.GetPositionByApproval(ctx, approvalID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrAlreadyAcked
	}
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	return pos, nil
}

func (s *Service) publishAck(approvalID, deviceID, result string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.EventAckReceived, map[string]string{
		"approval_id": approvalID,
		"device_id":   deviceID,
		"result":      result,
	})
}

func expired(sig *db.Signal, now time.Time) bool {
	if sig.FirstPolledAt == nil || sig.TTLMinutes <= 0 {
		return false
	}
	return now.After(sig.FirstPolledAt.Add(time.Duration(sig.TTLMinutes) * time.Minute))
}
