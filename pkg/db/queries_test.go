package db

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func seedOpenPosition(t *testing.T, database *Database, id string) {
	t.Helper()
	err := database.CreatePosition(context.Background(), Position{
		ID:         id,
		ApprovalID: "approval-" + id,
		UserID:     "user-1",
		DeviceID:   "device-1",
		Instrument: "XAUUSD",
		Direction:  DirectionLong,
		EntryPrice: 2650.0,
		Volume:     1.0,
		Status:     StatusOpen,
		OpenedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Failed to create position: %v", err)
	}
}

func TestClosePositionCASSingleWinner(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	seedOpenPosition(t, database, "pos-1")

	now := time.Now().UTC()

	won, err := database.ClosePositionCAS(ctx, "pos-1", StatusClosedStopLoss, 2640.0, "stop_loss", now)
	if err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if !won {
		t.Fatal("first close should win the CAS")
	}

	won, err = database.ClosePositionCAS(ctx, "pos-1", StatusClosedDrawdown, 2635.0, "drawdown", now)
	if err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if won {
		t.Fatal("second close must lose the CAS")
	}

	pos, err := database.GetPosition(ctx, "pos-1")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if pos.Status != StatusClosedStopLoss {
		t.Errorf("status = %s, want %s (loser must not overwrite)", pos.Status, StatusClosedStopLoss)
	}
	if pos.ClosePrice == nil || *pos.ClosePrice != 2640.0 {
		t.Errorf("close price overwritten: %v", pos.ClosePrice)
	}
	if pos.CloseReason == nil || *pos.CloseReason != "stop_loss" {
		t.Errorf("close reason overwritten: %v", pos.CloseReason)
	}
}

func TestPeakEquityMonotonic(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	state, err := database.GetRiskState(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetRiskState failed: %v", err)
	}
	if state.PeakEquity != 0 {
		t.Fatalf("fresh user peak = %v, want 0", state.PeakEquity)
	}

	steps := []struct {
		equity float64
		want   float64
	}{
		{10000, 10000},
		{9000, 10000}, // losses never lower the peak
		{11000, 11000},
		{11000, 11000},
	}
	for _, step := range steps {
		if err := database.RaisePeakEquity(ctx, "user-1", step.equity); err != nil {
			t.Fatalf("RaisePeakEquity(%v) failed: %v", step.equity, err)
		}
		state, err = database.GetRiskState(ctx, "user-1")
		if err != nil {
			t.Fatalf("GetRiskState failed: %v", err)
		}
		if state.PeakEquity != step.want {
			t.Errorf("after %v: peak = %v, want %v", step.equity, state.PeakEquity, step.want)
		}
	}

	// Operator reset is the only way down.
	if err := database.ResetPeakEquity(ctx, "user-1", 5000); err != nil {
		t.Fatalf("ResetPeakEquity failed: %v", err)
	}
	state, err = database.GetRiskState(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetRiskState failed: %v", err)
	}
	if state.PeakEquity != 5000 {
		t.Errorf("after reset: peak = %v, want 5000", state.PeakEquity)
	}
}

func TestInsertReplayRecordAtomicity(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	expires := time.Now().Add(10 * time.Minute)

	const workers = 8
	var wg sync.WaitGroup
	accepted := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := database.InsertReplayRecord(ctx, "device-1", "nonce-1", expires)
			if err != nil {
				t.Errorf("InsertReplayRecord failed: %v", err)
				return
			}
			accepted <- ok
		}()
	}
	wg.Wait()
	close(accepted)

	wins := 0
	for ok := range accepted {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("nonce accepted %d times, want exactly 1", wins)
	}

	// Same nonce on another device is fine.
	ok, err := database.InsertReplayRecord(ctx, "device-2", "nonce-1", expires)
	if err != nil {
		t.Fatalf("InsertReplayRecord failed: %v", err)
	}
	if !ok {
		t.Error("nonce scope must be per-device")
	}
}

func TestPurgeExpiredReplays(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := database.InsertReplayRecord(ctx, "device-1", "old", now.Add(-time.Minute)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := database.InsertReplayRecord(ctx, "device-1", "fresh", now.Add(10*time.Minute)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	purged, err := database.PurgeExpiredReplays(ctx, now)
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged %d records, want 1", purged)
	}

	ok, err := database.InsertReplayRecord(ctx, "device-1", "fresh", now.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if ok {
		t.Error("unexpired nonce must stay blocked after the purge")
	}
}

func TestRecordSignalFailureCap(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	err := database.CreateSignal(ctx, Signal{
		ApprovalID: "approval-1",
		UserID:     "user-1",
		Instrument: "EURUSD",
		Direction:  DirectionShort,
		EntryPrice: 1.0850,
		Volume:     0.5,
		TTLMinutes: 15,
		Status:     SignalPending,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create signal failed: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if err := database.RecordSignalFailure(ctx, "approval-1", "bridge timeout", 3); err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
		sig, err := database.GetSignal(ctx, "approval-1")
		if err != nil {
			t.Fatalf("get signal failed: %v", err)
		}
		if sig.FailCount != i {
			t.Errorf("after failure %d: fail_count = %d", i, sig.FailCount)
		}
		wantStatus := SignalPending
		if i >= 3 {
			wantStatus = SignalFailed
		}
		if sig.Status != wantStatus {
			t.Errorf("after failure %d: status = %s, want %s", i, sig.Status, wantStatus)
		}
	}
}

func TestListPendingSignalsTTL(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	created := time.Now().UTC().Add(-3 * time.Hour)

	seed := func(approvalID string) {
		t.Helper()
		err := database.CreateSignal(ctx, Signal{
			ApprovalID: approvalID,
			UserID:     "user-1",
			Instrument: "XAUUSD",
			Direction:  DirectionLong,
			EntryPrice: 2650.0,
			Volume:     1.0,
			TTLMinutes: 15,
			Status:     SignalPending,
			CreatedAt:  created,
		})
		if err != nil {
			t.Fatalf("create signal failed: %v", err)
		}
	}
	seed("polled")
	seed("never-polled")

	firstPoll := time.Now().UTC()
	if err := database.MarkSignalPolled(ctx, "polled", firstPoll); err != nil {
		t.Fatalf("mark polled failed: %v", err)
	}
	// A later poll must not move the anchor.
	if err := database.MarkSignalPolled(ctx, "polled", firstPoll.Add(time.Hour)); err != nil {
		t.Fatalf("mark polled failed: %v", err)
	}
	sig, err := database.GetSignal(ctx, "polled")
	if err != nil {
		t.Fatalf("get signal failed: %v", err)
	}
	if sig.FirstPolledAt == nil || !sig.FirstPolledAt.Equal(firstPoll) {
		t.Fatalf("first poll anchor moved: %v", sig.FirstPolledAt)
	}

	ids := func(signals []Signal) map[string]bool {
		out := make(map[string]bool)
		for _, s := range signals {
			out[s.ApprovalID] = true
		}
		return out
	}

	within, err := database.ListPendingSignals(ctx, "user-1", firstPoll.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	got := ids(within)
	if !got["polled"] || !got["never-polled"] {
		t.Errorf("within TTL: got %v, want both signals", got)
	}

	after, err := database.ListPendingSignals(ctx, "user-1", firstPoll.Add(20*time.Minute))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	got = ids(after)
	if got["polled"] {
		t.Error("polled signal still listed past its TTL")
	}
	if !got["never-polled"] {
		t.Error("never-polled signal has no anchor and must still be listed")
	}
}
