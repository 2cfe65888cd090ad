// Package reconcile compares locally authoritative positions against the
// broker's live view. Divergences are recorded, never auto-repaired: the
// local store only changes through the explicit close paths.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"copytrade-core/internal/events"
	"copytrade-core/pkg/broker"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/id"
)

// Tolerances bound what still counts as the same position.
type Tolerances struct {
	VolumePercent float64
	EntryPips     float64
}

// DefaultTolerances: 5% volume, 2 pips entry.
func DefaultTolerances() Tolerances {
	return Tolerances{VolumePercent: 5.0, EntryPips: 2.0}
}

// Divergence is one broker-vs-local mismatch found during a cycle.
type Divergence struct {
	Type         string
	Instrument   string
	PositionID   string
	BrokerTicket string
	Magnitude    float64
	Detail       string
}

// Report is the immutable outcome of one reconciliation cycle.
type Report struct {
	SnapshotID  string
	UserID      string
	Matched     int
	Divergences []Divergence
	TakenAt     time.Time
}

// PipSize returns the price increment of one pip for an instrument. Gold
// counts a full dollar as one pip: MT5 bridges quote XAUUSD to two
// decimals and routine fill drift there runs tenths of a dollar, which a
// 0.1 pip size would misread as divergence.
func PipSize(instrument string) float64 {
	upper := strings.ToUpper(instrument)
	switch {
	case strings.HasPrefix(upper, "XAU"):
		return 1.0
	case strings.HasPrefix(upper, "XAG"):
		return 0.01
	case strings.HasSuffix(upper, "JPY"):
		return 0.01
	default:
		return 0.0001
	}
}

// Match pairs local open positions with broker positions and classifies the
// leftovers. Pairing is by broker ticket when the local side knows one, and
// by instrument, direction, volume and entry within tolerance otherwise.
// Ticket-paired positions whose entries drifted beyond the pip tolerance
// surface as slippage.
func Match(locals []db.Position, brokers []broker.BrokerPosition, tol Tolerances) (matched int, divs []Divergence) {
	usedBroker := make([]bool, len(brokers))

	byTicket := make(map[string]int, len(brokers))
	for i, bp := range brokers {
		byTicket[bp.Ticket] = i
	}

	var unmatchedLocals []db.Position
	for _, lp := range locals {
		if lp.BrokerTicket == nil {
			unmatchedLocals = append(unmatchedLocals, lp)
			continue
		}
		i, ok := byTicket[*lp.BrokerTicket]
		if !ok || usedBroker[i] {
			unmatchedLocals = append(unmatchedLocals, lp)
			continue
		}
		usedBroker[i] = true
		matched++

		bp := brokers[i]
		pip := PipSize(lp.Instrument)
		if pips := math.Abs(bp.EntryPrice-lp.EntryPrice) / pip; pips > tol.EntryPips {
			divs = append(divs, Divergence{
				Type:         db.DivergenceSlippage,
				Instrument:   lp.Instrument,
				PositionID:   lp.ID,
				BrokerTicket: bp.Ticket,
				Magnitude:    pips,
				Detail: fmt.Sprintf("entry drift %.1f pips (local %.5f, broker %.5f)",
					pips, lp.EntryPrice, bp.EntryPrice),
			})
		}
		if lp.Volume > 0 {
			if pct := math.Abs(bp.Volume-lp.Volume) / lp.Volume * 100; pct > tol.VolumePercent {
				divs = append(divs, Divergence{
					Type:         db.DivergenceSlippage,
					Instrument:   lp.Instrument,
					PositionID:   lp.ID,
					BrokerTicket: bp.Ticket,
					Magnitude:    pct,
					Detail: fmt.Sprintf("volume drift %.1f%% (local %.2f, broker %.2f)",
						pct, lp.Volume, bp.Volume),
				})
			}
		}
	}

	for _, lp := range unmatchedLocals {
		if i, ok := findByAttributes(lp, brokers, usedBroker, tol); ok {
			usedBroker[i] = true
			matched++
			continue
		}
		divs = append(divs, Divergence{
			Type:       db.DivergenceBrokerClose,
			Instrument: lp.Instrument,
			PositionID: lp.ID,
			Detail: fmt.Sprintf("open locally (%s %s %.2f @ %.5f) but absent at broker",
				lp.Direction, lp.Instrument, lp.Volume, lp.EntryPrice),
		})
	}

	for i, bp := range brokers {
		if usedBroker[i] {
			continue
		}
		divs = append(divs, Divergence{
			Type:         db.DivergenceUnknown,
			Instrument:   bp.Instrument,
			BrokerTicket: bp.Ticket,
			Detail: fmt.Sprintf("broker reports %s %s %.2f @ %.5f with no local counterpart",
				bp.Direction, bp.Instrument, bp.Volume, bp.EntryPrice),
		})
	}

	return matched, divs
}

func findByAttributes(lp db.Position, brokers []broker.BrokerPosition, used []bool, tol Tolerances) (int, bool) {
	pip := PipSize(lp.Instrument)
	for i, bp := range brokers {
		if used[i] || bp.Instrument != lp.Instrument || bp.Direction != lp.Direction {
			continue
		}
		if lp.Volume > 0 && math.Abs(bp.Volume-lp.Volume)/lp.Volume*100 > tol.VolumePercent {
			continue
		}
		if math.Abs(bp.EntryPrice-lp.EntryPrice)/pip > tol.EntryPips {
			continue
		}
		return i, true
	}
	return 0, false
}

// Service runs reconciliation cycles and persists their snapshots.
type Service struct {
	database *db.Database
	broker   broker.Client
	bus      *events.Bus
	tol      Tolerances
	now      func() time.Time
}

// NewService wires the reconciliation engine.
func NewService(database *db.Database, client broker.Client, bus *events.Bus, tol Tolerances) *Service {
	return &Service{database: database, broker: client, bus: bus, tol: tol, now: time.Now}
}

// ReconcileUser runs one cycle for a user: fetch the broker snapshot, match
// it against local open positions and persist the result. State is recorded
// only; nothing is closed or mutated here.
func (s *Service) ReconcileUser(ctx context.Context, userID string) (*Report, error) {
	snap, err := s.broker.GetAccountSnapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("broker snapshot for %s: %w", userID, err)
	}
	locals, err := s.database.ListOpenPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}

	matched, divs := Match(locals, snap.Positions, s.tol)
	report := &Report{
		SnapshotID:  id.New(),
		UserID:      userID,
		Matched:     matched,
		Divergences: divs,
		TakenAt:     s.now(),
	}

	rows := make([]db.ReconDivergence, 0, len(divs))
	for _, dv := range divs {
		rows = append(rows, db.ReconDivergence{
			SnapshotID:   report.SnapshotID,
			Type:         dv.Type,
			Instrument:   dv.Instrument,
			PositionID:   dv.PositionID,
			BrokerTicket: dv.BrokerTicket,
			Magnitude:    dv.Magnitude,
			Detail:       dv.Detail,
		})
	}
	err = s.database.CreateReconSnapshot(ctx, db.ReconSnapshot{
		ID:              report.SnapshotID,
		UserID:          userID,
		MatchedCount:    matched,
		DivergenceCount: len(divs),
		TakenAt:         report.TakenAt,
	}, rows)
	if err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}

	if len(divs) > 0 {
		log.Printf("⚠️ reconciliation for %s: %d matched, %d divergences", userID, matched, len(divs))
		if s.bus != nil {
			s.bus.Publish(events.EventDivergence, report)
		}
	}
	return report, nil
}
