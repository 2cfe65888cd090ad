// Package autoclose is the single write path that closes positions. Every
// closure goes through a compare-and-set on the OPEN status, so concurrent
// triggers resolve to exactly one winner, and every closure leaves an audit
// row. Hidden exit levels are consumed here and nowhere else.
package autoclose

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"copytrade-core/internal/events"
	"copytrade-core/pkg/broker"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/id"
)

// Close reasons recorded in the audit trail.
const (
	ReasonManual      = "manual"
	ReasonStopLoss    = "stop_loss"
	ReasonTakeProfit  = "take_profit"
	ReasonDrawdown    = "drawdown"
	ReasonMarketGuard = "market_guard"
	ReasonError       = "error"
)

var (
	ErrUnknownPosition = errors.New("unknown position")
	ErrUnknownReason   = errors.New("unknown close reason")
	// ErrAlreadyClosed reports a close attempt whose reason conflicts with
	// the closure that already happened. A repeat of the same reason is a
	// silent no-op instead.
	ErrAlreadyClosed = errors.New("position already closed")
)

func statusFor(reason string) (string, error) {
	switch reason {
	case ReasonManual:
		return db.StatusClosedManual, nil
	case ReasonStopLoss:
		return db.StatusClosedStopLoss, nil
	case ReasonTakeProfit:
		return db.StatusClosedTakeProfit, nil
	case ReasonDrawdown:
		return db.StatusClosedDrawdown, nil
	case ReasonMarketGuard:
		return db.StatusClosedMarketGuard, nil
	case ReasonError:
		return db.StatusClosedError, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownReason, reason)
	}
}

// Outcome describes one completed (or idempotently repeated) closure.
type Outcome struct {
	CloseID    string  `json:"close_id"`
	PositionID string  `json:"position_id"`
	Reason     string  `json:"reason"`
	ClosePrice float64 `json:"close_price"`
	PnL        float64 `json:"pnl"`
	Repeated   bool    `json:"repeated,omitempty"`
}

// BulkResult is one entry of a bulk close; failures are isolated per id.
type BulkResult struct {
	PositionID string   `json:"position_id"`
	Outcome    *Outcome `json:"outcome,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Engine executes closures against the broker and the local store.
type Engine struct {
	database *db.Database
	broker   broker.Client
	bus      *events.Bus
	now      func() time.Time
}

// NewEngine wires the auto-close engine.
func NewEngine(database *db.Database, client broker.Client, bus *events.Bus) *Engine {
	return &Engine{database: database, broker: client, bus: bus, now: time.Now}
}

// ClosePosition closes one position for the given reason. The broker leg
// runs first; only after it fills does the local compare-and-set commit the
// closure, so a broker failure leaves the position open and retryable.
// Closing an already-closed position with the same reason is a no-op;
// a conflicting reason is rejected with ErrAlreadyClosed.
func (e *Engine) ClosePosition(ctx context.Context, positionID, reason string) (*Outcome, error) {
	status, err := statusFor(reason)
	if err != nil {
		return nil, err
	}

	pos, err := e.database.GetPosition(ctx, positionID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrUnknownPosition
	}
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	if !pos.IsOpen() {
		return e.repeatedOutcome(pos, reason)
	}

	closePrice, err := e.executeBrokerClose(ctx, pos)
	if err != nil {
		return nil, fmt.Errorf("broker close %s: %w", positionID, err)
	}

	closedAt := e.now()
	won, err := e.database.ClosePositionCAS(ctx, pos.ID, status, closePrice, reason, closedAt)
	if err != nil {
		return nil, fmt.Errorf("commit close: %w", err)
	}
	if !won {
		// Lost the race to a concurrent trigger; report against whatever
		// actually closed it.
		pos, err = e.database.GetPosition(ctx, positionID)
		if err != nil {
			return nil, fmt.Errorf("reload position: %w", err)
		}
		return e.repeatedOutcome(pos, reason)
	}

	outcome := &Outcome{
		CloseID:    id.New(),
		PositionID: pos.ID,
		Reason:     reason,
		ClosePrice: closePrice,
		PnL:        pnl(pos, closePrice),
	}
	err = e.database.CreateCloseAudit(ctx, db.CloseAudit{
		CloseID:    outcome.CloseID,
		PositionID: outcome.PositionID,
		Reason:     reason,
		ClosePrice: closePrice,
		PnL:        outcome.PnL,
		CreatedAt:  closedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("write close audit: %w", err)
	}

	log.Printf("✓ closed position %s (%s @ %.5f, pnl %.2f, reason %s)",
		pos.ID, pos.Instrument, closePrice, outcome.PnL, reason)
	if e.bus != nil {
		e.bus.Publish(events.EventPositionClosed, outcome)
	}
	return outcome, nil
}

func (e *Engine) repeatedOutcome(pos *db.Position, reason string) (*Outcome, error) {
	if pos.CloseReason == nil || *pos.CloseReason != reason {
		existing := "unknown"
		if pos.CloseReason != nil {
			existing = *pos.CloseReason
		}
		return nil, fmt.Errorf("%w as %s, refusing %s", ErrAlreadyClosed, existing, reason)
	}
	out := &Outcome{PositionID: pos.ID, Reason: reason, Repeated: true}
	if pos.ClosePrice != nil {
		out.ClosePrice = *pos.ClosePrice
		out.PnL = pnl(pos, *pos.ClosePrice)
	}
	return out, nil
}

// executeBrokerClose fills the close at the broker, or marks to the current
// quote when the position never got a broker ticket.
func (e *Engine) executeBrokerClose(ctx context.Context, pos *db.Position) (float64, error) {
	if pos.BrokerTicket != nil {
		res, err := e.broker.ClosePosition(ctx, pos.UserID, *pos.BrokerTicket, pos.Volume)
		if err != nil {
			return 0, err
		}
		return res.ClosePrice, nil
	}
	q, err := e.broker.GetQuote(ctx, pos.UserID, pos.Instrument)
	if err != nil {
		return 0, err
	}
	// A long exits on the bid, a short on the ask.
	if pos.Direction == db.DirectionLong {
		return q.Bid, nil
	}
	return q.Ask, nil
}

func pnl(pos *db.Position, closePrice float64) float64 {
	diff := closePrice - pos.EntryPrice
	if pos.Direction == db.DirectionShort {
		diff = -diff
	}
	return diff * pos.Volume
}

// BulkClose closes many positions for one reason. Each id succeeds or fails
// on its own; one broker failure never aborts the rest.
func (e *Engine) BulkClose(ctx context.Context, positionIDs []string, reason string) []BulkResult {
	results := make([]BulkResult, 0, len(positionIDs))
	for _, pid := range positionIDs {
		out, err := e.ClosePosition(ctx, pid, reason)
		res := BulkResult{PositionID: pid, Outcome: out}
		if err != nil {
			res.Error = err.Error()
			log.Printf("❌ bulk close %s: %v", pid, err)
		}
		results = append(results, res)
	}
	return results
}

// CloseAll closes every open position of a user for one reason. Used by the
// guard supervisor when a critical drawdown or market trip fires.
func (e *Engine) CloseAll(ctx context.Context, userID, reason string) ([]BulkResult, error) {
	open, err := e.database.ListOpenPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	ids := make([]string, 0, len(open))
	for _, p := range open {
		ids = append(ids, p.ID)
	}
	return e.BulkClose(ctx, ids, reason), nil
}

// CloseIfTriggered checks a position's hidden exit levels against the given
// price and closes it when one is breached. It is the only code that acts on
// the owner's stop loss and take profit. Returns nil with no error when no
// level triggered.
func (e *Engine) CloseIfTriggered(ctx context.Context, pos *db.Position, price float64) (*Outcome, error) {
	reason, triggered := hiddenLevelBreach(pos, price)
	if !triggered {
		return nil, nil
	}
	log.Printf("🔄 hidden %s level hit for position %s at %.5f", reason, pos.ID, price)
	return e.ClosePosition(ctx, pos.ID, reason)
}

// SweepUser walks a user's open positions, pulling a quote per instrument
// and closing any with a breached hidden level.
func (e *Engine) SweepUser(ctx context.Context, userID string) ([]Outcome, error) {
	open, err := e.database.ListOpenPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}

	var outcomes []Outcome
	quotes := make(map[string]*broker.Quote)
	for i := range open {
		pos := &open[i]
		q, ok := quotes[pos.Instrument]
		if !ok {
			q, err = e.broker.GetQuote(ctx, userID, pos.Instrument)
			if err != nil {
				log.Printf("⚠️ sweep quote %s/%s: %v", userID, pos.Instrument, err)
				continue
			}
			quotes[pos.Instrument] = q
		}

		// Evaluate against the exit side the position would fill at.
		price := q.Bid
		if pos.Direction == db.DirectionShort {
			price = q.Ask
		}
		out, err := e.CloseIfTriggered(ctx, pos, price)
		if err != nil {
			log.Printf("⚠️ sweep close %s: %v", pos.ID, err)
			continue
		}
		if out != nil {
			outcomes = append(outcomes, *out)
		}
	}
	return outcomes, nil
}

// hiddenLevelBreach maps a price against the owner levels. For a long the
// stop sits below entry and the target above; a short inverts both.
func hiddenLevelBreach(pos *db.Position, price float64) (string, bool) {
	long := pos.Direction == db.DirectionLong

	if sl := pos.OwnerStopLoss; sl != nil && *sl > 0 {
		if (long && price <= *sl) || (!long && price >= *sl) {
			return ReasonStopLoss, true
		}
	}
	if tp := pos.OwnerTakeProfit; tp != nil && *tp > 0 {
		if (long && price >= *tp) || (!long && price <= *tp) {
			return ReasonTakeProfit, true
		}
	}
	return "", false
}
