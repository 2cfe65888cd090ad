package guard

import (
	"context"
	"fmt"
	"log"
	"sync"

	"copytrade-core/internal/events"
	"copytrade-core/pkg/broker"
	"copytrade-core/pkg/db"
)

// Service runs guard evaluation for a user against live broker state. The
// pure evaluation stays in guard.go; Service owns the I/O around it: raising
// the persisted peak equity, loading per-user thresholds, and remembering the
// previous observation per instrument for the gap check.
type Service struct {
	database *db.Database
	broker   broker.Client
	bus      *events.Bus

	mu       sync.Mutex
	lastSeen map[string]Observation // user|instrument -> previous quote
}

// NewService builds a guard service.
func NewService(database *db.Database, brokerClient broker.Client, bus *events.Bus) *Service {
	return &Service{
		database: database,
		broker:   brokerClient,
		bus:      bus,
		lastSeen: make(map[string]Observation),
	}
}

// ConfigFor returns the user's stored thresholds or the defaults.
func (s *Service) ConfigFor(ctx context.Context, userID string) (Config, error) {
	row, err := s.database.GetGuardConfig(ctx, userID)
	if err != nil {
		return Config{}, fmt.Errorf("load guard config: %w", err)
	}
	if row == nil {
		return DefaultConfig(), nil
	}
	cfg := fromRow(*row)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("stored guard config invalid: %w", err)
	}
	return cfg, nil
}

// Evaluation bundles one cycle's outcome for a user.
type Evaluation struct {
	UserID   string
	Snapshot *broker.AccountSnapshot
	Results  []Result
}

// Critical returns the first critical failure, or nil.
func (e *Evaluation) Critical() *Result {
	for i := range e.Results {
		if !e.Results[i].Passed && e.Results[i].Severity == SeverityCritical {
			return &e.Results[i]
		}
	}
	return nil
}

// Evaluate runs one guard cycle for a user: fetch the broker snapshot, raise
// the persisted peak (monotonic, CAS-style upsert), then evaluate the
// drawdown guard and the market guard per open instrument.
func (s *Service) Evaluate(ctx context.Context, userID string) (*Evaluation, error) {
	snap, err := s.broker.GetAccountSnapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch account snapshot: %w", err)
	}

	if err := s.database.RaisePeakEquity(ctx, userID, snap.Equity); err != nil {
		return nil, fmt.Errorf("raise peak equity: %w", err)
	}
	state, err := s.database.GetRiskState(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load risk state: %w", err)
	}

	cfg, err := s.ConfigFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	eval := &Evaluation{UserID: userID, Snapshot: snap}
	eval.Results = append(eval.Results, EvaluateDrawdown(cfg.Drawdown, state.PeakEquity, snap.Equity))

	// Market guard per instrument with an open position.
	seen := make(map[string]bool)
	for _, pos := range snap.Positions {
		if seen[pos.Instrument] {
			continue
		}
		seen[pos.Instrument] = true

		quote, err := s.broker.GetQuote(ctx, userID, pos.Instrument)
		if err != nil {
			log.Printf("⚠️ guard: quote %s unavailable: %v", pos.Instrument, err)
			continue
		}
		cur := Observation{Bid: quote.Bid, Ask: quote.Ask, At: quote.At}
		prev := s.swapObservation(userID, pos.Instrument, cur)
		eval.Results = append(eval.Results, EvaluateMarket(cfg.Market, prev, cur))
	}

	for _, res := range eval.Results {
		if !res.Passed {
			log.Printf("⚠️ guard %s %s for user %s: %s", res.Guard, res.Severity, userID, res.Violation)
			if s.bus != nil {
				s.bus.Publish(events.EventGuardTrip, res)
			}
		}
	}

	return eval, nil
}

// swapObservation records the latest quote seen for one user's view of an
// instrument and returns the previous one. Brokers quote per account, so two
// users watching the same symbol keep independent gap baselines.
func (s *Service) swapObservation(userID, instrument string, cur Observation) Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + "|" + instrument
	prev := s.lastSeen[key]
	s.lastSeen[key] = cur
	return prev
}
