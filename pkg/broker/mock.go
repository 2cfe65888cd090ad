package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTicketNotFound is returned by the mock when closing an unknown ticket.
var ErrTicketNotFound = errors.New("broker ticket not found")

// Mock is an in-memory broker for dry-run mode and tests. All state is
// settable; close behavior can be overridden per ticket to simulate failures.
type Mock struct {
	mu        sync.Mutex
	snapshots map[string]AccountSnapshot // accountID -> snapshot
	quotes    map[string]Quote           // instrument -> quote
	failClose map[string]error           // ticket -> forced close error
	closed    []string                   // tickets closed, in order
}

// NewMock creates an empty mock broker.
func NewMock() *Mock {
	return &Mock{
		snapshots: make(map[string]AccountSnapshot),
		quotes:    make(map[string]Quote),
		failClose: make(map[string]error),
	}
}

// SetSnapshot installs the snapshot returned for an account.
func (m *Mock) SetSnapshot(accountID string, snap AccountSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[accountID] = snap
}

// SetQuote installs the quote returned for an instrument.
func (m *Mock) SetQuote(instrument string, q Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[instrument] = q
}

// FailClose forces ClosePosition for a ticket to return err.
func (m *Mock) FailClose(ticket string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failClose[ticket] = err
}

// ClosedTickets returns tickets closed so far.
func (m *Mock) ClosedTickets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.closed))
	copy(out, m.closed)
	return out
}

func (m *Mock) GetAccountSnapshot(ctx context.Context, accountID string) (*AccountSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[accountID]
	if !ok {
		snap = AccountSnapshot{TakenAt: time.Now()}
	}
	return &snap, nil
}

func (m *Mock) GetQuote(ctx context.Context, accountID, instrument string) (*Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[instrument]
	if !ok {
		return nil, errors.New("no quote for " + instrument)
	}
	return &q, nil
}

func (m *Mock) ClosePosition(ctx context.Context, accountID, ticket string, volume float64) (*CloseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.failClose[ticket]; ok {
		return nil, err
	}

	price := 0.0
	// Fill at the mid of whatever quote we have for the ticket's instrument.
	for _, snap := range m.snapshots {
		for _, pos := range snap.Positions {
			if pos.Ticket == ticket {
				if q, ok := m.quotes[pos.Instrument]; ok {
					price = q.Mid()
				} else {
					price = pos.EntryPrice
				}
			}
		}
	}

	m.closed = append(m.closed, ticket)
	return &CloseResult{Ticket: ticket, ClosePrice: price}, nil
}
