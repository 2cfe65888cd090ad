// Package broker abstracts the execution venue bridge. The reconciliation
// and auto-close engines talk to the broker only through the Client
// interface; everything else treats the local store as authoritative.
package broker

import (
	"context"
	"time"
)

// BrokerPosition is one live position as the broker reports it.
type BrokerPosition struct {
	Ticket     string  `json:"ticket"`
	Instrument string  `json:"instrument"`
	Direction  string  `json:"direction"` // LONG or SHORT
	Volume     float64 `json:"volume"`
	EntryPrice float64 `json:"entry_price"`
}

// AccountSnapshot is the broker's view of an account at one instant.
type AccountSnapshot struct {
	Balance   float64          `json:"balance"`
	Equity    float64          `json:"equity"`
	Positions []BrokerPosition `json:"positions"`
	TakenAt   time.Time        `json:"taken_at"`
}

// Quote is a bid/ask observation for one instrument.
type Quote struct {
	Instrument string    `json:"instrument"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	At         time.Time `json:"at"`
}

// Mid returns the mid-price of the quote.
func (q Quote) Mid() float64 { return (q.Bid + q.Ask) / 2 }

// CloseResult reports the fill of a broker-side close.
type CloseResult struct {
	Ticket     string  `json:"ticket"`
	ClosePrice float64 `json:"close_price"`
}

// Client abstracts the broker bridge.
type Client interface {
	GetAccountSnapshot(ctx context.Context, accountID string) (*AccountSnapshot, error)
	GetQuote(ctx context.Context, accountID, instrument string) (*Quote, error)
	ClosePosition(ctx context.Context, accountID, ticket string, volume float64) (*CloseResult, error)
}
