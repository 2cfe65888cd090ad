package db

import "time"

// Position direction values.
const (
	DirectionLong  = "LONG"
	DirectionShort = "SHORT"
)

// Position status values. Any CLOSED_* status is terminal: once set, no
// transition out of it is permitted.
const (
	StatusOpen              = "OPEN"
	StatusClosedStopLoss    = "CLOSED_STOP_LOSS"
	StatusClosedTakeProfit  = "CLOSED_TAKE_PROFIT"
	StatusClosedManual      = "CLOSED_MANUAL"
	StatusClosedError       = "CLOSED_ERROR"
	StatusClosedDrawdown    = "CLOSED_DRAWDOWN"
	StatusClosedMarketGuard = "CLOSED_MARKET_GUARD"
)

// Signal status values.
const (
	SignalPending  = "PENDING"
	SignalExecuted = "EXECUTED"
	SignalFailed   = "FAILED"
	SignalExpired  = "EXPIRED"
)

// User represents an owner/operator account with admin access.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Device is an execution client credential. The shared secret is stored as a
// SHA-256 hash; the hash itself keys the request MAC, so the raw secret never
// needs to be held server-side. Devices are soft-deleted via is_active only.
type Device struct {
	ID         string
	UserID     string
	Name       string
	SecretHash string
	IsActive   bool
	LastSeen   *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Signal is an approved-but-unexecuted trade instruction from the approval
// source. OwnerOnly carries the encrypted exit levels; it is decrypted
// server-side only and never serialized to a device.
type Signal struct {
	ApprovalID    string
	UserID        string
	Instrument    string
	Direction     string
	EntryPrice    float64
	Volume        float64
	TTLMinutes    int
	OwnerOnly     string
	Status        string
	FailCount     int
	ErrorMessage  string
	FirstPolledAt *time.Time
	AckedAt       *time.Time
	CreatedAt     time.Time
}

// Position is a locally authoritative open position. OwnerStopLoss and
// OwnerTakeProfit are populated from the decrypted owner-only payload at
// creation and must never appear in any device-facing response.
type Position struct {
	ID              string     `json:"id"`
	ApprovalID      string     `json:"approval_id"`
	UserID          string     `json:"user_id"`
	DeviceID        string     `json:"device_id"`
	Instrument      string     `json:"instrument"`
	Direction       string     `json:"direction"`
	EntryPrice      float64    `json:"entry_price"`
	Volume          float64    `json:"volume"`
	BrokerTicket    *string    `json:"broker_ticket,omitempty"`
	OwnerStopLoss   *float64   `json:"owner_stop_loss,omitempty"`
	OwnerTakeProfit *float64   `json:"owner_take_profit,omitempty"`
	StrategyTag     string     `json:"strategy_tag,omitempty"`
	Status          string     `json:"status"`
	OpenedAt        time.Time  `json:"opened_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	ClosePrice      *float64   `json:"close_price,omitempty"`
	CloseReason     *string    `json:"close_reason,omitempty"`
}

// IsOpen reports whether the position can still be mutated.
func (p *Position) IsOpen() bool { return p.Status == StatusOpen }

// RiskState holds the persisted per-user drawdown baseline. PeakEquity is
// monotonically non-decreasing; only an operator reset lowers it.
type RiskState struct {
	UserID     string
	PeakEquity float64
	UpdatedAt  time.Time
}

// GuardConfig is the validated per-user guard threshold row.
type GuardConfig struct {
	UserID           string
	WarningPercent   float64
	CriticalPercent  float64
	MinEquity        float64
	MaxGapPercent    float64
	MaxSpreadPercent float64
	UpdatedAt        time.Time
}

// ReconSnapshot is one immutable reconciliation cycle result.
type ReconSnapshot struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	MatchedCount    int       `json:"matched_count"`
	DivergenceCount int       `json:"divergence_count"`
	TakenAt         time.Time `json:"taken_at"`
}

// Divergence types recorded during reconciliation.
const (
	DivergenceBrokerClose = "broker_side_close"
	DivergenceUnknown     = "unknown_position"
	DivergenceSlippage    = "slippage"
)

// ReconDivergence records a single broker-vs-local mismatch.
type ReconDivergence struct {
	ID           int64   `json:"id"`
	SnapshotID   string  `json:"snapshot_id"`
	Type         string  `json:"type"`
	Instrument   string  `json:"instrument"`
	PositionID   string  `json:"position_id,omitempty"`
	BrokerTicket string  `json:"broker_ticket,omitempty"`
	Magnitude    float64 `json:"magnitude"`
	Detail       string  `json:"detail"`
}

// CloseAudit is an immutable record of a position closure.
type CloseAudit struct {
	CloseID    string    `json:"close_id"`
	PositionID string    `json:"position_id"`
	Reason     string    `json:"reason"`
	ClosePrice float64   `json:"close_price"`
	PnL        float64   `json:"pnl"`
	CreatedAt  time.Time `json:"created_at"`
}
