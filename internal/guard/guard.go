// Package guard evaluates drawdown and market-condition guards. The
// evaluation functions are pure: (state, observation) in, result out, no I/O.
package guard

import (
	"fmt"
	"math"
	"time"
)

// Type identifies a guard.
type Type string

const (
	TypeDrawdown        Type = "DRAWDOWN"
	TypeMarketCondition Type = "MARKET_CONDITION"
)

// Severity escalates with breach magnitude.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Result is one guard evaluation outcome.
type Result struct {
	Guard     Type     `json:"guard"`
	Metric    float64  `json:"metric"`
	Threshold float64  `json:"threshold"`
	Passed    bool     `json:"passed"`
	Severity  Severity `json:"severity"`
	Violation string   `json:"violation,omitempty"`
}

// Observation is a single bid/ask sighting for the market guard.
type Observation struct {
	Bid float64
	Ask float64
	At  time.Time
}

// Mid returns the mid-price of the observation.
func (o Observation) Mid() float64 { return (o.Bid + o.Ask) / 2 }

// EvaluateDrawdown checks current equity against the persisted peak and the
// absolute minimum-equity floor. peakEquity is assumed to already include the
// current observation (callers raise the peak before evaluating).
func EvaluateDrawdown(cfg DrawdownConfig, peakEquity, currentEquity float64) Result {
	res := Result{Guard: TypeDrawdown, Passed: true}

	// Absolute floor is independent of percentage drawdown.
	if cfg.MinEquity > 0 && currentEquity < cfg.MinEquity {
		res.Passed = false
		res.Severity = SeverityCritical
		res.Metric = currentEquity
		res.Threshold = cfg.MinEquity
		res.Violation = fmt.Sprintf("equity %.2f below minimum floor %.2f", currentEquity, cfg.MinEquity)
		return res
	}

	if peakEquity <= 0 {
		return res
	}

	drawdown := (peakEquity - currentEquity) / peakEquity * 100
	res.Metric = drawdown

	switch {
	case drawdown >= cfg.CriticalPercent:
		res.Passed = false
		res.Severity = SeverityCritical
		res.Threshold = cfg.CriticalPercent
		res.Violation = fmt.Sprintf("drawdown %.2f%% breached critical threshold %.2f%% (peak %.2f, equity %.2f)",
			drawdown, cfg.CriticalPercent, peakEquity, currentEquity)
	case drawdown >= cfg.WarningPercent:
		res.Passed = false
		res.Severity = SeverityWarning
		res.Threshold = cfg.WarningPercent
		res.Violation = fmt.Sprintf("drawdown %.2f%% breached warning threshold %.2f%% (peak %.2f, equity %.2f)",
			drawdown, cfg.WarningPercent, peakEquity, currentEquity)
	default:
		res.Threshold = cfg.WarningPercent
	}

	return res
}

// EvaluateMarket flags price gaps between consecutive observations and
// excessive bid/ask spread relative to mid. A zero prev skips the gap check
// (first sighting of the instrument). Severity doubles up: twice the
// configured threshold escalates warning to critical.
func EvaluateMarket(cfg MarketConfig, prev, cur Observation) Result {
	res := Result{Guard: TypeMarketCondition, Passed: true}

	mid := cur.Mid()
	if mid <= 0 {
		res.Passed = false
		res.Severity = SeverityCritical
		res.Violation = fmt.Sprintf("invalid quote bid=%.5f ask=%.5f", cur.Bid, cur.Ask)
		return res
	}

	spreadPct := (cur.Ask - cur.Bid) / mid * 100
	if cfg.MaxSpreadPercent > 0 && spreadPct >= cfg.MaxSpreadPercent {
		res.Passed = false
		res.Metric = spreadPct
		res.Threshold = cfg.MaxSpreadPercent
		res.Severity = escalate(spreadPct, cfg.MaxSpreadPercent)
		res.Violation = fmt.Sprintf("spread %.3f%% of mid exceeds %.3f%%", spreadPct, cfg.MaxSpreadPercent)
		return res
	}

	if prevMid := prev.Mid(); prevMid > 0 && cfg.MaxGapPercent > 0 {
		gapPct := math.Abs(mid-prevMid) / prevMid * 100
		if gapPct >= cfg.MaxGapPercent {
			res.Passed = false
			res.Metric = gapPct
			res.Threshold = cfg.MaxGapPercent
			res.Severity = escalate(gapPct, cfg.MaxGapPercent)
			res.Violation = fmt.Sprintf("price gap %.3f%% between observations exceeds %.3f%%", gapPct, cfg.MaxGapPercent)
			return res
		}
	}

	return res
}

func escalate(metric, threshold float64) Severity {
	if metric >= threshold*2 {
		return SeverityCritical
	}
	return SeverityWarning
}
