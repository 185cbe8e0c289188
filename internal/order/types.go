package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	exchange "breakout-core/pkg/exchanges/common"
)

// Outcome is the terminal state of an entry-wait placement.
type Outcome string

const (
	OutcomeFilled    Outcome = "filled"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// OrderIntent describes one bracketed entry. It is not modified once handed
// to the placer.
type OrderIntent struct {
	Symbol          string        `json:"symbol"`
	ProductID       int           `json:"product_id"`
	Side            exchange.Side `json:"side"`
	EntryPrice      float64       `json:"entry_price"`
	Size            float64       `json:"size"`
	StopLoss        *float64      `json:"stop_loss,omitempty"`
	TakeProfit      *float64      `json:"take_profit,omitempty"`
	Token           string        `json:"client_order_id,omitempty"` // idempotency token
	WaitTimeSeconds int           `json:"wait_time_seconds"`
}

// Validate checks that the intent can be submitted.
func (i OrderIntent) Validate() error {
	switch {
	case i.Symbol == "":
		return errors.New("symbol is required")
	case !i.Side.Valid():
		return fmt.Errorf("invalid side %q", i.Side)
	case i.EntryPrice <= 0:
		return errors.New("entry price must be positive")
	case i.Size <= 0:
		return errors.New("size must be positive")
	case i.WaitTimeSeconds < 0:
		return errors.New("wait time must not be negative")
	}
	if i.StopLoss != nil && *i.StopLoss <= 0 {
		return errors.New("stop loss must be positive")
	}
	if i.TakeProfit != nil && *i.TakeProfit <= 0 {
		return errors.New("take profit must be positive")
	}
	return nil
}

// Wait returns the fill deadline as a duration.
func (i OrderIntent) Wait() time.Duration {
	return time.Duration(i.WaitTimeSeconds) * time.Second
}

// BracketResult is the terminal report for one OrderIntent.
type BracketResult struct {
	Token             string        `json:"client_order_id,omitempty"`
	Symbol            string        `json:"symbol"`
	Side              exchange.Side `json:"side"`
	EntryOrderID      string        `json:"entry_order_id,omitempty"`
	StopLossOrderID   string        `json:"stop_loss_order_id,omitempty"`
	TakeProfitOrderID string        `json:"take_profit_order_id,omitempty"`
	Outcome           Outcome       `json:"outcome"`
	Message           string        `json:"message"`
	FilledSize        float64       `json:"filled_size,omitempty"`
	FilledPrice       float64       `json:"filled_price,omitempty"`
	LegError          string        `json:"leg_error,omitempty"`
	LegsOmitted       []string      `json:"legs_omitted,omitempty"` // legs the intent did not ask for
	CompletedAt       time.Time     `json:"completed_at"`

	// Err carries the underlying failure for in-process callers.
	Err error `json:"-"`
}

// Leg names used in results, logs and metrics.
const (
	LegStopLoss   = "stop_loss"
	LegTakeProfit = "take_profit"
)

// Protected reports whether a fill is covered by both a stop-loss and a
// take-profit order.
func (r BracketResult) Protected() bool {
	return r.Outcome == OutcomeFilled && r.LegError == "" &&
		r.StopLossOrderID != "" && r.TakeProfitOrderID != ""
}

// ProtectionGap describes what a filled result is missing, or "" when it
// is protected.
func (r BracketResult) ProtectionGap() string {
	if r.Protected() {
		return ""
	}
	var gaps []string
	if r.LegError != "" {
		gaps = append(gaps, r.LegError)
	}
	if len(r.LegsOmitted) > 0 {
		gaps = append(gaps, strings.Join(r.LegsOmitted, " and ")+" not requested")
	}
	if len(gaps) == 0 {
		gaps = append(gaps, "protective legs missing")
	}
	return strings.Join(gaps, "; ")
}

// Legs holds the protective order ids placed for one entry.
type Legs struct {
	StopLossID   string
	TakeProfitID string
}

// LegError reports which protective legs could not be placed.
type LegError struct {
	StopLoss   error
	TakeProfit error
}

func (e *LegError) Error() string {
	switch {
	case e.StopLoss != nil && e.TakeProfit != nil:
		return fmt.Sprintf("stop-loss leg: %v; take-profit leg: %v", e.StopLoss, e.TakeProfit)
	case e.StopLoss != nil:
		return fmt.Sprintf("stop-loss leg: %v", e.StopLoss)
	default:
		return fmt.Sprintf("take-profit leg: %v", e.TakeProfit)
	}
}

func (e *LegError) Unwrap() []error {
	var errs []error
	if e.StopLoss != nil {
		errs = append(errs, e.StopLoss)
	}
	if e.TakeProfit != nil {
		errs = append(errs, e.TakeProfit)
	}
	return errs
}
