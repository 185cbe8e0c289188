package strategy

import (
	"time"

	exchange "breakout-core/pkg/exchanges/common"
)

// State is a strategy instance lifecycle state.
type State string

const (
	StateArming             State = "ARMING"
	StateMonitoringBreakout State = "MONITORING_BREAKOUT"
	StateEntryTriggered     State = "ENTRY_TRIGGERED"
	StatePositionActive     State = "POSITION_ACTIVE"
	StateBreakevenApplied   State = "BREAKEVEN_APPLIED"
	StatePositionClosed     State = "POSITION_CLOSED"
	StateStopped            State = "STOPPED"
	StateError              State = "ERROR"
)

// Terminal reports whether the instance has finished for good.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateError
}

// PositionSummary is the position an instance is currently managing.
type PositionSummary struct {
	Side       exchange.Side `json:"side"`
	Size       float64       `json:"size"`
	EntryPrice float64       `json:"entry_price"`
}

// Status is a read-only snapshot of an instance. A published Status is
// never modified; the instance replaces it instead.
type Status struct {
	ID               string           `json:"id"`
	Name             string           `json:"name,omitempty"`
	Symbol           string           `json:"symbol"`
	Timeframe        string           `json:"timeframe"`
	State            State            `json:"state"`
	StartedAt        time.Time        `json:"started_at"`
	StoppedAt        *time.Time       `json:"stopped_at,omitempty"`
	PrevHigh         float64          `json:"prev_high,omitempty"`
	PrevLow          float64          `json:"prev_low,omitempty"`
	PeriodEnd        *time.Time       `json:"period_end,omitempty"`
	Position         *PositionSummary `json:"position,omitempty"`
	OrderIDs         []string         `json:"order_ids,omitempty"`
	BreakevenApplied bool             `json:"breakeven_applied"`
	LastCloseReason  string           `json:"last_close_reason,omitempty"`
	Trades           int              `json:"trades"`
	Error            string           `json:"error,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (s Status) clone() Status {
	c := s
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		c.StoppedAt = &t
	}
	if s.PeriodEnd != nil {
		t := *s.PeriodEnd
		c.PeriodEnd = &t
	}
	if s.Position != nil {
		p := *s.Position
		c.Position = &p
	}
	c.OrderIDs = append([]string(nil), s.OrderIDs...)
	return c
}
