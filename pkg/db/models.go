package db

import "time"

// BracketRecord is a terminal bracket placement keyed by idempotency token.
// Payload holds the full JSON-encoded result so callers can restore it
// byte-for-byte.
type BracketRecord struct {
	Token             string
	Symbol            string
	Side              string
	Outcome           string
	EntryOrderID      string
	StopLossOrderID   string
	TakeProfitOrderID string
	FilledSize        float64
	FilledPrice       float64
	Message           string
	LegError          string
	Payload           string
	CreatedAt         time.Time
}

// StrategyRun is the persisted summary of one strategy instance.
type StrategyRun struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Symbol       string     `json:"symbol"`
	Timeframe    string     `json:"timeframe"`
	Config       string     `json:"config"` // JSON with credentials redacted
	State        string     `json:"state"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Trades       int        `json:"trades"`
	StartedAt    time.Time  `json:"started_at"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
}
