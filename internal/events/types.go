package events

// Event enumerates topics published inside the service.
type Event string

const (
	EventStrategyStatus Event = "strategy.status"  // payload: strategy.Status
	EventBracketResult  Event = "order.bracket"    // payload: order.BracketResult
	EventBreakout       Event = "strategy.breakout" // payload: strategy.Breakout
	EventRiskAlert      Event = "risk_alert"        // payload: string
)
