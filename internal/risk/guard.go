package risk

import (
	"context"
	"fmt"
	"time"

	"breakout-core/internal/monitor"
	exchange "breakout-core/pkg/exchanges/common"
)

// Decision is the outcome of an entry guard check.
type Decision struct {
	Allowed bool
	Reason  string
}

// EntryGuard refuses new entries that would stack on existing exposure.
type EntryGuard struct {
	gw              exchange.Gateway
	checkExisting   bool
	maxPositionSize float64
	callTimeout     time.Duration
}

// NewEntryGuard builds a guard. maxPositionSize <= 0 disables the size cap.
func NewEntryGuard(gw exchange.Gateway, checkExisting bool, maxPositionSize float64, callTimeout time.Duration) *EntryGuard {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &EntryGuard{gw: gw, checkExisting: checkExisting, maxPositionSize: maxPositionSize, callTimeout: callTimeout}
}

// Check decides whether an entry of size may be placed on symbol. A
// gateway error is returned as-is and no decision is made.
func (g *EntryGuard) Check(ctx context.Context, symbol string, size float64) (Decision, error) {
	if g.maxPositionSize > 0 && size > g.maxPositionSize {
		return g.decline("order size %v exceeds max position size %v", size, g.maxPositionSize), nil
	}
	if !g.checkExisting {
		return Decision{Allowed: true}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	orders, err := g.gw.GetOpenOrders(callCtx, symbol)
	cancel()
	if err != nil {
		return Decision{}, fmt.Errorf("open orders: %w", err)
	}
	if len(orders) > 0 {
		return g.decline("%d open order(s) on %s", len(orders), symbol), nil
	}

	callCtx, cancel = context.WithTimeout(ctx, g.callTimeout)
	pos, err := g.gw.GetPosition(callCtx, symbol)
	cancel()
	if err != nil {
		return Decision{}, fmt.Errorf("position: %w", err)
	}
	if !pos.Flat() {
		// any position, even one the size cap would allow, blocks a new entry
		return g.decline("existing %s position of %v on %s", pos.Side, pos.Size, symbol), nil
	}
	return Decision{Allowed: true}, nil
}

func (g *EntryGuard) decline(format string, args ...any) Decision {
	monitor.RecordGuardDecline()
	return Decision{Reason: fmt.Sprintf(format, args...)}
}
