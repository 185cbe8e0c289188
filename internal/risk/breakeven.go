package risk

import (
	"context"
	"fmt"
	"log"
	"time"

	"breakout-core/internal/monitor"
	exchange "breakout-core/pkg/exchanges/common"
	"breakout-core/pkg/retry"
)

// CloseReason says how a supervised position ended.
type CloseReason string

const (
	CloseStopLoss   CloseReason = "stop_loss"
	CloseTakeProfit CloseReason = "take_profit"
	CloseExternal   CloseReason = "external"
)

// ActivePosition is a filled entry together with its protective legs.
type ActivePosition struct {
	Symbol            string
	ProductID         int
	Side              exchange.Side // side of the entry
	Size              float64
	EntryPrice        float64
	StopLossOrderID   string
	TakeProfitOrderID string
}

// Excursion returns how far price has moved in the position's favour.
func (p ActivePosition) Excursion(price float64) float64 {
	if p.Side == exchange.SideSell {
		return p.EntryPrice - price
	}
	return price - p.EntryPrice
}

// Result summarises a supervised position.
type Result struct {
	Reason           CloseReason
	BreakevenApplied bool
	StopLossOrderID  string // stop-loss in force when the position closed
}

// BreakevenConfig tunes supervision.
type BreakevenConfig struct {
	PollInterval time.Duration // position check interval
	CallTimeout  time.Duration
	Poll         retry.Policy
}

// BreakevenManager watches an open position and moves its stop-loss to the
// entry price once price has run far enough in its favour.
type BreakevenManager struct {
	gw  exchange.Gateway
	cfg BreakevenConfig

	// OnApplied, if set, runs after the stop has been moved to entry.
	OnApplied func(stopOrderID string)
}

func NewBreakevenManager(gw exchange.Gateway, cfg BreakevenConfig) *BreakevenManager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.Poll.Attempts <= 0 {
		cfg.Poll = retry.Default()
	}
	if cfg.Poll.Retryable == nil {
		cfg.Poll.Retryable = func(err error) bool { return !exchange.IsUnrecoverable(err) }
	}
	return &BreakevenManager{gw: gw, cfg: cfg}
}

// Supervise polls until the venue reports pos closed or ctx ends. A
// triggerPoints of zero or less disables the breakeven move. The stop is
// moved at most once per call.
func (m *BreakevenManager) Supervise(ctx context.Context, pos ActivePosition, triggerPoints float64) (Result, error) {
	res := Result{StopLossOrderID: pos.StopLossOrderID}
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		live, err := m.position(ctx, pos.Symbol)
		switch {
		case err == nil && live.Flat():
			res.Reason = m.closeReason(ctx, pos, res.StopLossOrderID)
			m.cancelLeftovers(ctx, pos.Symbol, res.StopLossOrderID, pos.TakeProfitOrderID)
			monitor.RecordPositionClosed(string(res.Reason))
			log.Printf("breakeven: %s position closed (%s)", pos.Symbol, res.Reason)
			return res, nil
		case err != nil && exchange.IsUnrecoverable(err):
			return res, fmt.Errorf("position check: %w", err)
		case err != nil && ctx.Err() == nil:
			log.Printf("breakeven: position check for %s missed: %v", pos.Symbol, err)
		}

		if err == nil && !res.BreakevenApplied && triggerPoints > 0 {
			if err := m.maybeApply(ctx, pos, triggerPoints, &res); err != nil && exchange.IsUnrecoverable(err) {
				return res, err
			}
		}

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *BreakevenManager) maybeApply(ctx context.Context, pos ActivePosition, triggerPoints float64, res *Result) error {
	price, err := m.price(ctx, pos.Symbol)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("breakeven: price for %s unavailable: %v", pos.Symbol, err)
		}
		return err
	}
	if pos.Excursion(price) < triggerPoints {
		return nil
	}

	var id string
	err = retry.Do(ctx, m.cfg.Poll, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()
		ack, err := m.gw.SubmitOrder(callCtx, exchange.OrderRequest{
			Symbol:     pos.Symbol,
			ProductID:  pos.ProductID,
			Side:       pos.Side.Opposite(),
			Type:       exchange.OrderTypeStopMarket,
			Qty:        pos.Size,
			StopPrice:  pos.EntryPrice,
			ReduceOnly: true,
		})
		if err != nil {
			return err
		}
		id = ack.ExchangeOrderID
		return nil
	})
	if err != nil {
		log.Printf("breakeven: placing stop at entry for %s failed: %v", pos.Symbol, err)
		return err
	}

	// new stop first, then drop the old one: the position is never unprotected
	if old := res.StopLossOrderID; old != "" {
		if err := m.cancel(ctx, pos.Symbol, old); err != nil {
			log.Printf("breakeven: cancel previous stop %s: %v", old, err)
		}
	}
	res.BreakevenApplied = true
	res.StopLossOrderID = id
	monitor.RecordBreakeven()
	log.Printf("breakeven: %s stop moved to entry %v at price %v (order %s)", pos.Symbol, pos.EntryPrice, price, id)
	if m.OnApplied != nil {
		m.OnApplied(id)
	}
	return nil
}

// closeReason infers the exit from the legs' final states.
func (m *BreakevenManager) closeReason(ctx context.Context, pos ActivePosition, stopID string) CloseReason {
	if m.filled(ctx, pos.Symbol, stopID) {
		return CloseStopLoss
	}
	if m.filled(ctx, pos.Symbol, pos.TakeProfitOrderID) {
		return CloseTakeProfit
	}
	return CloseExternal
}

func (m *BreakevenManager) filled(ctx context.Context, symbol, id string) bool {
	if id == "" {
		return false
	}
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	st, err := m.gw.GetOrderState(callCtx, symbol, id)
	return err == nil && st.Status == exchange.StatusFilled
}

// cancelLeftovers removes legs still resting once the position is flat.
func (m *BreakevenManager) cancelLeftovers(ctx context.Context, symbol string, ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		st, err := m.gw.GetOrderState(callCtx, symbol, id)
		cancel()
		if err != nil || st.Status.Terminal() {
			continue
		}
		if err := m.cancel(ctx, symbol, id); err != nil {
			log.Printf("breakeven: cancel leftover leg %s: %v", id, err)
		}
	}
}

func (m *BreakevenManager) cancel(ctx context.Context, symbol, id string) error {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	return m.gw.CancelOrder(callCtx, symbol, id)
}

func (m *BreakevenManager) position(ctx context.Context, symbol string) (exchange.Position, error) {
	var pos exchange.Position
	err := retry.Do(ctx, m.cfg.Poll, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()
		p, err := m.gw.GetPosition(callCtx, symbol)
		if err != nil {
			return err
		}
		pos = p
		return nil
	})
	return pos, err
}

func (m *BreakevenManager) price(ctx context.Context, symbol string) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	return m.gw.GetPrice(callCtx, symbol)
}
