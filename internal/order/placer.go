package order

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"breakout-core/internal/events"
	"breakout-core/internal/monitor"
	exchange "breakout-core/pkg/exchanges/common"
	"breakout-core/pkg/retry"
)

// PlacerConfig tunes the entry-wait loop.
type PlacerConfig struct {
	CheckInterval time.Duration // order status poll interval
	CallTimeout   time.Duration // bound on every gateway call
	Poll          retry.Policy  // retries for a single status poll
}

// DefaultPlacerConfig mirrors the venue-friendly defaults.
func DefaultPlacerConfig() PlacerConfig {
	return PlacerConfig{
		CheckInterval: 10 * time.Second,
		CallTimeout:   10 * time.Second,
		Poll:          retry.Default(),
	}
}

// EntryPlacer submits a resting entry, waits for it to fill, and hands the
// fill to a BracketPlacer.
type EntryPlacer struct {
	gw       exchange.Gateway
	brackets *BracketPlacer
	store    ResultStore
	cfg      PlacerConfig
	bus      *events.Bus
	group    singleflight.Group
}

// NewEntryPlacer wires a placer. store and bus may be nil.
func NewEntryPlacer(gw exchange.Gateway, brackets *BracketPlacer, store ResultStore, cfg PlacerConfig, bus *events.Bus) *EntryPlacer {
	def := DefaultPlacerConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.Poll.Attempts <= 0 {
		cfg.Poll = def.Poll
	}
	if cfg.Poll.Retryable == nil {
		cfg.Poll.Retryable = func(err error) bool { return !exchange.IsUnrecoverable(err) }
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &EntryPlacer{gw: gw, brackets: brackets, store: store, cfg: cfg, bus: bus}
}

// PlaceAndWait drives intent to a terminal BracketResult. With a token,
// a terminal result already recorded for it is returned without touching
// the venue, and concurrent calls sharing a token share one submission.
func (p *EntryPlacer) PlaceAndWait(ctx context.Context, intent OrderIntent) BracketResult {
	if intent.Token == "" {
		return p.run(ctx, intent)
	}
	if r, ok, err := p.store.Load(ctx, intent.Token); err != nil {
		log.Printf("placer: load result %s: %v", intent.Token, err)
	} else if ok {
		log.Printf("placer: token %s already %s; returning recorded result", intent.Token, r.Outcome)
		return r
	}

	v, _, _ := p.group.Do(intent.Token, func() (any, error) {
		if r, ok, _ := p.store.Load(ctx, intent.Token); ok {
			return r, nil
		}
		r := p.run(ctx, intent)
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CallTimeout)
		defer cancel()
		if err := p.store.Save(saveCtx, intent.Token, r); err != nil {
			log.Printf("placer: save result %s: %v", intent.Token, err)
		}
		return r, nil
	})
	return v.(BracketResult)
}

func (p *EntryPlacer) run(ctx context.Context, intent OrderIntent) (res BracketResult) {
	res = BracketResult{Token: intent.Token, Symbol: intent.Symbol, Side: intent.Side}
	defer func() {
		res.CompletedAt = time.Now()
		monitor.RecordBracketOutcome(string(res.Outcome))
		p.bus.Publish(events.EventBracketResult, res)
	}()

	if err := intent.Validate(); err != nil {
		return failed(res, fmt.Errorf("invalid order: %w", err))
	}
	if ctx.Err() != nil {
		res.Outcome = OutcomeCancelled
		res.Message = "cancelled before submission"
		return res
	}

	submitCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	ack, err := p.gw.SubmitOrder(submitCtx, exchange.OrderRequest{
		Symbol:      intent.Symbol,
		ProductID:   intent.ProductID,
		Side:        intent.Side,
		Type:        exchange.OrderTypeStopLimit,
		Qty:         intent.Size,
		Price:       intent.EntryPrice,
		StopPrice:   intent.EntryPrice,
		TimeInForce: exchange.TIFGTC,
		ClientID:    intent.Token,
	})
	cancel()
	if err != nil {
		log.Printf("placer: submit %s %s failed: %v", intent.Side, intent.Symbol, err)
		return failed(res, fmt.Errorf("entry submission failed: %w", err))
	}
	res.EntryOrderID = ack.ExchangeOrderID
	deadline := time.Now().Add(intent.Wait())
	log.Printf("placer: entry %s %s %s size=%v @ %v resting, wait=%s",
		ack.ExchangeOrderID, intent.Side, intent.Symbol, intent.Size, intent.EntryPrice, intent.Wait())

	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()
	deadlineTimer := time.NewTimer(time.Until(deadline))
	defer deadlineTimer.Stop()

	for {
		if !time.Now().Before(deadline) {
			return p.settle(ctx, res, intent, OutcomeTimedOut)
		}

		st, err := p.pollState(ctx, intent.Symbol, res.EntryOrderID)
		switch {
		case err == nil && st.Status == exchange.StatusFilled:
			return p.filled(ctx, res, intent, st)
		case err == nil && st.Status.Terminal():
			if st.FilledQty > 0 {
				return p.filled(ctx, res, intent, st)
			}
			return failed(res, fmt.Errorf("entry order %s ended %s on the venue", res.EntryOrderID, st.Status))
		case err != nil && exchange.IsUnrecoverable(err):
			p.cancelEntry(ctx, intent.Symbol, res.EntryOrderID)
			return failed(res, fmt.Errorf("entry status: %w", err))
		case err != nil && ctx.Err() == nil:
			log.Printf("placer: status poll for %s missed: %v", res.EntryOrderID, err)
		}

		select {
		case <-ctx.Done():
			return p.settle(ctx, res, intent, OutcomeCancelled)
		case <-deadlineTimer.C:
		case <-ticker.C:
		}
	}
}

// settle cancels the resting entry and reports terminal. A fill the venue
// reports after the cancel is honoured instead.
func (p *EntryPlacer) settle(ctx context.Context, res BracketResult, intent OrderIntent, terminal Outcome) BracketResult {
	bg := context.WithoutCancel(ctx)
	cancelErr := p.cancelEntry(bg, intent.Symbol, res.EntryOrderID)

	st, err := p.pollState(bg, intent.Symbol, res.EntryOrderID)
	if err == nil && st.FilledQty > 0 {
		log.Printf("placer: entry %s filled %v while being cancelled; keeping the fill", res.EntryOrderID, st.FilledQty)
		return p.filled(bg, res, intent, st)
	}
	if err != nil && cancelErr != nil {
		return failed(res, fmt.Errorf("entry %s state unknown after cancel (%v): %w", res.EntryOrderID, cancelErr, err))
	}

	res.Outcome = terminal
	switch terminal {
	case OutcomeTimedOut:
		res.Message = fmt.Sprintf("no fill within %ds; entry cancelled", intent.WaitTimeSeconds)
	default:
		res.Message = "stop requested; entry cancelled"
	}
	log.Printf("placer: entry %s %s", res.EntryOrderID, terminal)
	return res
}

func (p *EntryPlacer) filled(ctx context.Context, res BracketResult, intent OrderIntent, st exchange.OrderState) BracketResult {
	res.Outcome = OutcomeFilled
	res.FilledSize = st.FilledQty
	if res.FilledSize <= 0 {
		res.FilledSize = intent.Size
	}
	res.FilledPrice = st.AvgFillPrice
	if res.FilledPrice <= 0 {
		res.FilledPrice = intent.EntryPrice
	}
	if st.Status != exchange.StatusFilled && !st.Status.Terminal() {
		// partial fill still resting: stop the remainder so the legs match the position
		p.cancelEntry(context.WithoutCancel(ctx), intent.Symbol, res.EntryOrderID)
	}

	if intent.StopLoss == nil {
		res.LegsOmitted = append(res.LegsOmitted, LegStopLoss)
	}
	if intent.TakeProfit == nil {
		res.LegsOmitted = append(res.LegsOmitted, LegTakeProfit)
	}
	if len(res.LegsOmitted) == 2 {
		res.Message = "entry filled; no protective legs requested"
		log.Printf("placer: entry %s filled without protective legs", res.EntryOrderID)
		return res
	}

	// a filled entry is protected even if a stop was requested meanwhile
	legs, err := p.brackets.PlaceBracket(context.WithoutCancel(ctx), BracketRequest{
		EntryOrderID: res.EntryOrderID,
		Symbol:       intent.Symbol,
		ProductID:    intent.ProductID,
		Side:         intent.Side,
		Size:         res.FilledSize,
		FilledPrice:  res.FilledPrice,
		StopLoss:     intent.StopLoss,
		TakeProfit:   intent.TakeProfit,
	})
	res.StopLossOrderID = legs.StopLossID
	res.TakeProfitOrderID = legs.TakeProfitID
	if err != nil {
		res.LegError = err.Error()
		res.Err = err
		res.Message = "entry filled; protective legs incomplete"
		return res
	}
	if len(res.LegsOmitted) > 0 {
		res.Message = fmt.Sprintf("entry filled; %s", res.ProtectionGap())
		log.Printf("placer: entry %s filled, %s", res.EntryOrderID, res.ProtectionGap())
		return res
	}
	res.Message = "entry filled and bracket placed"
	return res
}

func (p *EntryPlacer) pollState(ctx context.Context, symbol, id string) (exchange.OrderState, error) {
	var st exchange.OrderState
	err := retry.Do(ctx, p.cfg.Poll, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		defer cancel()
		s, err := p.gw.GetOrderState(callCtx, symbol, id)
		if err != nil {
			return err
		}
		st = s
		return nil
	})
	return st, err
}

func (p *EntryPlacer) cancelEntry(ctx context.Context, symbol, id string) error {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	err := p.gw.CancelOrder(callCtx, symbol, id)
	if err != nil {
		log.Printf("placer: cancel %s: %v", id, err)
	}
	return err
}

func failed(res BracketResult, err error) BracketResult {
	res.Outcome = OutcomeFailed
	res.Message = err.Error()
	res.Err = err
	return res
}
