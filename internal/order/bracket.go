package order

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"breakout-core/internal/monitor"
	exchange "breakout-core/pkg/exchanges/common"
	"breakout-core/pkg/retry"
)

// BracketRequest describes a filled entry that needs protective legs.
type BracketRequest struct {
	EntryOrderID string
	Symbol       string
	ProductID    int
	Side         exchange.Side // side of the entry
	Size         float64       // filled quantity
	FilledPrice  float64
	StopLoss     *float64
	TakeProfit   *float64
}

type placedBracket struct {
	legs Legs
	err  error
}

// BracketPlacer attaches reduce-only stop-loss and take-profit orders to a
// filled entry. Each entry order id is bracketed at most once.
type BracketPlacer struct {
	gw          exchange.Gateway
	policy      retry.Policy
	callTimeout time.Duration

	mu     sync.Mutex
	placed map[string]placedBracket
	group  singleflight.Group
}

// NewBracketPlacer creates a placer. policy bounds the attempts per leg.
func NewBracketPlacer(gw exchange.Gateway, policy retry.Policy, callTimeout time.Duration) *BracketPlacer {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	if policy.Retryable == nil {
		policy.Retryable = func(err error) bool { return !exchange.IsUnrecoverable(err) }
	}
	return &BracketPlacer{
		gw:          gw,
		policy:      policy,
		callTimeout: callTimeout,
		placed:      make(map[string]placedBracket),
	}
}

// PlaceBracket places both legs for req. A leg that keeps failing does not
// stop the other leg; the returned *LegError names the legs that failed.
// Repeated calls for the same entry return the recorded outcome.
func (b *BracketPlacer) PlaceBracket(ctx context.Context, req BracketRequest) (Legs, error) {
	if req.EntryOrderID == "" {
		return Legs{}, errors.New("bracket: entry order id is required")
	}
	if prev, ok := b.recorded(req.EntryOrderID); ok {
		return prev.legs, prev.err
	}

	v, _, _ := b.group.Do(req.EntryOrderID, func() (any, error) {
		if prev, ok := b.recorded(req.EntryOrderID); ok {
			return prev, nil
		}
		res := b.place(ctx, req)
		b.mu.Lock()
		b.placed[req.EntryOrderID] = res
		b.mu.Unlock()
		return res, nil
	})
	res := v.(placedBracket)
	return res.legs, res.err
}

func (b *BracketPlacer) recorded(id string) (placedBracket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.placed[id]
	return p, ok
}

func (b *BracketPlacer) place(ctx context.Context, req BracketRequest) placedBracket {
	var (
		legs   Legs
		legErr LegError
	)
	exit := req.Side.Opposite()

	if req.StopLoss != nil {
		id, err := b.placeLeg(ctx, exchange.OrderRequest{
			Symbol:     req.Symbol,
			ProductID:  req.ProductID,
			Side:       exit,
			Type:       exchange.OrderTypeStopMarket,
			Qty:        req.Size,
			StopPrice:  *req.StopLoss,
			ReduceOnly: true,
		})
		if err != nil {
			legErr.StopLoss = err
			monitor.RecordLegFailure(LegStopLoss)
			log.Printf("bracket: stop-loss for entry %s failed: %v", req.EntryOrderID, err)
		} else {
			legs.StopLossID = id
		}
	}

	if req.TakeProfit != nil {
		id, err := b.placeLeg(ctx, exchange.OrderRequest{
			Symbol:     req.Symbol,
			ProductID:  req.ProductID,
			Side:       exit,
			Type:       exchange.OrderTypeTakeProfitMarket,
			Qty:        req.Size,
			StopPrice:  *req.TakeProfit,
			ReduceOnly: true,
		})
		if err != nil {
			legErr.TakeProfit = err
			monitor.RecordLegFailure(LegTakeProfit)
			log.Printf("bracket: take-profit for entry %s failed: %v", req.EntryOrderID, err)
		} else {
			legs.TakeProfitID = id
		}
	}

	if legErr.StopLoss != nil || legErr.TakeProfit != nil {
		return placedBracket{legs: legs, err: &legErr}
	}
	log.Printf("bracket: entry %s protected size=%v sl=%s tp=%s", req.EntryOrderID, req.Size, legs.StopLossID, legs.TakeProfitID)
	return placedBracket{legs: legs}
}

func (b *BracketPlacer) placeLeg(ctx context.Context, req exchange.OrderRequest) (string, error) {
	var id string
	err := retry.Do(ctx, b.policy, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
		defer cancel()
		res, err := b.gw.SubmitOrder(callCtx, req)
		if err != nil {
			return err
		}
		id = res.ExchangeOrderID
		return nil
	})
	return id, err
}
