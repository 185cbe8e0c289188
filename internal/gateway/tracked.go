package gateway

import (
	"context"
	"errors"
	"time"

	"breakout-core/internal/monitor"
	exchange "breakout-core/pkg/exchanges/common"
)

// Tracked wraps a Gateway, timing every call and feeding its outcome to
// the pool's circuit breaker. Instances keep using a Tracked even after the
// pool evicts it.
type Tracked struct {
	inner exchange.Gateway
	pool  *Pool
	key   string
}

// Track wraps gw without a pool, for metrics only.
func Track(gw exchange.Gateway) *Tracked {
	return &Tracked{inner: gw}
}

func (t *Tracked) observe(op string, start time.Time, err error) {
	monitor.ObserveGatewayCall(op, time.Since(start), err)
	if t.pool == nil {
		return
	}
	// caller cancellation and unknown ids say nothing about venue health
	if errors.Is(err, context.Canceled) || errors.Is(err, exchange.ErrOrderNotFound) {
		return
	}
	t.pool.recordResult(t.key, err)
}

func (t *Tracked) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (res exchange.OrderResult, err error) {
	defer func(start time.Time) { t.observe("submit_order", start, err) }(time.Now())
	return t.inner.SubmitOrder(ctx, req)
}

func (t *Tracked) GetOrderState(ctx context.Context, symbol, id string) (st exchange.OrderState, err error) {
	defer func(start time.Time) { t.observe("order_state", start, err) }(time.Now())
	return t.inner.GetOrderState(ctx, symbol, id)
}

func (t *Tracked) CancelOrder(ctx context.Context, symbol, id string) (err error) {
	defer func(start time.Time) { t.observe("cancel_order", start, err) }(time.Now())
	return t.inner.CancelOrder(ctx, symbol, id)
}

func (t *Tracked) GetPrice(ctx context.Context, symbol string) (p float64, err error) {
	defer func(start time.Time) { t.observe("price", start, err) }(time.Now())
	return t.inner.GetPrice(ctx, symbol)
}

func (t *Tracked) GetCandles(ctx context.Context, symbol string, res time.Duration, end time.Time, count int) (c []exchange.Candle, err error) {
	defer func(start time.Time) { t.observe("candles", start, err) }(time.Now())
	return t.inner.GetCandles(ctx, symbol, res, end, count)
}

func (t *Tracked) GetPosition(ctx context.Context, symbol string) (p exchange.Position, err error) {
	defer func(start time.Time) { t.observe("position", start, err) }(time.Now())
	return t.inner.GetPosition(ctx, symbol)
}

func (t *Tracked) GetOpenOrders(ctx context.Context, symbol string) (o []exchange.OpenOrder, err error) {
	defer func(start time.Time) { t.observe("open_orders", start, err) }(time.Now())
	return t.inner.GetOpenOrders(ctx, symbol)
}

// CancelAllOpenOrders uses the venue's bulk cancel when it has one and
// cancels order by order otherwise.
func (t *Tracked) CancelAllOpenOrders(ctx context.Context, symbol string) (err error) {
	defer func(start time.Time) { t.observe("cancel_all", start, err) }(time.Now())
	if bulk, ok := t.inner.(exchange.BulkCanceller); ok {
		return bulk.CancelAllOpenOrders(ctx, symbol)
	}
	orders, err := t.inner.GetOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	var errs []error
	for _, o := range orders {
		if cerr := t.inner.CancelOrder(ctx, symbol, o.ExchangeOrderID); cerr != nil {
			errs = append(errs, cerr)
		}
	}
	return errors.Join(errs...)
}
