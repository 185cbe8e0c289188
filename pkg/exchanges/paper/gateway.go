// Package paper is an in-memory venue used for dry runs and tests. It keeps
// a last price per symbol, matches resting orders whenever the price moves,
// and tracks one net position per symbol.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"breakout-core/pkg/exchanges/common"
)

// Op names a gateway method for fault injection and call counting.
type Op string

const (
	OpSubmit     Op = "submit"
	OpOrderState Op = "order_state"
	OpCancel     Op = "cancel"
	OpPrice      Op = "price"
	OpCandles    Op = "candles"
	OpPosition   Op = "position"
	OpOpenOrders Op = "open_orders"
)

var ErrNoPrice = errors.New("paper: no price for symbol")

type paperOrder struct {
	req       common.OrderRequest
	id        string
	status    common.OrderStatus
	filledQty float64
	fillPrice float64
}

type position struct {
	qty   float64 // signed
	entry float64
}

// Gateway is a simulated exchange.
type Gateway struct {
	mu        sync.Mutex
	seq       int64
	prices    map[string]float64
	scripts   map[string][]float64
	candles   map[string][]common.Candle
	orders    map[string]*paperOrder
	order     []string
	positions map[string]*position
	faults    map[Op][]error
	calls     map[Op]int

	// Now stamps recorded ticks; defaults to time.Now.
	Now func() time.Time
	// BeforeCancel runs (without the lock held) before a cancel is applied.
	BeforeCancel func(orderID string)
}

// New creates an empty paper venue.
func New() *Gateway {
	return &Gateway{
		prices:    make(map[string]float64),
		scripts:   make(map[string][]float64),
		candles:   make(map[string][]common.Candle),
		orders:    make(map[string]*paperOrder),
		positions: make(map[string]*position),
		faults:    make(map[Op][]error),
		calls:     make(map[Op]int),
		Now:       time.Now,
	}
}

// SetPrice moves the last price and matches resting orders against it.
func (g *Gateway) SetPrice(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setPriceLocked(symbol, price)
}

// ScriptPrices queues prices returned by successive GetPrice calls. The last
// scripted price sticks once the queue drains.
func (g *Gateway) ScriptPrices(symbol string, prices ...float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts[symbol] = append(g.scripts[symbol], prices...)
}

// SeedCandles adds historical bars for a symbol.
func (g *Gateway) SeedCandles(symbol string, bars ...common.Candle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.candles[symbol] = append(g.candles[symbol], bars...)
	sort.Slice(g.candles[symbol], func(i, j int) bool {
		return g.candles[symbol][i].Time.Before(g.candles[symbol][j].Time)
	})
}

// SetPosition overrides the simulated position. qty is signed.
func (g *Gateway) SetPosition(symbol string, qty, entry float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[symbol] = &position{qty: qty, entry: entry}
}

// InjectFault queues errors returned by the next calls of op.
func (g *Gateway) InjectFault(op Op, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.faults[op] = append(g.faults[op], errs...)
}

// Calls returns how many times op was invoked.
func (g *Gateway) Calls(op Op) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// Orders returns every order submitted so far, oldest first.
func (g *Gateway) Orders() []common.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]common.OrderRequest, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.orders[id].req)
	}
	return out
}

// OrderStatus returns the simulated status of an order.
func (g *Gateway) OrderStatus(id string) common.OrderStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.orders[id]; ok {
		return o.status
	}
	return common.StatusUnknown
}

// Fill forces a full fill of a resting order at price.
func (g *Gateway) Fill(id string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.orders[id]; ok && !o.status.Terminal() {
		g.fillLocked(o, o.req.Qty-o.filledQty, price)
	}
}

// FillPartial fills qty of a resting order at price.
func (g *Gateway) FillPartial(id string, qty, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.orders[id]; ok && !o.status.Terminal() {
		g.fillLocked(o, qty, price)
	}
}

func (g *Gateway) enter(op Op) error {
	g.calls[op]++
	if q := g.faults[op]; len(q) > 0 {
		err := q[0]
		g.faults[op] = q[1:]
		return err
	}
	return nil
}

func (g *Gateway) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return common.OrderResult{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpSubmit); err != nil {
		return common.OrderResult{}, err
	}
	if !req.Side.Valid() || req.Qty <= 0 {
		return common.OrderResult{}, fmt.Errorf("paper: invalid order %+v", req)
	}
	g.seq++
	o := &paperOrder{req: req, id: strconv.FormatInt(g.seq, 10), status: common.StatusNew}
	g.orders[o.id] = o
	g.order = append(g.order, o.id)
	if p, ok := g.prices[req.Symbol]; ok {
		g.matchLocked(o, p)
	}
	return common.OrderResult{ExchangeOrderID: o.id, Status: o.status, ClientID: req.ClientID}, nil
}

func (g *Gateway) GetOrderState(ctx context.Context, symbol, id string) (common.OrderState, error) {
	if err := ctx.Err(); err != nil {
		return common.OrderState{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpOrderState); err != nil {
		return common.OrderState{}, err
	}
	o, ok := g.orders[id]
	if !ok {
		return common.OrderState{}, common.ErrOrderNotFound
	}
	return common.OrderState{
		ExchangeOrderID: o.id,
		Status:          o.status,
		Qty:             o.req.Qty,
		FilledQty:       o.filledQty,
		AvgFillPrice:    o.fillPrice,
	}, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	if err := g.enter(OpCancel); err != nil {
		g.mu.Unlock()
		return err
	}
	hook := g.BeforeCancel
	g.mu.Unlock()
	if hook != nil {
		hook(id)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[id]
	if !ok {
		return common.ErrOrderNotFound
	}
	if o.status.Terminal() {
		return fmt.Errorf("paper: order %s already %s", id, o.status)
	}
	o.status = common.StatusCanceled
	return nil
}

// CancelAllOpenOrders cancels every resting order of symbol.
func (g *Gateway) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpCancel); err != nil {
		return err
	}
	for _, o := range g.orders {
		if o.req.Symbol == symbol && !o.status.Terminal() {
			o.status = common.StatusCanceled
		}
	}
	return nil
}

func (g *Gateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpPrice); err != nil {
		return 0, err
	}
	if q := g.scripts[symbol]; len(q) > 0 {
		g.setPriceLocked(symbol, q[0])
		if len(q) > 1 {
			g.scripts[symbol] = q[1:]
		}
	}
	p, ok := g.prices[symbol]
	if !ok {
		return 0, ErrNoPrice
	}
	return p, nil
}

// GetCandles aggregates stored bars into buckets of resolution aligned to
// the Unix epoch.
func (g *Gateway) GetCandles(ctx context.Context, symbol string, resolution time.Duration, end time.Time, count int) ([]common.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpCandles); err != nil {
		return nil, err
	}
	if resolution <= 0 || count <= 0 {
		return nil, nil
	}
	start := end.Add(-time.Duration(count) * resolution)
	var out []common.Candle
	for _, c := range g.candles[symbol] {
		if c.Time.Before(start) || !c.Time.Before(end) {
			continue
		}
		bucket := c.Time.Truncate(resolution)
		if n := len(out); n > 0 && out[n-1].Time.Equal(bucket) {
			last := &out[n-1]
			last.High = max(last.High, c.High)
			last.Low = min(last.Low, c.Low)
			last.Close = c.Close
			last.Volume += c.Volume
			continue
		}
		c.Time = bucket
		out = append(out, c)
	}
	return out, nil
}

func (g *Gateway) GetPosition(ctx context.Context, symbol string) (common.Position, error) {
	if err := ctx.Err(); err != nil {
		return common.Position{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpPosition); err != nil {
		return common.Position{}, err
	}
	pos := common.Position{Symbol: symbol}
	if p, ok := g.positions[symbol]; ok && p.qty != 0 {
		pos.EntryPrice = p.entry
		if p.qty > 0 {
			pos.Side, pos.Size = common.SideBuy, p.qty
		} else {
			pos.Side, pos.Size = common.SideSell, -p.qty
		}
	}
	return pos, nil
}

func (g *Gateway) GetOpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpOpenOrders); err != nil {
		return nil, err
	}
	var out []common.OpenOrder
	for _, id := range g.order {
		o := g.orders[id]
		if o.req.Symbol != symbol || o.status.Terminal() {
			continue
		}
		out = append(out, common.OpenOrder{
			ExchangeOrderID: o.id,
			Symbol:          symbol,
			Side:            o.req.Side,
			Type:            o.req.Type,
			Qty:             o.req.Qty - o.filledQty,
			Price:           o.req.Price,
			StopPrice:       o.req.StopPrice,
			ReduceOnly:      o.req.ReduceOnly,
		})
	}
	return out, nil
}

func (g *Gateway) setPriceLocked(symbol string, price float64) {
	g.prices[symbol] = price
	g.recordTickLocked(symbol, price)
	for _, id := range g.order {
		o := g.orders[id]
		if o.req.Symbol == symbol && !o.status.Terminal() {
			g.matchLocked(o, price)
		}
	}
}

// recordTickLocked folds a tick into the current one-minute bar.
func (g *Gateway) recordTickLocked(symbol string, price float64) {
	t := g.Now().UTC().Truncate(time.Minute)
	bars := g.candles[symbol]
	if n := len(bars); n > 0 && bars[n-1].Time.Equal(t) {
		b := &bars[n-1]
		b.High = max(b.High, price)
		b.Low = min(b.Low, price)
		b.Close = price
		return
	}
	g.candles[symbol] = append(bars, common.Candle{Time: t, Open: price, High: price, Low: price, Close: price})
}

// matchLocked fills o when price satisfies its trigger. Stop-limit entries
// are treated as marketable at their limit once triggered.
func (g *Gateway) matchLocked(o *paperOrder, price float64) {
	buy := o.req.Side == common.SideBuy
	var hit bool
	fillAt := price
	switch o.req.Type {
	case common.OrderTypeMarket:
		hit = true
	case common.OrderTypeLimit:
		hit = (buy && price <= o.req.Price) || (!buy && price >= o.req.Price)
		fillAt = o.req.Price
	case common.OrderTypeStopLimit:
		hit = (buy && price >= o.req.StopPrice) || (!buy && price <= o.req.StopPrice)
		fillAt = o.req.Price
	case common.OrderTypeStopMarket:
		hit = (buy && price >= o.req.StopPrice) || (!buy && price <= o.req.StopPrice)
	case common.OrderTypeTakeProfitMarket:
		hit = (buy && price <= o.req.StopPrice) || (!buy && price >= o.req.StopPrice)
	}
	if hit {
		g.fillLocked(o, o.req.Qty-o.filledQty, fillAt)
	}
}

func (g *Gateway) fillLocked(o *paperOrder, qty, price float64) {
	pos := g.positions[o.req.Symbol]
	if pos == nil {
		pos = &position{}
		g.positions[o.req.Symbol] = pos
	}
	signed := qty
	if o.req.Side == common.SideSell {
		signed = -qty
	}
	if o.req.ReduceOnly {
		// reduce-only orders never flip or grow the position
		if pos.qty == 0 || (pos.qty > 0) == (signed > 0) {
			o.status = common.StatusCanceled
			return
		}
		if abs(signed) > abs(pos.qty) {
			signed = -pos.qty
			qty = abs(signed)
		}
	}

	prevFilled := o.filledQty
	o.filledQty += qty
	if prevFilled == 0 {
		o.fillPrice = price
	} else {
		o.fillPrice = (o.fillPrice*prevFilled + price*qty) / o.filledQty
	}
	if o.filledQty >= o.req.Qty || o.req.ReduceOnly {
		o.status = common.StatusFilled
	} else {
		o.status = common.StatusPartial
	}

	next := pos.qty + signed
	switch {
	case next == 0:
		pos.entry = 0
	case pos.qty == 0 || (pos.qty > 0) != (next > 0):
		pos.entry = price
	case abs(next) > abs(pos.qty):
		pos.entry = (pos.entry*abs(pos.qty) + price*qty) / abs(next)
	}
	pos.qty = next

	if next == 0 {
		// flat: remaining protective orders have nothing to reduce
		for _, other := range g.orders {
			if other != o && other.req.Symbol == o.req.Symbol && other.req.ReduceOnly && !other.status.Terminal() {
				other.status = common.StatusCanceled
			}
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
