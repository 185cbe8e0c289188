package common

import (
	"context"
	"time"
)

// Gateway abstracts a trading venue. Every method honours the deadline of
// the supplied context.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetOrderState(ctx context.Context, symbol, exchangeOrderID string) (OrderState, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	GetPrice(ctx context.Context, symbol string) (float64, error)
	// GetCandles returns up to count bars of the given resolution whose open
	// time falls in [end-count*resolution, end), oldest first.
	GetCandles(ctx context.Context, symbol string, resolution time.Duration, end time.Time, count int) ([]Candle, error)
	GetPosition(ctx context.Context, symbol string) (Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
}

// BulkCanceller is implemented by venues that can cancel every open order
// of a symbol in one call.
type BulkCanceller interface {
	CancelAllOpenOrders(ctx context.Context, symbol string) error
}
