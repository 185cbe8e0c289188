package paper

import (
	"context"
	"log"
	"math/rand"
	"time"

	"breakout-core/pkg/exchanges/common"
)

// Walk drives a random-walk price for dry runs.
type Walk struct {
	Gateway    *Gateway
	Symbol     string
	StartPrice float64
	Step       float64
	Interval   time.Duration
	// History seeds this many one-minute bars before the first tick so the
	// previous period already has a range.
	History int
}

// Start launches the walk; it stops when ctx is done.
func (w *Walk) Start(ctx context.Context) {
	if w.Gateway == nil || w.Symbol == "" {
		log.Println("paper walk: gateway or symbol not set")
		return
	}
	price := w.StartPrice
	if price == 0 {
		price = 100.0
	}
	if w.Step == 0 {
		w.Step = price * 0.0005
	}
	if w.Interval == 0 {
		w.Interval = time.Second
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	if w.History > 0 {
		now := w.Gateway.Now().UTC().Truncate(time.Minute)
		bars := make([]common.Candle, 0, w.History)
		p := price
		for i := w.History; i > 0; i-- {
			open := p
			hi, lo := p, p
			for j := 0; j < 6; j++ {
				p += (rng.Float64()*2 - 1) * w.Step
				hi, lo = max(hi, p), min(lo, p)
			}
			bars = append(bars, common.Candle{Time: now.Add(-time.Duration(i) * time.Minute), Open: open, High: hi, Low: lo, Close: p})
		}
		w.Gateway.SeedCandles(w.Symbol, bars...)
		price = p
	}
	w.Gateway.SetPrice(w.Symbol, price)

	go func() {
		t := time.NewTicker(w.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				price += (rng.Float64()*2 - 1) * w.Step
				w.Gateway.SetPrice(w.Symbol, price)
			}
		}
	}()
}
