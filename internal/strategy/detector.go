package strategy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"breakout-core/internal/monitor"
	exchange "breakout-core/pkg/exchanges/common"
	"breakout-core/pkg/retry"
)

// ErrNoCandles is returned when the venue has no bars for the previous period.
var ErrNoCandles = errors.New("no candles for previous period")

// Direction of a breakout.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Side returns the entry side that trades the breakout.
func (d Direction) Side() exchange.Side {
	if d == Short {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// Bounds is the high and low of a completed period.
type Bounds struct {
	High        float64       `json:"high"`
	Low         float64       `json:"low"`
	PeriodStart time.Time     `json:"period_start"`
	PeriodEnd   time.Time     `json:"period_end"`
	Resolution  time.Duration `json:"-"`
}

// Breakout is a price sample beyond one of the bounds.
type Breakout struct {
	Direction Direction `json:"direction"`
	Price     float64   `json:"price"`
	Level     float64   `json:"level"`
	At        time.Time `json:"at"`
}

// Detector computes previous-period bounds and watches price for a break.
type Detector struct {
	gw          exchange.Gateway
	callTimeout time.Duration
	poll        retry.Policy

	// Now is the clock used for period math; defaults to time.Now.
	Now func() time.Time
}

func NewDetector(gw exchange.Gateway, callTimeout time.Duration) *Detector {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	p := retry.Default()
	p.Retryable = func(err error) bool { return !exchange.IsUnrecoverable(err) }
	return &Detector{gw: gw, callTimeout: callTimeout, poll: p, Now: time.Now}
}

// ComputeBounds returns the high and low of the last period of length tf
// that completed before asOf, with period boundaries taken in loc.
func (d *Detector) ComputeBounds(ctx context.Context, symbol string, tf time.Duration, loc *time.Location, asOf time.Time) (Bounds, error) {
	start, end := PreviousPeriod(asOf, tf, loc)
	res, count := resolutionFor(start, end)

	var candles []exchange.Candle
	err := retry.Do(ctx, d.poll, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		defer cancel()
		c, err := d.gw.GetCandles(callCtx, symbol, res, end, count)
		if err != nil {
			return err
		}
		candles = c
		return nil
	})
	if err != nil {
		return Bounds{}, fmt.Errorf("candles %s %s: %w", symbol, res, err)
	}

	b := Bounds{PeriodStart: start, PeriodEnd: end, Resolution: res}
	seen := false
	for _, c := range candles {
		if c.Time.Before(start) || !c.Time.Before(end) {
			continue
		}
		if !seen {
			b.High, b.Low, seen = c.High, c.Low, true
			continue
		}
		b.High = max(b.High, c.High)
		b.Low = min(b.Low, c.Low)
	}
	if !seen {
		return Bounds{}, fmt.Errorf("%s %s..%s: %w", symbol, start.Format(time.RFC3339), end.Format(time.RFC3339), ErrNoCandles)
	}
	return b, nil
}

// Watch samples price every interval until it trades strictly above high
// or strictly below low, then returns that single breakout.
func (d *Detector) Watch(ctx context.Context, symbol string, high, low float64, interval time.Duration) (Breakout, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return Breakout{}, err
		}

		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		price, err := d.gw.GetPrice(callCtx, symbol)
		cancel()
		switch {
		case err != nil && exchange.IsUnrecoverable(err):
			return Breakout{}, fmt.Errorf("price %s: %w", symbol, err)
		case err != nil:
			if ctx.Err() == nil {
				log.Printf("breakout: price sample for %s missed: %v", symbol, err)
			}
		case price > high:
			monitor.RecordBreakout(string(Long))
			return Breakout{Direction: Long, Price: price, Level: high, At: d.Now()}, nil
		case price < low:
			monitor.RecordBreakout(string(Short))
			return Breakout{Direction: Short, Price: price, Level: low, At: d.Now()}, nil
		}

		select {
		case <-ctx.Done():
			return Breakout{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForBoundary blocks until the next period boundary after now.
func (d *Detector) WaitForBoundary(ctx context.Context, tf time.Duration, loc *time.Location) (time.Time, error) {
	now := d.Now()
	next := NextPeriodStart(now, tf, loc)
	if err := retry.Sleep(ctx, next.Sub(now)); err != nil {
		return time.Time{}, err
	}
	return next, nil
}
