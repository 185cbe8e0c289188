package order

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"breakout-core/internal/events"
	exchange "breakout-core/pkg/exchanges/common"
	"breakout-core/pkg/exchanges/paper"
	"breakout-core/pkg/retry"
)

const symbol = "BTCUSD"

func newTestPlacer(gw exchange.Gateway, store ResultStore, bus *events.Bus) *EntryPlacer {
	cfg := PlacerConfig{
		CheckInterval: 5 * time.Millisecond,
		CallTimeout:   time.Second,
		Poll:          retry.Policy{Attempts: 2, Initial: time.Millisecond},
	}
	return NewEntryPlacer(gw, NewBracketPlacer(gw, fastPolicy(), time.Second), store, cfg, bus)
}

func longIntent(wait int) OrderIntent {
	return OrderIntent{
		Symbol:          symbol,
		Side:            exchange.SideBuy,
		EntryPrice:      107100,
		Size:            0.005,
		StopLoss:        ptr(106600),
		TakeProfit:      ptr(108100),
		WaitTimeSeconds: wait,
	}
}

func TestPlaceAndWaitFillsAndBrackets(t *testing.T) {
	gw := paper.New()
	gw.SetPrice(symbol, 107000)
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventBracketResult, 1)
	defer unsub()
	p := newTestPlacer(gw, nil, bus)

	go func() {
		time.Sleep(30 * time.Millisecond)
		gw.SetPrice(symbol, 107150)
	}()

	res := p.PlaceAndWait(context.Background(), longIntent(5))
	if res.Outcome != OutcomeFilled {
		t.Fatalf("want filled, got %s (%s)", res.Outcome, res.Message)
	}
	if res.FilledPrice != 107100 || res.FilledSize != 0.005 {
		t.Fatalf("unexpected fill %v @ %v", res.FilledSize, res.FilledPrice)
	}
	if res.EntryOrderID == "" || res.StopLossOrderID == "" || res.TakeProfitOrderID == "" {
		t.Fatalf("missing order ids: %+v", res)
	}
	if !res.Protected() {
		t.Fatalf("expected protected result, leg error %q", res.LegError)
	}

	orders := gw.Orders()
	if len(orders) != 3 {
		t.Fatalf("want entry plus two legs, got %d orders", len(orders))
	}
	entry := orders[0]
	if entry.Type != exchange.OrderTypeStopLimit || entry.Price != 107100 || entry.StopPrice != 107100 {
		t.Fatalf("unexpected entry order %+v", entry)
	}
	for _, leg := range orders[1:] {
		if leg.Side != exchange.SideSell || !leg.ReduceOnly || leg.Qty != 0.005 {
			t.Fatalf("unexpected leg %+v", leg)
		}
	}

	select {
	case ev := <-ch:
		if got := ev.(BracketResult); got.EntryOrderID != res.EntryOrderID {
			t.Fatalf("published result for %s, want %s", got.EntryOrderID, res.EntryOrderID)
		}
	default:
		t.Fatalf("no bracket result published")
	}
}

func TestPlaceAndWaitTimesOut(t *testing.T) {
	tests := []struct {
		name string
		wait int
	}{
		{name: "zero wait", wait: 0},
		{name: "one second", wait: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := paper.New()
			gw.SetPrice(symbol, 107000)
			p := newTestPlacer(gw, nil, nil)

			res := p.PlaceAndWait(context.Background(), longIntent(tt.wait))
			if res.Outcome != OutcomeTimedOut {
				t.Fatalf("want timed_out, got %s (%s)", res.Outcome, res.Message)
			}
			if n := gw.Calls(paper.OpCancel); n != 1 {
				t.Fatalf("want exactly one cancel, got %d", n)
			}
			if n := gw.Calls(paper.OpSubmit); n != 1 {
				t.Fatalf("no legs expected, got %d submissions", n)
			}
			if gw.OrderStatus(res.EntryOrderID) != exchange.StatusCanceled {
				t.Fatalf("entry not cancelled: %s", gw.OrderStatus(res.EntryOrderID))
			}
		})
	}
}

func TestPlaceAndWaitHonoursFillDuringCancel(t *testing.T) {
	tests := []struct {
		name     string
		fill     func(gw *paper.Gateway, id string)
		wantSize float64
	}{
		{
			name:     "full",
			fill:     func(gw *paper.Gateway, id string) { gw.Fill(id, 107100) },
			wantSize: 0.005,
		},
		{
			name:     "partial",
			fill:     func(gw *paper.Gateway, id string) { gw.FillPartial(id, 0.002, 107100) },
			wantSize: 0.002,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := paper.New()
			gw.SetPrice(symbol, 107000)
			gw.BeforeCancel = func(id string) { tt.fill(gw, id) }
			p := newTestPlacer(gw, nil, nil)

			res := p.PlaceAndWait(context.Background(), longIntent(0))
			if res.Outcome != OutcomeFilled {
				t.Fatalf("want filled, got %s (%s)", res.Outcome, res.Message)
			}
			if res.FilledSize != tt.wantSize {
				t.Fatalf("want filled size %v, got %v", tt.wantSize, res.FilledSize)
			}
			if res.StopLossOrderID == "" || res.TakeProfitOrderID == "" {
				t.Fatalf("late fill left unprotected: %+v", res)
			}
			for _, leg := range gw.Orders()[1:] {
				if leg.Qty != tt.wantSize {
					t.Fatalf("leg sized %v, want %v", leg.Qty, tt.wantSize)
				}
			}
		})
	}
}

func TestPlaceAndWaitSubmitFailure(t *testing.T) {
	gw := paper.New()
	gw.InjectFault(paper.OpSubmit, errors.New("insufficient margin"))
	p := newTestPlacer(gw, nil, nil)

	res := p.PlaceAndWait(context.Background(), longIntent(5))
	if res.Outcome != OutcomeFailed || res.Err == nil {
		t.Fatalf("want failed with error, got %s (%v)", res.Outcome, res.Err)
	}
	if res.EntryOrderID != "" {
		t.Fatalf("unexpected entry id %q", res.EntryOrderID)
	}
	if n := gw.Calls(paper.OpCancel); n != 0 {
		t.Fatalf("nothing to cancel, got %d cancels", n)
	}
}

func TestPlaceAndWaitRejectsInvalidIntent(t *testing.T) {
	gw := paper.New()
	p := newTestPlacer(gw, nil, nil)
	in := longIntent(5)
	in.Size = 0

	if res := p.PlaceAndWait(context.Background(), in); res.Outcome != OutcomeFailed {
		t.Fatalf("want failed, got %s", res.Outcome)
	}
	if n := gw.Calls(paper.OpSubmit); n != 0 {
		t.Fatalf("invalid intent reached the venue")
	}
}

// stopLegFails rejects stop-loss legs and passes everything else through.
type stopLegFails struct {
	*paper.Gateway
}

func (g stopLegFails) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if req.Type == exchange.OrderTypeStopMarket {
		return exchange.OrderResult{}, errors.New("stop price too close")
	}
	return g.Gateway.SubmitOrder(ctx, req)
}

func TestPlaceAndWaitReportsLegFailure(t *testing.T) {
	gw := paper.New()
	gw.SetPrice(symbol, 107200) // entry triggers on submit
	p := newTestPlacer(stopLegFails{gw}, nil, nil)

	res := p.PlaceAndWait(context.Background(), longIntent(5))
	if res.Outcome != OutcomeFilled {
		t.Fatalf("want filled, got %s (%s)", res.Outcome, res.Message)
	}
	if res.LegError == "" || res.Protected() {
		t.Fatalf("expected leg error, got %+v", res)
	}
	var legErr *LegError
	if !errors.As(res.Err, &legErr) || legErr.StopLoss == nil {
		t.Fatalf("want stop-loss LegError, got %v", res.Err)
	}
	if res.StopLossOrderID != "" || res.TakeProfitOrderID == "" {
		t.Fatalf("take-profit should still be placed: %+v", res)
	}
}

func TestPlaceAndWaitCancelledContext(t *testing.T) {
	gw := paper.New()
	gw.SetPrice(symbol, 107000)
	p := newTestPlacer(gw, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	res := p.PlaceAndWait(ctx, longIntent(60))
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("want cancelled, got %s (%s)", res.Outcome, res.Message)
	}
	if gw.OrderStatus(res.EntryOrderID) != exchange.StatusCanceled {
		t.Fatalf("entry left resting: %s", gw.OrderStatus(res.EntryOrderID))
	}
}

func TestPlaceAndWaitIsIdempotentPerToken(t *testing.T) {
	gw := paper.New()
	gw.SetPrice(symbol, 107000)
	p := newTestPlacer(gw, NewMemoryStore(), nil)
	in := longIntent(0)
	in.Token = "abc-123"

	first := p.PlaceAndWait(context.Background(), in)
	second := p.PlaceAndWait(context.Background(), in)

	if first.Outcome != OutcomeTimedOut {
		t.Fatalf("want timed_out, got %s", first.Outcome)
	}
	if second.EntryOrderID != first.EntryOrderID || second.Outcome != first.Outcome ||
		second.Message != first.Message || !second.CompletedAt.Equal(first.CompletedAt) {
		t.Fatalf("results differ:\n%+v\n%+v", first, second)
	}
	if n := gw.Calls(paper.OpSubmit); n != 1 {
		t.Fatalf("want a single submission, got %d", n)
	}
	if orders := gw.Orders(); orders[0].ClientID != "abc-123" {
		t.Fatalf("token not forwarded as client id: %q", orders[0].ClientID)
	}
}

func TestPlaceAndWaitNoLegsRequested(t *testing.T) {
	gw := paper.New()
	gw.SetPrice(symbol, 107200)
	p := newTestPlacer(gw, nil, nil)
	in := longIntent(5)
	in.StopLoss, in.TakeProfit = nil, nil

	res := p.PlaceAndWait(context.Background(), in)
	if res.Outcome != OutcomeFilled || res.StopLossOrderID != "" || res.TakeProfitOrderID != "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Protected() || len(res.LegsOmitted) != 2 {
		t.Fatalf("unprotected fill reported as protected: %+v", res)
	}
	if n := gw.Calls(paper.OpSubmit); n != 1 {
		t.Fatalf("want only the entry, got %d submissions", n)
	}
}

func TestPlaceAndWaitSingleLegIsNotProtected(t *testing.T) {
	tests := []struct {
		name    string
		drop    func(*OrderIntent)
		omitted string
	}{
		{"no take-profit", func(in *OrderIntent) { in.TakeProfit = nil }, LegTakeProfit},
		{"no stop-loss", func(in *OrderIntent) { in.StopLoss = nil }, LegStopLoss},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gw := paper.New()
			gw.SetPrice(symbol, 107200)
			p := newTestPlacer(gw, nil, nil)
			in := longIntent(5)
			tc.drop(&in)

			res := p.PlaceAndWait(context.Background(), in)
			if res.Outcome != OutcomeFilled {
				t.Fatalf("want filled, got %s (%s)", res.Outcome, res.Message)
			}
			if res.Protected() {
				t.Fatalf("single-leg fill reported as protected: %+v", res)
			}
			if len(res.LegsOmitted) != 1 || res.LegsOmitted[0] != tc.omitted {
				t.Fatalf("LegsOmitted = %v, want [%s]", res.LegsOmitted, tc.omitted)
			}
			if res.LegError != "" {
				t.Fatalf("omitted leg is not a leg failure: %q", res.LegError)
			}
			if strings.Contains(res.Message, "bracket placed") || !strings.Contains(res.Message, tc.omitted+" not requested") {
				t.Fatalf("unexpected message %q", res.Message)
			}
			if n := gw.Calls(paper.OpSubmit); n != 2 {
				t.Fatalf("want entry and one leg, got %d submissions", n)
			}
		})
	}
}
