package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	exchange "breakout-core/pkg/exchanges/common"
	"breakout-core/pkg/exchanges/paper"
	"breakout-core/pkg/retry"
)

func ptr(v float64) *float64 { return &v }

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond}
}

func TestPlaceBracketLegsAreReduceOnlyOnOppositeSide(t *testing.T) {
	tests := []struct {
		name     string
		side     exchange.Side
		sl, tp   float64
		wantExit exchange.Side
	}{
		{name: "long", side: exchange.SideBuy, sl: 106600, tp: 108100, wantExit: exchange.SideSell},
		{name: "short", side: exchange.SideSell, sl: 107600, tp: 106100, wantExit: exchange.SideBuy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := paper.New()
			bp := NewBracketPlacer(gw, fastPolicy(), time.Second)
			legs, err := bp.PlaceBracket(context.Background(), BracketRequest{
				EntryOrderID: "e-" + tt.name,
				Symbol:       "BTCUSD",
				Side:         tt.side,
				Size:         0.005,
				FilledPrice:  107100,
				StopLoss:     ptr(tt.sl),
				TakeProfit:   ptr(tt.tp),
			})
			if err != nil {
				t.Fatalf("PlaceBracket: %v", err)
			}
			if legs.StopLossID == "" || legs.TakeProfitID == "" {
				t.Fatalf("missing leg ids: %+v", legs)
			}
			orders := gw.Orders()
			if len(orders) != 2 {
				t.Fatalf("want 2 orders, got %d", len(orders))
			}
			wantTypes := []exchange.OrderType{exchange.OrderTypeStopMarket, exchange.OrderTypeTakeProfitMarket}
			wantStops := []float64{tt.sl, tt.tp}
			for i, o := range orders {
				if o.Side != tt.wantExit || !o.ReduceOnly || o.Qty != 0.005 {
					t.Fatalf("leg %d: unexpected order %+v", i, o)
				}
				if o.Type != wantTypes[i] || o.StopPrice != wantStops[i] {
					t.Fatalf("leg %d: want %s @ %v, got %s @ %v", i, wantTypes[i], wantStops[i], o.Type, o.StopPrice)
				}
			}
		})
	}
}

func TestPlaceBracketOnlyOncePerEntry(t *testing.T) {
	gw := paper.New()
	bp := NewBracketPlacer(gw, fastPolicy(), time.Second)
	req := BracketRequest{
		EntryOrderID: "entry-1",
		Symbol:       "BTCUSD",
		Side:         exchange.SideBuy,
		Size:         1,
		StopLoss:     ptr(90),
		TakeProfit:   ptr(110),
	}

	var wg sync.WaitGroup
	results := make([]Legs, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			legs, err := bp.PlaceBracket(context.Background(), req)
			if err != nil {
				t.Errorf("PlaceBracket: %v", err)
			}
			results[i] = legs
		}(i)
	}
	wg.Wait()

	if n := gw.Calls(paper.OpSubmit); n != 2 {
		t.Fatalf("want 2 submissions, got %d", n)
	}
	for i, legs := range results {
		if legs != results[0] {
			t.Fatalf("caller %d saw %+v, want %+v", i, legs, results[0])
		}
	}
	// a later call returns the recorded legs without touching the venue
	legs, err := bp.PlaceBracket(context.Background(), req)
	if err != nil || legs != results[0] {
		t.Fatalf("repeat call = %+v, %v", legs, err)
	}
	if n := gw.Calls(paper.OpSubmit); n != 2 {
		t.Fatalf("repeat call submitted again: %d", n)
	}
}

func TestPlaceBracketRetriesTransientFailures(t *testing.T) {
	gw := paper.New()
	gw.InjectFault(paper.OpSubmit, errors.New("gateway timeout"))
	bp := NewBracketPlacer(gw, fastPolicy(), time.Second)

	legs, err := bp.PlaceBracket(context.Background(), BracketRequest{
		EntryOrderID: "e", Symbol: "BTCUSD", Side: exchange.SideBuy, Size: 1, StopLoss: ptr(90),
	})
	if err != nil {
		t.Fatalf("PlaceBracket: %v", err)
	}
	if legs.StopLossID == "" || legs.TakeProfitID != "" {
		t.Fatalf("unexpected legs %+v", legs)
	}
	if n := gw.Calls(paper.OpSubmit); n != 2 {
		t.Fatalf("want 2 submit attempts, got %d", n)
	}
}

func TestPlaceBracketOneLegFailsOtherStillPlaced(t *testing.T) {
	gw := paper.New()
	gw.InjectFault(paper.OpSubmit, exchange.ErrUnauthorized)
	bp := NewBracketPlacer(gw, fastPolicy(), time.Second)

	legs, err := bp.PlaceBracket(context.Background(), BracketRequest{
		EntryOrderID: "e", Symbol: "BTCUSD", Side: exchange.SideBuy, Size: 1,
		StopLoss: ptr(90), TakeProfit: ptr(110),
	})
	var legErr *LegError
	if !errors.As(err, &legErr) {
		t.Fatalf("want *LegError, got %v", err)
	}
	if legErr.StopLoss == nil || legErr.TakeProfit != nil {
		t.Fatalf("unexpected leg error %+v", legErr)
	}
	if !errors.Is(err, exchange.ErrUnauthorized) {
		t.Fatalf("want unauthorized in chain, got %v", err)
	}
	if legs.StopLossID != "" || legs.TakeProfitID == "" {
		t.Fatalf("unexpected legs %+v", legs)
	}
	// unauthorized is not retried
	if n := gw.Calls(paper.OpSubmit); n != 2 {
		t.Fatalf("want 2 submit attempts, got %d", n)
	}
}

func TestPlaceBracketRequiresEntryID(t *testing.T) {
	bp := NewBracketPlacer(paper.New(), fastPolicy(), time.Second)
	if _, err := bp.PlaceBracket(context.Background(), BracketRequest{Symbol: "BTCUSD"}); err == nil {
		t.Fatalf("expected error for missing entry id")
	}
}
