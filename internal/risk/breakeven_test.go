package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	exchange "breakout-core/pkg/exchanges/common"
	"breakout-core/pkg/exchanges/paper"
	"breakout-core/pkg/retry"
)

const sym = "BTCUSD"

// openLong seeds a filled long of size 1 at 107100 with both legs resting.
func openLong(t *testing.T, gw *paper.Gateway) ActivePosition {
	t.Helper()
	gw.SetPosition(sym, 1, 107100)
	gw.SetPrice(sym, 107000)
	sl, err := gw.SubmitOrder(context.Background(), exchange.OrderRequest{
		Symbol: sym, Side: exchange.SideSell, Type: exchange.OrderTypeStopMarket, Qty: 1, StopPrice: 106300, ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("stop leg: %v", err)
	}
	tp, err := gw.SubmitOrder(context.Background(), exchange.OrderRequest{
		Symbol: sym, Side: exchange.SideSell, Type: exchange.OrderTypeTakeProfitMarket, Qty: 1, StopPrice: 107800, ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("take-profit leg: %v", err)
	}
	return ActivePosition{
		Symbol: sym, Side: exchange.SideBuy, Size: 1, EntryPrice: 107100,
		StopLossOrderID: sl.ExchangeOrderID, TakeProfitOrderID: tp.ExchangeOrderID,
	}
}

func newTestManager(gw exchange.Gateway) *BreakevenManager {
	return NewBreakevenManager(gw, BreakevenConfig{
		PollInterval: 5 * time.Millisecond,
		CallTimeout:  time.Second,
		Poll:         retry.Policy{Attempts: 2, Initial: time.Millisecond},
	})
}

type superviseResult struct {
	res Result
	err error
}

func supervise(m *BreakevenManager, ctx context.Context, pos ActivePosition, trigger float64) <-chan superviseResult {
	done := make(chan superviseResult, 1)
	go func() {
		res, err := m.Supervise(ctx, pos, trigger)
		done <- superviseResult{res, err}
	}()
	return done
}

func waitResult(t *testing.T, done <-chan superviseResult) superviseResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("Supervise did not return")
		return superviseResult{}
	}
}

func TestBreakevenAppliedOnceThenTakeProfit(t *testing.T) {
	gw := paper.New()
	pos := openLong(t, gw)
	m := newTestManager(gw)
	applied := make(chan string, 4)
	m.OnApplied = func(id string) { applied <- id }

	done := supervise(m, context.Background(), pos, 100)
	gw.SetPrice(sym, 107200)

	var newStop string
	select {
	case newStop = <-applied:
	case <-time.After(2 * time.Second):
		t.Fatalf("breakeven never applied")
	}

	// price keeps running past the trigger for several polls
	gw.SetPrice(sym, 107400)
	time.Sleep(40 * time.Millisecond)
	gw.SetPrice(sym, 107500)
	time.Sleep(40 * time.Millisecond)
	if n := len(applied); n != 0 {
		t.Fatalf("breakeven applied %d extra times", n)
	}
	if n := gw.Calls(paper.OpSubmit); n != 3 {
		t.Fatalf("want exactly one extra stop order, got %d submissions", n)
	}
	if gw.OrderStatus(pos.StopLossOrderID) != exchange.StatusCanceled {
		t.Fatalf("original stop still %s", gw.OrderStatus(pos.StopLossOrderID))
	}
	moved := gw.Orders()[2]
	if moved.StopPrice != 107100 || moved.Side != exchange.SideSell || !moved.ReduceOnly {
		t.Fatalf("unexpected breakeven stop %+v", moved)
	}

	gw.SetPrice(sym, 107800)
	r := waitResult(t, done)
	if r.err != nil {
		t.Fatalf("Supervise: %v", r.err)
	}
	if r.res.Reason != CloseTakeProfit || !r.res.BreakevenApplied || r.res.StopLossOrderID != newStop {
		t.Fatalf("unexpected result %+v", r.res)
	}
}

func TestSuperviseCloseReasons(t *testing.T) {
	tests := []struct {
		name  string
		close func(gw *paper.Gateway)
		want  CloseReason
	}{
		{name: "stop loss", close: func(gw *paper.Gateway) { gw.SetPrice(sym, 106200) }, want: CloseStopLoss},
		{name: "take profit", close: func(gw *paper.Gateway) { gw.SetPrice(sym, 107900) }, want: CloseTakeProfit},
		{name: "external", close: func(gw *paper.Gateway) { gw.SetPosition(sym, 0, 0) }, want: CloseExternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := paper.New()
			pos := openLong(t, gw)
			done := supervise(newTestManager(gw), context.Background(), pos, 0)

			time.Sleep(20 * time.Millisecond)
			tt.close(gw)
			r := waitResult(t, done)
			if r.err != nil {
				t.Fatalf("Supervise: %v", r.err)
			}
			if r.res.Reason != tt.want {
				t.Fatalf("reason = %s, want %s", r.res.Reason, tt.want)
			}
			if r.res.BreakevenApplied {
				t.Fatalf("breakeven applied with trigger disabled")
			}
			for _, id := range []string{pos.StopLossOrderID, pos.TakeProfitOrderID} {
				if !gw.OrderStatus(id).Terminal() {
					t.Fatalf("leg %s left resting", id)
				}
			}
		})
	}
}

func TestSuperviseShortExcursion(t *testing.T) {
	pos := ActivePosition{Side: exchange.SideSell, EntryPrice: 100}
	if got := pos.Excursion(90); got != 10 {
		t.Fatalf("short excursion = %v, want 10", got)
	}
	pos.Side = exchange.SideBuy
	if got := pos.Excursion(90); got != -10 {
		t.Fatalf("long excursion = %v, want -10", got)
	}
}

func TestSuperviseStopsOnCancel(t *testing.T) {
	gw := paper.New()
	pos := openLong(t, gw)
	ctx, cancel := context.WithCancel(context.Background())
	done := supervise(newTestManager(gw), ctx, pos, 100)

	time.Sleep(20 * time.Millisecond)
	cancel()
	r := waitResult(t, done)
	if !errors.Is(r.err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", r.err)
	}
	if gw.OrderStatus(pos.StopLossOrderID).Terminal() {
		t.Fatalf("legs must stay in place on cancel")
	}
}

func TestSuperviseUnauthorizedIsFatal(t *testing.T) {
	gw := paper.New()
	pos := openLong(t, gw)
	gw.InjectFault(paper.OpPosition, exchange.ErrUnauthorized)

	r := waitResult(t, supervise(newTestManager(gw), context.Background(), pos, 100))
	if !errors.Is(r.err, exchange.ErrUnauthorized) {
		t.Fatalf("want unauthorized, got %v", r.err)
	}
}
