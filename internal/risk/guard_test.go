package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	exchange "breakout-core/pkg/exchanges/common"
	"breakout-core/pkg/exchanges/paper"
)

func TestEntryGuard(t *testing.T) {
	tests := []struct {
		name          string
		setup         func(gw *paper.Gateway)
		checkExisting bool
		maxSize       float64
		size          float64
		wantAllowed   bool
	}{
		{name: "clean book", checkExisting: true, maxSize: 3, size: 1, wantAllowed: true},
		{name: "size over cap", checkExisting: true, maxSize: 3, size: 4},
		{
			name:          "resting order",
			checkExisting: true,
			size:          1,
			setup: func(gw *paper.Gateway) {
				gw.SubmitOrder(context.Background(), exchange.OrderRequest{
					Symbol: sym, Side: exchange.SideBuy, Type: exchange.OrderTypeLimit, Qty: 1, Price: 100,
				})
			},
		},
		{
			name:          "open position",
			checkExisting: true,
			size:          1,
			setup:         func(gw *paper.Gateway) { gw.SetPosition(sym, -0.5, 100) },
		},
		{
			name:        "existing ignored when check disabled",
			size:        1,
			setup:       func(gw *paper.Gateway) { gw.SetPosition(sym, 2, 100) },
			wantAllowed: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := paper.New()
			if tt.setup != nil {
				tt.setup(gw)
			}
			g := NewEntryGuard(gw, tt.checkExisting, tt.maxSize, time.Second)
			d, err := g.Check(context.Background(), sym, tt.size)
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if d.Allowed != tt.wantAllowed {
				t.Fatalf("allowed = %v (%s), want %v", d.Allowed, d.Reason, tt.wantAllowed)
			}
			if !d.Allowed && d.Reason == "" {
				t.Fatalf("decline without reason")
			}
		})
	}
}

func TestEntryGuardGatewayError(t *testing.T) {
	gw := paper.New()
	gw.InjectFault(paper.OpOpenOrders, errors.New("timeout"))
	g := NewEntryGuard(gw, true, 0, time.Second)
	if _, err := g.Check(context.Background(), sym, 1); err == nil {
		t.Fatalf("expected error")
	}
}
