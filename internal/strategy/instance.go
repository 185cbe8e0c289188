package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"breakout-core/internal/events"
	"breakout-core/internal/monitor"
	"breakout-core/internal/order"
	"breakout-core/internal/risk"
	exchange "breakout-core/pkg/exchanges/common"
	"breakout-core/pkg/retry"
)

const maxConsecutiveFailures = 5

var errPeriodOver = errors.New("period over")

// Deps are the collaborators an instance runs against.
type Deps struct {
	Gateway     exchange.Gateway
	Store       order.ResultStore // nil keeps results in memory
	Bus         *events.Bus
	CallTimeout time.Duration
	LogLines    int
}

// Instance runs one breakout strategy: it arms on a period, watches for a
// breakout, places a bracketed entry and supervises the position, then
// loops. Run must be called at most once.
type Instance struct {
	id  string
	cfg Config
	tf  time.Duration
	loc *time.Location

	gw          exchange.Gateway
	detector    *Detector
	guard       *risk.EntryGuard
	placer      *order.EntryPlacer
	breakeven   *risk.BreakevenManager
	bus         *events.Bus
	logs        *logBuffer
	callTimeout time.Duration

	status     atomic.Pointer[Status]
	failures   int
	activeStop string // stop-loss order currently protecting the position
}

// NewInstance wires an instance for a normalized config.
func NewInstance(id string, cfg Config, deps Deps) *Instance {
	timeout := deps.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	gw := deps.Gateway
	in := &Instance{
		id:          id,
		cfg:         cfg,
		tf:          cfg.timeframe(),
		loc:         cfg.location(),
		gw:          gw,
		detector:    NewDetector(gw, timeout),
		guard:       risk.NewEntryGuard(gw, cfg.Trading.CheckExistingOrders == nil || *cfg.Trading.CheckExistingOrders, cfg.Trading.MaxPositionSize, timeout),
		bus:         deps.Bus,
		logs:        newLogBuffer(fmt.Sprintf("strategy %s [%s]:", shortID(id), cfg.Trading.Symbol), deps.LogLines),
		callTimeout: timeout,
	}
	in.placer = order.NewEntryPlacer(gw,
		order.NewBracketPlacer(gw, retry.Default(), timeout),
		deps.Store,
		order.PlacerConfig{CheckInterval: cfg.orderCheckInterval(), CallTimeout: timeout},
		deps.Bus)
	in.breakeven = risk.NewBreakevenManager(gw, risk.BreakevenConfig{
		PollInterval: cfg.positionCheckInterval(),
		CallTimeout:  timeout,
	})
	in.breakeven.OnApplied = in.onBreakeven

	now := time.Now()
	in.status.Store(&Status{
		ID:        id,
		Name:      cfg.Name,
		Symbol:    cfg.Trading.Symbol,
		Timeframe: cfg.Schedule.Timeframe,
		State:     StateArming,
		StartedAt: now,
		UpdatedAt: now,
	})
	monitor.MoveInstanceState("", string(StateArming))
	return in
}

func (in *Instance) ID() string     { return in.id }
func (in *Instance) Config() Config { return in.cfg }

// Status returns the latest published snapshot.
func (in *Instance) Status() Status { return in.status.Load().clone() }

// Logs returns the last n log lines of this instance.
func (in *Instance) Logs(n int) []LogLine { return in.logs.Tail(n) }

// Run drives the instance until ctx ends or an unrecoverable error occurs.
// Cancellation ends in STOPPED; anything else ends in ERROR.
func (in *Instance) Run(ctx context.Context) (err error) {
	defer func() { in.finish(ctx, err) }()

	in.logs.Printf("starting tf=%s tz=%s size=%v sl=%v tp=%v be=%v",
		in.cfg.Schedule.Timeframe, in.loc, in.cfg.Trading.OrderSize,
		in.cfg.Risk.StopLossPoints, in.cfg.Risk.TakeProfitPoints, in.cfg.Risk.BreakevenTriggerPoints)

	if d := minutes(in.cfg.Schedule.StartupDelayMinutes); d > 0 {
		in.logs.Printf("startup delay %s", d)
		if err := retry.Sleep(ctx, d); err != nil {
			return err
		}
	}

	waitBoundary := in.cfg.Schedule.WaitForNextCandle
	for {
		in.setState(StateArming)
		if waitBoundary {
			next, err := in.detector.WaitForBoundary(ctx, in.tf, in.loc)
			if err != nil {
				return err
			}
			in.logs.Printf("period boundary %s", next.In(in.loc).Format(time.RFC3339))
		}
		if waitBoundary, err = in.period(ctx); err != nil {
			return err
		}
	}
}

// period trades the current period. It reports whether the next period
// must wait for a fresh boundary.
func (in *Instance) period(ctx context.Context) (bool, error) {
	bounds, err := in.bounds(ctx)
	if errors.Is(err, ErrNoCandles) {
		in.logs.Printf("%v; waiting for next period", err)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	periodEnd := NextPeriodStart(in.detector.Now(), in.tf, in.loc)
	in.update(func(s *Status) {
		s.PrevHigh, s.PrevLow = bounds.High, bounds.Low
		s.PeriodEnd = &periodEnd
	})
	in.logs.Printf("previous period %s..%s high=%v low=%v",
		bounds.PeriodStart.In(in.loc).Format("01-02 15:04"), bounds.PeriodEnd.In(in.loc).Format("01-02 15:04"), bounds.High, bounds.Low)

	for {
		in.setState(StateMonitoringBreakout)
		bo, err := in.watch(ctx, bounds, periodEnd)
		if errors.Is(err, errPeriodOver) {
			in.logs.Printf("period ended without breakout")
			return false, nil
		}
		if err != nil {
			if err := in.transient(ctx, err, "price watch"); err != nil {
				return false, err
			}
			continue
		}
		in.logs.Printf("breakout %s: price %v beyond %v", bo.Direction, bo.Price, bo.Level)
		in.bus.Publish(events.EventBreakout, bo)

		decision, err := in.guard.Check(ctx, in.cfg.Trading.Symbol, in.cfg.Trading.OrderSize)
		if err != nil {
			if err := in.transient(ctx, err, "entry guard"); err != nil {
				return false, err
			}
			continue
		}
		if !decision.Allowed {
			in.logs.Printf("entry declined: %s", decision.Reason)
			if err := in.sleepWithin(ctx, in.cfg.positionCheckInterval(), periodEnd); err != nil {
				return false, err
			}
			continue
		}

		res := in.enter(ctx, bo, periodEnd)
		switch res.Outcome {
		case order.OutcomeFilled:
			in.failures = 0
			return in.manage(ctx, res)
		case order.OutcomeTimedOut:
			in.failures = 0
			if in.now().Before(periodEnd) {
				continue
			}
			return false, nil
		case order.OutcomeCancelled:
			return false, canceled(ctx)
		default:
			if err := in.transient(ctx, res.Err, "entry"); err != nil {
				return false, err
			}
		}
	}
}

func (in *Instance) bounds(ctx context.Context) (Bounds, error) {
	for {
		b, err := in.detector.ComputeBounds(ctx, in.cfg.Trading.Symbol, in.tf, in.loc, in.detector.Now())
		if err == nil || errors.Is(err, ErrNoCandles) {
			if err == nil {
				in.failures = 0
			}
			return b, err
		}
		if err := in.transient(ctx, err, "previous period bounds"); err != nil {
			return Bounds{}, err
		}
	}
}

// watch runs the detector until a breakout or the end of the period.
func (in *Instance) watch(ctx context.Context, b Bounds, periodEnd time.Time) (Breakout, error) {
	wctx, cancel := context.WithTimeout(ctx, periodEnd.Sub(in.now()))
	defer cancel()
	bo, err := in.detector.Watch(wctx, in.cfg.Trading.Symbol, b.High, b.Low, in.cfg.positionCheckInterval())
	if err != nil && ctx.Err() == nil && wctx.Err() != nil {
		return Breakout{}, errPeriodOver
	}
	if err == nil {
		in.failures = 0
	}
	return bo, err
}

func (in *Instance) enter(ctx context.Context, bo Breakout, periodEnd time.Time) order.BracketResult {
	side := bo.Direction.Side()
	entry := bo.Level
	sl, tp := bracketPrices(side, entry, in.cfg.Risk)

	wait := in.cfg.Monitoring.EntryWaitSeconds
	if left := int(periodEnd.Sub(in.now()) / time.Second); left < wait {
		wait = max(left, 0)
	}
	intent := order.OrderIntent{
		Symbol:          in.cfg.Trading.Symbol,
		ProductID:       in.cfg.Trading.ProductID,
		Side:            side,
		EntryPrice:      entry,
		Size:            in.cfg.Trading.OrderSize,
		StopLoss:        sl,
		TakeProfit:      tp,
		Token:           strings.ReplaceAll(uuid.NewString(), "-", ""),
		WaitTimeSeconds: wait,
	}

	in.setState(StateEntryTriggered)
	in.logs.Printf("entry %s %v @ %v sl=%s tp=%s wait=%ds", side, intent.Size, entry, fmtPrice(sl), fmtPrice(tp), wait)
	res := in.placer.PlaceAndWait(ctx, intent)
	in.logs.Printf("entry %s: %s", res.Outcome, res.Message)
	return res
}

// manage supervises a filled entry until the position closes.
func (in *Instance) manage(ctx context.Context, res order.BracketResult) (bool, error) {
	pos := risk.ActivePosition{
		Symbol:            in.cfg.Trading.Symbol,
		ProductID:         in.cfg.Trading.ProductID,
		Side:              res.Side,
		Size:              res.FilledSize,
		EntryPrice:        res.FilledPrice,
		StopLossOrderID:   res.StopLossOrderID,
		TakeProfitOrderID: res.TakeProfitOrderID,
	}
	in.activeStop = res.StopLossOrderID
	in.update(func(s *Status) {
		s.State = StatePositionActive
		s.Position = &PositionSummary{Side: pos.Side, Size: pos.Size, EntryPrice: pos.EntryPrice}
		s.OrderIDs = nonEmpty(res.EntryOrderID, res.StopLossOrderID, res.TakeProfitOrderID)
		s.BreakevenApplied = false
	})
	if !res.Protected() {
		msg := fmt.Sprintf("%s: position %s %v @ %v is not fully protected: %s",
			in.cfg.Trading.Symbol, pos.Side, pos.Size, pos.EntryPrice, res.ProtectionGap())
		if res.StopLossOrderID == "" {
			msg += " (no stop-loss)"
		}
		in.logs.Printf("%s", msg)
		in.bus.Publish(events.EventRiskAlert, msg)
	}

	out, err := in.breakeven.Supervise(ctx, pos, in.cfg.Risk.BreakevenTriggerPoints)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, err
	}

	in.update(func(s *Status) {
		s.State = StatePositionClosed
		s.LastCloseReason = string(out.Reason)
		s.Trades++
		s.Position = nil
		s.OrderIDs = nil
	})
	in.logs.Printf("position closed: %s (breakeven applied: %v)", out.Reason, out.BreakevenApplied)

	if r := in.cfg.Schedule.ResetIntervalMinutes; r != nil {
		d := minutes(*r)
		in.logs.Printf("rearming in %s", d)
		return false, retry.Sleep(ctx, d)
	}
	return true, nil
}

func (in *Instance) onBreakeven(stopID string) {
	prev := in.activeStop
	in.activeStop = stopID
	in.update(func(s *Status) {
		s.State = StateBreakevenApplied
		s.BreakevenApplied = true
		ids := make([]string, 0, len(s.OrderIDs)+1)
		for _, id := range s.OrderIDs {
			if id != prev {
				ids = append(ids, id)
			}
		}
		s.OrderIDs = append(ids, stopID)
	})
	in.logs.Printf("stop moved to entry (order %s)", stopID)
}

// transient counts a recoverable failure and backs off. It returns an
// error once the failure is unrecoverable or repeats too often.
func (in *Instance) transient(ctx context.Context, err error, what string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if exchange.IsUnrecoverable(err) {
		return fmt.Errorf("%s: %w", what, err)
	}
	in.failures++
	if in.failures >= maxConsecutiveFailures {
		return fmt.Errorf("%s failed %d times in a row: %w", what, in.failures, err)
	}
	in.logs.Printf("%s failed (%d/%d): %v", what, in.failures, maxConsecutiveFailures, err)
	return retry.Sleep(ctx, max(in.cfg.positionCheckInterval(), in.cfg.orderCheckInterval()))
}

// sleepWithin sleeps d but not past until.
func (in *Instance) sleepWithin(ctx context.Context, d time.Duration, until time.Time) error {
	if left := until.Sub(in.now()); left < d {
		d = left
	}
	return retry.Sleep(ctx, d)
}

func (in *Instance) finish(ctx context.Context, err error) {
	state, msg := StateStopped, ""
	if ctx.Err() == nil && err != nil {
		state, msg = StateError, err.Error()
	}

	cancelOrders := in.cfg.Monitoring.CancelOrdersOnStop == nil || *in.cfg.Monitoring.CancelOrdersOnStop
	if state == StateStopped && cancelOrders {
		in.cancelAll(context.WithoutCancel(ctx))
	}
	// the position stays in the final status; it is still open on the venue
	if pos := in.status.Load().Position; pos != nil {
		alert := fmt.Sprintf("%s: stopped with open position %s %v @ %v", in.cfg.Trading.Symbol, pos.Side, pos.Size, pos.EntryPrice)
		if state == StateStopped && cancelOrders {
			alert += "; protective orders cancelled, position is unprotected"
		}
		in.logs.Printf("%s", alert)
		in.bus.Publish(events.EventRiskAlert, alert)
	}

	now := time.Now()
	in.update(func(s *Status) {
		s.State = state
		s.Error = msg
		s.StoppedAt = &now
	})
	if msg != "" {
		in.logs.Printf("stopped with error: %s", msg)
	} else {
		in.logs.Printf("stopped")
	}
}

func (in *Instance) cancelAll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, in.callTimeout)
	defer cancel()
	symbol := in.cfg.Trading.Symbol
	if bulk, ok := in.gw.(exchange.BulkCanceller); ok {
		if err := bulk.CancelAllOpenOrders(ctx, symbol); err != nil {
			in.logs.Printf("cancel open orders: %v", err)
			return
		}
		in.logs.Printf("cancelled open orders")
		return
	}
	orders, err := in.gw.GetOpenOrders(ctx, symbol)
	if err != nil {
		in.logs.Printf("list open orders: %v", err)
		return
	}
	for _, o := range orders {
		if err := in.gw.CancelOrder(ctx, symbol, o.ExchangeOrderID); err != nil {
			in.logs.Printf("cancel %s: %v", o.ExchangeOrderID, err)
		}
	}
}

// now is the clock shared with the detector's period math.
func (in *Instance) now() time.Time { return in.detector.Now() }

func (in *Instance) setState(st State) {
	if in.status.Load().State == st {
		return
	}
	in.update(func(s *Status) { s.State = st })
}

// update publishes a modified copy of the current status. Only the
// instance's own goroutine calls it.
func (in *Instance) update(fn func(*Status)) {
	prev := in.status.Load()
	next := prev.clone()
	fn(&next)
	next.UpdatedAt = time.Now()
	in.status.Store(&next)
	if next.State != prev.State {
		monitor.MoveInstanceState(string(prev.State), string(next.State))
	}
	in.bus.Publish(events.EventStrategyStatus, next.clone())
}

// bracketPrices derives stop-loss and take-profit prices from point
// distances. A zero distance leaves that leg out.
func bracketPrices(side exchange.Side, entry float64, r RiskConfig) (sl, tp *float64) {
	e := decimal.NewFromFloat(entry)
	sign := decimal.NewFromInt(1)
	if side == exchange.SideSell {
		sign = decimal.NewFromInt(-1)
	}
	if r.StopLossPoints > 0 {
		v, _ := e.Sub(sign.Mul(decimal.NewFromFloat(r.StopLossPoints))).Float64()
		sl = &v
	}
	if r.TakeProfitPoints > 0 {
		v, _ := e.Add(sign.Mul(decimal.NewFromFloat(r.TakeProfitPoints))).Float64()
		tp = &v
	}
	return sl, tp
}

func canceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

func fmtPrice(p *float64) string {
	if p == nil {
		return "-"
	}
	return decimal.NewFromFloat(*p).String()
}

func nonEmpty(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
