package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"nifty-strangler/internal/broker"
	"nifty-strangler/internal/config"
	"nifty-strangler/internal/models"
	"nifty-strangler/internal/regime"
	"nifty-strangler/internal/selector"
)

var (
	testNow    = time.Date(2026, 9, 14, 12, 0, 0, 0, time.UTC)
	testExpiry = testNow.Add(7 * 24 * time.Hour)
)

// fakeGateway scripts quotes, fills and SL triggers per trading symbol and
// records every order interaction.
type fakeGateway struct {
	mu        sync.Mutex
	quotes    map[string]float64
	chain     []models.OptionContract
	chainErr  error
	fills     map[string]float64 // market order fill price by symbol
	slFills   map[string]float64 // SL orders on these symbols fill here
	rejects   map[string]bool    // market orders on these symbols die rejected
	placeErr  map[string]error   // keyed "SELL SYMBOL" / "BUY SYMBOL"
	orders    map[string]broker.OrderParams
	placed    []broker.OrderParams
	modified  []broker.ModifyParams
	cancelled []string
	seq       int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		quotes:   map[string]float64{},
		fills:    map[string]float64{},
		slFills:  map[string]float64{},
		rejects:  map[string]bool{},
		placeErr: map[string]error{},
		orders:   map[string]broker.OrderParams{},
	}
}

func (f *fakeGateway) GetQuote(_ context.Context, _, symbol string) (models.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.quotes[symbol]
	if !ok {
		return models.Quote{}, fmt.Errorf("no quote for %s", symbol)
	}
	return models.Quote{Symbol: symbol, LastPrice: p, FetchedAt: testNow}, nil
}

func (f *fakeGateway) GetOptionChain(context.Context, string, string) ([]models.OptionContract, error) {
	return f.chain, f.chainErr
}

func (f *fakeGateway) PlaceOrder(_ context.Context, p broker.OrderParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.placeErr[p.TransactionType+" "+p.TradingSymbol]; err != nil {
		return "", err
	}
	f.seq++
	id := fmt.Sprintf("SIM%03d", f.seq)
	f.orders[id] = p
	f.placed = append(f.placed, p)
	return id, nil
}

func (f *fakeGateway) ModifyOrder(_ context.Context, _, _ string, p broker.ModifyParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modified = append(f.modified, p)
	return nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, _, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeGateway) GetOrderStatus(_ context.Context, orderID string) (*broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", orderID)
	}
	ord := &broker.Order{
		OrderID:       orderID,
		TradingSymbol: p.TradingSymbol,
		Quantity:      p.Quantity,
	}
	if p.OrderType == broker.OrderTypeStopLoss {
		if fill, hit := f.slFills[p.TradingSymbol]; hit {
			ord.Status = broker.StatusComplete
			ord.AveragePrice = fill
		} else {
			ord.Status = broker.StatusTriggerPending
			ord.TriggerPrice = p.TriggerPrice
		}
		return ord, nil
	}
	if f.rejects[p.TradingSymbol] {
		ord.Status = broker.StatusRejected
		return ord, nil
	}
	ord.Status = broker.StatusComplete
	ord.AveragePrice = f.fills[p.TradingSymbol]
	return ord, nil
}

type fakeFinder struct {
	sel      *selector.Selection
	rep      *selector.Replacement
	reps     map[models.InstrumentType]*selector.Replacement // takes precedence over rep
	repCalls int
}

func (f *fakeFinder) SelectPair(context.Context, []models.OptionContract, float64, float64,
	models.DeltaRangeConfig, time.Time, float64) (*selector.Selection, error) {
	return f.sel, nil
}

func (f *fakeFinder) FindReplacement(_ context.Context, _ []models.OptionContract, _, _ float64,
	_ models.DeltaRangeConfig, _ time.Time, it models.InstrumentType) (*selector.Replacement, error) {
	f.repCalls++
	if f.reps != nil {
		return f.reps[it], nil
	}
	return f.rep, nil
}

type fakeRegime struct{ snap regime.Snapshot }

func (f *fakeRegime) Snapshot(context.Context) regime.Snapshot { return f.snap }

func testBand() models.DeltaRangeConfig {
	return models.DeltaRangeConfig{DeltaLow: 0.21, DeltaHigh: 0.40, HedgeTriggerPoints: 60}
}

func engineConfig() *config.Config {
	return &config.Config{
		Environment: config.EnvironmentConfig{Mode: "paper"},
		Schedule: config.ScheduleConfig{
			Timezone:    "UTC",
			MarketOpen:  "00:01",
			MarketClose: "23:59",
			SquareOffAt: "23:30",
		},
		Strategy: config.StrategyConfig{
			Underlying:      "NIFTY 50",
			UnderlyingExch:  "NSE",
			ChainName:       "NIFTY",
			OptionsExchange: "NFO",
			Quantity:        150,
			LotSize:         75,
			StrikeStep:      50,
			StopLossPercent: 25,
			MaxSLTriggers:   3,
			ProfitTiers:     []float64{30},
			DeltaDriftExit:  true,
			DeltaDriftLow:   0.10,
			HedgeOffsetFar:  500,
		},
	}
}

func legContract(symbol string, strike float64, t models.InstrumentType) models.OptionContract {
	return models.OptionContract{
		TradingSymbol:  symbol,
		Strike:         strike,
		InstrumentType: t,
		Expiry:         testExpiry,
		Exchange:       "NFO",
		LotSize:        75,
	}
}

func testSelection() *selector.Selection {
	call := legContract("C25200", 25200, models.InstrumentCall)
	put := legContract("P24800", 24800, models.InstrumentPut)
	return &selector.Selection{
		Pair: selector.PairCandidate{
			Call:      call,
			Put:       put,
			CallQuote: models.Quote{Symbol: "C25200", LastPrice: 99},
			PutQuote:  models.Quote{Symbol: "P24800", LastPrice: 98},
			Score:     5.0,
			Decision:  selector.DecisionGo,
		},
		CallSLOffset: 24.75,
		PutSLOffset:  24.5,
		TakenAt:      testNow,
	}
}

func testEngine(gw *fakeGateway, finder *fakeFinder, cfg *config.Config) *Engine {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	rs := &fakeRegime{snap: regime.Snapshot{
		DeltaRangeConfig: testBand(),
		Regime:           regime.RegimeExtended,
		CurrentVIX:       12,
		VIXAverage:       12,
		TakenAt:          testNow,
	}}
	e := New(gw, finder, rs, nil, logger, cfg)
	e.now = func() time.Time { return testNow }
	// Poll sleeps pass instantly, the monitoring cadence ends the session.
	e.sleep = func(_ context.Context, d time.Duration) error {
		if d >= time.Second {
			return context.Canceled
		}
		return nil
	}
	return e
}

func baseGateway() *fakeGateway {
	gw := newFakeGateway()
	gw.quotes["NIFTY 50"] = 25000
	gw.fills["C25200"] = 99
	gw.fills["P24800"] = 98
	gw.chain = []models.OptionContract{
		legContract("C25200", 25200, models.InstrumentCall),
		legContract("P24800", 24800, models.InstrumentPut),
		legContract("C25700", 25700, models.InstrumentCall),
		legContract("P24300", 24300, models.InstrumentPut),
	}
	return gw
}

func TestRun_FinalProfitTierEndsSession(t *testing.T) {
	gw := baseGateway()
	// Premium decayed 197 -> 160, past the single 30-point tier.
	gw.quotes["C25200"] = 80
	gw.quotes["P24800"] = 80

	e := testEngine(gw, &fakeFinder{sel: testSelection()}, engineConfig())
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if state, _ := e.State(); state != models.StateTerminal {
		t.Fatalf("state = %s, want terminal", state)
	}
	if e.sm.Previous() != models.StateProfitBooking {
		t.Errorf("terminal via %s, want profit_booking", e.sm.Previous())
	}
	trade := e.Trade()
	if trade == nil || trade.ProfitBookingTier != 1 {
		t.Fatalf("profit tier not advanced: %+v", trade)
	}
	if len(gw.modified) != 2 {
		t.Errorf("tightened %d stops, want both legs", len(gw.modified))
	}
	// 2 sells + 2 stop-loss buys
	if len(gw.placed) != 4 {
		t.Errorf("placed %d orders, want 4", len(gw.placed))
	}
}

func TestRun_IntermediateTierKeepsMonitoring(t *testing.T) {
	gw := baseGateway()
	gw.quotes["C25200"] = 80
	gw.quotes["P24800"] = 80

	cfg := engineConfig()
	cfg.Strategy.ProfitTiers = []float64{30, 60}
	e := testEngine(gw, &fakeFinder{sel: testSelection()}, cfg)
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	trade := e.Trade()
	if trade.ProfitBookingTier != 1 {
		t.Fatalf("tier = %d, want 1", trade.ProfitBookingTier)
	}
	// Tier 1 of 2 tightens and returns to monitoring; the session then ends
	// on the cancelled cadence sleep, not through profit booking.
	if e.sm.Previous() != models.StateMonitoring {
		t.Errorf("terminal via %s, want monitoring", e.sm.Previous())
	}
}

func TestRun_StopOutReplacesLegAndBooksLoss(t *testing.T) {
	gw := baseGateway()
	gw.quotes["C25200"] = 110
	gw.quotes["P24800"] = 98
	gw.quotes["C25300"] = 110
	gw.fills["C25300"] = 110
	gw.slFills["C25200"] = 124

	finder := &fakeFinder{
		sel: testSelection(),
		rep: &selector.Replacement{
			Contract: legContract("C25300", 25300, models.InstrumentCall),
			Quote:    models.Quote{Symbol: "C25300", LastPrice: 110},
			Delta:    0.30,
		},
	}
	e := testEngine(gw, finder, engineConfig())
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	trade := e.Trade()
	if trade.StopLossTriggerCount != 1 {
		t.Errorf("trigger count = %d, want 1", trade.StopLossTriggerCount)
	}
	// Replacement entered at 110 against the stopped leg's 99 entry.
	if trade.LossAccumulated != 11 {
		t.Errorf("loss accumulated = %.2f, want 11", trade.LossAccumulated)
	}
	if trade.CallLeg.Contract.TradingSymbol != "C25300" {
		t.Errorf("call leg = %s, want the C25300 replacement", trade.CallLeg.Contract.TradingSymbol)
	}
	if trade.CallLeg.SLPrice != 110*1.25 {
		t.Errorf("replacement SL = %.2f, want %.2f", trade.CallLeg.SLPrice, 110*1.25)
	}
	if finder.repCalls != 1 {
		t.Errorf("replacement searched %d times, want 1", finder.repCalls)
	}
}

func TestRun_CheaperReplacementBooksNoLoss(t *testing.T) {
	gw := baseGateway()
	gw.quotes["C25200"] = 90
	gw.quotes["P24800"] = 98
	gw.quotes["C25300"] = 70
	gw.fills["C25300"] = 70
	gw.slFills["C25200"] = 124

	finder := &fakeFinder{
		sel: testSelection(),
		rep: &selector.Replacement{
			Contract: legContract("C25300", 25300, models.InstrumentCall),
			Quote:    models.Quote{Symbol: "C25300", LastPrice: 70},
			Delta:    0.30,
		},
	}
	e := testEngine(gw, finder, engineConfig())
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if trade := e.Trade(); trade.LossAccumulated != 0 {
		t.Errorf("loss accumulated = %.2f, want 0 for a cheaper replacement", trade.LossAccumulated)
	}
}

func TestRun_StopLossCeilingHaltsSession(t *testing.T) {
	gw := baseGateway()
	gw.quotes["C25200"] = 120
	gw.quotes["P24800"] = 98
	gw.slFills["C25200"] = 124

	cfg := engineConfig()
	cfg.Strategy.MaxSLTriggers = 1
	finder := &fakeFinder{sel: testSelection()}
	e := testEngine(gw, finder, cfg)
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if state, _ := e.State(); state != models.StateTerminal {
		t.Fatalf("state = %s, want terminal", state)
	}
	if e.sm.Previous() != models.StateStopLossExhausted {
		t.Errorf("terminal via %s, want stop_loss_exhausted", e.sm.Previous())
	}
	if finder.repCalls != 0 {
		t.Error("no replacement may be attempted at the ceiling")
	}
	if e.closedPremium != 124 {
		t.Errorf("closed premium = %.2f, want the 124 stop fill", e.closedPremium)
	}
	// The surviving put's stop is pulled in before halting.
	if len(gw.modified) != 1 {
		t.Errorf("tightened %d stops, want 1", len(gw.modified))
	}
}

func TestEnter_PutFailureUnwindsCallLeg(t *testing.T) {
	gw := baseGateway()
	gw.placeErr["SELL P24800"] = errors.New("order rejected")

	e := testEngine(gw, &fakeFinder{}, engineConfig())
	if err := e.sm.Transition(models.StateScanning, models.ConditionSessionStart); err != nil {
		t.Fatal(err)
	}
	if err := e.sm.Transition(models.StateEntering, models.ConditionPairSelected); err != nil {
		t.Fatal(err)
	}

	trade, ok := e.enter(context.Background(), testSelection(), e.regime.Snapshot(context.Background()))
	if ok || trade != nil {
		t.Fatal("entry must abort when the second leg fails")
	}
	if state, _ := e.State(); state != models.StateScanning {
		t.Errorf("state = %s, want scanning after the abort", state)
	}

	var unwound bool
	for _, p := range gw.placed {
		if p.TransactionType == broker.TransactionBuy && p.TradingSymbol == "C25200" {
			unwound = true
		}
	}
	if !unwound {
		t.Error("the lone call leg was not bought back")
	}
}

func TestRun_HedgeLatchedOnDecayTrigger(t *testing.T) {
	gw := baseGateway()
	// Premium decayed 197 -> 120: reduction 77 clears the 60-point trigger
	// while staying short of the 100-point profit tier.
	gw.quotes["C25200"] = 60
	gw.quotes["P24800"] = 60
	gw.quotes["C25700"] = 20
	gw.quotes["P24300"] = 18
	gw.fills["C25700"] = 20
	gw.fills["P24300"] = 18

	cfg := engineConfig()
	cfg.Strategy.ProfitTiers = []float64{100}
	e := testEngine(gw, &fakeFinder{sel: testSelection()}, cfg)
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	trade := e.Trade()
	if !trade.HedgePlaced {
		t.Fatal("hedge not latched")
	}
	if len(trade.HedgeLegs) != 2 {
		t.Fatalf("hedge legs = %d, want 2", len(trade.HedgeLegs))
	}
	for _, h := range trade.HedgeLegs {
		// Half quantity floored to whole lots
		if h.Quantity != 75 {
			t.Errorf("hedge qty = %d, want 75", h.Quantity)
		}
	}
	var hedgeBuys int
	for _, p := range gw.placed {
		if p.TransactionType == broker.TransactionBuy &&
			(p.TradingSymbol == "C25700" || p.TradingSymbol == "P24300") {
			hedgeBuys++
		}
	}
	if hedgeBuys != 2 {
		t.Errorf("hedge buys = %d, want 2", hedgeBuys)
	}
}

func TestRun_UnderwaterPositionDoesNotHedge(t *testing.T) {
	gw := baseGateway()
	// Premium inflated 197 -> 280: the position is losing, which is the
	// stop-loss ladder's problem, not the hedge trigger's.
	gw.quotes["C25200"] = 140
	gw.quotes["P24800"] = 140

	e := testEngine(gw, &fakeFinder{sel: testSelection()}, engineConfig())
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if e.Trade().HedgePlaced {
		t.Fatal("hedge latched on a losing position")
	}
}

func TestMonitor_DriftTightensDecayedLeg(t *testing.T) {
	gw := baseGateway()
	// Spot collapsed: the short call is nearly worthless while the put went
	// deep in the money.
	gw.quotes["NIFTY 50"] = 23500
	gw.quotes["C25200"] = 0.5
	gw.quotes["P24800"] = 150

	cfg := engineConfig()
	cfg.Strategy.ProfitTiers = []float64{100}
	e := testEngine(gw, &fakeFinder{sel: testSelection()}, cfg)
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	trade := e.Trade()
	if !trade.CallLeg.SLTightened {
		t.Fatal("decayed call leg's stop not tightened")
	}
	if trade.PutLeg.SLTightened {
		t.Error("the in-the-money put must keep its original stop")
	}
	if len(gw.modified) != 1 {
		t.Fatalf("modified %d orders, want 1", len(gw.modified))
	}
	if got := gw.modified[0].TriggerPrice; math.Abs(got-0.5) > 1e-9 {
		t.Errorf("tightened trigger = %.2f, want 0.50", got)
	}
}

func TestRun_LegacyDriftReplacesBothLegs(t *testing.T) {
	gw := baseGateway()
	// Spot ran to 25600: the short call's delta blows past the band ceiling.
	gw.quotes["NIFTY 50"] = 25600
	gw.quotes["C25200"] = 450
	gw.quotes["P24800"] = 20
	gw.fills["C25300"] = 110
	gw.fills["P24700"] = 95

	cfg := engineConfig()
	cfg.Strategy.DeltaDriftExit = false
	finder := &fakeFinder{
		sel: testSelection(),
		reps: map[models.InstrumentType]*selector.Replacement{
			models.InstrumentCall: {
				Contract: legContract("C25300", 25300, models.InstrumentCall),
				Quote:    models.Quote{Symbol: "C25300", LastPrice: 110},
				Delta:    0.30,
			},
			models.InstrumentPut: {
				Contract: legContract("P24700", 24700, models.InstrumentPut),
				Quote:    models.Quote{Symbol: "P24700", LastPrice: 95},
				Delta:    -0.30,
			},
		},
	}
	e := testEngine(gw, finder, cfg)
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	trade := e.Trade()
	if trade.CallLeg.Contract.TradingSymbol != "C25300" {
		t.Errorf("call leg = %s, want the C25300 replacement", trade.CallLeg.Contract.TradingSymbol)
	}
	if trade.PutLeg.Contract.TradingSymbol != "P24700" {
		t.Errorf("put leg = %s, want the P24700 replacement", trade.PutLeg.Contract.TradingSymbol)
	}
	if finder.repCalls != 2 {
		t.Errorf("replacement searched %d times, want one per leg", finder.repCalls)
	}
	// Drift re-entry never counts toward the stop-loss ceiling.
	if trade.StopLossTriggerCount != 0 {
		t.Errorf("trigger count = %d, want 0", trade.StopLossTriggerCount)
	}
	if len(gw.cancelled) != 2 {
		t.Errorf("cancelled %d stops, want both legs", len(gw.cancelled))
	}
	// The 110 call replacement against the 99 entry books 11; the cheaper
	// 95 put books nothing.
	if trade.LossAccumulated != 11 {
		t.Errorf("loss accumulated = %.2f, want 11", trade.LossAccumulated)
	}
}

func TestEnter_RejectedPutOrderUnwindsCallLeg(t *testing.T) {
	gw := baseGateway()
	gw.rejects["P24800"] = true

	e := testEngine(gw, &fakeFinder{}, engineConfig())
	if err := e.sm.Transition(models.StateScanning, models.ConditionSessionStart); err != nil {
		t.Fatal(err)
	}
	if err := e.sm.Transition(models.StateEntering, models.ConditionPairSelected); err != nil {
		t.Fatal(err)
	}

	trade, ok := e.enter(context.Background(), testSelection(), e.regime.Snapshot(context.Background()))
	if ok || trade != nil {
		t.Fatal("entry must abort when the broker rejects the second leg")
	}
	if state, _ := e.State(); state != models.StateScanning {
		t.Errorf("state = %s, want scanning after the abort", state)
	}

	var unwound bool
	for _, p := range gw.placed {
		if p.TransactionType == broker.TransactionBuy && p.TradingSymbol == "C25200" {
			unwound = true
		}
	}
	if !unwound {
		t.Error("the lone call leg was not bought back")
	}
}

func TestMonitor_SquareOffClosesEverything(t *testing.T) {
	gw := baseGateway()
	gw.quotes["C25200"] = 80
	gw.quotes["P24800"] = 80

	e := testEngine(gw, &fakeFinder{}, engineConfig())
	e.now = func() time.Time {
		return time.Date(2026, 9, 14, 23, 45, 0, 0, time.UTC) // past square-off
	}
	for _, step := range []struct {
		to   models.EngineState
		cond string
	}{
		{models.StateScanning, models.ConditionSessionStart},
		{models.StateEntering, models.ConditionPairSelected},
		{models.StateMonitoring, models.ConditionOrdersPlaced},
	} {
		if err := e.sm.Transition(step.to, step.cond); err != nil {
			t.Fatal(err)
		}
	}
	callLeg := &models.Leg{
		Contract: legContract("C25200", 25200, models.InstrumentCall),
		Side:     models.LegCall, Quantity: 150, EntryPrice: 99,
		SLOrderID: "SL1", SLPrice: 123.75,
	}
	putLeg := &models.Leg{
		Contract: legContract("P24800", 24800, models.InstrumentPut),
		Side:     models.LegPut, Quantity: 150, EntryPrice: 98,
		SLOrderID: "SL2", SLPrice: 122.5,
	}
	e.setTrade(models.NewTradeState("sess-squareoff", testBand(), callLeg, putLeg))

	e.monitor(context.Background())

	if state, _ := e.State(); state != models.StateTerminal {
		t.Fatalf("state = %s, want terminal", state)
	}
	if e.sm.Previous() != models.StateMarketClose {
		t.Errorf("terminal via %s, want market_close", e.sm.Previous())
	}
	if !e.Trade().AllClosed() {
		t.Error("legs still open after square-off")
	}
	if len(gw.cancelled) != 2 {
		t.Errorf("cancelled %d stops, want 2", len(gw.cancelled))
	}
	if e.closedPremium != 160 {
		t.Errorf("closed premium = %.2f, want the 160 exit marks", e.closedPremium)
	}
}
