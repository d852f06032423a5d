package poller

import (
	"context"
	"testing"
	"time"

	"exec-core/internal/broker"
	"exec-core/internal/config"
	"exec-core/internal/intent"
	"exec-core/internal/killswitch"
	"exec-core/internal/ledger"
	"exec-core/internal/router"
	"exec-core/internal/store"
)

type fixture struct {
	poller *Poller
	sim    *broker.Simulator
	rt     *router.Router
	led    *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewMemory()
	if err != nil {
		t.Fatalf("创建内存存储失败: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	led, err := ledger.New(st, nil, nil)
	if err != nil {
		t.Fatalf("创建账本失败: %v", err)
	}
	idem, err := router.NewIdempotencyStore(st, nil)
	if err != nil {
		t.Fatalf("创建幂等存储失败: %v", err)
	}
	sw, err := killswitch.New(st, nil)
	if err != nil {
		t.Fatalf("创建停机开关失败: %v", err)
	}
	resolver := broker.NewResolver([]config.SymbolConfig{
		{Canonical: "EURUSD", Aliases: []string{"EURUSD.r"}},
	})
	sim := broker.NewSimulator(false, nil)

	cfg := &config.Config{
		Broker: config.BrokerConfig{Magic: 86412},
		Router: config.RouterConfig{Retry: config.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Multiplier:  2.0,
		}},
	}
	rt, err := router.New(cfg, st, sim, led, idem, sw, resolver, nil, nil)
	if err != nil {
		t.Fatalf("创建路由失败: %v", err)
	}

	rec, err := ledger.NewReconciler(led, resolver, time.Hour, nil)
	if err != nil {
		t.Fatalf("创建对账器失败: %v", err)
	}
	p, err := New(sim, rec, rt, nil, config.ReconcileConfig{
		PollInterval: 10 * time.Millisecond,
		MissingGrace: time.Hour,
		DealLookback: 24 * time.Hour,
	}, nil)
	if err != nil {
		t.Fatalf("创建轮询器失败: %v", err)
	}
	return &fixture{poller: p, sim: sim, rt: rt, led: led}
}

func submitIntent(t *testing.T, rt *router.Router) router.SubmitResult {
	t.Helper()
	it, err := intent.New("EURUSD", intent.SideBuy, intent.EntryMarket,
		0.5, 1.1001, 1.0980, 1.1043, "strat-1", intent.SourceSignal, time.Now().UTC(), 0)
	if err != nil {
		t.Fatalf("构造意图失败: %v", err)
	}
	res, err := rt.Submit(context.Background(), it)
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	return res
}

func TestPollIngestsFillsAndPlacesBrackets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := submitIntent(t, f.rt)
	if err := f.sim.Fill(res.OrderID, 0.5, 1.1002); err != nil {
		t.Fatalf("模拟成交失败: %v", err)
	}

	report, err := f.poller.Poll(ctx)
	if err != nil {
		t.Fatalf("轮询失败: %v", err)
	}
	if report.FillsIngested != 1 {
		t.Fatalf("期望成交入账 1 笔: %+v", report)
	}

	rec, err := f.led.Order(ctx, res.ClientOrderID)
	if err != nil {
		t.Fatalf("查询订单失败: %v", err)
	}
	if rec.Status != ledger.StatusFilled {
		t.Fatalf("期望全部成交: %s", rec.Status)
	}

	pos, err := f.led.PositionOf(ctx, "EURUSD")
	if err != nil {
		t.Fatalf("查询持仓失败: %v", err)
	}
	if pos.NetVolume != 0.5 {
		t.Fatalf("持仓错误: %.4f", pos.NetVolume)
	}

	// 成交后的轮询应已挂出两条保护腿
	orders, err := f.sim.FetchOpenOrders(ctx, "")
	if err != nil {
		t.Fatalf("查询挂单失败: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("期望两条保护腿挂单: %d", len(orders))
	}
}

func TestPollOutOfBandDealRaisesAnomaly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sim.InjectDeal(broker.Deal{
		OrderID: "GHOST", Symbol: "EURUSD.r", Side: "sell", Volume: 0.2, Price: 1.1010,
	})

	report, err := f.poller.Poll(ctx)
	if err != nil {
		t.Fatalf("轮询失败: %v", err)
	}
	if report.OutOfBandFills != 1 {
		t.Fatalf("期望带外成交 1 笔: %+v", report)
	}

	pos, _ := f.led.PositionOf(ctx, "EURUSD")
	if pos.NetVolume != -0.2 {
		t.Fatalf("带外成交未计入持仓: %.4f", pos.NetVolume)
	}
	anomalies, _ := f.led.Anomalies(ctx, true)
	if len(anomalies) == 0 {
		t.Fatal("期望对账异常被记录")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.poller.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("期望 context.Canceled: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("轮询循环未按时退出")
	}
}
