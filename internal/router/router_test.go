package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"exec-core/internal/broker"
	"exec-core/internal/config"
	"exec-core/internal/intent"
	"exec-core/internal/killswitch"
	"exec-core/internal/ledger"
	"exec-core/internal/store"
)

// stubBroker 按脚本返回错误, 记录全部请求。
type stubBroker struct {
	mu         sync.Mutex
	submitErrs []error
	attempts   int
	requests   []broker.OrderRequest
	cancels    []string
	modifies   int
	nextID     int
}

func (s *stubBroker) SubmitOrder(_ context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	s.requests = append(s.requests, req)
	if len(s.submitErrs) > 0 {
		err := s.submitErrs[0]
		s.submitErrs = s.submitErrs[1:]
		if err != nil {
			return broker.OrderAck{}, err
		}
	}
	s.nextID++
	return broker.OrderAck{
		OrderID:       fmt.Sprintf("B-%d", s.nextID),
		ClientOrderID: req.ClientOrderID,
		Status:        "open",
	}, nil
}

func (s *stubBroker) CancelOrder(_ context.Context, _, orderID string) (broker.OrderAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, orderID)
	return broker.OrderAck{OrderID: orderID, Status: "canceled"}, nil
}

func (s *stubBroker) ModifyOrder(_ context.Context, _, orderID string, _, _ float64) (broker.OrderAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modifies++
	return broker.OrderAck{OrderID: orderID}, nil
}

func (s *stubBroker) FetchOpenOrders(context.Context, string) ([]broker.Order, error) {
	return nil, nil
}
func (s *stubBroker) FetchPositions(context.Context) ([]broker.Position, error) { return nil, nil }
func (s *stubBroker) FetchDeals(context.Context, time.Time) ([]broker.Deal, error) {
	return nil, nil
}
func (s *stubBroker) FetchAccount(context.Context) (broker.AccountState, error) {
	return broker.AccountState{}, nil
}

func (s *stubBroker) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

type fixture struct {
	router *Router
	bk     *stubBroker
	led    *ledger.Ledger
	idem   *IdempotencyStore
	sw     *killswitch.Switch
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
	idem, err := NewIdempotencyStore(st, nil)
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

	cfg := &config.Config{
		Broker: config.BrokerConfig{Magic: 86412},
		Router: config.RouterConfig{Retry: config.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Multiplier:  2.0,
			Jitter:      0.2,
		}},
	}

	bk := &stubBroker{}
	r, err := New(cfg, st, bk, led, idem, sw, resolver, nil, nil)
	if err != nil {
		t.Fatalf("创建路由失败: %v", err)
	}
	r.sleep = func(time.Duration) {}
	return &fixture{router: r, bk: bk, led: led, idem: idem, sw: sw}
}

func testIntent(t *testing.T) intent.TradeIntent {
	t.Helper()
	it, err := intent.New("EURUSD", intent.SideBuy, intent.EntryMarket,
		0.5, 1.1001, 1.0980, 1.1043, "strat-1", intent.SourceSignal, time.Now().UTC(), 0)
	if err != nil {
		t.Fatalf("构造意图失败: %v", err)
	}
	return it
}

func TestSubmitAcknowledged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.router.Submit(ctx, testIntent(t))
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if res.Duplicate {
		t.Fatal("首次提交不应是重复")
	}
	if res.Status != ledger.StatusAcknowledged || res.OrderID == "" {
		t.Fatalf("期望已确认: %+v", res)
	}

	req := f.bk.requests[0]
	if req.Symbol != "EURUSD.r" {
		t.Fatalf("未解析为经纪商别名: %s", req.Symbol)
	}
	if req.Magic != 86412 {
		t.Fatalf("magic 未带上: %d", req.Magic)
	}
	if req.StopLoss != 0 || req.TakeProfit != 0 {
		t.Fatal("入场单不应附带保护价, 保护腿需成交后单独挂出")
	}
}

func TestSubmitDuplicateReturnsExistingHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := testIntent(t)

	first, err := f.router.Submit(ctx, it)
	if err != nil {
		t.Fatalf("首次提交失败: %v", err)
	}
	second, err := f.router.Submit(ctx, it)
	if err != nil {
		t.Fatalf("重复提交失败: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("第二次提交应标记为重复")
	}
	if second.ClientOrderID != first.ClientOrderID {
		t.Fatalf("重复提交应返回同一句柄: %s vs %s", second.ClientOrderID, first.ClientOrderID)
	}
	if f.bk.attemptCount() != 1 {
		t.Fatalf("经纪商只能收到一次提交, 实际 %d", f.bk.attemptCount())
	}
}

func TestSubmitConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := testIntent(t)

	const n = 8
	results := make([]SubmitResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.router.Submit(ctx, it)
			if err != nil {
				t.Errorf("并发提交失败: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	if f.bk.attemptCount() != 1 {
		t.Fatalf("并发提交只能产生一笔订单, 实际 %d", f.bk.attemptCount())
	}
	for i := 1; i < n; i++ {
		if results[i].ClientOrderID != results[0].ClientOrderID {
			t.Fatalf("并发提交返回了不同句柄: %+v", results)
		}
	}
}

func TestRetryBoundExactlyMaxAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	transient := fmt.Errorf("网络抖动: %w", broker.ErrCallTimeout)
	f.bk.submitErrs = []error{transient, transient, transient, transient}

	_, err := f.router.Submit(ctx, testIntent(t))
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("期望重试耗尽错误, 实际 %v", err)
	}
	if f.bk.attemptCount() != 3 {
		t.Fatalf("重试次数必须严格等于 max_attempts=3, 实际 %d", f.bk.attemptCount())
	}
}

func TestRetryExhaustedKeepsReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := testIntent(t)

	transient := fmt.Errorf("超时: %w", broker.ErrCallTimeout)
	f.bk.submitErrs = []error{transient, transient, transient}
	_, err := f.router.Submit(ctx, it)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("期望重试耗尽: %v", err)
	}

	// 结果未知期间, 同指纹再次提交必须拿到已有句柄而不是新订单
	res, err := f.router.Submit(ctx, it)
	if err != nil {
		t.Fatalf("重复提交失败: %v", err)
	}
	if !res.Duplicate {
		t.Fatal("结果未知的订单仍占有幂等预留")
	}
	if f.bk.attemptCount() != 3 {
		t.Fatalf("不应产生新的经纪商调用: %d", f.bk.attemptCount())
	}
}

func TestPermanentErrorRejectsImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := testIntent(t)

	f.bk.submitErrs = []error{fmt.Errorf("下单被拒: %w", broker.ErrUnknownSymbol)}
	_, err := f.router.Submit(ctx, it)
	if err == nil {
		t.Fatal("期望永久错误返回")
	}
	if f.bk.attemptCount() != 1 {
		t.Fatalf("永久错误不应重试, 实际调用 %d 次", f.bk.attemptCount())
	}

	// 拒绝是终态结局, 同指纹重复提交返回缓存的拒绝而不是新订单
	res, err := f.router.Submit(ctx, it)
	if err != nil {
		t.Fatalf("再次提交失败: %v", err)
	}
	if !res.Duplicate {
		t.Fatal("终态拒绝应保留幂等预留")
	}
	if res.Status != ledger.StatusRejected {
		t.Fatalf("期望返回缓存的拒绝终态, 实际 %s", res.Status)
	}
	if f.bk.attemptCount() != 1 {
		t.Fatalf("不应产生新的经纪商调用: %d", f.bk.attemptCount())
	}

	owner, held, err := f.idem.Owner(ctx, it.Fingerprint)
	if err != nil {
		t.Fatalf("查询幂等记录失败: %v", err)
	}
	if !held || owner == "" {
		t.Fatal("指纹预留不应被释放")
	}
}

func TestMaintenanceErrorNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := testIntent(t)

	f.bk.submitErrs = []error{fmt.Errorf("经纪商维护中: %w", broker.ErrMaintenance)}
	_, err := f.router.Submit(ctx, it)
	if err == nil {
		t.Fatal("期望维护错误返回")
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("维护错误不应走到重试耗尽: %v", err)
	}
	if f.bk.attemptCount() != 1 {
		t.Fatalf("维护错误不应重试, 实际调用 %d 次", f.bk.attemptCount())
	}

	// 结果交由对账裁决: 订单未被拒绝, 预留保留
	rec, found, err := f.led.OrderByFingerprint(ctx, it.Fingerprint)
	if err != nil || !found {
		t.Fatalf("查询订单失败: found=%v err=%v", found, err)
	}
	if rec.Status != ledger.StatusSubmitted {
		t.Fatalf("期望保持 Submitted 待对账, 实际 %s", rec.Status)
	}
	res, err := f.router.Submit(ctx, it)
	if err != nil {
		t.Fatalf("重复提交失败: %v", err)
	}
	if !res.Duplicate || f.bk.attemptCount() != 1 {
		t.Fatalf("结果未知的订单仍占有幂等预留: dup=%v calls=%d", res.Duplicate, f.bk.attemptCount())
	}
}

func TestKillSwitchBlocksSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.sw.Trip(ctx, "测试", "tester"); err != nil {
		t.Fatalf("触发开关失败: %v", err)
	}
	_, err := f.router.Submit(ctx, testIntent(t))
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("期望 ErrHalted, 实际 %v", err)
	}
	if f.bk.attemptCount() != 0 {
		t.Fatal("开关触发后不得有任何经纪商调用")
	}
}

func TestBracketsPlacedAfterFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := testIntent(t)

	res, err := f.router.Submit(ctx, it)
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}

	// 未成交时不挂保护腿
	placed, err := f.router.EnsureBrackets(ctx)
	if err != nil {
		t.Fatalf("保护腿检查失败: %v", err)
	}
	if placed != 0 || f.bk.attemptCount() != 1 {
		t.Fatalf("成交前不应挂保护腿: placed=%d calls=%d", placed, f.bk.attemptCount())
	}

	// 部分成交 0.3, 随后订单终结
	err = f.led.RecordBrokerEvent(ctx, ledger.BrokerEvent{
		Type:    ledger.EventFilled,
		OrderID: res.OrderID,
		Fill:    &ledger.Fill{FillID: "d1", OrderID: res.OrderID, Volume: 0.3, Price: 1.1002},
	})
	if err != nil {
		t.Fatalf("成交入账失败: %v", err)
	}
	err = f.led.RecordBrokerEvent(ctx, ledger.BrokerEvent{
		Type: ledger.EventCancelled, OrderID: res.OrderID, Reason: "剩余撤销",
	})
	if err != nil {
		t.Fatalf("撤单入账失败: %v", err)
	}

	placed, err = f.router.EnsureBrackets(ctx)
	if err != nil {
		t.Fatalf("挂保护腿失败: %v", err)
	}
	if placed != 1 {
		t.Fatalf("期望为一笔入场单挂出保护腿: %d", placed)
	}

	reqs := f.bk.requests[1:]
	if len(reqs) != 2 {
		t.Fatalf("期望两条保护腿: %d", len(reqs))
	}
	for _, req := range reqs {
		if req.Volume != 0.3 {
			t.Fatalf("保护腿数量必须等于实际成交量 0.3: %.4f", req.Volume)
		}
		if req.Side != "sell" {
			t.Fatalf("买入入场的保护腿方向应为 sell: %s", req.Side)
		}
		if !req.ReduceOnly {
			t.Fatal("保护腿必须为只减仓单")
		}
	}
	var sl, tp bool
	for _, req := range reqs {
		switch req.Kind {
		case broker.KindStopLoss:
			sl = req.Price == it.StopLoss
		case broker.KindTakeProfit:
			tp = req.Price == it.TakeProfit
		}
	}
	if !sl || !tp {
		t.Fatalf("保护腿价格错误: %+v", reqs)
	}

	// 再次调用不得重复挂腿
	placed, _ = f.router.EnsureBrackets(ctx)
	if placed != 0 {
		t.Fatal("保护腿不得重复挂出")
	}
}

func TestKillSwitchBlocksBrackets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.router.Submit(ctx, testIntent(t))
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	err = f.led.RecordBrokerEvent(ctx, ledger.BrokerEvent{
		Type:    ledger.EventFilled,
		OrderID: res.OrderID,
		Fill:    &ledger.Fill{FillID: "d1", OrderID: res.OrderID, Volume: 0.5, Price: 1.1002},
	})
	if err != nil {
		t.Fatalf("成交入账失败: %v", err)
	}

	if _, err := f.sw.Trip(ctx, "紧急停机", "tester"); err != nil {
		t.Fatalf("触发开关失败: %v", err)
	}

	// 开关触发期间不得有任何对外提交, 也不得新建订单记录
	placed, err := f.router.EnsureBrackets(ctx)
	if err != nil {
		t.Fatalf("保护腿检查失败: %v", err)
	}
	if placed != 0 || f.bk.attemptCount() != 1 {
		t.Fatalf("停机期间不得挂保护腿: placed=%d calls=%d", placed, f.bk.attemptCount())
	}
	open, err := f.led.OpenOrders(ctx)
	if err != nil {
		t.Fatalf("查询未结订单失败: %v", err)
	}
	for _, rec := range open {
		if rec.Leg != ledger.LegEntry {
			t.Fatalf("停机期间不得新建保护腿记录: %+v", rec)
		}
	}

	// 开关清除后下一轮补挂
	if _, err := f.sw.Clear(ctx, "tester"); err != nil {
		t.Fatalf("清除开关失败: %v", err)
	}
	placed, err = f.router.EnsureBrackets(ctx)
	if err != nil {
		t.Fatalf("挂保护腿失败: %v", err)
	}
	if placed != 1 || f.bk.attemptCount() != 3 {
		t.Fatalf("开关清除后应补挂两条保护腿: placed=%d calls=%d", placed, f.bk.attemptCount())
	}
}

func TestModifyRefusedOnTerminalOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.router.Submit(ctx, testIntent(t))
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	err = f.led.RecordBrokerEvent(ctx, ledger.BrokerEvent{
		Type:    ledger.EventFilled,
		OrderID: res.OrderID,
		Fill:    &ledger.Fill{FillID: "d1", OrderID: res.OrderID, Volume: 0.5, Price: 1.1002},
	})
	if err != nil {
		t.Fatalf("成交入账失败: %v", err)
	}

	if err := f.router.Modify(ctx, res.ClientOrderID, 1.0990, 1.1050); err == nil {
		t.Fatal("已终结订单的改单必须被拒绝")
	}
	if f.bk.modifies != 0 {
		t.Fatalf("已终结订单不得触达经纪商改单: %d", f.bk.modifies)
	}
}

func TestFlattenAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 建立一个多头持仓与一笔挂单
	res, err := f.router.Submit(ctx, testIntent(t))
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	err = f.led.RecordBrokerEvent(ctx, ledger.BrokerEvent{
		Type:    ledger.EventFilled,
		OrderID: res.OrderID,
		Fill:    &ledger.Fill{FillID: "d1", OrderID: res.OrderID, Volume: 0.5, Price: 1.1002},
	})
	if err != nil {
		t.Fatalf("成交入账失败: %v", err)
	}

	closed, err := f.router.FlattenAll(ctx, "操作员平仓")
	if err != nil {
		t.Fatalf("平仓失败: %v", err)
	}
	if closed != 1 {
		t.Fatalf("期望平掉 1 个品种: %d", closed)
	}

	last := f.bk.requests[len(f.bk.requests)-1]
	if last.Side != "sell" || last.Type != "market" || !last.ReduceOnly {
		t.Fatalf("平仓单应为市价只减仓卖单: %+v", last)
	}
	if last.Volume != 0.5 {
		t.Fatalf("平仓量错误: %.4f", last.Volume)
	}

	// 平仓成交后再次调用应无事可做
	err = f.led.RecordBrokerEvent(ctx, ledger.BrokerEvent{
		Type:    ledger.EventFilled,
		OrderID: fmt.Sprintf("B-%d", f.bk.nextID),
		Fill:    &ledger.Fill{FillID: "d2", Volume: 0.5, Price: 1.1005},
	})
	if err != nil {
		t.Fatalf("平仓成交入账失败: %v", err)
	}
	closed, err = f.router.FlattenAll(ctx, "重复调用")
	if err != nil {
		t.Fatalf("二次平仓失败: %v", err)
	}
	if closed != 0 {
		t.Fatalf("持仓已平, 不应再有平仓单: %d", closed)
	}
}

func TestFlattenAllowedWhenHalted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.router.Submit(ctx, testIntent(t))
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	err = f.led.RecordBrokerEvent(ctx, ledger.BrokerEvent{
		Type:    ledger.EventFilled,
		OrderID: res.OrderID,
		Fill:    &ledger.Fill{FillID: "d1", OrderID: res.OrderID, Volume: 0.5, Price: 1.1002},
	})
	if err != nil {
		t.Fatalf("成交入账失败: %v", err)
	}

	if _, err := f.sw.Trip(ctx, "紧急停机", "tester"); err != nil {
		t.Fatalf("触发开关失败: %v", err)
	}
	closed, err := f.router.FlattenAll(ctx, "停机后平仓")
	if err != nil {
		t.Fatalf("停机状态下平仓必须放行: %v", err)
	}
	if closed != 1 {
		t.Fatalf("期望平掉 1 个品种: %d", closed)
	}
}
