package router

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"exec-core/internal/audit"
	"exec-core/internal/broker"
	"exec-core/internal/config"
	"exec-core/internal/intent"
	"exec-core/internal/killswitch"
	"exec-core/internal/ledger"
	"exec-core/internal/store"
)

var (
	// ErrHalted 表示停机开关已触发，拒绝一切新建仓订单。
	ErrHalted = errors.New("router: 停机开关已触发, 拒绝新订单")
	// ErrRetryExhausted 表示重试次数耗尽且结果未知，等待对账轮询裁决。
	ErrRetryExhausted = errors.New("router: 重试次数耗尽, 订单状态待对账确认")
)

// SubmitResult 为提交结果。Duplicate 为 true 时返回的是已有订单的句柄。
type SubmitResult struct {
	ClientOrderID string
	OrderID       string
	Status        ledger.OrderStatus
	Duplicate     bool
}

// Router 负责把通过风控的交易意图安全地送达经纪商：
// 幂等预留、有界重试、成交后挂保护腿、撤单改单与一键平仓。
type Router struct {
	cfg       config.RetryConfig
	brokerCfg config.BrokerConfig
	bk        broker.Broker
	led       *ledger.Ledger
	idem      *IdempotencyStore
	sw        *killswitch.Switch
	resolver  *broker.Resolver
	journal   *audit.Journal
	logger    *zap.Logger
	db        *sql.DB

	group     singleflight.Group
	flattenMu sync.Mutex
	sleep     func(time.Duration)
}

// New 创建订单路由。
func New(cfg *config.Config, st *store.Store, bk broker.Broker, led *ledger.Ledger,
	idem *IdempotencyStore, sw *killswitch.Switch, resolver *broker.Resolver,
	journal *audit.Journal, logger *zap.Logger) (*Router, error) {
	if st == nil {
		return nil, fmt.Errorf("router: store 不能为空")
	}
	if bk == nil || led == nil || idem == nil || sw == nil || resolver == nil {
		return nil, fmt.Errorf("router: 依赖不完整")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Router{
		cfg:       cfg.Router.Retry,
		brokerCfg: cfg.Broker,
		bk:        bk,
		led:       led,
		idem:      idem,
		sw:        sw,
		resolver:  resolver,
		journal:   journal,
		logger:    logger,
		db:        st.DB(),
		sleep:     time.Sleep,
	}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("router: 初始化表结构失败: %w", err)
	}
	return r, nil
}

func (r *Router) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS router_intents (
		client_order_id TEXT PRIMARY KEY,
		fingerprint     TEXT NOT NULL,
		symbol          TEXT NOT NULL,
		side            TEXT NOT NULL,
		entry_type      TEXT NOT NULL,
		entry_price     REAL NOT NULL,
		stop_loss       REAL NOT NULL,
		take_profit     REAL NOT NULL,
		strategy_id     TEXT NOT NULL DEFAULT '',
		brackets_placed INTEGER NOT NULL DEFAULT 0,
		created_at      DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_router_intents_pending ON router_intents(brackets_placed);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Submit 提交一个交易意图。同一指纹并发提交会合并为一次执行，
// 重复提交返回已有订单句柄而不是新订单。
func (r *Router) Submit(ctx context.Context, it intent.TradeIntent) (SubmitResult, error) {
	if r.sw.Tripped() {
		return SubmitResult{}, ErrHalted
	}
	if err := it.Validate(); err != nil {
		return SubmitResult{}, err
	}

	v, err, _ := r.group.Do(it.Fingerprint, func() (interface{}, error) {
		return r.submitOnce(ctx, it)
	})
	if err != nil {
		return SubmitResult{}, err
	}
	return v.(SubmitResult), nil
}

func (r *Router) submitOnce(ctx context.Context, it intent.TradeIntent) (SubmitResult, error) {
	clientID := uuid.NewString()

	owner, acquired, err := r.idem.Reserve(ctx, it.Fingerprint, clientID)
	if err != nil {
		return SubmitResult{}, err
	}
	if !acquired {
		rec, err := r.led.Order(ctx, owner)
		if err != nil {
			return SubmitResult{}, err
		}
		r.logger.Info("重复意图, 返回已有订单",
			zap.String("fingerprint", it.Fingerprint),
			zap.String("client_order_id", owner))
		return SubmitResult{
			ClientOrderID: owner,
			OrderID:       rec.OrderID,
			Status:        rec.Status,
			Duplicate:     true,
		}, nil
	}

	if err := r.led.RecordCreated(ctx, ledger.OrderRecord{
		ClientOrderID:   clientID,
		Fingerprint:     it.Fingerprint,
		Symbol:          it.Symbol,
		Leg:             ledger.LegEntry,
		Side:            string(it.Side),
		SubmittedVolume: it.Volume,
		CreatedAt:       it.CreatedAt,
	}); err != nil {
		return SubmitResult{}, err
	}
	if err := r.saveIntent(ctx, clientID, it); err != nil {
		return SubmitResult{}, err
	}

	brokerSymbol, err := r.resolver.BrokerSymbol(it.Symbol)
	if err != nil {
		r.rejectNeverSent(ctx, clientID, it.Fingerprint, it.Symbol, err.Error())
		return SubmitResult{}, err
	}

	orderType, price := entryOrder(it)
	req := broker.OrderRequest{
		ClientOrderID: clientID,
		Symbol:        brokerSymbol,
		Kind:          broker.KindEntry,
		Side:          string(it.Side),
		Type:          orderType,
		Volume:        it.Volume,
		Price:         price,
		Magic:         r.brokerCfg.Magic,
		Comment:       it.StrategyID,
	}

	ack, err := r.submitWithRetry(ctx, clientID, req)
	if err != nil {
		if broker.IsPermanent(err) {
			r.rejectNeverSent(ctx, clientID, it.Fingerprint, it.Symbol, err.Error())
			return SubmitResult{}, err
		}
		// 结果未知：保留预留与订单记录，由对账轮询确认或过期
		if r.journal != nil {
			r.journal.RecordSubmission(ctx, audit.SubmissionPayload{
				Fingerprint: it.Fingerprint,
				Symbol:      it.Symbol,
				Status:      string(ledger.StatusSubmitted),
				Note:        "结果未知, 待对账确认",
			})
		}
		return SubmitResult{ClientOrderID: clientID, Status: ledger.StatusSubmitted}, err
	}

	if r.journal != nil {
		r.journal.RecordSubmission(ctx, audit.SubmissionPayload{
			Fingerprint: it.Fingerprint,
			Symbol:      it.Symbol,
			OrderID:     ack.OrderID,
			Status:      string(ledger.StatusAcknowledged),
		})
	}
	return SubmitResult{
		ClientOrderID: clientID,
		OrderID:       ack.OrderID,
		Status:        ledger.StatusAcknowledged,
	}, nil
}

// rejectNeverSent 处理从未到达经纪商的永久失败：订单入拒绝终态。
// 幂等预留保留, 同指纹的后续提交拿到这个已拒绝的结局而不是新订单。
func (r *Router) rejectNeverSent(ctx context.Context, clientID, fingerprint, symbol, reason string) {
	if err := r.led.MarkRejected(ctx, clientID, reason); err != nil {
		r.logger.Error("标记拒绝失败", zap.Error(err), zap.String("client_order_id", clientID))
	}
	if r.journal != nil {
		r.journal.RecordRejection(ctx, audit.RejectionPayload{
			Fingerprint: fingerprint,
			Symbol:      symbol,
			Reason:      reason,
		})
	}
}

// submitWithRetry 以指数退避加抖动重试瞬时错误，永久错误立即返回。
// 既非瞬时也非永久的错误 (维护窗口、无法归类的故障) 同样不重试：
// 盲目重试可能重复下单, 结局留给对账轮询裁决。重试次数严格受 MaxAttempts 约束。
func (r *Router) submitWithRetry(ctx context.Context, clientID string, req broker.OrderRequest) (broker.OrderAck, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := r.led.MarkSubmitted(ctx, clientID, attempt-1); err != nil {
			return broker.OrderAck{}, err
		}

		ack, err := r.bk.SubmitOrder(ctx, req)
		if err == nil {
			if err := r.led.RecordBrokerEvent(ctx, ledger.BrokerEvent{
				Type:          ledger.EventAcknowledged,
				ClientOrderID: clientID,
				OrderID:       ack.OrderID,
			}); err != nil {
				return broker.OrderAck{}, err
			}
			return ack, nil
		}
		lastErr = err

		if broker.IsPermanent(err) {
			return broker.OrderAck{}, err
		}
		if !broker.IsRetryable(err) {
			r.logger.Warn("提交遇到不可重试错误, 待对账裁决",
				zap.String("client_order_id", clientID),
				zap.Error(err))
			return broker.OrderAck{}, err
		}
		r.logger.Warn("提交失败, 准备重试",
			zap.String("client_order_id", clientID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == r.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return broker.OrderAck{}, ctx.Err()
		default:
		}
		r.sleep(r.backoff(attempt))
	}
	return broker.OrderAck{}, fmt.Errorf("%w: %v", ErrRetryExhausted, lastErr)
}

func (r *Router) backoff(attempt int) time.Duration {
	d := float64(r.cfg.BaseDelay) * math.Pow(r.cfg.Multiplier, float64(attempt-1))
	if d > float64(r.cfg.MaxDelay) {
		d = float64(r.cfg.MaxDelay)
	}
	if r.cfg.Jitter > 0 {
		d *= 1 + r.cfg.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

func entryOrder(it intent.TradeIntent) (orderType string, price float64) {
	switch it.EntryType {
	case intent.EntryBuyStop, intent.EntrySellStop:
		return "stop", it.EntryPrice
	case intent.EntryBuyLimit, intent.EntrySellLimit:
		return "limit", it.EntryPrice
	default:
		return "market", 0
	}
}

func (r *Router) saveIntent(ctx context.Context, clientID string, it intent.TradeIntent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO router_intents
			(client_order_id, fingerprint, symbol, side, entry_type,
			 entry_price, stop_loss, take_profit, strategy_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		clientID, it.Fingerprint, it.Symbol, string(it.Side), string(it.EntryType),
		it.EntryPrice, it.StopLoss, it.TakeProfit, it.StrategyID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("router: 保存意图失败: %w", err)
	}
	return nil
}

type pendingBracket struct {
	clientID    string
	fingerprint string
	symbol      string
	side        string
	stopLoss    float64
	takeProfit  float64
	strategyID  string
}

// EnsureBrackets 为已成交的入场单挂保护腿。保护腿只在观察到成交后提交，
// 数量取实际成交量而非提交量。由对账轮询在每次循环后调用。
// 停机开关触发期间不产生任何对外提交, 待挂记录保留, 开关清除后下一轮补挂。
func (r *Router) EnsureBrackets(ctx context.Context) (int, error) {
	if r.sw.Tripped() {
		r.logger.Warn("停机开关已触发, 本轮跳过保护腿挂单")
		return 0, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT client_order_id, fingerprint, symbol, side, stop_loss, take_profit, strategy_id
		FROM router_intents WHERE brackets_placed = 0`)
	if err != nil {
		return 0, fmt.Errorf("router: 查询待挂保护腿失败: %w", err)
	}
	var pending []pendingBracket
	for rows.Next() {
		var p pendingBracket
		if err := rows.Scan(&p.clientID, &p.fingerprint, &p.symbol, &p.side,
			&p.stopLoss, &p.takeProfit, &p.strategyID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("router: 读取待挂保护腿失败: %w", err)
		}
		pending = append(pending, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	placed := 0
	for _, p := range pending {
		rec, err := r.led.Order(ctx, p.clientID)
		if err != nil {
			r.logger.Error("查询入场单失败", zap.Error(err), zap.String("client_order_id", p.clientID))
			continue
		}
		switch {
		case rec.Status == ledger.StatusFilled,
			rec.Status.Terminal() && rec.FilledVolume > 0:
			// 全部成交, 或部分成交后已终结: 以实际成交量挂保护腿
		case rec.Status.Terminal():
			// 未成交即终结, 无需保护腿
			r.markBracketsPlaced(ctx, p.clientID)
			continue
		default:
			continue
		}

		if err := r.placeBrackets(ctx, p, rec.FilledVolume); err != nil {
			r.logger.Error("挂保护腿失败", zap.Error(err), zap.String("client_order_id", p.clientID))
			continue
		}
		r.markBracketsPlaced(ctx, p.clientID)
		placed++
	}
	return placed, nil
}

func (r *Router) placeBrackets(ctx context.Context, p pendingBracket, volume float64) error {
	brokerSymbol, err := r.resolver.BrokerSymbol(p.symbol)
	if err != nil {
		return err
	}
	exitSide := "sell"
	if p.side == "sell" {
		exitSide = "buy"
	}

	legs := []struct {
		leg       ledger.LegKind
		kind      broker.OrderKind
		orderType string
		price     float64
	}{
		{ledger.LegStopLoss, broker.KindStopLoss, "stop", p.stopLoss},
		{ledger.LegTakeProfit, broker.KindTakeProfit, "limit", p.takeProfit},
	}

	for _, leg := range legs {
		clientID := uuid.NewString()
		if err := r.led.RecordCreated(ctx, ledger.OrderRecord{
			ClientOrderID:   clientID,
			Fingerprint:     p.fingerprint,
			Symbol:          p.symbol,
			Leg:             leg.leg,
			Side:            exitSide,
			SubmittedVolume: volume,
		}); err != nil {
			return err
		}

		req := broker.OrderRequest{
			ClientOrderID: clientID,
			Symbol:        brokerSymbol,
			Kind:          leg.kind,
			Side:          exitSide,
			Type:          leg.orderType,
			Volume:        volume,
			Price:         leg.price,
			ReduceOnly:    true,
			Magic:         r.brokerCfg.Magic,
			Comment:       p.strategyID,
		}
		if _, err := r.submitWithRetry(ctx, clientID, req); err != nil {
			return err
		}
	}
	r.logger.Info("保护腿已挂出",
		zap.String("entry_client_order_id", p.clientID),
		zap.String("symbol", p.symbol),
		zap.Float64("volume", volume))
	return nil
}

func (r *Router) markBracketsPlaced(ctx context.Context, clientID string) {
	_, err := r.db.ExecContext(ctx,
		`UPDATE router_intents SET brackets_placed = 1 WHERE client_order_id = ?`, clientID)
	if err != nil {
		r.logger.Error("更新保护腿标记失败", zap.Error(err), zap.String("client_order_id", clientID))
	}
}

// Cancel 撤销一笔未终结订单。
func (r *Router) Cancel(ctx context.Context, clientOrderID, reason string) error {
	rec, err := r.led.Order(ctx, clientOrderID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("router: 订单 %s 已终结, 无法撤销", clientOrderID)
	}
	if rec.OrderID == "" {
		return fmt.Errorf("router: 订单 %s 尚未获得经纪商确认, 无法撤销", clientOrderID)
	}

	brokerSymbol, err := r.resolver.BrokerSymbol(rec.Symbol)
	if err != nil {
		return err
	}
	if _, err := r.bk.CancelOrder(ctx, brokerSymbol, rec.OrderID); err != nil {
		return fmt.Errorf("router: 撤单失败: %w", err)
	}
	return r.led.RecordBrokerEvent(ctx, ledger.BrokerEvent{
		Type:          ledger.EventCancelled,
		ClientOrderID: clientOrderID,
		OrderID:       rec.OrderID,
		Reason:        reason,
	})
}

// Modify 调整订单的止损止盈价。
func (r *Router) Modify(ctx context.Context, clientOrderID string, newStop, newTake float64) error {
	rec, err := r.led.Order(ctx, clientOrderID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("router: 订单 %s 已终结, 无法改单", clientOrderID)
	}
	if rec.OrderID == "" {
		return fmt.Errorf("router: 订单 %s 尚未获得经纪商确认, 无法改单", clientOrderID)
	}

	brokerSymbol, err := r.resolver.BrokerSymbol(rec.Symbol)
	if err != nil {
		return err
	}
	if _, err := r.bk.ModifyOrder(ctx, brokerSymbol, rec.OrderID, newStop, newTake); err != nil {
		return fmt.Errorf("router: 改单失败: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE router_intents SET stop_loss = ?, take_profit = ?
		WHERE client_order_id = ?`, newStop, newTake, clientOrderID)
	if err != nil {
		return fmt.Errorf("router: 更新意图失败: %w", err)
	}
	return nil
}

// FlattenAll 撤销所有未结订单并以市价平掉全部持仓。
// 平仓单为只减仓方向单, 停机开关触发时仍然放行。
// 整个过程串行执行, 重复调用时已平仓品种自然跳过。
func (r *Router) FlattenAll(ctx context.Context, reason string) (int, error) {
	r.flattenMu.Lock()
	defer r.flattenMu.Unlock()

	open, err := r.led.OpenOrders(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range open {
		if rec.OrderID == "" {
			continue
		}
		brokerSymbol, err := r.resolver.BrokerSymbol(rec.Symbol)
		if err != nil {
			r.logger.Error("平仓撤单跳过未知符号", zap.String("symbol", rec.Symbol))
			continue
		}
		if _, err := r.bk.CancelOrder(ctx, brokerSymbol, rec.OrderID); err != nil {
			r.logger.Error("平仓撤单失败", zap.Error(err), zap.String("order_id", rec.OrderID))
			continue
		}
		if err := r.led.RecordBrokerEvent(ctx, ledger.BrokerEvent{
			Type:          ledger.EventCancelled,
			ClientOrderID: rec.ClientOrderID,
			OrderID:       rec.OrderID,
			Reason:        reason,
		}); err != nil {
			r.logger.Error("记录撤单失败", zap.Error(err))
		}
	}

	positions, err := r.led.Positions(ctx)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, pos := range positions {
		if pos.NetVolume == 0 {
			continue
		}
		brokerSymbol, err := r.resolver.BrokerSymbol(pos.Symbol)
		if err != nil {
			r.logger.Error("平仓跳过未知符号", zap.String("symbol", pos.Symbol))
			continue
		}
		side := "sell"
		volume := pos.NetVolume
		if pos.NetVolume < 0 {
			side = "buy"
			volume = -pos.NetVolume
		}

		clientID := uuid.NewString()
		if err := r.led.RecordCreated(ctx, ledger.OrderRecord{
			ClientOrderID:   clientID,
			Fingerprint:     "flatten|" + pos.Symbol + "|" + clientID,
			Symbol:          pos.Symbol,
			Leg:             ledger.LegEntry,
			Side:            side,
			SubmittedVolume: volume,
		}); err != nil {
			return closed, err
		}

		req := broker.OrderRequest{
			ClientOrderID: clientID,
			Symbol:        brokerSymbol,
			Kind:          broker.KindEntry,
			Side:          side,
			Type:          "market",
			Volume:        volume,
			ReduceOnly:    true,
			Magic:         r.brokerCfg.Magic,
			Comment:       "flatten",
		}
		if _, err := r.submitWithRetry(ctx, clientID, req); err != nil {
			r.logger.Error("平仓单提交失败", zap.Error(err), zap.String("symbol", pos.Symbol))
			continue
		}
		closed++
	}

	if r.journal != nil {
		r.journal.RecordFlatten(ctx, fmt.Sprintf("撤单 %d 笔, 平仓 %d 个品种: %s", len(open), closed, reason))
	}
	r.logger.Warn("一键平仓完成",
		zap.Int("cancelled", len(open)),
		zap.Int("closed", closed),
		zap.String("reason", reason))
	return closed, nil
}
