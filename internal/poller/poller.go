package poller

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"exec-core/internal/broker"
	"exec-core/internal/config"
	"exec-core/internal/ledger"
	"exec-core/internal/risk"
	"exec-core/internal/router"
)

// Poller 以固定间隔拉取经纪商状态快照并触发对账。
// 轮询只读取经纪商, 所有状态修正都经由账本事件落地, 从不阻塞提交路径。
type Poller struct {
	bk      broker.Broker
	rec     *ledger.Reconciler
	rt      *router.Router
	tracker *risk.DailyTracker
	cfg     config.ReconcileConfig
	logger  *zap.Logger
}

// New 创建轮询器。tracker 可为空, 为空时跳过权益更新。
func New(bk broker.Broker, rec *ledger.Reconciler, rt *router.Router,
	tracker *risk.DailyTracker, cfg config.ReconcileConfig, logger *zap.Logger) (*Poller, error) {
	if bk == nil || rec == nil || rt == nil {
		return nil, fmt.Errorf("poller: 依赖不完整")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{bk: bk, rec: rec, rt: rt, tracker: tracker, cfg: cfg, logger: logger}, nil
}

// Run 启动轮询循环直至上下文取消。单次轮询失败只记录日志,
// 下一个周期继续, 轮询节奏不因个别错误而停摆。
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.logger.Info("对账轮询启动", zap.Duration("interval", p.cfg.PollInterval))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("对账轮询退出")
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil {
				p.logger.Error("轮询失败", zap.Error(err))
			}
		}
	}
}

// Poll 执行一次完整轮询: 拉取快照、对账、更新日内权益、补挂保护腿。
func (p *Poller) Poll(ctx context.Context) (ledger.ReconcileReport, error) {
	snap, err := p.snapshot(ctx)
	if err != nil {
		return ledger.ReconcileReport{}, fmt.Errorf("poller: 拉取快照失败: %w", err)
	}

	report, err := p.rec.Reconcile(ctx, snap)
	if err != nil {
		return report, fmt.Errorf("poller: 对账失败: %w", err)
	}

	if p.tracker != nil && snap.Account.Equity > 0 {
		if _, err := p.tracker.Update(ctx, snap.RetrievedAt, snap.Account.Equity); err != nil {
			p.logger.Error("更新日内权益失败", zap.Error(err))
		}
	}

	if placed, err := p.rt.EnsureBrackets(ctx); err != nil {
		p.logger.Error("补挂保护腿失败", zap.Error(err))
	} else if placed > 0 {
		p.logger.Info("补挂保护腿", zap.Int("count", placed))
	}

	return report, nil
}

// snapshot 并发拉取订单、持仓、成交与账户, 任一失败则整个快照作废,
// 避免用不完整的视图去对账。
func (p *Poller) snapshot(ctx context.Context) (broker.Snapshot, error) {
	var snap broker.Snapshot
	since := time.Now().UTC().Add(-p.cfg.DealLookback)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		orders, err := p.bk.FetchOpenOrders(gctx, "")
		if err != nil {
			return fmt.Errorf("拉取挂单失败: %w", err)
		}
		snap.Orders = orders
		return nil
	})
	g.Go(func() error {
		positions, err := p.bk.FetchPositions(gctx)
		if err != nil {
			return fmt.Errorf("拉取持仓失败: %w", err)
		}
		snap.Positions = positions
		return nil
	})
	g.Go(func() error {
		deals, err := p.bk.FetchDeals(gctx, since)
		if err != nil {
			return fmt.Errorf("拉取成交失败: %w", err)
		}
		snap.Deals = deals
		return nil
	})
	g.Go(func() error {
		account, err := p.bk.FetchAccount(gctx)
		if err != nil {
			return fmt.Errorf("拉取账户失败: %w", err)
		}
		snap.Account = account
		return nil
	})

	if err := g.Wait(); err != nil {
		return broker.Snapshot{}, err
	}
	snap.RetrievedAt = time.Now().UTC()
	return snap, nil
}
