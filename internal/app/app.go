package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"exec-core/internal/audit"
	"exec-core/internal/autonomy"
	"exec-core/internal/broker"
	"exec-core/internal/config"
	"exec-core/internal/killswitch"
	"exec-core/internal/ledger"
	"exec-core/internal/poller"
	"exec-core/internal/risk"
	"exec-core/internal/router"
	"exec-core/internal/store"
)

// App 聚合执行核心的全部组件并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store

	journal *audit.Journal
	sw      *killswitch.Switch
	bk      broker.Broker
	led     *ledger.Ledger
	tracker *risk.DailyTracker
	rt      *router.Router
	inbox   *autonomy.Inbox
	loop    *autonomy.Loop
	poll    *poller.Poller
}

// New 创建并装配全部组件。
func New(cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	journal, err := audit.NewJournal(st, logger)
	if err != nil {
		return nil, err
	}
	sw, err := killswitch.New(st, logger)
	if err != nil {
		return nil, err
	}
	resolver := broker.NewResolver(cfg.Symbols)

	var bk broker.Broker
	if cfg.Broker.Simulation {
		logger.Warn("模拟经纪商模式, 订单不会到达真实场所")
		bk = broker.NewSimulator(true, logger)
	} else {
		client, err := broker.NewClient(cfg.Broker, logger)
		if err != nil {
			return nil, err
		}
		bk = client
	}

	led, err := ledger.New(st, journal, logger)
	if err != nil {
		return nil, err
	}
	rec, err := ledger.NewReconciler(led, resolver, cfg.Reconcile.MissingGrace, logger)
	if err != nil {
		return nil, err
	}
	idem, err := router.NewIdempotencyStore(st, logger)
	if err != nil {
		return nil, err
	}
	rt, err := router.New(cfg, st, bk, led, idem, sw, resolver, journal, logger)
	if err != nil {
		return nil, err
	}

	tracker, err := risk.NewDailyTracker(st, cfg.Risk, logger)
	if err != nil {
		return nil, err
	}
	gate := risk.NewGate(cfg.Risk, cfg.Symbols, sw, resolver, logger)

	inbox, err := autonomy.NewInbox(st, logger)
	if err != nil {
		return nil, err
	}
	loop, err := autonomy.New(cfg.Autonomy, inbox, gate, rt, tracker, led, bk, journal, logger)
	if err != nil {
		return nil, err
	}
	poll, err := poller.New(bk, rec, rt, tracker, cfg.Reconcile, logger)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		journal: journal,
		sw:      sw,
		bk:      bk,
		led:     led,
		tracker: tracker,
		rt:      rt,
		inbox:   inbox,
		loop:    loop,
		poll:    poll,
	}, nil
}

// Run 启动对账轮询、自治循环与运维接口, 阻塞直至退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("执行核心已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("broker", a.cfg.Broker.Name),
		zap.Bool("simulation", a.cfg.Broker.Simulation),
		zap.Int("symbols", len(a.cfg.Symbols)),
	)

	if a.sw.Tripped() {
		st := a.sw.Snapshot()
		a.logger.Warn("停机开关处于触发状态, 新订单将被拒绝",
			zap.String("reason", st.Reason),
			zap.Time("tripped_at", st.TrippedAt))
	}

	if a.cfg.Server.Enabled {
		if err := a.startServer(ctx); err != nil {
			return fmt.Errorf("app: 启动运维接口失败: %w", err)
		}
	}

	if a.cfg.Autonomy.AutoStart {
		a.loop.Start()
	}
	defer a.loop.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.poll.Run(gctx)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("app: 系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号, 正在停止")
	return nil
}
