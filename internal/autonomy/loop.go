package autonomy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"exec-core/internal/audit"
	"exec-core/internal/broker"
	"exec-core/internal/config"
	"exec-core/internal/ledger"
	"exec-core/internal/risk"
	"exec-core/internal/router"
)

// Status 表示自治循环的运行状态。
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
)

// ErrCycleBusy 表示已有评估周期在执行, 本次触发被合并。
var ErrCycleBusy = errors.New("autonomy: 评估周期执行中")

// CycleReport 汇总一次评估周期的处理结果。
type CycleReport struct {
	Evaluated int
	Submitted int
	Rejected  int
	Failed    int
}

// Loop 为自治循环: 以固定间隔从收件箱取出待执行意图,
// 逐条过风控闸门并交给路由提交。任一时刻最多一个周期在执行,
// 手动触发与定时触发撞车时后到者直接返回。
type Loop struct {
	cfg     config.AutonomyConfig
	inbox   *Inbox
	gate    *risk.Gate
	rt      *router.Router
	tracker *risk.DailyTracker
	led     *ledger.Ledger
	bk      broker.Broker
	journal *audit.Journal
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	cycleMu sync.Mutex
}

// New 创建自治循环。
func New(cfg config.AutonomyConfig, inbox *Inbox, gate *risk.Gate, rt *router.Router,
	tracker *risk.DailyTracker, led *ledger.Ledger, bk broker.Broker,
	journal *audit.Journal, logger *zap.Logger) (*Loop, error) {
	if inbox == nil || gate == nil || rt == nil || led == nil || bk == nil {
		return nil, fmt.Errorf("autonomy: 依赖不完整")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		cfg:     cfg,
		inbox:   inbox,
		gate:    gate,
		rt:      rt,
		tracker: tracker,
		led:     led,
		bk:      bk,
		journal: journal,
		logger:  logger,
	}, nil
}

// Start 启动定时评估。重复启动是幂等的。
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.cfg.Interval)
		defer ticker.Stop()

		l.logger.Info("自治循环启动", zap.Duration("interval", l.cfg.Interval))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// 周期跑在脱离取消的上下文上: Stop 只停止后续排程,
				// 进行中的周期与其经纪商调用完整执行并落账
				if _, err := l.EvaluateNow(context.WithoutCancel(ctx), "timer"); err != nil && !errors.Is(err, ErrCycleBusy) {
					l.logger.Error("评估周期失败", zap.Error(err))
				}
			}
		}
	}()
}

// Stop 停止定时评估并等待当前周期结束。进行中的周期不被取消,
// 其经纪商调用跑完并记录结局。重复停止是幂等的。
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	cancel()
	<-done
	l.logger.Info("自治循环停止")
}

// State 返回循环运行状态。
func (l *Loop) State() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return StatusRunning
	}
	return StatusStopped
}

// EvaluateNow 立即执行一次评估周期。已有周期在执行时返回 ErrCycleBusy,
// 触发不排队, 待执行意图留待下一个周期。
func (l *Loop) EvaluateNow(ctx context.Context, trigger string) (CycleReport, error) {
	if !l.cycleMu.TryLock() {
		return CycleReport{}, ErrCycleBusy
	}
	defer l.cycleMu.Unlock()
	return l.runCycle(ctx, trigger)
}

func (l *Loop) runCycle(ctx context.Context, trigger string) (CycleReport, error) {
	var report CycleReport

	pending, err := l.inbox.Pending(ctx)
	if err != nil {
		return report, err
	}
	if len(pending) == 0 {
		return report, nil
	}

	state, err := l.riskState(ctx)
	if err != nil {
		return report, err
	}

	for _, q := range pending {
		report.Evaluated++

		decision := l.gate.Evaluate(q.Intent, state)
		if !decision.Approved {
			report.Rejected++
			note := string(decision.Reason)
			if err := l.inbox.MarkProcessed(ctx, q.ID, InboxRejected, note); err != nil {
				l.logger.Error("标记拒绝失败", zap.Error(err))
			}
			if l.journal != nil {
				l.journal.RecordRejection(ctx, audit.RejectionPayload{
					Fingerprint: q.Intent.Fingerprint,
					Symbol:      q.Intent.Symbol,
					Reason:      note,
				})
			}
			continue
		}

		res, err := l.rt.Submit(ctx, q.Intent)
		if err != nil {
			report.Failed++
			if markErr := l.inbox.MarkProcessed(ctx, q.ID, InboxFailed, err.Error()); markErr != nil {
				l.logger.Error("标记失败状态出错", zap.Error(markErr))
			}
			l.logger.Error("提交意图失败",
				zap.String("fingerprint", q.Intent.Fingerprint), zap.Error(err))
			continue
		}

		report.Submitted++
		note := res.ClientOrderID
		if res.Duplicate {
			note = "重复意图, 复用订单 " + res.ClientOrderID
		}
		if err := l.inbox.MarkProcessed(ctx, q.ID, InboxSubmitted, note); err != nil {
			l.logger.Error("标记提交失败", zap.Error(err))
		}

		// 新订单才消耗风险预算, 重复意图不重复计数
		if !res.Duplicate && l.tracker != nil {
			if err := l.tracker.ConsumeTrade(ctx, time.Now().UTC(), decision.RiskPercent); err != nil {
				l.logger.Error("记录风险消耗失败", zap.Error(err))
			}
			state.DailyRiskConsumed += decision.RiskPercent
			state.TradesToday++
			state.SymbolExposure[q.Intent.Symbol] += q.Intent.Volume
		}
	}

	if l.journal != nil {
		l.journal.RecordCycle(ctx, audit.CyclePayload{
			Trigger:   trigger,
			Evaluated: report.Evaluated,
			Submitted: report.Submitted,
			Rejected:  report.Rejected,
		})
	}
	l.logger.Info("评估周期完成",
		zap.String("trigger", trigger),
		zap.Int("evaluated", report.Evaluated),
		zap.Int("submitted", report.Submitted),
		zap.Int("rejected", report.Rejected),
		zap.Int("failed", report.Failed))
	return report, nil
}

// riskState 在周期开始时拼装一次风险快照, 周期内的提交会就地累加,
// 避免同周期多笔意图绕过日度与敞口上限。
func (l *Loop) riskState(ctx context.Context) (risk.State, error) {
	now := time.Now().UTC()
	state := risk.State{
		SymbolExposure: make(map[string]float64),
		Timestamp:      now,
	}

	account, err := l.bk.FetchAccount(ctx)
	if err != nil {
		return state, fmt.Errorf("autonomy: 获取账户快照失败: %w", err)
	}
	state.Equity = account.Equity
	state.UsedMargin = account.MarginUsed

	exposure, err := l.led.SymbolExposure(ctx)
	if err != nil {
		return state, err
	}
	for symbol, volume := range exposure {
		state.SymbolExposure[symbol] = volume
	}

	if l.tracker != nil {
		status, err := l.tracker.Status(ctx, now)
		if err != nil {
			return state, err
		}
		state.DailyRiskConsumed = status.RiskConsumed
		state.TradesToday = status.TradeCount
		state.DailyHalted = status.Halted
	}
	return state, nil
}
