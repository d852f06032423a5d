package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"exec-core/internal/config"
	"exec-core/internal/store"
)

// DailyTracker 维护日度风控状态：净值回撤、已消耗风险与交易笔数。
type DailyTracker struct {
	db     *sql.DB
	cfg    config.RiskConfig
	logger *zap.Logger
}

// NewDailyTracker 创建日度追踪器并初始化表结构。
func NewDailyTracker(st *store.Store, cfg config.RiskConfig, logger *zap.Logger) (*DailyTracker, error) {
	if st == nil {
		return nil, errors.New("risk: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker := &DailyTracker{
		db:     st.DB(),
		cfg:    cfg,
		logger: logger,
	}

	if err := tracker.initSchema(); err != nil {
		return nil, err
	}

	return tracker, nil
}

func (t *DailyTracker) initSchema() error {
	schema := `CREATE TABLE IF NOT EXISTS risk_daily_state (
		trading_date TEXT PRIMARY KEY,
		start_equity REAL NOT NULL,
		current_equity REAL NOT NULL,
		risk_consumed REAL NOT NULL DEFAULT 0,
		trade_count INTEGER NOT NULL DEFAULT 0,
		halted INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);`
	if _, err := t.db.Exec(schema); err != nil {
		return fmt.Errorf("risk: 初始化表结构失败: %w", err)
	}
	return nil
}

// Update 根据当前净值更新当日状态，亏损越限时触发日度停机。
func (t *DailyTracker) Update(ctx context.Context, ts time.Time, equity float64) (DailyStatus, error) {
	var result DailyStatus

	tradingDate := tradingDay(ts, t.cfg.DailyLossResetHour)
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("risk: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		startEquity  float64
		riskConsumed float64
		tradeCount   int
		haltedInt    int
	)

	row := tx.QueryRowContext(ctx,
		`SELECT start_equity, risk_consumed, trade_count, halted FROM risk_daily_state WHERE trading_date = ?`,
		tradingDate,
	)
	switch scanErr := row.Scan(&startEquity, &riskConsumed, &tradeCount, &haltedInt); {
	case scanErr == nil:
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE risk_daily_state SET current_equity = ?, updated_at = ? WHERE trading_date = ?`,
			equity, now, tradingDate,
		); execErr != nil {
			err = fmt.Errorf("risk: 更新日度净值失败: %w", execErr)
			return result, err
		}
	case errors.Is(scanErr, sql.ErrNoRows):
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO risk_daily_state (trading_date, start_equity, current_equity, risk_consumed, trade_count, halted, updated_at)
			 VALUES (?, ?, ?, 0, 0, 0, ?)`,
			tradingDate, equity, equity, now,
		); execErr != nil {
			err = fmt.Errorf("risk: 初始化日度净值失败: %w", execErr)
			return result, err
		}

		result = DailyStatus{
			TradingDate:   tradingDate,
			StartEquity:   equity,
			CurrentEquity: equity,
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return result, fmt.Errorf("risk: 提交事务失败: %w", commitErr)
		}
		return result, nil
	default:
		err = fmt.Errorf("risk: 查询日度净值失败: %w", scanErr)
		return result, err
	}

	lossPercent := 0.0
	if startEquity > 0 {
		lossPercent = (equity - startEquity) / startEquity
	}
	halted := haltedInt == 1

	if t.cfg.EnableDailyStopLoss && !halted && startEquity > 0 && lossPercent <= -t.cfg.MaxDailyLoss {
		halted = true
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE risk_daily_state SET halted = 1, updated_at = ? WHERE trading_date = ?`,
			now, tradingDate,
		); execErr != nil {
			err = fmt.Errorf("risk: 更新日度停机状态失败: %w", execErr)
			return result, err
		}

		t.logger.Warn("触发日度亏损限制",
			zap.String("trading_date", tradingDate),
			zap.Float64("loss_percent", lossPercent),
		)
	}

	result = DailyStatus{
		TradingDate:   tradingDate,
		StartEquity:   startEquity,
		CurrentEquity: equity,
		LossPercent:   lossPercent,
		RiskConsumed:  riskConsumed,
		TradeCount:    tradeCount,
		Halted:        halted,
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return result, fmt.Errorf("risk: 提交事务失败: %w", commitErr)
	}

	return result, nil
}

// ConsumeTrade 在订单被接受后记入当日风险消耗与交易笔数。
func (t *DailyTracker) ConsumeTrade(ctx context.Context, ts time.Time, riskPercent float64) error {
	tradingDate := tradingDay(ts, t.cfg.DailyLossResetHour)
	now := time.Now().UTC().Format(time.RFC3339)

	res, err := t.db.ExecContext(ctx,
		`UPDATE risk_daily_state SET risk_consumed = risk_consumed + ?, trade_count = trade_count + 1, updated_at = ?
		 WHERE trading_date = ?`,
		riskPercent, now, tradingDate,
	)
	if err != nil {
		return fmt.Errorf("risk: 记录风险消耗失败: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("risk: 读取更新结果失败: %w", err)
	}
	if affected == 0 {
		if _, err := t.db.ExecContext(ctx,
			`INSERT INTO risk_daily_state (trading_date, start_equity, current_equity, risk_consumed, trade_count, halted, updated_at)
			 VALUES (?, 0, 0, ?, 1, 0, ?)`,
			tradingDate, riskPercent, now,
		); err != nil {
			return fmt.Errorf("risk: 初始化风险消耗失败: %w", err)
		}
	}

	return nil
}

// Status 返回当日状态，当日无记录时返回零值状态。
func (t *DailyTracker) Status(ctx context.Context, ts time.Time) (DailyStatus, error) {
	tradingDate := tradingDay(ts, t.cfg.DailyLossResetHour)

	row := t.db.QueryRowContext(ctx,
		`SELECT start_equity, current_equity, risk_consumed, trade_count, halted FROM risk_daily_state WHERE trading_date = ?`,
		tradingDate,
	)

	var (
		status    DailyStatus
		haltedInt int
	)
	status.TradingDate = tradingDate

	switch err := row.Scan(&status.StartEquity, &status.CurrentEquity, &status.RiskConsumed, &status.TradeCount, &haltedInt); {
	case err == nil:
		status.Halted = haltedInt == 1
		if status.StartEquity > 0 {
			status.LossPercent = (status.CurrentEquity - status.StartEquity) / status.StartEquity
		}
		return status, nil
	case errors.Is(err, sql.ErrNoRows):
		return status, nil
	default:
		return status, fmt.Errorf("risk: 查询日度状态失败: %w", err)
	}
}

func tradingDay(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	shifted := ts.UTC().Add(-time.Duration(resetHour) * time.Hour)
	return time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC).Format("2006-01-02")
}
