package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"exec-core/internal/audit"
	"exec-core/internal/store"
)

// Ledger 为对账账本：订单记录、只追加成交日志与由成交折叠出的持仓。
// 同一 ClientOrderID 的写入串行执行，不同订单可并发。
type Ledger struct {
	db       *sql.DB
	journal  *audit.Journal
	logger   *zap.Logger
	keys     *keyedMutex
	recompMu sync.Mutex
}

// New 创建账本并初始化表结构。
func New(st *store.Store, journal *audit.Journal, logger *zap.Logger) (*Ledger, error) {
	if st == nil {
		return nil, fmt.Errorf("ledger: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{
		db:      st.DB(),
		journal: journal,
		logger:  logger,
		keys:    newKeyedMutex(),
	}
	if err := l.initSchema(); err != nil {
		return nil, fmt.Errorf("ledger: 初始化表结构失败: %w", err)
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ledger_orders (
		client_order_id  TEXT PRIMARY KEY,
		order_id         TEXT NOT NULL DEFAULT '',
		fingerprint      TEXT NOT NULL,
		symbol           TEXT NOT NULL,
		leg              TEXT NOT NULL,
		side             TEXT NOT NULL,
		submitted_volume REAL NOT NULL,
		filled_volume    REAL NOT NULL DEFAULT 0,
		avg_fill_price   REAL NOT NULL DEFAULT 0,
		status           TEXT NOT NULL,
		retry_count      INTEGER NOT NULL DEFAULT 0,
		last_error       TEXT NOT NULL DEFAULT '',
		excluded         INTEGER NOT NULL DEFAULT 0,
		created_at       DATETIME NOT NULL,
		submitted_at     DATETIME,
		acked_at         DATETIME,
		closed_at        DATETIME,
		updated_at       DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_orders_order_id ON ledger_orders(order_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_orders_fingerprint ON ledger_orders(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_ledger_orders_symbol_status ON ledger_orders(symbol, status);

	CREATE TABLE IF NOT EXISTS ledger_fills (
		fill_id     TEXT PRIMARY KEY,
		order_id    TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		side        TEXT NOT NULL,
		volume      REAL NOT NULL,
		price       REAL NOT NULL,
		out_of_band INTEGER NOT NULL DEFAULT 0,
		occurred_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_fills_symbol_time ON ledger_fills(symbol, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_fills_order ON ledger_fills(order_id);

	CREATE TABLE IF NOT EXISTS ledger_positions (
		symbol       TEXT PRIMARY KEY,
		net_volume   REAL NOT NULL,
		avg_entry    REAL NOT NULL,
		mark_price   REAL NOT NULL DEFAULT 0,
		unrealized   REAL NOT NULL DEFAULT 0,
		updated_at   DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger_anomalies (
		id         TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		order_id   TEXT NOT NULL DEFAULT '',
		symbol     TEXT NOT NULL DEFAULT '',
		detail     TEXT NOT NULL,
		resolved   INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	`
	_, err := l.db.Exec(schema)
	return err
}

// RecordCreated 写入一条新订单记录，状态为 created。
func (l *Ledger) RecordCreated(ctx context.Context, rec OrderRecord) error {
	unlock := l.keys.lock(rec.ClientOrderID)
	defer unlock()

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ledger_orders
			(client_order_id, order_id, fingerprint, symbol, leg, side,
			 submitted_volume, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ClientOrderID, rec.OrderID, rec.Fingerprint, rec.Symbol, string(rec.Leg),
		rec.Side, rec.SubmittedVolume, string(StatusCreated), rec.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("ledger: 写入订单记录失败: %w", err)
	}
	return nil
}

// MarkSubmitted 将订单标记为已提交，并记录已消耗的重试次数。
func (l *Ledger) MarkSubmitted(ctx context.Context, clientOrderID string, retryCount int) error {
	unlock := l.keys.lock(clientOrderID)
	defer unlock()

	now := time.Now().UTC()
	_, err := l.db.ExecContext(ctx, `
		UPDATE ledger_orders
		SET status = ?, retry_count = ?, submitted_at = ?, updated_at = ?
		WHERE client_order_id = ?`,
		string(StatusSubmitted), retryCount, now, now, clientOrderID)
	if err != nil {
		return fmt.Errorf("ledger: 标记提交失败: %w", err)
	}
	return nil
}

// MarkRejected 将订单置为拒绝终态。
func (l *Ledger) MarkRejected(ctx context.Context, clientOrderID, reason string) error {
	unlock := l.keys.lock(clientOrderID)
	defer unlock()
	return l.closeOrder(ctx, clientOrderID, StatusRejected, reason)
}

func (l *Ledger) closeOrder(ctx context.Context, clientOrderID string, st OrderStatus, reason string) error {
	now := time.Now().UTC()
	_, err := l.db.ExecContext(ctx, `
		UPDATE ledger_orders
		SET status = ?, last_error = ?, closed_at = ?, updated_at = ?
		WHERE client_order_id = ? AND closed_at IS NULL`,
		string(st), reason, now, now, clientOrderID)
	if err != nil {
		return fmt.Errorf("ledger: 关闭订单失败: %w", err)
	}
	return nil
}

// RecordBrokerEvent 消费一条经纪商事件。同一订单的事件串行处理，
// 成交按 fill_id 去重，重复投递不会造成重复计账。
func (l *Ledger) RecordBrokerEvent(ctx context.Context, ev BrokerEvent) error {
	clientID := ev.ClientOrderID
	if clientID == "" {
		var err error
		clientID, err = l.clientIDByOrderID(ctx, ev.OrderID)
		if err != nil {
			return err
		}
	}

	unlock := l.keys.lock(clientID)
	defer unlock()

	switch ev.Type {
	case EventAcknowledged:
		return l.applyAck(ctx, clientID, ev)
	case EventFilled:
		return l.applyFill(ctx, clientID, ev)
	case EventRejected:
		return l.closeOrder(ctx, clientID, StatusRejected, ev.Reason)
	case EventCancelled:
		return l.closeOrder(ctx, clientID, StatusCancelled, ev.Reason)
	case EventExpired:
		return l.closeOrder(ctx, clientID, StatusExpired, ev.Reason)
	default:
		return fmt.Errorf("ledger: 未知事件类型: %s", ev.Type)
	}
}

func (l *Ledger) clientIDByOrderID(ctx context.Context, orderID string) (string, error) {
	if orderID == "" {
		return "", fmt.Errorf("ledger: 事件缺少订单标识")
	}
	var clientID string
	err := l.db.QueryRowContext(ctx,
		`SELECT client_order_id FROM ledger_orders WHERE order_id = ? LIMIT 1`, orderID).
		Scan(&clientID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("ledger: 订单 %s 在账本中不存在", orderID)
	}
	if err != nil {
		return "", fmt.Errorf("ledger: 查询订单失败: %w", err)
	}
	return clientID, nil
}

func (l *Ledger) applyAck(ctx context.Context, clientID string, ev BrokerEvent) error {
	now := time.Now().UTC()
	at := ev.At
	if at.IsZero() {
		at = now
	}
	_, err := l.db.ExecContext(ctx, `
		UPDATE ledger_orders
		SET order_id = ?, status = ?, acked_at = ?, updated_at = ?
		WHERE client_order_id = ? AND status IN (?, ?)`,
		ev.OrderID, string(StatusAcknowledged), at, now,
		clientID, string(StatusCreated), string(StatusSubmitted))
	if err != nil {
		return fmt.Errorf("ledger: 确认订单失败: %w", err)
	}
	return nil
}

func (l *Ledger) applyFill(ctx context.Context, clientID string, ev BrokerEvent) error {
	if ev.Fill == nil {
		return fmt.Errorf("ledger: 成交事件缺少成交明细")
	}
	fill := *ev.Fill

	var rec OrderRecord
	var excluded int
	err := l.db.QueryRowContext(ctx, `
		SELECT symbol, side, submitted_volume, filled_volume, avg_fill_price, status, excluded
		FROM ledger_orders WHERE client_order_id = ?`, clientID).
		Scan(&rec.Symbol, &rec.Side, &rec.SubmittedVolume, &rec.FilledVolume,
			&rec.AvgFillPrice, &rec.Status, &excluded)
	if err != nil {
		return fmt.Errorf("ledger: 查询订单失败: %w", err)
	}

	if fill.Symbol == "" {
		fill.Symbol = rec.Symbol
	}
	if fill.Side == "" {
		fill.Side = rec.Side
	}
	if fill.Timestamp.IsZero() {
		fill.Timestamp = time.Now().UTC()
	}

	// 守恒约束：成交总量不得超过提交量。超出部分不入账并记录异常。
	remaining := rec.SubmittedVolume - rec.FilledVolume
	if fill.Volume > remaining+volumeEpsilon {
		l.recordAnomaly(ctx, Anomaly{
			Kind:    AnomalyOverfill,
			OrderID: fill.OrderID,
			Symbol:  rec.Symbol,
			Detail: fmt.Sprintf("成交量 %.8f 超过剩余可成交量 %.8f, fill_id=%s",
				fill.Volume, remaining, fill.FillID),
		})
		if remaining <= volumeEpsilon {
			return nil
		}
		fill.Volume = remaining
	}

	res, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO ledger_fills
			(fill_id, order_id, symbol, side, volume, price, out_of_band, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fill.FillID, fill.OrderID, fill.Symbol, fill.Side,
		fill.Volume, fill.Price, boolToInt(fill.OutOfBand), fill.Timestamp)
	if err != nil {
		return fmt.Errorf("ledger: 写入成交失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// 重复投递，忽略
		return nil
	}

	newFilled := rec.FilledVolume + fill.Volume
	newAvg := rec.AvgFillPrice
	if newFilled > 0 {
		newAvg = (rec.AvgFillPrice*rec.FilledVolume + fill.Price*fill.Volume) / newFilled
	}
	status := StatusPartiallyFilled
	now := time.Now().UTC()
	var closedAt interface{}
	if newFilled >= rec.SubmittedVolume-volumeEpsilon {
		status = StatusFilled
		closedAt = now
	}
	_, err = l.db.ExecContext(ctx, `
		UPDATE ledger_orders
		SET filled_volume = ?, avg_fill_price = ?, status = ?, closed_at = ?, updated_at = ?
		WHERE client_order_id = ?`,
		newFilled, newAvg, string(status), closedAt, now, clientID)
	if err != nil {
		return fmt.Errorf("ledger: 更新成交进度失败: %w", err)
	}

	return l.recomputePosition(ctx, fill.Symbol)
}

const volumeEpsilon = 1e-9

// IngestOutOfBandFill 接纳一笔账本此前不知晓的带外成交，
// 使持仓保持准确，并记录异常等待操作员复核。
func (l *Ledger) IngestOutOfBandFill(ctx context.Context, fill Fill) error {
	fill.OutOfBand = true
	if fill.Timestamp.IsZero() {
		fill.Timestamp = time.Now().UTC()
	}
	res, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO ledger_fills
			(fill_id, order_id, symbol, side, volume, price, out_of_band, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		fill.FillID, fill.OrderID, fill.Symbol, fill.Side,
		fill.Volume, fill.Price, fill.Timestamp)
	if err != nil {
		return fmt.Errorf("ledger: 写入带外成交失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	l.recordAnomaly(ctx, Anomaly{
		Kind:    AnomalyMissingLocally,
		OrderID: fill.OrderID,
		Symbol:  fill.Symbol,
		Detail: fmt.Sprintf("经纪商成交 %s 在本地无对应订单, volume=%.8f price=%.8f",
			fill.FillID, fill.Volume, fill.Price),
	})
	return l.recomputePosition(ctx, fill.Symbol)
}

// MarkExpiredUnknown 将经纪商侧无踪迹且超过宽限期的订单置为过期，
// 并从持仓计算中排除，直至人工核实。
func (l *Ledger) MarkExpiredUnknown(ctx context.Context, clientOrderID, detail string) error {
	unlock := l.keys.lock(clientOrderID)
	defer unlock()

	now := time.Now().UTC()
	var symbol string
	err := l.db.QueryRowContext(ctx,
		`SELECT symbol FROM ledger_orders WHERE client_order_id = ?`, clientOrderID).
		Scan(&symbol)
	if err != nil {
		return fmt.Errorf("ledger: 查询订单失败: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		UPDATE ledger_orders
		SET status = ?, excluded = 1, last_error = ?, closed_at = ?, updated_at = ?
		WHERE client_order_id = ?`,
		string(StatusExpired), detail, now, now, clientOrderID)
	if err != nil {
		return fmt.Errorf("ledger: 标记过期失败: %w", err)
	}

	l.recordAnomaly(ctx, Anomaly{
		Kind:    AnomalyMissingAtBroker,
		OrderID: clientOrderID,
		Symbol:  symbol,
		Detail:  detail,
	})
	return nil
}

// recomputePosition 以时间顺序折叠该品种全部成交，重写持仓缓存。
// 持仓永远是成交日志的纯函数，可随时重放。
func (l *Ledger) recomputePosition(ctx context.Context, symbol string) error {
	l.recompMu.Lock()
	defer l.recompMu.Unlock()

	fills, err := l.Fills(ctx, symbol)
	if err != nil {
		return err
	}
	pos := FoldFills(symbol, fills)

	var mark float64
	_ = l.db.QueryRowContext(ctx,
		`SELECT mark_price FROM ledger_positions WHERE symbol = ?`, symbol).Scan(&mark)
	pos.MarkPrice = mark
	if mark > 0 {
		pos.UnrealizedPnL = (mark - pos.AvgEntryPrice) * pos.NetVolume
	}

	now := time.Now().UTC()
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO ledger_positions (symbol, net_volume, avg_entry, mark_price, unrealized, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			net_volume = excluded.net_volume,
			avg_entry  = excluded.avg_entry,
			unrealized = excluded.unrealized,
			updated_at = excluded.updated_at`,
		symbol, pos.NetVolume, pos.AvgEntryPrice, pos.MarkPrice, pos.UnrealizedPnL, now)
	if err != nil {
		return fmt.Errorf("ledger: 更新持仓缓存失败: %w", err)
	}
	return nil
}

// UpdateMark 更新品种标记价并重算浮动盈亏。
func (l *Ledger) UpdateMark(ctx context.Context, symbol string, mark float64) error {
	now := time.Now().UTC()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ledger_positions (symbol, net_volume, avg_entry, mark_price, unrealized, updated_at)
		VALUES (?, 0, 0, ?, 0, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			mark_price = excluded.mark_price,
			unrealized = (excluded.mark_price - ledger_positions.avg_entry) * ledger_positions.net_volume,
			updated_at = excluded.updated_at`,
		symbol, mark, now)
	if err != nil {
		return fmt.Errorf("ledger: 更新标记价失败: %w", err)
	}
	return nil
}

// FoldFills 将成交序列折叠为净持仓。同向成交按量加权均价，
// 反向成交减仓不改均价，穿越零点后以剩余部分的成交价为新均价。
func FoldFills(symbol string, fills []Fill) Position {
	pos := Position{Symbol: symbol}
	for _, f := range fills {
		signed := f.Volume
		if f.Side == "sell" {
			signed = -f.Volume
		}
		prev := pos.NetVolume
		next := prev + signed

		switch {
		case prev == 0 || sameSign(prev, signed):
			total := abs(prev) + abs(signed)
			if total > 0 {
				pos.AvgEntryPrice = (pos.AvgEntryPrice*abs(prev) + f.Price*abs(signed)) / total
			}
		case sameSign(prev, next) || next == 0:
			// 减仓，均价不变
			if next == 0 {
				pos.AvgEntryPrice = 0
			}
		default:
			// 反手，新仓均价为本笔成交价
			pos.AvgEntryPrice = f.Price
		}
		pos.NetVolume = next
		if f.Timestamp.After(pos.LastUpdated) {
			pos.LastUpdated = f.Timestamp
		}
	}
	if abs(pos.NetVolume) <= volumeEpsilon {
		pos.NetVolume = 0
		pos.AvgEntryPrice = 0
	}
	return pos
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// PositionOf 返回品种当前持仓。
func (l *Ledger) PositionOf(ctx context.Context, symbol string) (Position, error) {
	var pos Position
	pos.Symbol = symbol
	err := l.db.QueryRowContext(ctx, `
		SELECT net_volume, avg_entry, mark_price, unrealized, updated_at
		FROM ledger_positions WHERE symbol = ?`, symbol).
		Scan(&pos.NetVolume, &pos.AvgEntryPrice, &pos.MarkPrice, &pos.UnrealizedPnL, &pos.LastUpdated)
	if err == sql.ErrNoRows {
		return pos, nil
	}
	if err != nil {
		return pos, fmt.Errorf("ledger: 查询持仓失败: %w", err)
	}
	return pos, nil
}

// Positions 返回所有非零持仓。
func (l *Ledger) Positions(ctx context.Context) ([]Position, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT symbol, net_volume, avg_entry, mark_price, unrealized, updated_at
		FROM ledger_positions WHERE net_volume != 0 ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("ledger: 查询持仓失败: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.Symbol, &p.NetVolume, &p.AvgEntryPrice,
			&p.MarkPrice, &p.UnrealizedPnL, &p.LastUpdated); err != nil {
			return nil, fmt.Errorf("ledger: 读取持仓失败: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SymbolExposure 返回各品种净持仓绝对量，供风控敞口检查使用。
func (l *Ledger) SymbolExposure(ctx context.Context) (map[string]float64, error) {
	positions, err := l.Positions(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(positions))
	for _, p := range positions {
		out[p.Symbol] = abs(p.NetVolume)
	}
	return out, nil
}

// Fills 返回品种全部成交，按时间升序。
func (l *Ledger) Fills(ctx context.Context, symbol string) ([]Fill, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT fill_id, order_id, symbol, side, volume, price, out_of_band, occurred_at
		FROM ledger_fills WHERE symbol = ? ORDER BY occurred_at ASC, fill_id ASC`, symbol)
	if err != nil {
		return nil, fmt.Errorf("ledger: 查询成交失败: %w", err)
	}
	defer rows.Close()

	var out []Fill
	for rows.Next() {
		var f Fill
		var oob int
		if err := rows.Scan(&f.FillID, &f.OrderID, &f.Symbol, &f.Side,
			&f.Volume, &f.Price, &oob, &f.Timestamp); err != nil {
			return nil, fmt.Errorf("ledger: 读取成交失败: %w", err)
		}
		f.OutOfBand = oob != 0
		out = append(out, f)
	}
	return out, rows.Err()
}

// HasFill 返回成交是否已入账。
func (l *Ledger) HasFill(ctx context.Context, fillID string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM ledger_fills WHERE fill_id = ?`, fillID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("ledger: 查询成交失败: %w", err)
	}
	return n > 0, nil
}

// Order 按 ClientOrderID 返回订单记录。
func (l *Ledger) Order(ctx context.Context, clientOrderID string) (OrderRecord, error) {
	rec, err := l.scanOrder(l.db.QueryRowContext(ctx,
		orderSelect+` WHERE client_order_id = ?`, clientOrderID))
	if err == sql.ErrNoRows {
		return rec, fmt.Errorf("ledger: 订单 %s 不存在", clientOrderID)
	}
	return rec, err
}

// OrderByFingerprint 返回指纹对应的最新入场订单记录。
func (l *Ledger) OrderByFingerprint(ctx context.Context, fingerprint string) (OrderRecord, bool, error) {
	rec, err := l.scanOrder(l.db.QueryRowContext(ctx,
		orderSelect+` WHERE fingerprint = ? AND leg = ? ORDER BY created_at DESC LIMIT 1`,
		fingerprint, string(LegEntry)))
	if err == sql.ErrNoRows {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

// OpenOrders 返回所有未到终态的订单。
func (l *Ledger) OpenOrders(ctx context.Context) ([]OrderRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		orderSelect+` WHERE status IN (?, ?, ?, ?) ORDER BY created_at ASC`,
		string(StatusCreated), string(StatusSubmitted),
		string(StatusAcknowledged), string(StatusPartiallyFilled))
	if err != nil {
		return nil, fmt.Errorf("ledger: 查询未结订单失败: %w", err)
	}
	defer rows.Close()
	return l.scanOrders(rows)
}

// History 按过滤条件返回订单历史，按创建时间降序。
func (l *Ledger) History(ctx context.Context, filter HistoryFilter) ([]OrderRecord, error) {
	query := orderSelect + ` WHERE 1=1`
	var args []interface{}
	if filter.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, filter.Symbol)
	}
	if filter.Fingerprint != "" {
		query += ` AND fingerprint = ?`
		args = append(args, filter.Fingerprint)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: 查询历史失败: %w", err)
	}
	defer rows.Close()
	return l.scanOrders(rows)
}

const orderSelect = `
	SELECT client_order_id, order_id, fingerprint, symbol, leg, side,
	       submitted_volume, filled_volume, avg_fill_price, status,
	       retry_count, last_error, excluded, created_at,
	       COALESCE(submitted_at, created_at), COALESCE(acked_at, created_at),
	       COALESCE(closed_at, created_at), updated_at
	FROM ledger_orders`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (l *Ledger) scanOrder(row rowScanner) (OrderRecord, error) {
	var rec OrderRecord
	var leg, status string
	var excluded int
	err := row.Scan(&rec.ClientOrderID, &rec.OrderID, &rec.Fingerprint, &rec.Symbol,
		&leg, &rec.Side, &rec.SubmittedVolume, &rec.FilledVolume, &rec.AvgFillPrice,
		&status, &rec.RetryCount, &rec.LastError, &excluded, &rec.CreatedAt,
		&rec.SubmittedAt, &rec.AckedAt, &rec.ClosedAt, &rec.UpdatedAt)
	if err != nil {
		return rec, err
	}
	rec.Leg = LegKind(leg)
	rec.Status = OrderStatus(status)
	rec.Excluded = excluded != 0
	return rec, nil
}

func (l *Ledger) scanOrders(rows *sql.Rows) ([]OrderRecord, error) {
	var out []OrderRecord
	for rows.Next() {
		rec, err := l.scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: 读取订单失败: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Anomalies 返回异常记录，unresolvedOnly 为 true 时仅返回未处理项。
func (l *Ledger) Anomalies(ctx context.Context, unresolvedOnly bool) ([]Anomaly, error) {
	query := `SELECT id, kind, order_id, symbol, detail, resolved, created_at
		FROM ledger_anomalies`
	if unresolvedOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ledger: 查询异常失败: %w", err)
	}
	defer rows.Close()

	var out []Anomaly
	for rows.Next() {
		var a Anomaly
		var kind string
		var resolved int
		if err := rows.Scan(&a.ID, &kind, &a.OrderID, &a.Symbol,
			&a.Detail, &resolved, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: 读取异常失败: %w", err)
		}
		a.Kind = AnomalyKind(kind)
		a.Resolved = resolved != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResolveAnomaly 由操作员标记异常为已处理。
func (l *Ledger) ResolveAnomaly(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE ledger_anomalies SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ledger: 标记异常失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ledger: 异常 %s 不存在", id)
	}
	return nil
}

func (l *Ledger) recordAnomaly(ctx context.Context, a Anomaly) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ledger_anomalies (id, kind, order_id, symbol, detail, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		a.ID, string(a.Kind), a.OrderID, a.Symbol, a.Detail, a.CreatedAt)
	if err != nil {
		l.logger.Error("记录对账异常失败", zap.Error(err), zap.String("kind", string(a.Kind)))
		return
	}
	l.logger.Warn("对账异常",
		zap.String("kind", string(a.Kind)),
		zap.String("order_id", a.OrderID),
		zap.String("symbol", a.Symbol),
		zap.String("detail", a.Detail))
	if l.journal != nil {
		l.journal.RecordAnomaly(ctx, audit.AnomalyPayload{
			Kind:    string(a.Kind),
			OrderID: a.OrderID,
			Symbol:  a.Symbol,
			Detail:  a.Detail,
		})
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// keyedMutex 为按键互斥锁，保证同一订单的写入串行。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyEntry)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
