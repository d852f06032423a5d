package autonomy

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"exec-core/internal/intent"
	"exec-core/internal/store"
)

// InboxStatus 表示收件箱条目的处理状态。
type InboxStatus string

const (
	InboxPending   InboxStatus = "pending"
	InboxSubmitted InboxStatus = "submitted"
	InboxRejected  InboxStatus = "rejected"
	InboxFailed    InboxStatus = "failed"
)

// QueuedIntent 为收件箱中的一条待执行意图。
type QueuedIntent struct {
	ID        string             `json:"id"`
	Intent    intent.TradeIntent `json:"intent"`
	Status    InboxStatus        `json:"status"`
	Note      string             `json:"note,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// Inbox 为持久化的意图收件箱。信号源只负责投递,
// 执行节奏完全由自治循环掌握, 进程重启不丢失待执行意图。
type Inbox struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewInbox 创建收件箱并初始化表结构。
func NewInbox(st *store.Store, logger *zap.Logger) (*Inbox, error) {
	if st == nil {
		return nil, fmt.Errorf("autonomy: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	in := &Inbox{db: st.DB(), logger: logger}
	if err := in.initSchema(); err != nil {
		return nil, fmt.Errorf("autonomy: 初始化收件箱失败: %w", err)
	}
	return in, nil
}

func (in *Inbox) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS autonomy_inbox (
		id           TEXT PRIMARY KEY,
		fingerprint  TEXT NOT NULL,
		symbol       TEXT NOT NULL,
		side         TEXT NOT NULL,
		entry_type   TEXT NOT NULL,
		volume       REAL NOT NULL,
		entry_price  REAL NOT NULL,
		stop_loss    REAL NOT NULL,
		take_profit  REAL NOT NULL,
		strategy_id  TEXT NOT NULL DEFAULT '',
		source       TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'pending',
		note         TEXT NOT NULL DEFAULT '',
		created_at   DATETIME NOT NULL,
		processed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_autonomy_inbox_status ON autonomy_inbox(status, created_at);
	`
	_, err := in.db.Exec(schema)
	return err
}

// Enqueue 投递一条意图, 返回收件箱条目标识。
func (in *Inbox) Enqueue(ctx context.Context, it intent.TradeIntent) (string, error) {
	if err := it.Validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err := in.db.ExecContext(ctx, `
		INSERT INTO autonomy_inbox
			(id, fingerprint, symbol, side, entry_type, volume,
			 entry_price, stop_loss, take_profit, strategy_id, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, it.Fingerprint, it.Symbol, string(it.Side), string(it.EntryType), it.Volume,
		it.EntryPrice, it.StopLoss, it.TakeProfit, it.StrategyID, string(it.Source),
		time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("autonomy: 投递意图失败: %w", err)
	}
	return id, nil
}

// Pending 返回全部待处理意图, 按投递顺序。
func (in *Inbox) Pending(ctx context.Context) ([]QueuedIntent, error) {
	rows, err := in.db.QueryContext(ctx, `
		SELECT id, fingerprint, symbol, side, entry_type, volume,
		       entry_price, stop_loss, take_profit, strategy_id, source, status, note, created_at
		FROM autonomy_inbox WHERE status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("autonomy: 查询收件箱失败: %w", err)
	}
	defer rows.Close()
	return scanQueued(rows)
}

// Recent 返回最近的收件箱条目, 含已处理项。
func (in *Inbox) Recent(ctx context.Context, limit int) ([]QueuedIntent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := in.db.QueryContext(ctx, `
		SELECT id, fingerprint, symbol, side, entry_type, volume,
		       entry_price, stop_loss, take_profit, strategy_id, source, status, note, created_at
		FROM autonomy_inbox ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("autonomy: 查询收件箱失败: %w", err)
	}
	defer rows.Close()
	return scanQueued(rows)
}

func scanQueued(rows *sql.Rows) ([]QueuedIntent, error) {
	var out []QueuedIntent
	for rows.Next() {
		var q QueuedIntent
		var side, entryType, source, status string
		err := rows.Scan(&q.ID, &q.Intent.Fingerprint, &q.Intent.Symbol, &side, &entryType,
			&q.Intent.Volume, &q.Intent.EntryPrice, &q.Intent.StopLoss, &q.Intent.TakeProfit,
			&q.Intent.StrategyID, &source, &status, &q.Note, &q.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("autonomy: 读取收件箱失败: %w", err)
		}
		q.Intent.Side = intent.Side(side)
		q.Intent.EntryType = intent.EntryType(entryType)
		q.Intent.Source = intent.Source(source)
		q.Intent.CreatedAt = q.CreatedAt
		q.Status = InboxStatus(status)
		out = append(out, q)
	}
	return out, rows.Err()
}

// MarkProcessed 记录条目的最终处理结果。
func (in *Inbox) MarkProcessed(ctx context.Context, id string, status InboxStatus, note string) error {
	_, err := in.db.ExecContext(ctx, `
		UPDATE autonomy_inbox SET status = ?, note = ?, processed_at = ?
		WHERE id = ?`,
		string(status), note, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("autonomy: 更新收件箱失败: %w", err)
	}
	return nil
}
