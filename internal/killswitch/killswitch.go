package killswitch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"exec-core/internal/store"
)

// State 为全局停机开关的只读快照。
type State struct {
	Tripped   bool      `json:"tripped"`
	Reason    string    `json:"reason,omitempty"`
	TrippedAt time.Time `json:"tripped_at,omitempty"`
	TrippedBy string    `json:"tripped_by,omitempty"`
}

// Switch 是进程级停机开关，由显式注入共享，禁止全局单例。
// Trip 立即生效：RiskGate 与 OrderRouter 在每次操作开始时读取。
// Clear 只能由操作员显式触发，状态落库以便进程重启后保持。
type Switch struct {
	mu     sync.RWMutex
	state  State
	db     *sql.DB
	logger *zap.Logger
}

// New 创建停机开关并从数据库恢复上次状态。
func New(st *store.Store, logger *zap.Logger) (*Switch, error) {
	if st == nil {
		return nil, errors.New("killswitch: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Switch{
		db:     st.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}
	if err := s.restore(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Switch) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS kill_switch_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			tripped INTEGER NOT NULL,
			reason TEXT,
			tripped_at TEXT,
			tripped_by TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS kill_switch_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			reason TEXT,
			actor TEXT,
			occurred_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("killswitch: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

func (s *Switch) restore() error {
	row := s.db.QueryRow(`SELECT tripped, reason, tripped_at, tripped_by FROM kill_switch_state WHERE id = 1`)

	var (
		tripped   int
		reason    sql.NullString
		trippedAt sql.NullString
		trippedBy sql.NullString
	)
	switch err := row.Scan(&tripped, &reason, &trippedAt, &trippedBy); {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return nil
	default:
		return fmt.Errorf("killswitch: 恢复状态失败: %w", err)
	}

	st := State{Tripped: tripped == 1, Reason: reason.String, TrippedBy: trippedBy.String}
	if trippedAt.Valid {
		if ts, parseErr := time.Parse(time.RFC3339, trippedAt.String); parseErr == nil {
			st.TrippedAt = ts
		}
	}

	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	if st.Tripped {
		s.logger.Warn("停机开关在重启后仍处于触发状态",
			zap.String("reason", st.Reason),
			zap.String("tripped_by", st.TrippedBy),
		)
	}

	return nil
}

// Trip 触发停机开关，立即对所有后续操作生效。重复触发保持首次记录。
func (s *Switch) Trip(ctx context.Context, reason, actor string) (State, error) {
	if reason == "" {
		reason = "manual kill switch activation"
	}

	s.mu.Lock()
	if s.state.Tripped {
		st := s.state
		s.mu.Unlock()
		return st, nil
	}
	st := State{
		Tripped:   true,
		Reason:    reason,
		TrippedAt: time.Now().UTC(),
		TrippedBy: actor,
	}
	s.state = st
	s.mu.Unlock()

	if err := s.persist(ctx, st, "trip", actor); err != nil {
		return st, err
	}

	s.logger.Warn("停机开关已触发，所有新提交将被拒绝",
		zap.String("reason", reason),
		zap.String("actor", actor),
	)
	return st, nil
}

// Clear 由操作员显式解除停机状态，记录操作人与时间。
func (s *Switch) Clear(ctx context.Context, actor string) (State, error) {
	s.mu.Lock()
	st := State{}
	s.state = st
	s.mu.Unlock()

	if err := s.persist(ctx, st, "clear", actor); err != nil {
		return st, err
	}

	s.logger.Info("停机开关已解除", zap.String("actor", actor))
	return st, nil
}

func (s *Switch) persist(ctx context.Context, st State, action, actor string) error {
	tripped := 0
	trippedAt := ""
	if st.Tripped {
		tripped = 1
		trippedAt = st.TrippedAt.Format(time.RFC3339)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("killswitch: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO kill_switch_state (id, tripped, reason, tripped_at, tripped_by)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET tripped=excluded.tripped, reason=excluded.reason,
		   tripped_at=excluded.tripped_at, tripped_by=excluded.tripped_by`,
		tripped, st.Reason, trippedAt, st.TrippedBy,
	); err != nil {
		return fmt.Errorf("killswitch: 保存状态失败: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO kill_switch_log (action, reason, actor, occurred_at) VALUES (?, ?, ?, ?)`,
		action, st.Reason, actor, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("killswitch: 写入操作日志失败: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("killswitch: 提交事务失败: %w", err)
	}
	return nil
}

// Tripped 返回开关是否处于触发状态。
func (s *Switch) Tripped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Tripped
}

// Snapshot 返回当前状态快照。
func (s *Switch) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
