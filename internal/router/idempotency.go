package router

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"exec-core/internal/store"
)

// IdempotencyStore 以指纹为键做原子的 test-and-set 预留。
// 同一指纹只有第一次预留成功，后续调用拿到已有订单句柄。
type IdempotencyStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewIdempotencyStore 创建幂等存储并初始化表结构。
func NewIdempotencyStore(st *store.Store, logger *zap.Logger) (*IdempotencyStore, error) {
	if st == nil {
		return nil, fmt.Errorf("router: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &IdempotencyStore{db: st.DB(), logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("router: 初始化幂等表失败: %w", err)
	}
	return s, nil
}

func (s *IdempotencyStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		fingerprint     TEXT PRIMARY KEY,
		client_order_id TEXT NOT NULL,
		created_at      DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Reserve 尝试以 clientOrderID 预留指纹。预留成功返回 (clientOrderID, true)；
// 指纹已被占用时返回已有的订单标识与 false。原子性由主键冲突保证。
func (s *IdempotencyStore) Reserve(ctx context.Context, fingerprint, clientOrderID string) (string, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO idempotency_keys (fingerprint, client_order_id, created_at)
		VALUES (?, ?, ?)`,
		fingerprint, clientOrderID, time.Now().UTC())
	if err != nil {
		return "", false, fmt.Errorf("router: 幂等预留失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return clientOrderID, true, nil
	}

	var owner string
	err = s.db.QueryRowContext(ctx,
		`SELECT client_order_id FROM idempotency_keys WHERE fingerprint = ?`, fingerprint).
		Scan(&owner)
	if err != nil {
		return "", false, fmt.Errorf("router: 查询幂等记录失败: %w", err)
	}
	return owner, false, nil
}

// Owner 返回指纹当前持有的订单标识。
func (s *IdempotencyStore) Owner(ctx context.Context, fingerprint string) (string, bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT client_order_id FROM idempotency_keys WHERE fingerprint = ?`, fingerprint).
		Scan(&owner)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("router: 查询幂等记录失败: %w", err)
	}
	return owner, true, nil
}
