package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"exec-core/internal/store"
)

// Journal 负责持久化审计事件，供运维接口与复盘查询。
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewJournal 初始化审计日志，创建所需表结构。
func NewJournal(st *store.Store, logger *zap.Logger) (*Journal, error) {
	if st == nil {
		return nil, fmt.Errorf("audit: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	j := &Journal{
		db:     st.DB(),
		logger: logger,
	}

	if err := j.initSchema(); err != nil {
		return nil, err
	}

	return j, nil
}

func (j *Journal) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type);
`
	if _, err := j.db.Exec(stmt); err != nil {
		return fmt.Errorf("audit: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (j *Journal) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("audit: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("audit: 写入事件失败: %w", err)
	}

	return nil
}

// RecordSubmission 记录订单提交结果。
func (j *Journal) RecordSubmission(ctx context.Context, p SubmissionPayload) {
	j.record(ctx, EventSubmission, p, "记录提交事件失败")
}

// RecordRejection 记录拒绝事件。
func (j *Journal) RecordRejection(ctx context.Context, p RejectionPayload) {
	j.record(ctx, EventRejection, p, "记录拒绝事件失败")
}

// RecordKillSwitch 记录停机开关操作。
func (j *Journal) RecordKillSwitch(ctx context.Context, p KillSwitchPayload) {
	j.record(ctx, EventKillSwitch, p, "记录停机事件失败")
}

// RecordAnomaly 记录对账异常，异常绝不静默丢弃。
func (j *Journal) RecordAnomaly(ctx context.Context, p AnomalyPayload) {
	j.record(ctx, EventAnomaly, p, "记录异常事件失败")
}

// RecordCycle 记录自治循环执行摘要。
func (j *Journal) RecordCycle(ctx context.Context, p CyclePayload) {
	j.record(ctx, EventCycle, p, "记录循环事件失败")
}

// RecordFlatten 记录一键平仓操作。
func (j *Journal) RecordFlatten(ctx context.Context, note string) {
	j.record(ctx, EventFlatten, map[string]string{"note": note}, "记录平仓事件失败")
}

// RecordError 记录运行期错误。
func (j *Journal) RecordError(ctx context.Context, message string, err error, fields map[string]interface{}) {
	payload := ErrorPayload{Message: message, Fields: fields}
	if err != nil {
		payload.Error = err.Error()
	}
	j.record(ctx, EventError, payload, "记录错误事件失败")
}

func (j *Journal) record(ctx context.Context, typ EventType, payload interface{}, failMsg string) {
	if err := j.Record(ctx, Event{Type: typ, Timestamp: time.Now().UTC(), Payload: payload}); err != nil {
		j.logger.Warn(failMsg, zap.Error(err))
	}
}

// ListEvents 按类型倒序查询事件，type 为空时返回全部。
func (j *Journal) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT id, event_type, payload, created_at FROM audit_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: 查询事件失败: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			ev        Event
			payload   string
			createdAt string
		)
		if err := rows.Scan(&ev.ID, (*string)(&ev.Type), &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("audit: 扫描事件失败: %w", err)
		}
		if ts, parseErr := time.Parse(time.RFC3339, createdAt); parseErr == nil {
			ev.Timestamp = ts
		}
		var decoded interface{}
		if err := json.Unmarshal([]byte(payload), &decoded); err == nil {
			ev.Payload = decoded
		} else {
			ev.Payload = payload
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: 遍历事件失败: %w", err)
	}

	return events, nil
}
