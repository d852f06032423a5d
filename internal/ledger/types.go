package ledger

import "time"

// OrderStatus 表示订单生命周期状态。
// Created→Submitted→Acknowledged→{Filled|PartiallyFilled|Rejected|Cancelled|Expired}
type OrderStatus string

const (
	StatusCreated         OrderStatus = "created"
	StatusSubmitted       OrderStatus = "submitted"
	StatusAcknowledged    OrderStatus = "acknowledged"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusRejected        OrderStatus = "rejected"
	StatusCancelled       OrderStatus = "cancelled"
	StatusExpired         OrderStatus = "expired"
)

// Terminal 返回状态是否为终态。部分成交不是终态。
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// LegKind 区分入场腿与保护腿。
type LegKind string

const (
	LegEntry      LegKind = "entry"
	LegStopLoss   LegKind = "stop_loss"
	LegTakeProfit LegKind = "take_profit"
)

// OrderRecord 为账本中的订单记录。
// OrderID 在收到经纪商确认之前为空，ClientOrderID 始终存在且唯一。
// Excluded 标记该记录暂不参与持仓计算（经纪商侧无踪迹待核实）。
type OrderRecord struct {
	ClientOrderID   string      `json:"client_order_id"`
	OrderID         string      `json:"order_id,omitempty"`
	Fingerprint     string      `json:"fingerprint"`
	Symbol          string      `json:"symbol"`
	Leg             LegKind     `json:"leg"`
	Side            string      `json:"side"`
	SubmittedVolume float64     `json:"submitted_volume"`
	FilledVolume    float64     `json:"filled_volume"`
	AvgFillPrice    float64     `json:"avg_fill_price"`
	Status          OrderStatus `json:"status"`
	RetryCount      int         `json:"retry_count"`
	LastError       string      `json:"last_error,omitempty"`
	Excluded        bool        `json:"excluded"`
	CreatedAt       time.Time   `json:"created_at"`
	SubmittedAt     time.Time   `json:"submitted_at,omitempty"`
	AckedAt         time.Time   `json:"acked_at,omitempty"`
	ClosedAt        time.Time   `json:"closed_at,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Fill 为成交记录，只追加从不修改。OutOfBand 标记账本此前不知晓的带外成交。
type Fill struct {
	FillID    string    `json:"fill_id"`
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Volume    float64   `json:"volume"`
	Price     float64   `json:"price"`
	OutOfBand bool      `json:"out_of_band"`
	Timestamp time.Time `json:"timestamp"`
}

// Position 为派生持仓，只能由成交日志折叠得出，任何组件不得直接改写。
type Position struct {
	Symbol        string    `json:"symbol"`
	NetVolume     float64   `json:"net_volume"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	MarkPrice     float64   `json:"mark_price,omitempty"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	LastUpdated   time.Time `json:"last_updated"`
}

// EventType 表示经纪商侧事件类型。
type EventType string

const (
	EventAcknowledged EventType = "acknowledged"
	EventFilled       EventType = "filled"
	EventRejected     EventType = "rejected"
	EventCancelled    EventType = "cancelled"
	EventExpired      EventType = "expired"
)

// BrokerEvent 为账本消费的经纪商事件。Fill 仅在 Filled 事件中出现。
type BrokerEvent struct {
	Type          EventType
	ClientOrderID string
	OrderID       string
	Fill          *Fill
	Reason        string
	At            time.Time
}

// AnomalyKind 为对账异常类别。
type AnomalyKind string

const (
	AnomalyMissingLocally  AnomalyKind = "missing_locally"
	AnomalyMissingAtBroker AnomalyKind = "missing_at_broker"
	AnomalyOverfill        AnomalyKind = "overfill"
	AnomalyPositionDrift   AnomalyKind = "position_drift"
)

// Anomaly 为对账异常记录，绝不静默丢弃，始终等待操作员处理。
type Anomaly struct {
	ID        string      `json:"id"`
	Kind      AnomalyKind `json:"kind"`
	OrderID   string      `json:"order_id,omitempty"`
	Symbol    string      `json:"symbol,omitempty"`
	Detail    string      `json:"detail"`
	Resolved  bool        `json:"resolved"`
	CreatedAt time.Time   `json:"created_at"`
}

// HistoryFilter 约束历史查询。
type HistoryFilter struct {
	Symbol      string
	Fingerprint string
	Status      OrderStatus
	Limit       int
}

// ReconcileReport 汇总一次对账的处理结果。
type ReconcileReport struct {
	Acknowledged   int
	FillsIngested  int
	OutOfBandFills int
	MarkedExpired  int
	Anomalies      int
}
