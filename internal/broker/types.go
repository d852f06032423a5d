package broker

import "time"

// OrderKind 区分入场单与保护性子单。
type OrderKind string

const (
	KindEntry      OrderKind = "entry"
	KindStopLoss   OrderKind = "stop_loss"
	KindTakeProfit OrderKind = "take_profit"
)

// OrderRequest 描述一笔发往经纪商的委托。
// Params 为各家场所私有参数的透传通道，仅在边界层消费。
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Kind          OrderKind
	Side          string // buy | sell
	Type          string // market | limit | stop
	Volume        float64
	Price         float64
	StopLoss      float64
	TakeProfit    float64
	ReduceOnly    bool
	Magic         int64
	Comment       string
	Params        map[string]interface{}
}

// OrderAck 为经纪商对提交/撤销/改单的确认。
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Status        string
	Extra         map[string]interface{}
}

// Order 为经纪商侧观察到的订单状态。
// Extra 保留未映射的场所私有字段。
type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Volume        float64
	FilledVolume  float64
	AveragePrice  float64
	Status        string
	UpdatedAt     time.Time
	Extra         map[string]interface{}
}

// Position 为经纪商侧持仓快照。
type Position struct {
	Symbol        string
	Side          string
	Volume        float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Extra         map[string]interface{}
}

// Deal 为经纪商侧成交记录，是对账时的事实来源。
type Deal struct {
	DealID    string
	OrderID   string
	Symbol    string
	Side      string
	Volume    float64
	Price     float64
	Timestamp time.Time
	Extra     map[string]interface{}
}

// AccountState 为账户资金快照。
type AccountState struct {
	Equity     float64
	Balance    float64
	MarginUsed float64
	Timestamp  time.Time
}

// Snapshot 聚合一次轮询观察到的经纪商状态。
type Snapshot struct {
	Orders      []Order
	Positions   []Position
	Deals       []Deal
	Account     AccountState
	RetrievedAt time.Time
}
