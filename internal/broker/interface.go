package broker

import (
	"context"
	"time"
)

// Broker 抽象经纪商边界：请求/响应式的下单操作与轮询式的状态读取。
// 所有实现必须保证单次调用有界超时，超时不代表成功或失败。
type Broker interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (OrderAck, error)
	ModifyOrder(ctx context.Context, symbol, orderID string, newStop, newTake float64) (OrderAck, error)

	FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	FetchPositions(ctx context.Context) ([]Position, error)
	FetchDeals(ctx context.Context, since time.Time) ([]Deal, error)
	FetchAccount(ctx context.Context) (AccountState, error)
}
