package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Simulator 为内存模拟经纪商，用于模拟运行与测试。
// AutoFill 打开时入场单立即按请求价全量成交。
type Simulator struct {
	mu       sync.Mutex
	nextID   int64
	orders   map[string]*Order
	deals    []Deal
	account  AccountState
	autoFill bool
	logger   *zap.Logger
}

var _ Broker = (*Simulator)(nil)

// NewSimulator 创建模拟经纪商。
func NewSimulator(autoFill bool, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		orders:   make(map[string]*Order),
		account:  AccountState{Equity: 100000, Balance: 100000, Timestamp: time.Now().UTC()},
		autoFill: autoFill,
		logger:   logger,
	}
}

// SetAccount 设置账户快照，供测试构造场景。
func (s *Simulator) SetAccount(account AccountState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = account
}

// SubmitOrder 登记委托；AutoFill 模式下入场单立即全量成交。
func (s *Simulator) SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return OrderAck{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	orderID := fmt.Sprintf("SIM-%d", s.nextID)

	order := &Order{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          strings.ToLower(req.Side),
		Type:          req.Type,
		Volume:        req.Volume,
		Status:        "open",
		UpdatedAt:     time.Now().UTC(),
	}
	s.orders[orderID] = order

	if s.autoFill && req.Kind == KindEntry {
		s.fillLocked(order, req.Volume, req.Price)
	}

	return OrderAck{OrderID: orderID, ClientOrderID: req.ClientOrderID, Status: order.Status}, nil
}

// Fill 按给定量与价格对订单追加成交，供测试驱动部分成交场景。
func (s *Simulator) Fill(orderID string, volume, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	s.fillLocked(order, volume, price)
	return nil
}

func (s *Simulator) fillLocked(order *Order, volume, price float64) {
	remaining := order.Volume - order.FilledVolume
	if volume > remaining {
		volume = remaining
	}
	if volume <= 0 {
		return
	}

	filledBefore := order.FilledVolume
	order.FilledVolume += volume
	if order.FilledVolume >= order.Volume {
		order.Status = "closed"
	}
	if order.AveragePrice == 0 {
		order.AveragePrice = price
	} else {
		order.AveragePrice = (order.AveragePrice*filledBefore + price*volume) / order.FilledVolume
	}
	order.UpdatedAt = time.Now().UTC()

	s.deals = append(s.deals, Deal{
		DealID:    fmt.Sprintf("DEAL-%d", len(s.deals)+1),
		OrderID:   order.OrderID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Volume:    volume,
		Price:     price,
		Timestamp: time.Now().UTC(),
	})
}

// InjectDeal 直接追加一条成交记录，用于模拟账本未知的带外成交。
func (s *Simulator) InjectDeal(deal Deal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if deal.DealID == "" {
		deal.DealID = fmt.Sprintf("DEAL-%d", len(s.deals)+1)
	}
	if deal.Timestamp.IsZero() {
		deal.Timestamp = time.Now().UTC()
	}
	s.deals = append(s.deals, deal)
}

// CancelOrder 撤销委托。
func (s *Simulator) CancelOrder(ctx context.Context, symbol, orderID string) (OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return OrderAck{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return OrderAck{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.Status == "open" {
		order.Status = "canceled"
		order.UpdatedAt = time.Now().UTC()
	}
	return OrderAck{OrderID: orderID, Status: order.Status}, nil
}

// ModifyOrder 修改委托保护价。
func (s *Simulator) ModifyOrder(ctx context.Context, symbol, orderID string, newStop, newTake float64) (OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return OrderAck{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return OrderAck{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.Extra == nil {
		order.Extra = map[string]interface{}{}
	}
	if newStop > 0 {
		order.Extra["stopLossPrice"] = newStop
	}
	if newTake > 0 {
		order.Extra["takeProfitPrice"] = newTake
	}
	order.UpdatedAt = time.Now().UTC()
	return OrderAck{OrderID: orderID, Status: order.Status}, nil
}

// FetchOpenOrders 返回未完结订单。
func (s *Simulator) FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	orders := make([]Order, 0, len(s.orders))
	for _, order := range s.orders {
		if order.Status != "open" {
			continue
		}
		if symbol != "" && !strings.EqualFold(order.Symbol, symbol) {
			continue
		}
		orders = append(orders, *order)
	}
	return orders, nil
}

// FetchPositions 将成交折算为净持仓快照。
func (s *Simulator) FetchPositions(ctx context.Context) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type acc struct {
		net      float64
		weighted float64
		volume   float64
	}
	bySymbol := make(map[string]*acc)
	for _, deal := range s.deals {
		a, ok := bySymbol[deal.Symbol]
		if !ok {
			a = &acc{}
			bySymbol[deal.Symbol] = a
		}
		signed := deal.Volume
		if deal.Side == "sell" {
			signed = -signed
		}
		a.net += signed
		a.weighted += deal.Volume * deal.Price
		a.volume += deal.Volume
	}

	positions := make([]Position, 0, len(bySymbol))
	for symbol, a := range bySymbol {
		if a.net == 0 {
			continue
		}
		side := "long"
		volume := a.net
		if a.net < 0 {
			side = "short"
			volume = -a.net
		}
		entry := 0.0
		if a.volume > 0 {
			entry = a.weighted / a.volume
		}
		positions = append(positions, Position{
			Symbol:     symbol,
			Side:       side,
			Volume:     volume,
			EntryPrice: entry,
		})
	}
	return positions, nil
}

// FetchDeals 返回指定时间之后的成交。
func (s *Simulator) FetchDeals(ctx context.Context, since time.Time) ([]Deal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deals := make([]Deal, 0, len(s.deals))
	for _, deal := range s.deals {
		if !since.IsZero() && deal.Timestamp.Before(since) {
			continue
		}
		deals = append(deals, deal)
	}
	return deals, nil
}

// FetchAccount 返回账户快照。
func (s *Simulator) FetchAccount(ctx context.Context) (AccountState, error) {
	if err := ctx.Err(); err != nil {
		return AccountState{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	account := s.account
	account.Timestamp = time.Now().UTC()
	return account, nil
}
