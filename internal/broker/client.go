package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"exec-core/internal/config"
)

type venueClient interface {
	CreateOrder(symbol string, typeVar string, side string, amount float64, options ...ccxt.CreateOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
	EditOrder(id string, symbol string, typeVar string, side string, options ...ccxt.EditOrderOptions) (ccxt.Order, error)
	FetchOpenOrders(options ...ccxt.FetchOpenOrdersOptions) ([]ccxt.Order, error)
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
	FetchMyTrades(options ...ccxt.FetchMyTradesOptions) ([]ccxt.Trade, error)
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
}

// Client 基于 ccxt 对接具体经纪商/交易场所。
// 单次调用受 call_timeout 约束；提交路径的重试由 OrderRouter 负责，
// 这里只做错误规范化与字段映射。
type Client struct {
	cfg    config.BrokerConfig
	venue  venueClient
	logger *zap.Logger
}

var _ Broker = (*Client)(nil)

// NewClient 根据配置构造经纪商客户端。
func NewClient(cfg config.BrokerConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	venue, err := newVenue(cfg)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:    cfg,
		venue:  venue,
		logger: logger,
	}, nil
}

func newVenue(cfg config.BrokerConfig) (venueClient, error) {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}
	if cfg.Wallet != "" {
		userConfig["walletAddress"] = cfg.Wallet
	}
	if cfg.PrivateKey != "" {
		userConfig["privateKey"] = cfg.PrivateKey
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "hyperliquid":
		venue := ccxt.NewHyperliquid(userConfig)
		if cfg.UseSandbox {
			venue.SetSandboxMode(true)
		}
		return venue, nil
	case "binanceusdm":
		venue := ccxt.NewBinanceusdm(userConfig)
		if cfg.UseSandbox {
			venue.SetSandboxMode(true)
		}
		return venue, nil
	default:
		return nil, fmt.Errorf("broker: 不支持的经纪商 %q", cfg.Name)
	}
}

// SubmitOrder 提交委托，超时按瞬时故障处理，结局由后续轮询裁决。
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	params := map[string]interface{}{}
	for k, v := range req.Params {
		params[k] = v
	}
	if req.ClientOrderID != "" {
		params["clientOrderId"] = req.ClientOrderID
	}
	if req.ReduceOnly {
		params["reduceOnly"] = true
	}
	if req.StopLoss > 0 {
		params["stopLossPrice"] = req.StopLoss
	}
	if req.TakeProfit > 0 {
		params["takeProfitPrice"] = req.TakeProfit
	}
	if req.Magic != 0 {
		params["magic"] = req.Magic
	}
	if req.Comment != "" {
		params["comment"] = req.Comment
	}

	orderType := req.Type
	if orderType == "stop" {
		// 触发单表达为带触发价的市价单。
		orderType = "market"
		params["triggerPrice"] = req.Price
	}

	opts := []ccxt.CreateOrderOptions{ccxt.WithCreateOrderParams(params)}
	if orderType == "limit" {
		opts = append(opts, ccxt.WithCreateOrderPrice(req.Price))
	}

	var raw ccxt.Order
	err := c.call(ctx, "create_order", func() error {
		result, callErr := c.venue.CreateOrder(req.Symbol, orderType, req.Side, req.Volume, opts...)
		if callErr != nil {
			return callErr
		}
		raw = result
		return nil
	})
	if err != nil {
		return OrderAck{}, err
	}

	ack := OrderAck{
		OrderID:       derefString(raw.Id),
		ClientOrderID: req.ClientOrderID,
		Status:        derefString(raw.Status),
		Extra:         raw.Info,
	}
	c.logger.Info("委托已提交",
		zap.String("symbol", req.Symbol),
		zap.String("side", req.Side),
		zap.String("kind", string(req.Kind)),
		zap.Float64("volume", req.Volume),
		zap.String("order_id", ack.OrderID),
	)
	return ack, nil
}

// CancelOrder 撤销委托。
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (OrderAck, error) {
	var raw ccxt.Order
	err := c.call(ctx, "cancel_order", func() error {
		result, callErr := c.venue.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(symbol))
		if callErr != nil {
			return callErr
		}
		raw = result
		return nil
	})
	if err != nil {
		return OrderAck{}, err
	}

	return OrderAck{
		OrderID: derefString(raw.Id),
		Status:  derefString(raw.Status),
		Extra:   raw.Info,
	}, nil
}

// ModifyOrder 修改委托的止损/止盈价，零值表示保持不变。
func (c *Client) ModifyOrder(ctx context.Context, symbol, orderID string, newStop, newTake float64) (OrderAck, error) {
	params := map[string]interface{}{}
	if newStop > 0 {
		params["stopLossPrice"] = newStop
	}
	if newTake > 0 {
		params["takeProfitPrice"] = newTake
	}
	if len(params) == 0 {
		return OrderAck{}, fmt.Errorf("broker: 改单请求未包含任何变更")
	}

	var raw ccxt.Order
	err := c.call(ctx, "edit_order", func() error {
		result, callErr := c.venue.EditOrder(orderID, symbol, "", "", ccxt.WithEditOrderParams(params))
		if callErr != nil {
			return callErr
		}
		raw = result
		return nil
	})
	if err != nil {
		return OrderAck{}, err
	}

	return OrderAck{
		OrderID: derefString(raw.Id),
		Status:  derefString(raw.Status),
		Extra:   raw.Info,
	}, nil
}

// FetchOpenOrders 拉取经纪商侧未完结订单。
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	var raw []ccxt.Order
	err := c.call(ctx, "fetch_open_orders", func() error {
		var opts []ccxt.FetchOpenOrdersOptions
		if symbol != "" {
			opts = append(opts, ccxt.WithFetchOpenOrdersSymbol(symbol))
		}
		result, callErr := c.venue.FetchOpenOrders(opts...)
		if callErr != nil {
			return callErr
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(raw))
	for _, item := range raw {
		orders = append(orders, convertOrder(item))
	}
	return orders, nil
}

// FetchPositions 拉取经纪商侧持仓。
func (c *Client) FetchPositions(ctx context.Context) ([]Position, error) {
	var raw []ccxt.Position
	err := c.call(ctx, "fetch_positions", func() error {
		result, callErr := c.venue.FetchPositions()
		if callErr != nil {
			return callErr
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(raw))
	for _, item := range raw {
		size := derefFloat(item.Contracts)
		if size == 0 {
			continue
		}
		positions = append(positions, Position{
			Symbol:        derefString(item.Symbol),
			Side:          strings.ToLower(derefString(item.Side)),
			Volume:        size,
			EntryPrice:    derefFloat(item.EntryPrice),
			MarkPrice:     derefFloat(item.MarkPrice),
			UnrealizedPnL: derefFloat(item.UnrealizedPnl),
			Extra:         item.Info,
		})
	}
	return positions, nil
}

// FetchDeals 拉取指定时间之后的成交记录。
func (c *Client) FetchDeals(ctx context.Context, since time.Time) ([]Deal, error) {
	var raw []ccxt.Trade
	err := c.call(ctx, "fetch_my_trades", func() error {
		var opts []ccxt.FetchMyTradesOptions
		if !since.IsZero() {
			opts = append(opts, ccxt.WithFetchMyTradesSince(since.UnixMilli()))
		}
		result, callErr := c.venue.FetchMyTrades(opts...)
		if callErr != nil {
			return callErr
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	deals := make([]Deal, 0, len(raw))
	for _, item := range raw {
		deal := Deal{
			DealID:  derefString(item.Id),
			OrderID: derefString(item.Order),
			Symbol:  derefString(item.Symbol),
			Side:    strings.ToLower(derefString(item.Side)),
			Volume:  derefFloat(item.Amount),
			Price:   derefFloat(item.Price),
			Extra:   item.Info,
		}
		if item.Timestamp != nil {
			deal.Timestamp = time.UnixMilli(*item.Timestamp).UTC()
		}
		deals = append(deals, deal)
	}
	return deals, nil
}

// FetchAccount 拉取账户资金快照。
func (c *Client) FetchAccount(ctx context.Context) (AccountState, error) {
	var raw ccxt.Balances
	err := c.call(ctx, "fetch_balance", func() error {
		result, callErr := c.venue.FetchBalance()
		if callErr != nil {
			return callErr
		}
		raw = result
		return nil
	})
	if err != nil {
		return AccountState{}, err
	}

	account := AccountState{Timestamp: time.Now().UTC()}
	if raw.Total != nil {
		for _, code := range []string{"USDC", "USD", "USDT"} {
			if total, ok := raw.Total[code]; ok && total != nil && *total > 0 {
				account.Balance = *total
				account.Equity = *total
				break
			}
		}
	}
	if raw.Info != nil {
		if summary, ok := raw.Info["marginSummary"].(map[string]interface{}); ok {
			if v, ok := summary["accountValue"].(float64); ok && v > 0 {
				account.Equity = v
			}
			if v, ok := summary["totalMarginUsed"].(float64); ok && v > 0 {
				account.MarginUsed = v
			}
		}
	}
	if account.Equity == 0 {
		account.Equity = account.Balance
	}
	return account, nil
}

// call 以有界超时执行一次经纪商调用并规范化错误。
func (c *Client) call(ctx context.Context, operation string, fn func() error) error {
	timeout := c.cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			c.logger.Warn("经纪商调用超时",
				zap.String("operation", operation),
				zap.Duration("timeout", timeout),
			)
			return fmt.Errorf("%w: %s", ErrCallTimeout, operation)
		}
		return callCtx.Err()
	case err := <-done:
		if err == nil {
			return nil
		}
		return c.normalizeError(operation, err)
	}
}

func (c *Client) normalizeError(operation string, err error) error {
	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "venue under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message)
		case ccxt.OrderNotFoundErrType:
			return fmt.Errorf("%w: %s", ErrOrderNotFound, operation)
		}
	}
	return fmt.Errorf("broker: %s 调用失败: %w", operation, err)
}

func convertOrder(raw ccxt.Order) Order {
	order := Order{
		OrderID:       derefString(raw.Id),
		ClientOrderID: derefString(raw.ClientOrderId),
		Symbol:        derefString(raw.Symbol),
		Side:          strings.ToLower(derefString(raw.Side)),
		Type:          strings.ToLower(derefString(raw.Type)),
		Volume:        derefFloat(raw.Amount),
		FilledVolume:  derefFloat(raw.Filled),
		AveragePrice:  derefFloat(raw.Average),
		Status:        strings.ToLower(derefString(raw.Status)),
		Extra:         raw.Info,
	}
	if raw.Timestamp != nil {
		order.UpdatedAt = time.UnixMilli(*raw.Timestamp).UTC()
	}
	return order
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
