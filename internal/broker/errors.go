package broker

import (
	"context"
	"errors"
	"net"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示经纪商处于维护状态，需要上层跳过本轮操作。
	ErrMaintenance = errors.New("broker on maintenance")

	// ErrCallTimeout 表示单次调用超出限定时间，真实结果以之后的轮询为准。
	ErrCallTimeout = errors.New("broker call timed out")

	// ErrOrderNotFound 表示经纪商侧不存在该订单。
	ErrOrderNotFound = errors.New("broker order not found")

	// ErrUnknownSymbol 表示符号无法解析为经纪商别名。
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// IsRetryable 判断错误是否为瞬时故障，可按退避策略重试。
// 超时按瞬时处理：既不视为成功也不视为失败，真实结局由下一次轮询裁决。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCallTimeout) {
		return true
	}
	if errors.Is(err, ErrMaintenance) {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

// IsPermanent 判断错误是否为永久性失败，不应重试，立即转入 Rejected。
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrUnknownSymbol) || errors.Is(err, ErrOrderNotFound) {
		return true
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.AuthenticationErrorErrType,
			ccxt.InsufficientFundsErrType,
			ccxt.BadSymbolErrType,
			ccxt.InvalidOrderErrType,
			ccxt.BadRequestErrType,
			ccxt.NotSupportedErrType,
			ccxt.PermissionDeniedErrType:
			return true
		default:
			return false
		}
	}

	return false
}
