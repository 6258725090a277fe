package exchange

import (
	"errors"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示交易所处于维护状态，需要上层跳过交易。
	ErrMaintenance = errors.New("exchange on maintenance")

	// ErrOrderGone 表示订单已不存在（已成交或已撤销）。
	// 撤销止损单时命中该错误视为撤销成功，而不是失败。
	ErrOrderGone = errors.New("exchange order already gone")
)

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
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

	return false
}

// IsOrderGone 判断错误是否表示订单已经不存在。
func IsOrderGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOrderGone) {
		return true
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.OrderNotFoundErrType, ccxt.InvalidOrderErrType:
			return true
		}
	}

	return false
}
