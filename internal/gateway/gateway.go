package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optbot/gotrader/internal/domain"
)

// Gateway 券商/行情网关能力。
// 引擎把网关不可用当作降级信号处理，永远不是致命错误。
type Gateway interface {
	// GetQuotes 批量获取实时行情
	GetQuotes(ctx context.Context, symbols []string) ([]domain.Quote, error)
	// GetOptionChain 获取指定标的和到期日的期权链
	GetOptionChain(ctx context.Context, underlying string, expiry time.Time) ([]domain.OptionContract, error)
	// ListExpiryDates 标的的可用到期日（升序）
	ListExpiryDates(ctx context.Context, underlying string) ([]time.Time, error)
	// GetDailyCandles 日线历史（旧→新）
	GetDailyCandles(ctx context.Context, symbol string, days int) ([]domain.Candle, error)
	// GetIntradayCandles 当日分钟线（旧→新）
	GetIntradayCandles(ctx context.Context, symbol string) ([]domain.Candle, error)
	// SubmitOrder 提交订单，返回网关订单号与初始状态
	SubmitOrder(ctx context.Context, order *domain.ExecutionOrder) (string, domain.OrderStatus, error)
	// CancelOrder 撤单
	CancelOrder(ctx context.Context, brokerOrderID string) error
	// GetOrderStatus 查询订单状态
	GetOrderStatus(ctx context.Context, brokerOrderID string) (domain.OrderStatus, error)
	// FindOrderByClientID 按客户端订单号查询。
	// 崩溃恢复对账用：网关没有该订单时返回 ErrNotFound。
	FindOrderByClientID(ctx context.Context, clientOrderID string) (string, domain.OrderStatus, error)
	// GetAccountBalance 账户可用余额
	GetAccountBalance(ctx context.Context) (decimal.Decimal, error)
}

// QuoteHandler 行情推送回调
type QuoteHandler func(quote domain.Quote)

// Streamer 行情推送流（可选能力，轮询之外的低延迟来源）
type Streamer interface {
	Subscribe(symbols []string) error
	Connect(ctx context.Context) error
	Close() error
}
