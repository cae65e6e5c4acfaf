package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide 订单方向
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// TimeInForce 订单有效期
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "NEW"
	OrderStatusSubmitted OrderStatus = "SUBMITTED"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCanceled  OrderStatus = "CANCELED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// Open 订单是否仍在途
func (s OrderStatus) Open() bool {
	return s == OrderStatusNew || s == OrderStatusSubmitted
}

// ExecutionOrder 执行订单。
// 数量与价格一律使用精确十进制：从 float 运算构造价格是缺陷，
// 一分钱的表示误差都会污染资金台账。
type ExecutionOrder struct {
	ID          string          `json:"id"`
	SignalID    string          `json:"signal_id"`
	StrategyID  string          `json:"strategy_id"`
	Symbol      string          `json:"symbol"` // 合约代码或正股代码
	Side        OrderSide       `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	TIF         TimeInForce     `json:"tif"`
	Status      OrderStatus     `json:"status"`
	BrokerOrder string          `json:"broker_order_id,omitempty"` // 网关返回的订单号
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Trade 一笔已平仓的完整回合
type Trade struct {
	ID             string          `json:"id"`
	StrategyID     string          `json:"strategy_id"`
	Symbol         string          `json:"symbol"`
	ContractSymbol string          `json:"contract_symbol,omitempty"`
	Direction      OptionType      `json:"direction,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	ExitPrice      decimal.Decimal `json:"exit_price"`
	Fees           decimal.Decimal `json:"fees"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"` // 已扣除手续费
	ExitTag        ExitTag         `json:"exit_tag"`
	CompositeScore decimal.Decimal `json:"composite_score"`
	MarketScore    decimal.Decimal `json:"market_score"`
	IntradayScore  decimal.Decimal `json:"intraday_score"`
	OpenedAt       time.Time       `json:"opened_at"`
	ClosedAt       time.Time       `json:"closed_at"`
}

// HoldingMinutes 持仓时长（分钟）
func (t *Trade) HoldingMinutes() float64 {
	return t.ClosedAt.Sub(t.OpenedAt).Minutes()
}

// ExitTag 退出原因标签（首个命中的规则决定）
type ExitTag string

const (
	ExitTagStopLoss     ExitTag = "STOP_LOSS"
	ExitTagTakeProfit   ExitTag = "TAKE_PROFIT"
	ExitTagTrailingStop ExitTag = "TRAILING_STOP"
	ExitTagTimeStop     ExitTag = "TIME_STOP"
	ExitTagForceClose   ExitTag = "FORCE_CLOSE" // 收盘前强制平仓
	ExitTagManual       ExitTag = "MANUAL"
)
