package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalType 信号类型
type SignalType string

const (
	SignalTypeBuy  SignalType = "BUY"
	SignalTypeSell SignalType = "SELL"
)

// SignalStatus 信号状态
type SignalStatus string

const (
	SignalStatusPending  SignalStatus = "PENDING"
	SignalStatusExecuted SignalStatus = "EXECUTED"
	SignalStatusRejected SignalStatus = "REJECTED"
	SignalStatusIgnored  SignalStatus = "IGNORED"
)

// Final 信号是否已终态（EXECUTED/REJECTED 后不可变）
func (s SignalStatus) Final() bool {
	return s == SignalStatusExecuted || s == SignalStatusRejected
}

// SignalMetadata 信号附加信息（选中的合约等）
type SignalMetadata struct {
	ContractSymbol string          `json:"contract_symbol,omitempty"`
	Direction      OptionType      `json:"direction,omitempty"`
	Strike         decimal.Decimal `json:"strike,omitempty"`
	Expiry         time.Time       `json:"expiry,omitempty"`
	CompositeScore decimal.Decimal `json:"composite_score"`
	MarketScore    decimal.Decimal `json:"market_score"`
	IntradayScore  decimal.Decimal `json:"intraday_score"`
	TimeAdjustment decimal.Decimal `json:"time_adjustment"`
}

// Signal 交易信号。
// Reason 对 SKIP/REJECTED 尤其重要：无动作是这个系统排查问题的第一现场。
type Signal struct {
	ID         string          `json:"id"`
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	Type       SignalType      `json:"type"`
	Price      decimal.Decimal `json:"price"`
	Reason     string          `json:"reason"`
	Metadata   SignalMetadata  `json:"metadata"`
	Status     SignalStatus    `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}
