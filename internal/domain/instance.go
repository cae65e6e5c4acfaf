package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// InstanceState 实例状态机状态
type InstanceState string

const (
	// InstanceStateIdle 无持仓，可评估入场
	InstanceStateIdle InstanceState = "IDLE"
	// InstanceStateEntered 持仓中，context 保存入场与峰值数据
	InstanceStateEntered InstanceState = "ENTERED"
	// InstanceStateExiting 退出订单已提交，等待成交
	InstanceStateExiting InstanceState = "EXITING"
)

// PositionCore 各策略类型共享的持仓核心字段
type PositionCore struct {
	EntryPrice       decimal.Decimal `json:"entry_price"`
	Quantity         decimal.Decimal `json:"quantity"`
	EntryTime        time.Time       `json:"entry_time"`
	StopLossPrice    decimal.Decimal `json:"stop_loss_price"`
	TakeProfitPrice  decimal.Decimal `json:"take_profit_price"`
	PeakPnLPercent   decimal.Decimal `json:"peak_pnl_percent"` // 峰值盈亏水位（百分比），移动止盈依据
	EntryOrderID     string          `json:"entry_order_id"`
	ExitOrderID      string          `json:"exit_order_id,omitempty"`
	ExitPrice        decimal.Decimal `json:"exit_price,omitempty"` // 平仓限价，对账成交后按此计账
	AllocationAmount decimal.Decimal `json:"allocation_amount"`    // 占用的资金额度
	SignalID         string          `json:"signal_id"`
}

// PositionContext 持仓上下文（按策略类型区分的变体闭集）。
// 退出评估按具体类型做穷尽匹配，不探测可选字段。
type PositionContext interface {
	Kind() StrategyType
	Core() *PositionCore
}

// OptionPosition 单腿期权持仓（recommendation 与 intraday_momentum 共用形状）
type OptionPosition struct {
	PositionCore
	ContextKind    StrategyType    `json:"-"`
	ContractSymbol string          `json:"contract_symbol"`
	Direction      OptionType      `json:"direction"`
	Strike         decimal.Decimal `json:"strike"`
	Expiry         time.Time       `json:"expiry"`
	LotSize        int             `json:"lot_size"`
}

func (p *OptionPosition) Kind() StrategyType  { return p.ContextKind }
func (p *OptionPosition) Core() *PositionCore { return &p.PositionCore }

// MultiLegPosition 多腿期权组合持仓
type MultiLegPosition struct {
	PositionCore
	Legs    []OptionLeg `json:"legs"`
	LotSize int         `json:"lot_size"`
}

// OptionLeg 组合中的一腿。
// OrderID 是该腿入场订单的客户端订单号，对账必须逐腿查证，
// 任何一腿未送达都不能把整组记成持仓。
type OptionLeg struct {
	ContractSymbol string          `json:"contract_symbol"`
	Direction      OptionType      `json:"direction"`
	Side           OrderSide       `json:"side"`
	Strike         decimal.Decimal `json:"strike"`
	Quantity       decimal.Decimal `json:"quantity"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	OrderID        string          `json:"order_id,omitempty"`
}

func (p *MultiLegPosition) Kind() StrategyType  { return StrategyTypeMultiLegOption }
func (p *MultiLegPosition) Core() *PositionCore { return &p.PositionCore }

// contextEnvelope 持仓上下文的持久化信封（kind 标签 + 负载）
type contextEnvelope struct {
	Kind    StrategyType    `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalContext 序列化持仓上下文（nil 返回空）
func MarshalContext(ctx PositionContext) ([]byte, error) {
	if ctx == nil {
		return nil, nil
	}
	payload, err := json.Marshal(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(contextEnvelope{Kind: ctx.Kind(), Payload: payload})
}

// UnmarshalContext 反序列化持仓上下文；空输入返回 nil
func UnmarshalContext(b []byte) (PositionContext, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var env contextEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case StrategyTypeRecommendation, StrategyTypeIntradayMomentum:
		var p OptionPosition
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		p.ContextKind = env.Kind
		return &p, nil
	case StrategyTypeMultiLegOption:
		var p MultiLegPosition
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("unknown position context kind: %q", env.Kind)
	}
}

// StrategyInstance 策略实例，按 (strategyID, symbol) 唯一。
// 不变量：任一时刻至多一笔持仓；状态与 context 在每次状态迁移后落盘。
type StrategyInstance struct {
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	State      InstanceState   `json:"state"`
	Context    PositionContext `json:"-"`
	// PendingOrderID 入场订单提交前先落盘的客户端订单号。
	// 重启时据此对账，是至多一次开仓的关键。
	PendingOrderID string `json:"pending_order_id,omitempty"`
	// PendingContext 入场成交后将生效的持仓上下文
	PendingContext PositionContext `json:"-"`
	LastUpdated    time.Time       `json:"last_updated"`
}

// Key 实例唯一键
func (si *StrategyInstance) Key() string {
	return si.StrategyID + ":" + si.Symbol
}

// HasPosition 是否有持仓（ENTERED 或 EXITING）
func (si *StrategyInstance) HasPosition() bool {
	return si.State == InstanceStateEntered || si.State == InstanceStateExiting
}
