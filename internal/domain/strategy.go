package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StrategyType 策略类型（闭集：新增类型需要同时注册对应的 Scorer 实现）
type StrategyType string

const (
	// StrategyTypeRecommendation 基于日线推荐评分的期权策略
	StrategyTypeRecommendation StrategyType = "recommendation"
	// StrategyTypeIntradayMomentum 日内动量期权策略
	StrategyTypeIntradayMomentum StrategyType = "intraday_momentum"
	// StrategyTypeMultiLegOption 多腿期权组合策略
	StrategyTypeMultiLegOption StrategyType = "multi_leg_option"
)

// Valid 检查策略类型是否在闭集内
func (t StrategyType) Valid() bool {
	switch t {
	case StrategyTypeRecommendation, StrategyTypeIntradayMomentum, StrategyTypeMultiLegOption:
		return true
	}
	return false
}

// StrategyStatus 策略生命周期状态
type StrategyStatus string

const (
	StrategyStatusStopped StrategyStatus = "STOPPED"
	StrategyStatusRunning StrategyStatus = "RUNNING"
)

// DirectionMode 方向模式：跟随信号方向，或只做单边
type DirectionMode string

const (
	DirectionModeFollowSignal DirectionMode = "FOLLOW_SIGNAL"
	DirectionModeCallOnly     DirectionMode = "CALL_ONLY"
	DirectionModePutOnly      DirectionMode = "PUT_ONLY"
)

// ExpirationMode 到期选择模式
type ExpirationMode string

const (
	ExpirationModeZeroDTE ExpirationMode = "0DTE"    // 只选当日到期
	ExpirationModeNearest ExpirationMode = "NEAREST" // 选最近的可用到期日
)

// PositionSizing 头寸规模模式
type PositionSizing string

const (
	SizingFixedContracts PositionSizing = "FIXED_CONTRACTS" // 固定合约数
	SizingMaxPremium     PositionSizing = "MAX_PREMIUM"     // 按最大权利金预算折算合约数
)

// EntryPriceMode 入场价格模式
type EntryPriceMode string

const (
	EntryPriceModeAsk EntryPriceMode = "ASK"
	EntryPriceModeMid EntryPriceMode = "MID"
)

// ScoreWeights 复合评分权重。
// 权重和阈值是调参输入而不是契约常量，必须来自策略配置。
type ScoreWeights struct {
	Market   decimal.Decimal `json:"market"`   // 大盘/市场状态子评分权重
	Intraday decimal.Decimal `json:"intraday"` // 日内子评分权重
}

// LiquidityFilters 合约流动性过滤
type LiquidityFilters struct {
	MinOpenInterest int64           `json:"min_open_interest"`
	MaxSpreadRatio  decimal.Decimal `json:"max_spread_ratio"` // (ask-bid)/mid 上限，0 表示不限制
}

// TradeWindow 交易时间窗口（相对收盘）
type TradeWindow struct {
	NoNewEntryBeforeCloseMinutes int `json:"no_new_entry_before_close_minutes"`
	ForceCloseBeforeCloseMinutes int `json:"force_close_before_close_minutes"`
}

// ExitRules 退出规则参数。
// 检查顺序固定：止损 → 止盈/移动止盈（基于峰值盈亏水位）→ 时间强制退出。
type ExitRules struct {
	StopLossPercent     decimal.Decimal `json:"stop_loss_percent"`     // 亏损达到该百分比止损，如 30 表示 -30%
	TakeProfitPercent   decimal.Decimal `json:"take_profit_percent"`   // 盈利达到该百分比止盈
	TrailingDrawdownPct decimal.Decimal `json:"trailing_drawdown_pct"` // 从峰值盈亏回撤该比例触发移动止盈，0 关闭
	TrailingActivatePct decimal.Decimal `json:"trailing_activate_pct"` // 峰值盈亏超过该值后移动止盈才生效
	MaxHoldingMinutes   int             `json:"max_holding_minutes"`   // 最长持仓时间，0 关闭
}

// FeeModel 手续费模型（净盈亏计算用）
type FeeModel struct {
	PerContract decimal.Decimal `json:"per_contract"`
	PerOrder    decimal.Decimal `json:"per_order"`
}

// StrategyParams 策略可调参数。
// 各策略类型共享一套参数结构，Scorer 实现只读取自己关心的字段。
type StrategyParams struct {
	EntryThreshold decimal.Decimal  `json:"entry_threshold"`
	Weights        ScoreWeights     `json:"weights"`
	DirectionMode  DirectionMode    `json:"direction_mode"`
	ExpirationMode ExpirationMode   `json:"expiration_mode"`
	Sizing         PositionSizing   `json:"sizing"`
	FixedContracts int              `json:"fixed_contracts"`
	MaxPremium     decimal.Decimal  `json:"max_premium"`
	EntryPriceMode EntryPriceMode   `json:"entry_price_mode"`
	Liquidity      LiquidityFilters `json:"liquidity"`
	Window         TradeWindow      `json:"window"`
	Exit           ExitRules        `json:"exit"`
	Fees           FeeModel         `json:"fees"`
	// 多腿策略专用
	LegCount      int             `json:"leg_count"`
	StrikeSpacing decimal.Decimal `json:"strike_spacing"`
}

// StrategyDefinition 策略定义。
// 由配置创建，start/stop 修改状态；有实例引用期间不删除。
type StrategyDefinition struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         StrategyType   `json:"type"`
	Symbols      []string       `json:"symbols"`       // 静态符号池
	SymbolRule   string         `json:"symbol_rule"`   // 动态选择规则名（为空表示使用静态池）
	AllocationID string         `json:"allocation_id"` // 资金分配节点引用
	Status       StrategyStatus `json:"status"`
	Params       StrategyParams `json:"params"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Running 策略是否在运行
func (d *StrategyDefinition) Running() bool {
	return d.Status == StrategyStatusRunning
}
