package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote 实时行情快照。
// 字段可能缺失（停牌、无买卖盘），缺失用 nil 表示而不是 0，
// 价格解析的回退链依赖这一区分。
type Quote struct {
	Symbol    string           `json:"symbol"`
	LastDone  *decimal.Decimal `json:"last_done,omitempty"`
	PrevClose *decimal.Decimal `json:"prev_close,omitempty"`
	BidPrice  *decimal.Decimal `json:"bid_price,omitempty"`
	AskPrice  *decimal.Decimal `json:"ask_price,omitempty"`
	Volume    int64            `json:"volume"`
	Timestamp time.Time        `json:"timestamp"`
}

// OptionType 期权类型
type OptionType string

const (
	OptionTypeCall OptionType = "CALL"
	OptionTypePut  OptionType = "PUT"
)

// OptionContract 期权合约
type OptionContract struct {
	Symbol       string           `json:"symbol"` // 合约代码
	Underlying   string           `json:"underlying"`
	Type         OptionType       `json:"type"`
	Strike       decimal.Decimal  `json:"strike"`
	Expiry       time.Time        `json:"expiry"`
	LotSize      int              `json:"lot_size"` // 每张合约乘数
	OpenInterest int64            `json:"open_interest"`
	LastDone     *decimal.Decimal `json:"last_done,omitempty"`
	BidPrice     *decimal.Decimal `json:"bid_price,omitempty"`
	AskPrice     *decimal.Decimal `json:"ask_price,omitempty"`
}

// Candle 日线/分钟线
type Candle struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
}

// MarketContext 单次评估所需的行情上下文。
// Scorer 是纯函数式的：它只读这里的数据，不主动拉取。
type MarketContext struct {
	Symbol      string
	Quote       *Quote
	DailyCloses []decimal.Decimal // 日线收盘序列（旧→新）
	Intraday    []Candle          // 当日分钟线（旧→新）
	Chain       []OptionContract  // 备选期权链（已按到期模式过滤）
	IndexQuote  *Quote            // 大盘指数行情（市场状态子评分用）
	Now         time.Time         // 评估时刻（回测时为历史时刻）
	MarketClose time.Time         // 当日收盘时刻
}

// MinutesToClose 距收盘的分钟数（已收盘返回 0）
func (mc *MarketContext) MinutesToClose() int {
	d := mc.MarketClose.Sub(mc.Now)
	if d <= 0 {
		return 0
	}
	return int(d.Minutes())
}
