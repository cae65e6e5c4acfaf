package scorer

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/optbot/gotrader/internal/domain"
)

// MultiLegScorer 多腿组合策略：
// 买波动而非方向。日内振幅够大且方向不明时，
// 在现价两侧按行权价间距买入 CALL+PUT 勒式组合。
type MultiLegScorer struct{}

func (s *MultiLegScorer) Type() domain.StrategyType {
	return domain.StrategyTypeMultiLegOption
}

func (s *MultiLegScorer) EvaluateEntry(mc *domain.MarketContext, params *domain.StrategyParams) EntryDecision {
	adj := timeAdjustment(mc)

	if inNoEntryWindow(mc, params.Window) {
		return skip(fmt.Sprintf("距收盘 %d 分钟，已进入禁止开仓窗口", mc.MinutesToClose()),
			zero, zero, zero, adj)
	}

	rangeScore, ok := intradayRangeScore(mc.Intraday)
	if !ok {
		return skip(fmt.Sprintf("分钟线数据不足（%d 根，至少 %d 根）", len(mc.Intraday), minIntradayBars),
			zero, zero, zero, adj)
	}
	market, ok := marketSubscore(mc.DailyCloses, mc.IndexQuote)
	if !ok {
		return skip(fmt.Sprintf("日线数据不足（%d 根，至少 %d 根）", len(mc.DailyCloses), minDailyCloses),
			zero, rangeScore, zero, adj)
	}

	// 振幅评分当日内子评分用，市场子评分取绝对值反向：
	// 趋势越不明确，组合的赔率越好
	marketFlat := one.Sub(market.Abs())
	score := composite(marketFlat, rangeScore, params.Weights, adj)
	if score.LessThan(params.EntryThreshold) {
		return skip(fmt.Sprintf("复合评分 %s 未达阈值 %s", score.StringFixed(4), params.EntryThreshold),
			marketFlat, rangeScore, score, adj)
	}

	spot, err := spotPrice(mc)
	if err != nil {
		return skip("标的无可用价格: "+err.Error(), marketFlat, rangeScore, score, adj)
	}

	spacing := params.StrikeSpacing
	if spacing.IsZero() {
		// 缺省间距取现价的 1%
		spacing = spot.Mul(decimal.NewFromFloat(0.01))
	}
	legs, err := selectStrangleLegs(mc.Chain, spot, spacing, params.Liquidity)
	if err != nil {
		return skip("无可交易合约组合: "+err.Error(), marketFlat, rangeScore, score, adj)
	}

	return EntryDecision{
		Action:         ActionEnter,
		Direction:      domain.OptionTypeCall, // 组合无单一方向，主腿记 CALL
		CompositeScore: score,
		MarketScore:    marketFlat,
		IntradayScore:  rangeScore,
		TimeAdjustment: adj,
		Legs:           legs,
	}
}
