package scorer

import (
	"fmt"

	"github.com/optbot/gotrader/internal/domain"
)

// RecommendationScorer 日线推荐策略：
// 以日线趋势为主信号，用日内动量确认，择优买入贴近现价的单腿期权。
type RecommendationScorer struct{}

func (s *RecommendationScorer) Type() domain.StrategyType {
	return domain.StrategyTypeRecommendation
}

func (s *RecommendationScorer) EvaluateEntry(mc *domain.MarketContext, params *domain.StrategyParams) EntryDecision {
	adj := timeAdjustment(mc)

	if inNoEntryWindow(mc, params.Window) {
		return skip(fmt.Sprintf("距收盘 %d 分钟，已进入禁止开仓窗口", mc.MinutesToClose()),
			zero, zero, zero, adj)
	}

	market, ok := marketSubscore(mc.DailyCloses, mc.IndexQuote)
	if !ok {
		return skip(fmt.Sprintf("日线数据不足（%d 根，至少 %d 根）", len(mc.DailyCloses), minDailyCloses),
			zero, zero, zero, adj)
	}
	intraday, ok := intradaySubscore(mc.Intraday)
	if !ok {
		return skip(fmt.Sprintf("分钟线数据不足（%d 根，至少 %d 根）", len(mc.Intraday), minIntradayBars),
			market, zero, zero, adj)
	}

	score := composite(market, intraday, params.Weights, adj)
	if score.Abs().LessThan(params.EntryThreshold) {
		return skip(fmt.Sprintf("复合评分 %s 未达阈值 %s", score.StringFixed(4), params.EntryThreshold),
			market, intraday, score, adj)
	}

	dir, ok := resolveDirection(score, params.DirectionMode)
	if !ok {
		return skip(fmt.Sprintf("信号方向与方向模式 %s 冲突", params.DirectionMode),
			market, intraday, score, adj)
	}

	spot, err := spotPrice(mc)
	if err != nil {
		return skip("标的无可用价格: "+err.Error(), market, intraday, score, adj)
	}
	contract, err := SelectContract(mc.Chain, dir, spot, params.Liquidity)
	if err != nil {
		// 评分过线但选不出合约，仍然 SKIP
		return skip("无可交易合约: "+err.Error(), market, intraday, score, adj)
	}

	return EntryDecision{
		Action:         ActionEnter,
		Direction:      dir,
		CompositeScore: score,
		MarketScore:    market,
		IntradayScore:  intraday,
		TimeAdjustment: adj,
		Contract:       contract,
	}
}
