package scorer

import (
	"fmt"

	"github.com/optbot/gotrader/internal/domain"
)

// IntradayMomentumScorer 日内动量策略：
// 以分钟线动量为主信号，日线趋势只做确认，适合 0DTE 快进快出。
type IntradayMomentumScorer struct{}

func (s *IntradayMomentumScorer) Type() domain.StrategyType {
	return domain.StrategyTypeIntradayMomentum
}

func (s *IntradayMomentumScorer) EvaluateEntry(mc *domain.MarketContext, params *domain.StrategyParams) EntryDecision {
	adj := timeAdjustment(mc)

	if inNoEntryWindow(mc, params.Window) {
		return skip(fmt.Sprintf("距收盘 %d 分钟，已进入禁止开仓窗口", mc.MinutesToClose()),
			zero, zero, zero, adj)
	}

	intraday, ok := intradaySubscore(mc.Intraday)
	if !ok {
		return skip(fmt.Sprintf("分钟线数据不足（%d 根，至少 %d 根）", len(mc.Intraday), minIntradayBars),
			zero, zero, zero, adj)
	}

	// 日线趋势同向加分、反向减分；数据不够就只用日内信号
	market, haveMarket := marketSubscore(mc.DailyCloses, mc.IndexQuote)
	if !haveMarket {
		market = zero
	}

	score := composite(market, intraday, params.Weights, adj)
	if score.Abs().LessThan(params.EntryThreshold) {
		return skip(fmt.Sprintf("复合评分 %s 未达阈值 %s", score.StringFixed(4), params.EntryThreshold),
			market, intraday, score, adj)
	}

	// 动量与合成评分方向必须一致，趋势拖出来的反向分不做
	if score.Sign() != intraday.Sign() {
		return skip("合成评分与日内动量方向相反", market, intraday, score, adj)
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
