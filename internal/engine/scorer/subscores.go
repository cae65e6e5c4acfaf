package scorer

import (
	"github.com/shopspring/decimal"

	"github.com/optbot/gotrader/internal/domain"
)

const (
	minDailyCloses   = 20 // 市场子评分至少需要的日线根数
	minIntradayBars  = 15 // 日内子评分至少需要的分钟线根数
	momentumLookback = 10 // 日内动量回看分钟数
	trendScale       = 10 // 日线趋势偏离放大倍数
	momentumScale    = 50 // 日内动量放大倍数
	indexTiltScale   = 25 // 指数当日涨跌放大倍数
)

var (
	trendWeight = decimal.RequireFromString("0.7") // 标的自身趋势权重
	indexWeight = decimal.RequireFromString("0.3") // 大盘指数权重
)

// marketSubscore 市场状态子评分 [-1, 1]。
// 主体是最新收盘相对 20 日均线的偏离；指数行情可得时
// 叠加大盘当日涨跌，同向共振加分，背离降分。
// 数据不足返回 ok=false，调用方必须 SKIP 而不是按 0 分继续。
func marketSubscore(closes []decimal.Decimal, index *domain.Quote) (decimal.Decimal, bool) {
	if len(closes) < minDailyCloses {
		return decimal.Zero, false
	}
	window := closes[len(closes)-minDailyCloses:]
	sum := decimal.Zero
	for _, c := range window {
		sum = sum.Add(c)
	}
	sma := sum.Div(decimal.NewFromInt(int64(len(window))))
	if sma.IsZero() {
		return decimal.Zero, false
	}
	last := closes[len(closes)-1]
	deviation := last.Sub(sma).Div(sma)
	trend := clamp(deviation.Mul(decimal.NewFromInt(trendScale)))

	tilt, ok := indexTilt(index)
	if !ok {
		return trend, true
	}
	return clamp(trend.Mul(trendWeight).Add(tilt.Mul(indexWeight))), true
}

// indexTilt 指数当日涨跌评分 [-1, 1]，按昨收计算。
// 指数行情缺失时不参与评分，不视为数据不足。
func indexTilt(index *domain.Quote) (decimal.Decimal, bool) {
	if index == nil || index.LastDone == nil || index.PrevClose == nil || index.PrevClose.IsZero() {
		return decimal.Zero, false
	}
	change := index.LastDone.Sub(*index.PrevClose).Div(*index.PrevClose)
	return clamp(change.Mul(decimal.NewFromInt(indexTiltScale))), true
}

// intradaySubscore 日内动量子评分 [-1, 1]。
// 取最近 N 分钟的收益率放大截断。
func intradaySubscore(bars []domain.Candle) (decimal.Decimal, bool) {
	if len(bars) < minIntradayBars {
		return decimal.Zero, false
	}
	last := bars[len(bars)-1].Close
	ref := bars[len(bars)-1-momentumLookback].Close
	if ref.IsZero() {
		return decimal.Zero, false
	}
	ret := last.Sub(ref).Div(ref)
	return clamp(ret.Mul(decimal.NewFromInt(momentumScale))), true
}

// intradayRangeScore 日内波动幅度评分 [0, 1]（多腿策略用：买波动不买方向）。
// 当日振幅 (high-low)/open 放大截断。
func intradayRangeScore(bars []domain.Candle) (decimal.Decimal, bool) {
	if len(bars) < minIntradayBars {
		return decimal.Zero, false
	}
	high := bars[0].High
	low := bars[0].Low
	for _, b := range bars[1:] {
		if b.High.GreaterThan(high) {
			high = b.High
		}
		if b.Low.LessThan(low) {
			low = b.Low
		}
	}
	open := bars[0].Open
	if open.IsZero() {
		return decimal.Zero, false
	}
	amplitude := high.Sub(low).Div(open)
	score := clamp(amplitude.Mul(decimal.NewFromInt(momentumScale)))
	if score.Sign() < 0 {
		return decimal.Zero, true
	}
	return score, true
}
