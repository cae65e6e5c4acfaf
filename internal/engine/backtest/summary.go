package backtest

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/optbot/gotrader/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// computeSummary 汇总指标。
// 最大回撤按"初始资金 + 累计已实现盈亏"的权益曲线计算，
// 交易按平仓时间排序后逐笔累积。
func computeSummary(trades []domain.Trade, startingEquity decimal.Decimal) domain.BacktestSummary {
	s := domain.BacktestSummary{TotalTrades: len(trades)}
	if len(trades) == 0 {
		return s
	}

	ordered := make([]domain.Trade, len(trades))
	copy(ordered, trades)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].ClosedAt.Before(ordered[j].ClosedAt)
	})

	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	totalMinutes := decimal.Zero
	equity := startingEquity
	peak := startingEquity
	maxDD := decimal.Zero

	for _, t := range ordered {
		s.TotalNetPnL = s.TotalNetPnL.Add(t.RealizedPnL)
		if t.RealizedPnL.Sign() > 0 {
			s.WinningTrades++
			grossProfit = grossProfit.Add(t.RealizedPnL)
		} else {
			grossLoss = grossLoss.Add(t.RealizedPnL.Abs())
		}
		totalMinutes = totalMinutes.Add(decimal.NewFromFloat(t.HoldingMinutes()))

		equity = equity.Add(t.RealizedPnL)
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if peak.Sign() > 0 {
			dd := peak.Sub(equity).Div(peak).Mul(hundred)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}

	n := decimal.NewFromInt(int64(len(ordered)))
	s.WinRate = decimal.NewFromInt(int64(s.WinningTrades)).Div(n).Mul(hundred).Round(2)
	s.AvgNetPnL = s.TotalNetPnL.Div(n).Round(4)
	s.TotalNetPnL = s.TotalNetPnL.Round(4)
	s.MaxDrawdownPercent = maxDD.Round(4)
	s.AvgHoldingMinutes = totalMinutes.Div(n).Round(2)
	if grossLoss.Sign() > 0 {
		s.ProfitFactor = grossProfit.Div(grossLoss).Round(4)
	}
	return s
}
