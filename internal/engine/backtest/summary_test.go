package backtest

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optbot/gotrader/internal/domain"
)

func summaryTrade(pnl float64, openedAt time.Time, holdMinutes int) domain.Trade {
	return domain.Trade{
		RealizedPnL: decimal.NewFromFloat(pnl),
		OpenedAt:    openedAt,
		ClosedAt:    openedAt.Add(time.Duration(holdMinutes) * time.Minute),
	}
}

func TestComputeSummaryEmpty(t *testing.T) {
	s := computeSummary(nil, decimal.NewFromInt(100000))
	assert.Equal(t, 0, s.TotalTrades)
	assert.True(t, s.TotalNetPnL.IsZero())
	assert.True(t, s.MaxDrawdownPercent.IsZero())
}

func TestComputeSummaryMixedTrades(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	trades := []domain.Trade{
		summaryTrade(200, base, 30),
		summaryTrade(-100, base.Add(time.Hour), 60),
		summaryTrade(300, base.Add(2*time.Hour), 30),
	}

	s := computeSummary(trades, decimal.NewFromInt(1000))
	require.Equal(t, 3, s.TotalTrades)
	assert.Equal(t, 2, s.WinningTrades)
	assert.Equal(t, "66.67", s.WinRate.String())
	assert.Equal(t, "400", s.TotalNetPnL.String())
	// 盈利 500 / 亏损 100
	assert.Equal(t, "5", s.ProfitFactor.String())
	assert.Equal(t, "40", s.AvgHoldingMinutes.String())
}

func TestComputeSummaryDrawdownUsesClosedOrder(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	// 乱序传入，回撤必须按平仓时间排序后计算：
	// 1000 -> 1200 -> 900（峰值 1200，回撤 25%）-> 1100
	trades := []domain.Trade{
		summaryTrade(200, base.Add(2*time.Hour), 10),
		summaryTrade(-300, base.Add(time.Hour), 10),
		summaryTrade(200, base, 10),
	}

	s := computeSummary(trades, decimal.NewFromInt(1000))
	require.Equal(t, 3, s.TotalTrades)
	assert.Equal(t, "25", s.MaxDrawdownPercent.String())
}

func TestComputeSummaryAllWinsHasNoProfitFactor(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	trades := []domain.Trade{
		summaryTrade(50, base, 15),
		summaryTrade(70, base.Add(time.Hour), 15),
	}

	s := computeSummary(trades, decimal.NewFromInt(1000))
	assert.Equal(t, "100", s.WinRate.String())
	// 没有亏损时 ProfitFactor 不定义，保持零值
	assert.True(t, s.ProfitFactor.IsZero())
}
