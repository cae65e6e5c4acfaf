package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optbot/gotrader/internal/domain"
	"github.com/optbot/gotrader/internal/engine/scorer"
	"github.com/optbot/gotrader/pkg/config"
)

// fakeSource 内存数据源：日线收盘和分钟线价格固定，时间戳落在请求的交易日上
type fakeSource struct {
	closes    []float64
	barPrices []float64
	chain     []domain.OptionContract
}

func (s *fakeSource) DailyCandles(_ context.Context, symbol string, day time.Time, _ int) ([]domain.Candle, error) {
	out := make([]domain.Candle, 0, len(s.closes))
	for i, p := range s.closes {
		d := decimal.NewFromFloat(p)
		out = append(out, domain.Candle{
			Symbol:    symbol,
			Timestamp: day.AddDate(0, 0, i-len(s.closes)),
			Open:      d, High: d, Low: d, Close: d,
		})
	}
	return out, nil
}

func (s *fakeSource) IntradayCandles(_ context.Context, symbol string, day time.Time) ([]domain.Candle, error) {
	open := time.Date(day.Year(), day.Month(), day.Day(), 9, 30, 0, 0, day.Location())
	out := make([]domain.Candle, 0, len(s.barPrices))
	for i, p := range s.barPrices {
		d := decimal.NewFromFloat(p)
		out = append(out, domain.Candle{
			Symbol:    symbol,
			Timestamp: open.Add(time.Duration(i) * time.Minute),
			Open:      d, High: d, Low: d, Close: d,
		})
	}
	return out, nil
}

func (s *fakeSource) OptionChain(_ context.Context, _ string, day time.Time) ([]domain.OptionContract, error) {
	out := make([]domain.OptionContract, len(s.chain))
	copy(out, s.chain)
	for i := range out {
		out[i].Expiry = time.Date(day.Year(), day.Month(), day.Day(), 16, 0, 0, 0, day.Location())
	}
	return out, nil
}

func callContract(symbol string, strike, premium float64) domain.OptionContract {
	p := decimal.NewFromFloat(premium)
	return domain.OptionContract{
		Symbol:       symbol,
		Underlying:   "AAPL",
		Type:         domain.OptionTypeCall,
		Strike:       decimal.NewFromFloat(strike),
		LotSize:      100,
		OpenInterest: 500,
		BidPrice:     &p,
		AskPrice:     &p,
	}
}

func backtestDef(threshold float64) *domain.StrategyDefinition {
	return &domain.StrategyDefinition{
		ID:      "bt-1",
		Name:    "回测用推荐策略",
		Type:    domain.StrategyTypeRecommendation,
		Symbols: []string{"AAPL"},
		Status:  domain.StrategyStatusRunning,
		Params: domain.StrategyParams{
			EntryThreshold: decimal.NewFromFloat(threshold),
			Weights: domain.ScoreWeights{
				Market:   decimal.NewFromFloat(0.4),
				Intraday: decimal.NewFromFloat(0.6),
			},
			DirectionMode:  domain.DirectionModeFollowSignal,
			ExpirationMode: domain.ExpirationModeNearest,
			Sizing:         domain.SizingFixedContracts,
			FixedContracts: 1,
			EntryPriceMode: domain.EntryPriceModeAsk,
			Liquidity:      domain.LiquidityFilters{MinOpenInterest: 100},
			Exit: domain.ExitRules{
				StopLossPercent:   decimal.NewFromInt(30),
				TakeProfitPercent: decimal.NewFromInt(50),
			},
			Fees: domain.FeeModel{
				PerContract: decimal.NewFromFloat(0.65),
				PerOrder:    decimal.NewFromFloat(1),
			},
		},
	}
}

func newTestReplayer(src DataSource) *Replayer {
	return NewReplayer(Options{
		Registry: scorer.NewRegistry(),
		Source:   src,
		Market:   config.MarketConfig{Timezone: "UTC", CloseTime: "16:00"},
		Now:      func() time.Time { return time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC) },
	})
}

func flatPrices(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func risingPrices(base, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = base + step*float64(i)
	}
	return out
}

// 零成交的回测也必须产出逐 tick 信号记录和取数记录，否则无从排查
func TestZeroTradeRunStillRecordsDiagnostics(t *testing.T) {
	src := &fakeSource{
		closes:    flatPrices(100, 30),
		barPrices: flatPrices(100, 30),
		chain:     []domain.OptionContract{callContract("AAPL260827C100", 100, 2.0)},
	}
	// 阈值拉高到 0.9，平盘数据的评分达不到
	def := backtestDef(0.9)

	result, err := newTestReplayer(src).Run(context.Background(), def, "2026-08-26", "2026-08-26")
	if err != nil {
		t.Fatalf("回测失败: %v", err)
	}

	if result.Status != domain.BacktestStatusFinished {
		t.Fatalf("状态 = %s, 期望 FINISHED", result.Status)
	}
	if result.Summary.TotalTrades != 0 {
		t.Fatalf("成交数 = %d, 期望 0", result.Summary.TotalTrades)
	}
	if len(result.Diagnostics.Signals) == 0 {
		t.Fatal("零成交回测缺少逐 tick 信号记录")
	}
	if len(result.Diagnostics.DataFetch) != 3 {
		t.Fatalf("取数记录 = %d 条, 期望 3（日线/分钟线/期权链各一）", len(result.Diagnostics.DataFetch))
	}
	for _, rec := range result.Diagnostics.DataFetch {
		if !rec.Success {
			t.Fatalf("取数记录 %s 意外失败: %s", rec.Source, rec.Error)
		}
	}
	for _, sig := range result.Diagnostics.Signals {
		if sig.Action != string(scorer.ActionSkip) {
			t.Fatalf("平盘数据出现了 %s 动作", sig.Action)
		}
		if sig.Reason == "" {
			t.Fatal("SKIP 记录缺少原因")
		}
	}
}

// 上涨行情：入场后标的继续走高，内在价值推动模拟价触发止盈
func TestWinningTradeTakeProfit(t *testing.T) {
	src := &fakeSource{
		closes:    risingPrices(100, 0.5, 30),
		barPrices: risingPrices(110, 0.2, 40),
		chain:     []domain.OptionContract{callContract("AAPL260827C113", 113, 2.0)},
	}
	def := backtestDef(0.1)

	result, err := newTestReplayer(src).Run(context.Background(), def, "2026-08-26", "2026-08-26")
	if err != nil {
		t.Fatalf("回测失败: %v", err)
	}

	if got := result.Summary.TotalTrades; got != 1 {
		t.Fatalf("成交数 = %d, 期望 1", got)
	}
	trade := result.Trades[0]
	if trade.ExitTag != domain.ExitTagTakeProfit {
		t.Fatalf("退出标签 = %s, 期望 TAKE_PROFIT", trade.ExitTag)
	}
	if trade.RealizedPnL.Sign() <= 0 {
		t.Fatalf("已实现盈亏 = %s, 期望为正", trade.RealizedPnL)
	}
	if trade.ContractSymbol != "AAPL260827C113" {
		t.Fatalf("成交合约 = %s", trade.ContractSymbol)
	}
	if !result.Summary.WinRate.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("胜率 = %s, 期望 100", result.Summary.WinRate)
	}
	if result.Summary.AvgHoldingMinutes.Sign() <= 0 {
		t.Fatal("平均持仓时长应大于 0")
	}

	var sawEnter, sawExit bool
	for _, sig := range result.Diagnostics.Signals {
		switch sig.Action {
		case string(scorer.ActionEnter):
			sawEnter = true
		case string(scorer.ActionExit):
			sawExit = true
		}
	}
	if !sawEnter || !sawExit {
		t.Fatalf("信号记录不完整: enter=%v exit=%v", sawEnter, sawExit)
	}
}

// 入场后行情走平：日内规则都不触发，收盘按最后模拟价强平
func TestForceCloseAtEndOfDay(t *testing.T) {
	bars := risingPrices(110, 0.2, 16)
	bars = append(bars, flatPrices(113, 24)...)
	src := &fakeSource{
		closes:    risingPrices(100, 0.5, 30),
		barPrices: bars,
		chain:     []domain.OptionContract{callContract("AAPL260827C113", 113, 2.0)},
	}
	def := backtestDef(0.1)
	// 止盈止损都拉远，逼出收盘强平路径
	def.Params.Exit.StopLossPercent = decimal.NewFromInt(90)
	def.Params.Exit.TakeProfitPercent = decimal.NewFromInt(900)

	result, err := newTestReplayer(src).Run(context.Background(), def, "2026-08-26", "2026-08-26")
	if err != nil {
		t.Fatalf("回测失败: %v", err)
	}
	if got := result.Summary.TotalTrades; got != 1 {
		t.Fatalf("成交数 = %d, 期望 1", got)
	}
	if tag := result.Trades[0].ExitTag; tag != domain.ExitTagForceClose {
		t.Fatalf("退出标签 = %s, 期望 FORCE_CLOSE", tag)
	}
}

// 周末不是交易日，不产生任何取数
func TestWeekendsSkipped(t *testing.T) {
	src := &fakeSource{
		closes:    flatPrices(100, 30),
		barPrices: flatPrices(100, 30),
		chain:     []domain.OptionContract{callContract("AAPL260827C100", 100, 2.0)},
	}
	def := backtestDef(0.9)

	// 2026-08-28 周五 ~ 2026-08-30 周日：只有周五是交易日
	result, err := newTestReplayer(src).Run(context.Background(), def, "2026-08-28", "2026-08-30")
	if err != nil {
		t.Fatalf("回测失败: %v", err)
	}
	if len(result.Diagnostics.DataFetch) != 3 {
		t.Fatalf("取数记录 = %d 条, 期望 3（仅周五一天）", len(result.Diagnostics.DataFetch))
	}
}

func TestInvalidDateRange(t *testing.T) {
	src := &fakeSource{}
	def := backtestDef(0.5)
	r := newTestReplayer(src)

	if _, err := r.Run(context.Background(), def, "2026-13-01", "2026-08-26"); err == nil {
		t.Fatal("非法起始日期应当报错")
	}
	if _, err := r.Run(context.Background(), def, "2026-08-27", "2026-08-26"); err == nil {
		t.Fatal("结束早于起始应当报错")
	}
}
