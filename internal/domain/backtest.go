package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BacktestStatus 回测运行状态
type BacktestStatus string

const (
	BacktestStatusRunning  BacktestStatus = "RUNNING"
	BacktestStatusFinished BacktestStatus = "FINISHED"
	BacktestStatusFailed   BacktestStatus = "FAILED"
)

// DataFetchRecord 回测中每次数据源查询的结果。
// 诊断日志是强制输出：没有它，"零成交"的回测无从排查。
type DataFetchRecord struct {
	Source  string `json:"source"` // 如 "daily-candles"、"option-chain"
	Date    string `json:"date"`
	Symbol  string `json:"symbol"`
	Success bool   `json:"success"`
	Rows    int    `json:"rows"`
	Error   string `json:"error,omitempty"`
}

// SignalTickRecord 回测中每个评估 tick 的信号记录
type SignalTickRecord struct {
	Timestamp      time.Time       `json:"timestamp"`
	Symbol         string          `json:"symbol"`
	CompositeScore decimal.Decimal `json:"composite_score"`
	MarketScore    decimal.Decimal `json:"market_score"`
	IntradayScore  decimal.Decimal `json:"intraday_score"`
	TimeAdjustment decimal.Decimal `json:"time_adjustment"`
	Action         string          `json:"action"` // ENTER / SKIP / EXIT / HOLD
	Reason         string          `json:"reason"`
}

// BacktestDiagnostics 回测诊断日志
type BacktestDiagnostics struct {
	DataFetch []DataFetchRecord  `json:"data_fetch"`
	Signals   []SignalTickRecord `json:"signals"`
}

// BacktestSummary 回测汇总指标
type BacktestSummary struct {
	TotalTrades        int             `json:"total_trades"`
	WinningTrades      int             `json:"winning_trades"`
	WinRate            decimal.Decimal `json:"win_rate"` // 百分比
	TotalNetPnL        decimal.Decimal `json:"total_net_pnl"`
	AvgNetPnL          decimal.Decimal `json:"avg_net_pnl"`
	MaxDrawdownPercent decimal.Decimal `json:"max_drawdown_percent"`
	ProfitFactor       decimal.Decimal `json:"profit_factor"`
	AvgHoldingMinutes  decimal.Decimal `json:"avg_holding_minutes"`
}

// BacktestResult 一次回测的完整结果
type BacktestResult struct {
	ID          string              `json:"id"`
	StrategyID  string              `json:"strategy_id"`
	StartDate   string              `json:"start_date"` // YYYY-MM-DD
	EndDate     string              `json:"end_date"`
	Symbols     []string            `json:"symbols"`
	Status      BacktestStatus      `json:"status"`
	Trades      []Trade             `json:"trades"`
	Summary     BacktestSummary     `json:"summary"`
	Diagnostics BacktestDiagnostics `json:"diagnostics"`
	Error       string              `json:"error,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	FinishedAt  time.Time           `json:"finished_at,omitempty"`
}
