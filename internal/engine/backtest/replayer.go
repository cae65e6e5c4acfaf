package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/optbot/gotrader/internal/domain"
	"github.com/optbot/gotrader/internal/engine/execution"
	"github.com/optbot/gotrader/internal/engine/scorer"
	"github.com/optbot/gotrader/pkg/config"
	"github.com/optbot/gotrader/pkg/persistence"
)

var log = logrus.WithField("component", "backtest")

const (
	dateLayout       = "2006-01-02"
	dailyHistoryDays = 60
)

// ResultStore 回测汇总行的落库接口（实跑时由 sqlite Store 实现）
type ResultStore interface {
	SaveBacktest(ctx context.Context, r *domain.BacktestResult) error
}

// Options 回放器依赖
type Options struct {
	Registry  *scorer.Registry
	Source    DataSource
	Market    config.MarketConfig
	Store     ResultStore         // 可为 nil（纯内存回测）
	Artifacts persistence.Service // 诊断日志 artifact 落盘，可为 nil
	Budget    decimal.Decimal     // 按预算折算头寸时的虚拟资金，零值取默认
	Now       func() time.Time
}

// Replayer 历史回放器。
// 与实盘共用同一套 Scorer 和退出规则，差异只在成交模拟：
// 订单按解析出的模拟价立即全额成交，没有部分成交和滑点。
type Replayer struct {
	opts Options
}

var defaultBudget = decimal.NewFromInt(100000)

// NewReplayer 创建回放器
func NewReplayer(opts Options) *Replayer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Budget.Sign() <= 0 {
		opts.Budget = defaultBudget
	}
	return &Replayer{opts: opts}
}

// Run 回放一个日期区间。数据缺失按降级处理并记入诊断日志，
// 只有参数错误（日期、策略类型）才会让整个回测失败。
func (r *Replayer) Run(ctx context.Context, def *domain.StrategyDefinition, startDate, endDate string) (*domain.BacktestResult, error) {
	return r.RunWithID(ctx, def, uuid.NewString(), startDate, endDate)
}

// RunWithID 带预分配 ID 的回放。API 异步触发时先拿到 ID 再起后台任务。
func (r *Replayer) RunWithID(ctx context.Context, def *domain.StrategyDefinition, id, startDate, endDate string) (*domain.BacktestResult, error) {
	start, err := time.Parse(dateLayout, startDate)
	if err != nil {
		return nil, errors.Wrapf(err, "起始日期 %q 非法", startDate)
	}
	end, err := time.Parse(dateLayout, endDate)
	if err != nil {
		return nil, errors.Wrapf(err, "结束日期 %q 非法", endDate)
	}
	if end.Before(start) {
		return nil, errors.Errorf("结束日期 %s 早于起始日期 %s", endDate, startDate)
	}

	sc, err := r.opts.Registry.Get(def.Type)
	if err != nil {
		return nil, err
	}

	result := &domain.BacktestResult{
		ID:         id,
		StrategyID: def.ID,
		StartDate:  startDate,
		EndDate:    endDate,
		Symbols:    def.Symbols,
		Status:     domain.BacktestStatusRunning,
		CreatedAt:  r.opts.Now(),
	}
	r.saveRow(ctx, result)

	log.Infof("[回测] 开始 id=%s strategy=%s %s~%s symbols=%v",
		result.ID, def.ID, startDate, endDate, def.Symbols)

	loc := r.location()
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		if err := ctx.Err(); err != nil {
			result.Status = domain.BacktestStatusFailed
			result.Error = err.Error()
			r.finish(ctx, result)
			return result, err
		}
		tradingDay := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
		for _, symbol := range def.Symbols {
			r.replaySymbolDay(ctx, sc, def, symbol, tradingDay, result)
		}
	}

	result.Summary = computeSummary(result.Trades, r.opts.Budget)
	result.Status = domain.BacktestStatusFinished
	r.finish(ctx, result)

	log.Infof("[回测] 完成 id=%s trades=%d net=%s",
		result.ID, result.Summary.TotalTrades, result.Summary.TotalNetPnL)
	return result, nil
}

// replaySymbolDay 回放单个标的的一个交易日
func (r *Replayer) replaySymbolDay(ctx context.Context, sc scorer.Scorer, def *domain.StrategyDefinition, symbol string, day time.Time, result *domain.BacktestResult) {
	diag := &result.Diagnostics
	dateStr := day.Format(dateLayout)

	daily, err := r.opts.Source.DailyCandles(ctx, symbol, day, dailyHistoryDays)
	diag.DataFetch = append(diag.DataFetch, fetchRecord("daily-candles", dateStr, symbol, len(daily), err))
	bars, err := r.opts.Source.IntradayCandles(ctx, symbol, day)
	diag.DataFetch = append(diag.DataFetch, fetchRecord("intraday-candles", dateStr, symbol, len(bars), err))
	chain, err := r.opts.Source.OptionChain(ctx, symbol, day)
	diag.DataFetch = append(diag.DataFetch, fetchRecord("option-chain", dateStr, symbol, len(chain), err))
	if len(bars) == 0 {
		return
	}

	closes := make([]decimal.Decimal, 0, len(daily))
	for _, c := range daily {
		closes = append(closes, c.Close)
	}
	chain = scorer.FilterChainByExpiry(chain, def.Params.ExpirationMode, day, day.Location())
	marks := newMarkModel(chain, bars[0].Close)
	marketClose := r.marketClose(day)

	var pos *openPosition
	for i := range bars {
		bar := &bars[i]
		spot := bar.Close
		quote := &domain.Quote{Symbol: symbol, LastDone: &spot, Timestamp: bar.Timestamp}
		mc := &domain.MarketContext{
			Symbol:      symbol,
			Quote:       quote,
			DailyCloses: closes,
			Intraday:    bars[:i+1],
			Chain:       marks.repriceChain(chain, spot),
			Now:         bar.Timestamp,
			MarketClose: marketClose,
		}

		if pos == nil {
			dec := sc.EvaluateEntry(mc, &def.Params)
			diag.Signals = append(diag.Signals, tickRecord(bar.Timestamp, symbol, string(dec.Action), dec.Reason, dec.CompositeScore, dec.MarketScore, dec.IntradayScore, dec.TimeAdjustment))
			if dec.Action == scorer.ActionEnter {
				pos = r.openAt(def, symbol, bar.Timestamp, &dec)
			}
			continue
		}

		price, ok := pos.markPrice(marks, spot)
		if !ok {
			continue
		}
		dec := scorer.EvaluateExit(&pos.core, price, &def.Params, bar.Timestamp, marketClose)
		diag.Signals = append(diag.Signals, tickRecord(bar.Timestamp, symbol, string(dec.Action), dec.Reason, pos.entry.CompositeScore, pos.entry.MarketScore, pos.entry.IntradayScore, pos.entry.TimeAdjustment))
		if dec.Action == scorer.ActionExit {
			result.Trades = append(result.Trades, pos.close(def, price, dec.Tag, bar.Timestamp))
			pos = nil
		}
	}

	// 收盘仍未平仓的按最后一根 K 线的模拟价强平，0DTE 不留隔夜仓
	if pos != nil {
		last := bars[len(bars)-1]
		price, ok := pos.markPrice(marks, last.Close)
		if !ok {
			price = pos.core.EntryPrice
		}
		result.Trades = append(result.Trades, pos.close(def, price, domain.ExitTagForceClose, last.Timestamp))
		diag.Signals = append(diag.Signals, tickRecord(last.Timestamp, symbol, string(scorer.ActionExit), "收盘强制平仓", pos.entry.CompositeScore, pos.entry.MarketScore, pos.entry.IntradayScore, pos.entry.TimeAdjustment))
	}
}

// openPosition 回放中的持仓
type openPosition struct {
	core     domain.PositionCore
	symbol   string
	contract *domain.OptionContract
	legs     []scorer.SelectedLeg
	lotSize  int
	entry    scorer.EntryDecision
}

// openAt 按入场决策模拟开仓。规模折算失败视为无法成交，返回 nil。
func (r *Replayer) openAt(def *domain.StrategyDefinition, symbol string, ts time.Time, dec *scorer.EntryDecision) *openPosition {
	pos := &openPosition{symbol: symbol, entry: *dec}

	switch {
	case dec.Contract != nil:
		price, err := execution.EntryPrice(def.Params.EntryPriceMode, dec.Contract)
		if err != nil {
			return nil
		}
		qty, err := execution.SizeContracts(&def.Params, price, dec.Contract.LotSize, r.opts.Budget)
		if err != nil {
			return nil
		}
		c := *dec.Contract
		pos.contract = &c
		pos.lotSize = c.LotSize
		pos.core = domain.PositionCore{
			EntryPrice: price,
			Quantity:   decimal.NewFromInt(qty),
			EntryTime:  ts,
		}
	case len(dec.Legs) > 0:
		total := decimal.Zero
		lot := 1
		for i := range dec.Legs {
			p, err := execution.EntryPrice(def.Params.EntryPriceMode, &dec.Legs[i].Contract)
			if err != nil {
				return nil
			}
			total = total.Add(p)
			if dec.Legs[i].Contract.LotSize > 0 {
				lot = dec.Legs[i].Contract.LotSize
			}
		}
		qty := int64(def.Params.FixedContracts)
		if qty <= 0 {
			qty = 1
		}
		pos.legs = dec.Legs
		pos.lotSize = lot
		pos.core = domain.PositionCore{
			EntryPrice: total,
			Quantity:   decimal.NewFromInt(qty),
			EntryTime:  ts,
		}
	default:
		return nil
	}
	return pos
}

// markPrice 持仓当前模拟价（多腿为各腿之和）
func (p *openPosition) markPrice(marks *markModel, spot decimal.Decimal) (decimal.Decimal, bool) {
	if p.contract != nil {
		return marks.price(p.contract.Type, p.contract.Symbol, p.contract.Strike, spot)
	}
	total := decimal.Zero
	for i := range p.legs {
		c := &p.legs[i].Contract
		mark, ok := marks.price(c.Type, c.Symbol, c.Strike, spot)
		if !ok {
			return decimal.Zero, false
		}
		total = total.Add(mark)
	}
	return total, true
}

// close 按模拟成交价平仓，产出一笔完整回合
func (p *openPosition) close(def *domain.StrategyDefinition, exitPrice decimal.Decimal, tag domain.ExitTag, ts time.Time) domain.Trade {
	lot := decimal.NewFromInt(int64(p.lotSize))
	gross := exitPrice.Sub(p.core.EntryPrice).Mul(p.core.Quantity).Mul(lot)

	sides := decimal.NewFromInt(2)
	if len(p.legs) > 0 {
		sides = decimal.NewFromInt(int64(2 * len(p.legs)))
	}
	fees := execution.TotalFees(p.core.Quantity, &def.Params.Fees).Mul(sides)

	trade := domain.Trade{
		ID:             uuid.NewString(),
		StrategyID:     def.ID,
		Symbol:         p.symbol,
		Quantity:       p.core.Quantity,
		EntryPrice:     p.core.EntryPrice,
		ExitPrice:      exitPrice,
		Fees:           fees,
		RealizedPnL:    gross.Sub(fees),
		ExitTag:        tag,
		CompositeScore: p.entry.CompositeScore,
		MarketScore:    p.entry.MarketScore,
		IntradayScore:  p.entry.IntradayScore,
		OpenedAt:       p.core.EntryTime,
		ClosedAt:       ts,
	}
	if p.contract != nil {
		trade.ContractSymbol = p.contract.Symbol
		trade.Direction = p.contract.Type
	}
	return trade
}

func (r *Replayer) location() *time.Location {
	loc, err := time.LoadLocation(r.opts.Market.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (r *Replayer) marketClose(day time.Time) time.Time {
	var h, m int
	if _, err := fmt.Sscanf(r.opts.Market.CloseTime, "%d:%d", &h, &m); err != nil {
		h, m = 16, 0
	}
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, day.Location())
}

// finish 落盘终态：artifact 带全量诊断日志，sqlite 只存汇总行
func (r *Replayer) finish(ctx context.Context, result *domain.BacktestResult) {
	result.FinishedAt = r.opts.Now()
	if r.opts.Artifacts != nil {
		store := r.opts.Artifacts.NewStore("backtest", result.ID, "result")
		if err := store.Save(result); err != nil {
			log.Errorf("[回测] artifact 落盘失败 id=%s: %v", result.ID, err)
		}
	}
	r.saveRow(ctx, result)
}

func (r *Replayer) saveRow(ctx context.Context, result *domain.BacktestResult) {
	if r.opts.Store == nil {
		return
	}
	if err := r.opts.Store.SaveBacktest(ctx, result); err != nil {
		log.Errorf("[回测] 汇总行落库失败 id=%s: %v", result.ID, err)
	}
}

func fetchRecord(source, date, symbol string, rows int, err error) domain.DataFetchRecord {
	rec := domain.DataFetchRecord{
		Source:  source,
		Date:    date,
		Symbol:  symbol,
		Success: err == nil,
		Rows:    rows,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

func tickRecord(ts time.Time, symbol, action, reason string, composite, market, intraday, adj decimal.Decimal) domain.SignalTickRecord {
	return domain.SignalTickRecord{
		Timestamp:      ts,
		Symbol:         symbol,
		CompositeScore: composite,
		MarketScore:    market,
		IntradayScore:  intraday,
		TimeAdjustment: adj,
		Action:         action,
		Reason:         reason,
	}
}
