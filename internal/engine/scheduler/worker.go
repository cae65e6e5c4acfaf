package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/optbot/gotrader/internal/domain"
	"github.com/optbot/gotrader/internal/engine/execution"
	"github.com/optbot/gotrader/internal/engine/scorer"
)

type resultKind int

const (
	kindEntry resultKind = iota
	kindExit
	kindReconcileEntry
	kindReconcileExit
	kindError
)

type evalTask struct {
	def      *domain.StrategyDefinition
	inst     domain.StrategyInstance // 快照，worker 只读
	poolSize int                     // 本轮标的池大小（动态规则解析后），资金均分用
}

type evalResult struct {
	kind     resultKind
	def      *domain.StrategyDefinition
	key      string
	poolSize int

	entry     scorer.EntryDecision
	spot      decimal.Decimal
	exit      scorer.ExitDecision
	exitPrice decimal.Decimal

	// 对账查询结果
	brokerOrderID string
	orderStatus   domain.OrderStatus
	orderFound    bool
	legOrders     []legOrderState // 入场对账逐腿查证结果（单腿也走这里）

	err error
}

// legOrderState 一条入场订单在券商侧的查证结果
type legOrderState struct {
	orderID       string
	brokerOrderID string
	status        domain.OrderStatus
	found         bool
}

const gatewayCallTimeout = 15 * time.Second

func (e *Engine) workerLoop(ctx context.Context) {
	for task := range e.tasks {
		res := e.evaluate(ctx, task)
		select {
		case e.results <- res:
		case <-ctx.Done():
			e.clearInFlight(task.inst.Key())
			return
		}
	}
}

// evaluate 按实例状态选择评估路径。
// 网关瞬时失败经有界重试后仍失败 → 本实例本轮跳过。
func (e *Engine) evaluate(ctx context.Context, task evalTask) evalResult {
	inst := task.inst
	res := evalResult{def: task.def, key: inst.Key()}

	switch {
	case inst.PendingOrderID != "" && !inst.HasPosition():
		return e.reconcileEntryOrder(ctx, task)
	case inst.State == domain.InstanceStateExiting:
		return e.reconcileExitOrder(ctx, task)
	case inst.State == domain.InstanceStateEntered:
		return e.evaluateExit(ctx, task)
	case inst.State == domain.InstanceStateIdle:
		if e.Stopping() {
			res.kind = kindError
			res.err = errors.New("停止中，不评估新开仓")
			return res
		}
		return e.evaluateEntry(ctx, task)
	default:
		res.kind = kindError
		res.err = errors.Wrapf(domain.ErrInvariantViolation, "实例 %s 状态未知: %s", inst.Key(), inst.State)
		return res
	}
}

func (e *Engine) evaluateEntry(ctx context.Context, task evalTask) evalResult {
	res := evalResult{kind: kindEntry, def: task.def, key: task.inst.Key(), poolSize: task.poolSize}

	mc, err := e.buildMarketContext(ctx, task.def, task.inst.Symbol)
	if err != nil {
		res.kind = kindError
		res.err = err
		return res
	}

	s, err := e.opts.Registry.Get(task.def.Type)
	if err != nil {
		res.kind = kindError
		res.err = err
		return res
	}
	res.entry = s.EvaluateEntry(mc, &task.def.Params)
	if spot, err := execution.ResolvePrice(mc.Quote); err == nil {
		res.spot = spot
	}
	return res
}

func (e *Engine) evaluateExit(ctx context.Context, task evalTask) evalResult {
	res := evalResult{kind: kindExit, def: task.def, key: task.inst.Key()}

	price, err := e.positionPrice(ctx, task.inst.Context)
	if err != nil {
		res.kind = kindError
		res.err = err
		return res
	}

	now := e.opts.Now()
	core := task.inst.Context.Core()
	res.exit = scorer.EvaluateExit(core, price, &task.def.Params, now, e.marketClose(now))
	res.exitPrice = price
	return res
}

func (e *Engine) reconcileEntryOrder(ctx context.Context, task evalTask) evalResult {
	res := evalResult{kind: kindReconcileEntry, def: task.def, key: task.inst.Key()}
	res.legOrders, res.err = e.entryOrderStates(ctx, &task.inst)
	if res.err != nil {
		res.kind = kindError
	}
	return res
}

// entryOrderStates 查证入场在途订单。组合持仓逐腿查证，
// 单腿持仓查 PendingOrderID。任何一次查询失败整组留待下一轮。
func (e *Engine) entryOrderStates(ctx context.Context, inst *domain.StrategyInstance) ([]legOrderState, error) {
	if ml, ok := inst.PendingContext.(*domain.MultiLegPosition); ok && len(ml.Legs) > 0 && ml.Legs[0].OrderID != "" {
		states := make([]legOrderState, 0, len(ml.Legs))
		for _, leg := range ml.Legs {
			brokerID, status, found, err := e.findOrder(ctx, leg.OrderID)
			if err != nil {
				return nil, err
			}
			states = append(states, legOrderState{
				orderID: leg.OrderID, brokerOrderID: brokerID, status: status, found: found,
			})
		}
		return states, nil
	}
	brokerID, status, found, err := e.findOrder(ctx, inst.PendingOrderID)
	if err != nil {
		return nil, err
	}
	return []legOrderState{{
		orderID: inst.PendingOrderID, brokerOrderID: brokerID, status: status, found: found,
	}}, nil
}

func (e *Engine) reconcileExitOrder(ctx context.Context, task evalTask) evalResult {
	res := evalResult{kind: kindReconcileExit, def: task.def, key: task.inst.Key()}
	core := task.inst.Context.Core()
	res.brokerOrderID, res.orderStatus, res.orderFound, res.err =
		e.findOrder(ctx, core.ExitOrderID)
	if res.err != nil {
		res.kind = kindError
	}

	// 平仓价从持仓上下文不可得时由 consumer 用对账状态推进
	if price, err := e.positionPrice(ctx, task.inst.Context); err == nil {
		res.exitPrice = price
	}
	return res
}

func (e *Engine) findOrder(ctx context.Context, clientOrderID string) (string, domain.OrderStatus, bool, error) {
	var brokerID string
	var status domain.OrderStatus
	err := e.opts.Retry.Do(ctx, "查询订单", func() error {
		callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
		defer cancel()
		var ferr error
		brokerID, status, ferr = e.opts.Gateway.FindOrderByClientID(callCtx, clientOrderID)
		return ferr
	})
	if errors.Is(err, domain.ErrNotFound) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return brokerID, status, true, nil
}

// buildMarketContext 拉齐一次入场评估所需的全部行情
func (e *Engine) buildMarketContext(ctx context.Context, def *domain.StrategyDefinition, symbol string) (*domain.MarketContext, error) {
	now := e.opts.Now()
	mc := &domain.MarketContext{
		Symbol:      symbol,
		Now:         now,
		MarketClose: e.marketClose(now),
	}

	symbols := []string{symbol}
	if e.opts.IndexSymbol != "" {
		symbols = append(symbols, e.opts.IndexSymbol)
	}
	err := e.opts.Retry.Do(ctx, "获取行情", func() error {
		callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
		defer cancel()
		quotes, ferr := e.opts.Gateway.GetQuotes(callCtx, symbols)
		if ferr != nil {
			return ferr
		}
		for i := range quotes {
			switch quotes[i].Symbol {
			case symbol:
				mc.Quote = &quotes[i]
			case e.opts.IndexSymbol:
				mc.IndexQuote = &quotes[i]
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if mc.Quote == nil {
		return nil, errors.Wrapf(domain.ErrNoPrice, "行情响应缺少标的 %s", symbol)
	}

	err = e.opts.Retry.Do(ctx, "获取日线", func() error {
		callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
		defer cancel()
		candles, ferr := e.opts.Gateway.GetDailyCandles(callCtx, symbol, 60)
		if ferr != nil {
			return ferr
		}
		mc.DailyCloses = make([]decimal.Decimal, 0, len(candles))
		for _, c := range candles {
			mc.DailyCloses = append(mc.DailyCloses, c.Close)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = e.opts.Retry.Do(ctx, "获取分钟线", func() error {
		callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
		defer cancel()
		var ferr error
		mc.Intraday, ferr = e.opts.Gateway.GetIntradayCandles(callCtx, symbol)
		return ferr
	})
	if err != nil {
		return nil, err
	}

	chain, err := e.fetchChain(ctx, def, symbol, now)
	if err != nil {
		return nil, err
	}
	mc.Chain = chain
	return mc, nil
}

// fetchChain 按到期模式取期权链
func (e *Engine) fetchChain(ctx context.Context, def *domain.StrategyDefinition, symbol string, now time.Time) ([]domain.OptionContract, error) {
	var dates []time.Time
	err := e.opts.Retry.Do(ctx, "获取到期日", func() error {
		callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
		defer cancel()
		var ferr error
		dates, ferr = e.opts.Gateway.ListExpiryDates(callCtx, symbol)
		return ferr
	})
	if err != nil {
		return nil, err
	}

	loc := e.marketLoc()
	expiry, ok := pickExpiry(dates, def.Params.ExpirationMode, now, loc)
	if !ok {
		return nil, nil // 没有可用到期日，入场评估会因空链 SKIP
	}

	var chain []domain.OptionContract
	err = e.opts.Retry.Do(ctx, "获取期权链", func() error {
		callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
		defer cancel()
		var ferr error
		chain, ferr = e.opts.Gateway.GetOptionChain(callCtx, symbol, expiry)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	return scorer.FilterChainByExpiry(chain, def.Params.ExpirationMode, now, loc), nil
}

// pickExpiry 按模式挑到期日：0DTE 要求当日，NEAREST 取最近的未到期日。
// 同日判断按交易所时区的日历日，UTC 截断在美东晚间会把当日判成昨日。
func pickExpiry(dates []time.Time, mode domain.ExpirationMode, now time.Time, loc *time.Location) (time.Time, bool) {
	today := scorer.DayOrdinal(now, loc)
	var best time.Time
	bestDay := 0
	for _, d := range dates {
		day := scorer.DayOrdinal(d, loc)
		if day < today {
			continue
		}
		if mode == domain.ExpirationModeZeroDTE {
			if day == today {
				return d, true
			}
			continue
		}
		if bestDay == 0 || day < bestDay {
			best = d
			bestDay = day
		}
	}
	if bestDay == 0 {
		return time.Time{}, false
	}
	return best, true
}

// positionPrice 持仓当前价。单腿取合约价，多腿取各腿价之和。
func (e *Engine) positionPrice(ctx context.Context, pos domain.PositionContext) (decimal.Decimal, error) {
	switch p := pos.(type) {
	case *domain.OptionPosition:
		return e.contractPrice(ctx, p.ContractSymbol)
	case *domain.MultiLegPosition:
		total := decimal.Zero
		for _, leg := range p.Legs {
			price, err := e.contractPrice(ctx, leg.ContractSymbol)
			if err != nil {
				return decimal.Zero, err
			}
			total = total.Add(price)
		}
		return total, nil
	default:
		return decimal.Zero, errors.Wrapf(domain.ErrInvariantViolation, "未知持仓上下文类型 %T", pos)
	}
}

func (e *Engine) contractPrice(ctx context.Context, contractSymbol string) (decimal.Decimal, error) {
	var quote *domain.Quote
	err := e.opts.Retry.Do(ctx, "获取合约行情", func() error {
		callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
		defer cancel()
		quotes, ferr := e.opts.Gateway.GetQuotes(callCtx, []string{contractSymbol})
		if ferr != nil {
			return ferr
		}
		if len(quotes) == 0 {
			return errors.Wrapf(domain.ErrNoPrice, "合约 %s 无行情", contractSymbol)
		}
		quote = &quotes[0]
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	contract := &domain.OptionContract{
		Symbol:   contractSymbol,
		LastDone: quote.LastDone,
		BidPrice: quote.BidPrice,
		AskPrice: quote.AskPrice,
	}
	return e.opts.Resolver.OptionPrice(contract)
}
