package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/optbot/gotrader/internal/domain"
	"github.com/optbot/gotrader/internal/engine/execution"
	"github.com/optbot/gotrader/internal/engine/scorer"
	"github.com/optbot/gotrader/internal/metrics"
)

// consumerLoop 唯一的写入者：资金台账变更、订单提交、
// 实例状态迁移全部在这里串行执行。
func (e *Engine) consumerLoop(ctx context.Context) {
	for res := range e.results {
		e.apply(ctx, res)
		e.clearInFlight(res.key)
	}
}

func (e *Engine) apply(ctx context.Context, res evalResult) {
	switch res.kind {
	case kindError:
		if errors.Is(res.err, domain.ErrInvariantViolation) {
			metrics.InvariantAlarms.Add(1)
			log.Errorf("不变量违规，实例 %s 本轮中止: %v", res.key, res.err)
		} else {
			log.Warnf("实例 %s 本轮跳过: %v", res.key, res.err)
		}
	case kindEntry:
		e.applyEntry(ctx, res)
	case kindExit:
		e.applyExit(ctx, res)
	case kindReconcileEntry:
		e.applyEntryReconcile(ctx, res)
	case kindReconcileExit:
		e.applyExitReconcile(ctx, res)
	}
}

func (e *Engine) liveInstance(key string) *domain.StrategyInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[key]
}

// applyEntry 处理入场决策。所有非 ENTER 的结局都落一条信号，
// 带上原因：SKIP 记 IGNORED，资金不足与集中度拒绝记 REJECTED。
func (e *Engine) applyEntry(ctx context.Context, res evalResult) {
	inst := e.liveInstance(res.key)
	if inst == nil || inst.State != domain.InstanceStateIdle || inst.PendingOrderID != "" {
		return // 评估期间状态已变，丢弃结果
	}
	def := res.def
	dec := res.entry

	sig := &domain.Signal{
		ID:         uuid.NewString(),
		StrategyID: def.ID,
		Symbol:     inst.Symbol,
		Type:       domain.SignalTypeBuy,
		Price:      res.spot,
		Reason:     dec.Reason,
		Status:     domain.SignalStatusPending,
		CreatedAt:  e.opts.Now(),
		Metadata: domain.SignalMetadata{
			Direction:      dec.Direction,
			CompositeScore: dec.CompositeScore,
			MarketScore:    dec.MarketScore,
			IntradayScore:  dec.IntradayScore,
			TimeAdjustment: dec.TimeAdjustment,
		},
	}
	if dec.Contract != nil {
		sig.Metadata.ContractSymbol = dec.Contract.Symbol
		sig.Metadata.Strike = dec.Contract.Strike
		sig.Metadata.Expiry = dec.Contract.Expiry
	}

	if dec.Action == scorer.ActionSkip {
		sig.Status = domain.SignalStatusIgnored
		e.saveSignal(ctx, sig)
		return
	}
	if e.Stopping() {
		e.rejectSignal(ctx, sig, "引擎停止中，不再开新仓")
		return
	}

	// 相关性集中度：同组已有持仓则拒绝
	if group := e.opts.Groups.GroupOf(inst.Symbol); group != "" {
		if held := e.heldSymbolInGroup(group, res.key); held != "" {
			e.rejectSignal(ctx, sig, fmt.Sprintf("相关组 %s 已持有 %s，拒绝集中开仓", group, held))
			return
		}
	}

	poolSize := res.poolSize
	if poolSize <= 0 {
		poolSize = len(def.Symbols)
	}
	budget, err := e.opts.Ledger.SymbolBudget(def.AllocationID, poolSize)
	if err != nil {
		e.rejectSignal(ctx, sig, "读取资金额度失败: "+err.Error())
		return
	}

	orders, pending, cost, err := e.buildEntry(sig, def, dec, budget)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCapital) {
			e.rejectSignal(ctx, sig, "资金不足: "+err.Error())
		} else {
			e.rejectSignal(ctx, sig, "构建订单失败: "+err.Error())
		}
		return
	}

	if err := e.opts.Ledger.Reserve(ctx, def.AllocationID, cost); err != nil {
		e.rejectSignal(ctx, sig, "资金预留被拒: "+err.Error())
		return
	}

	// 先落盘再提交：崩溃后靠 PendingOrderID 对账，保证至多一次开仓
	inst.PendingOrderID = orders[0].ID
	inst.PendingContext = pending
	if err := e.persist(ctx, inst); err != nil {
		e.opts.Ledger.Release(ctx, def.AllocationID, cost)
		inst.PendingOrderID = ""
		inst.PendingContext = nil
		log.Errorf("入场前落盘失败，放弃开仓: %v", err)
		e.rejectSignal(ctx, sig, "状态落盘失败")
		return
	}
	e.saveSignal(ctx, sig)

	allFilled := true
	for _, order := range orders {
		brokerID, status, serr := e.opts.Gateway.SubmitOrder(ctx, order)
		if serr != nil {
			// 提交结果未知，留给下一轮对账，绝不立即重发
			log.Warnf("入场订单 %s 提交异常，待对账: %v", order.ID, serr)
			return
		}
		metrics.OrdersSubmitted.Add(1)
		log.Infof("入场订单已提交: %s broker=%s status=%s", order.ID, brokerID, status)
		if status != domain.OrderStatusFilled {
			allFilled = false
		}
	}

	if allFilled {
		e.promotePending(ctx, inst)
	}
}

// buildEntry 构建入场订单与待生效持仓上下文
func (e *Engine) buildEntry(sig *domain.Signal, def *domain.StrategyDefinition, dec scorer.EntryDecision, budget decimal.Decimal) ([]*domain.ExecutionOrder, domain.PositionContext, decimal.Decimal, error) {
	params := &def.Params
	now := e.opts.Now()

	if dec.Contract != nil {
		order, err := execution.BuildEntryOrder(sig, dec.Contract, params, budget)
		if err != nil {
			return nil, nil, decimal.Zero, err
		}
		cost := execution.EntryCost(order, dec.Contract.LotSize, &params.Fees)
		if cost.GreaterThan(budget) {
			return nil, nil, decimal.Zero, errors.Wrapf(domain.ErrInsufficientCapital,
				"含手续费成本 %s 超过额度 %s", cost, budget)
		}
		pos := &domain.OptionPosition{
			PositionCore: domain.PositionCore{
				EntryPrice:       order.Price,
				Quantity:         order.Quantity,
				EntryTime:        now,
				EntryOrderID:     order.ID,
				AllocationAmount: cost,
				SignalID:         sig.ID,
			},
			ContextKind:    def.Type,
			ContractSymbol: dec.Contract.Symbol,
			Direction:      dec.Contract.Type,
			Strike:         dec.Contract.Strike,
			Expiry:         dec.Contract.Expiry,
			LotSize:        dec.Contract.LotSize,
		}
		return []*domain.ExecutionOrder{order}, pos, cost, nil
	}

	if len(dec.Legs) == 0 {
		return nil, nil, decimal.Zero, errors.New("ENTER 决策既无单腿合约也无组合腿")
	}

	baseID := uuid.NewString()
	contracts := 1
	if params.FixedContracts > 0 {
		contracts = params.FixedContracts
	}
	qty := decimal.NewFromInt(int64(contracts))

	var orders []*domain.ExecutionOrder
	var legs []domain.OptionLeg
	comboPrice := decimal.Zero
	cost := decimal.Zero
	lotSize := 100
	for i, leg := range dec.Legs {
		price, err := execution.EntryPrice(params.EntryPriceMode, &leg.Contract)
		if err != nil {
			return nil, nil, decimal.Zero, err
		}
		if leg.Contract.LotSize > 0 {
			lotSize = leg.Contract.LotSize
		}
		order := &domain.ExecutionOrder{
			ID:         fmt.Sprintf("%s-l%d", baseID, i),
			SignalID:   sig.ID,
			StrategyID: def.ID,
			Symbol:     leg.Contract.Symbol,
			Side:       leg.Side,
			Quantity:   qty,
			Price:      price,
			TIF:        domain.TimeInForceDay,
			Status:     domain.OrderStatusNew,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		orders = append(orders, order)
		legs = append(legs, domain.OptionLeg{
			ContractSymbol: leg.Contract.Symbol,
			Direction:      leg.Contract.Type,
			Side:           leg.Side,
			Strike:         leg.Contract.Strike,
			Quantity:       qty,
			EntryPrice:     price,
			OrderID:        order.ID,
		})
		comboPrice = comboPrice.Add(price)
		cost = cost.Add(execution.EntryCost(order, leg.Contract.LotSize, &params.Fees))
	}
	if cost.GreaterThan(budget) {
		return nil, nil, decimal.Zero, errors.Wrapf(domain.ErrInsufficientCapital,
			"组合成本 %s 超过额度 %s", cost, budget)
	}

	pos := &domain.MultiLegPosition{
		PositionCore: domain.PositionCore{
			EntryPrice:       comboPrice,
			Quantity:         qty,
			EntryTime:        now,
			EntryOrderID:     orders[0].ID,
			AllocationAmount: cost,
			SignalID:         sig.ID,
		},
		Legs:    legs,
		LotSize: lotSize,
	}
	return orders, pos, cost, nil
}

// promotePending 入场成交：待生效上下文转正，IDLE → ENTERED。
// 入场信号同步置为 EXECUTED，对账路径发现的成交也不例外。
func (e *Engine) promotePending(ctx context.Context, inst *domain.StrategyInstance) {
	inst.Context = inst.PendingContext
	inst.State = domain.InstanceStateEntered
	inst.PendingOrderID = ""
	inst.PendingContext = nil
	if err := e.persist(ctx, inst); err != nil {
		log.Errorf("入场后落盘失败: %v", err)
	}
	if sigID := inst.Context.Core().SignalID; sigID != "" {
		if err := e.opts.Signals.UpdateStatus(ctx, sigID, domain.SignalStatusExecuted); err != nil {
			log.Errorf("入场信号 %s 状态更新失败: %v", sigID, err)
		}
	}
	log.Infof("实例 %s 已开仓: %s", inst.Key(), inst.Context.Core().EntryPrice)
}

// applyExit 处理退出决策
func (e *Engine) applyExit(ctx context.Context, res evalResult) {
	inst := e.liveInstance(res.key)
	if inst == nil || inst.State != domain.InstanceStateEntered {
		return
	}

	if res.exit.Action == scorer.ActionHold {
		// 峰值水位可能被更新了，落盘保持移动止盈正确
		if err := e.persist(ctx, inst); err != nil {
			log.Errorf("持仓水位落盘失败: %v", err)
		}
		return
	}

	core := inst.Context.Core()
	log.Infof("实例 %s 触发退出 [%s]: %s", inst.Key(), res.exit.Tag, res.exit.Reason)

	orders := e.buildExitOrders(ctx, inst, res.exitPrice)
	if len(orders) == 0 {
		log.Errorf("实例 %s 无法构建平仓订单，本轮中止", inst.Key())
		return
	}

	// 先记录平仓订单与限价再提交，对账恢复依赖这两个字段
	core.ExitOrderID = orders[0].ID
	core.ExitPrice = res.exitPrice
	inst.State = domain.InstanceStateExiting
	if err := e.persist(ctx, inst); err != nil {
		core.ExitOrderID = ""
		inst.State = domain.InstanceStateEntered
		log.Errorf("平仓前落盘失败，放弃本轮退出: %v", err)
		return
	}

	e.saveSignal(ctx, &domain.Signal{
		ID:         uuid.NewString(),
		StrategyID: inst.StrategyID,
		Symbol:     inst.Symbol,
		Type:       domain.SignalTypeSell,
		Price:      res.exitPrice,
		Reason:     res.exit.Reason,
		Status:     domain.SignalStatusExecuted,
		CreatedAt:  e.opts.Now(),
	})

	allFilled := true
	for _, order := range orders {
		_, status, serr := e.opts.Gateway.SubmitOrder(ctx, order)
		if serr != nil {
			log.Warnf("平仓订单 %s 提交异常，待对账: %v", order.ID, serr)
			return
		}
		if status != domain.OrderStatusFilled {
			allFilled = false
		}
	}
	if allFilled {
		e.finalizeExit(ctx, res.def, inst, res.exit.Tag, res.exitPrice)
	}
}

// buildExitOrders 构建平仓卖单（多腿逐腿平）
func (e *Engine) buildExitOrders(ctx context.Context, inst *domain.StrategyInstance, comboPrice decimal.Decimal) []*domain.ExecutionOrder {
	switch p := inst.Context.(type) {
	case *domain.OptionPosition:
		return []*domain.ExecutionOrder{execution.BuildExitOrder(inst, p.ContractSymbol, comboPrice)}
	case *domain.MultiLegPosition:
		var orders []*domain.ExecutionOrder
		for _, leg := range p.Legs {
			price, err := e.contractPrice(ctx, leg.ContractSymbol)
			if err != nil {
				log.Warnf("腿 %s 无可用价格，按入场价挂平仓单: %v", leg.ContractSymbol, err)
				price = leg.EntryPrice
			}
			orders = append(orders, execution.BuildExitOrder(inst, leg.ContractSymbol, price))
		}
		return orders
	default:
		return nil
	}
}

// finalizeExit 平仓完结：生成回合记录、释放资金、回到 IDLE
func (e *Engine) finalizeExit(ctx context.Context, def *domain.StrategyDefinition, inst *domain.StrategyInstance, tag domain.ExitTag, exitPrice decimal.Decimal) {
	core := inst.Context.Core()

	lotSize := 100
	contractSymbol := ""
	var direction domain.OptionType
	sides := int64(2)
	switch p := inst.Context.(type) {
	case *domain.OptionPosition:
		lotSize = p.LotSize
		contractSymbol = p.ContractSymbol
		direction = p.Direction
	case *domain.MultiLegPosition:
		if p.LotSize > 0 {
			lotSize = p.LotSize
		}
		sides = int64(2 * len(p.Legs))
	}

	fees := execution.TotalFees(core.Quantity, &def.Params.Fees).Mul(decimal.NewFromInt(sides))
	gross := exitPrice.Sub(core.EntryPrice).
		Mul(core.Quantity).
		Mul(decimal.NewFromInt(int64(lotSize)))

	trade := &domain.Trade{
		ID:             uuid.NewString(),
		StrategyID:     inst.StrategyID,
		Symbol:         inst.Symbol,
		ContractSymbol: contractSymbol,
		Direction:      direction,
		Quantity:       core.Quantity,
		EntryPrice:     core.EntryPrice,
		ExitPrice:      exitPrice,
		Fees:           fees,
		RealizedPnL:    gross.Sub(fees),
		ExitTag:        tag,
		OpenedAt:       core.EntryTime,
		ClosedAt:       e.opts.Now(),
	}
	if err := e.opts.Trades.Save(ctx, trade); err != nil {
		log.Errorf("回合记录落库失败: %v", err)
	}

	if err := e.opts.Ledger.Release(ctx, def.AllocationID, core.AllocationAmount); err != nil {
		log.Errorf("释放资金失败 [%s %s]: %v", def.AllocationID, core.AllocationAmount, err)
	}

	inst.State = domain.InstanceStateIdle
	inst.Context = nil
	if err := e.persist(ctx, inst); err != nil {
		log.Errorf("平仓后落盘失败: %v", err)
	}
	log.Infof("实例 %s 已平仓 [%s]: 净盈亏 %s", inst.Key(), tag, trade.RealizedPnL)
}

// applyEntryReconcile 入场订单对账，逐腿归类：
// 全部成交 → 转正持仓；无一成交（查无此单/被拒/撤销）→ 释放预留回 IDLE；
// 部分成交 → 只把已成交的腿确立为持仓并立即回退平仓，
// 绝不把券商没收到的腿记成持仓。在途腿运行中等待，停止中先撤单。
func (e *Engine) applyEntryReconcile(ctx context.Context, res evalResult) {
	inst := e.liveInstance(res.key)
	if inst == nil || inst.PendingOrderID == "" || len(res.legOrders) == 0 {
		return
	}
	def := res.def
	amount := decimal.Zero
	if inst.PendingContext != nil {
		amount = inst.PendingContext.Core().AllocationAmount
	}

	for _, st := range res.legOrders {
		if !st.found || !st.status.Open() {
			continue
		}
		if !e.Stopping() {
			return // 还有在途腿，留到下一轮继续对账
		}
		if err := e.opts.Gateway.CancelOrder(ctx, st.brokerOrderID); err != nil {
			log.Warnf("撤销在途入场订单 %s 失败: %v", st.orderID, err)
			return
		}
	}

	var filled []int
	for i, st := range res.legOrders {
		if st.found && st.status == domain.OrderStatusFilled {
			filled = append(filled, i)
		}
	}

	switch {
	case len(filled) == len(res.legOrders):
		log.Infof("实例 %s 的入场订单对账为全部成交", res.key)
		e.promotePending(ctx, inst)
	case len(filled) == 0:
		log.Warnf("实例 %s 的入场订单无一成交，回滚开仓", res.key)
		e.abortPending(ctx, def, inst, amount)
	default:
		e.unwindPartialEntry(ctx, def, inst, filled)
	}
}

// unwindPartialEntry 组合腿部分成交的回退路径：
// 持仓只记已成交的腿，随即转入 EXITING 把它们平掉。
// 资金预留整组保留，平仓完结时一并释放。
func (e *Engine) unwindPartialEntry(ctx context.Context, def *domain.StrategyDefinition, inst *domain.StrategyInstance, filled []int) {
	ml, ok := inst.PendingContext.(*domain.MultiLegPosition)
	if !ok {
		log.Errorf("实例 %s 部分成交但待生效上下文不是组合持仓", inst.Key())
		return
	}
	log.Warnf("实例 %s 组合腿部分成交（%d/%d），立即回退平仓", inst.Key(), len(filled), len(ml.Legs))

	legs := make([]domain.OptionLeg, 0, len(filled))
	entry := decimal.Zero
	for _, i := range filled {
		legs = append(legs, ml.Legs[i])
		entry = entry.Add(ml.Legs[i].EntryPrice)
	}
	pos := &domain.MultiLegPosition{PositionCore: ml.PositionCore, Legs: legs, LotSize: ml.LotSize}
	pos.EntryPrice = entry

	inst.Context = pos
	inst.State = domain.InstanceStateEntered
	inst.PendingOrderID = ""
	inst.PendingContext = nil
	if err := e.persist(ctx, inst); err != nil {
		log.Errorf("部分成交转持仓落盘失败: %v", err)
		return
	}

	orders := e.buildExitOrders(ctx, inst, entry)
	if len(orders) == 0 {
		log.Errorf("实例 %s 无法构建回退平仓订单，留待退出评估", inst.Key())
		return
	}
	exitPrice := decimal.Zero
	for _, o := range orders {
		exitPrice = exitPrice.Add(o.Price)
	}
	core := pos.Core()
	core.ExitOrderID = orders[0].ID
	core.ExitPrice = exitPrice
	inst.State = domain.InstanceStateExiting
	if err := e.persist(ctx, inst); err != nil {
		core.ExitOrderID = ""
		core.ExitPrice = decimal.Zero
		inst.State = domain.InstanceStateEntered
		log.Errorf("回退平仓前落盘失败，留待退出评估: %v", err)
		return
	}

	e.saveSignal(ctx, &domain.Signal{
		ID:         uuid.NewString(),
		StrategyID: inst.StrategyID,
		Symbol:     inst.Symbol,
		Type:       domain.SignalTypeSell,
		Price:      exitPrice,
		Reason:     "组合腿部分成交，回退平仓",
		Status:     domain.SignalStatusExecuted,
		CreatedAt:  e.opts.Now(),
	})

	allFilled := true
	for _, order := range orders {
		_, status, serr := e.opts.Gateway.SubmitOrder(ctx, order)
		if serr != nil {
			log.Warnf("回退平仓订单 %s 提交异常，待对账: %v", order.ID, serr)
			return
		}
		if status != domain.OrderStatusFilled {
			allFilled = false
		}
	}
	if allFilled {
		e.finalizeExit(ctx, def, inst, domain.ExitTagForceClose, exitPrice)
	}
}

func (e *Engine) abortPending(ctx context.Context, def *domain.StrategyDefinition, inst *domain.StrategyInstance, amount decimal.Decimal) {
	if amount.Sign() > 0 {
		if err := e.opts.Ledger.Release(ctx, def.AllocationID, amount); err != nil {
			log.Errorf("回滚资金预留失败: %v", err)
		}
	}
	inst.PendingOrderID = ""
	inst.PendingContext = nil
	if err := e.persist(ctx, inst); err != nil {
		log.Errorf("回滚开仓落盘失败: %v", err)
	}
}

// applyExitReconcile 平仓订单对账。查无此单或被拒则退回 ENTERED
// 让下一轮重新评估，成交则按记录的限价完结。
func (e *Engine) applyExitReconcile(ctx context.Context, res evalResult) {
	inst := e.liveInstance(res.key)
	if inst == nil || inst.State != domain.InstanceStateExiting {
		return
	}
	core := inst.Context.Core()

	switch {
	case res.orderFound && res.orderStatus == domain.OrderStatusFilled:
		e.finalizeExit(ctx, res.def, inst, exitTagOrManual(core), core.ExitPrice)
	case res.orderFound && res.orderStatus.Open():
		// 等待成交
	default:
		log.Warnf("实例 %s 的平仓订单 %s 未成交（found=%v status=%s），退回持仓态重评",
			res.key, core.ExitOrderID, res.orderFound, res.orderStatus)
		core.ExitOrderID = ""
		core.ExitPrice = decimal.Zero
		inst.State = domain.InstanceStateEntered
		if err := e.persist(ctx, inst); err != nil {
			log.Errorf("退回持仓态落盘失败: %v", err)
		}
	}
}

func exitTagOrManual(core *domain.PositionCore) domain.ExitTag {
	// 对账路径拿不到当时的退出原因，统一记强平
	return domain.ExitTagForceClose
}

func (e *Engine) heldSymbolInGroup(group, selfKey string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, other := range e.states {
		if key == selfKey {
			continue
		}
		if !other.HasPosition() && other.PendingOrderID == "" {
			continue
		}
		if e.opts.Groups.GroupOf(other.Symbol) == group {
			return other.Symbol
		}
	}
	return ""
}

func (e *Engine) rejectSignal(ctx context.Context, sig *domain.Signal, reason string) {
	sig.Status = domain.SignalStatusRejected
	if sig.Reason == "" {
		sig.Reason = reason
	} else {
		sig.Reason = sig.Reason + "; " + reason
	}
	log.Infof("信号被拒 [%s %s]: %s", sig.StrategyID, sig.Symbol, reason)
	e.saveSignal(ctx, sig)
}

func (e *Engine) saveSignal(ctx context.Context, sig *domain.Signal) {
	switch sig.Type {
	case domain.SignalTypeBuy:
		metrics.EntrySignals.Add(1)
	case domain.SignalTypeSell:
		metrics.ExitSignals.Add(1)
	}
	if err := e.opts.Signals.Save(ctx, sig); err != nil {
		log.Errorf("信号落库失败: %v", err)
	}
}
