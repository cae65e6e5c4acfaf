package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/optbot/gotrader/internal/domain"
	"github.com/optbot/gotrader/internal/engine/execution"
	"github.com/optbot/gotrader/internal/engine/ledger"
	"github.com/optbot/gotrader/internal/engine/scorer"
	"github.com/optbot/gotrader/internal/gateway"
	"github.com/optbot/gotrader/internal/metrics"
	"github.com/optbot/gotrader/pkg/config"
)

var log = logrus.WithField("component", "scheduler")

// Options 引擎依赖
type Options struct {
	Scheduler   config.SchedulerConfig
	Market      config.MarketConfig
	Registry    *scorer.Registry
	Gateway     gateway.Gateway
	Ledger      *ledger.Ledger
	Resolver    *execution.PriceResolver
	Retry       gateway.RetryPolicy
	Instances   InstanceRepo
	Signals     SignalRepo
	Trades      TradeRepo
	Strategies  StrategyProvider
	Groups      GroupProvider
	Rules       SymbolRuleProvider // 动态选股规则源，可为空
	IndexSymbol string             // 市场状态子评分参考的指数代码，可为空

	// Now 时间源，回测与测试注入，缺省取系统时间
	Now func() time.Time
}

// Engine 策略实例调度引擎。
// 评估任务扇出到有界 worker 池，所有台账变更与订单提交
// 收拢到唯一的 consumer goroutine，串行化资金与状态迁移。
type Engine struct {
	opts Options

	mu       sync.Mutex
	states   map[string]*domain.StrategyInstance
	inFlight map[string]bool
	stopped  bool

	tasks   chan evalTask
	results chan evalResult

	workerWG   sync.WaitGroup
	consumerWG sync.WaitGroup
	loopWG     sync.WaitGroup
	cancel     context.CancelFunc
}

// NewEngine 创建调度引擎
func NewEngine(opts Options) *Engine {
	if opts.Groups == nil {
		opts.Groups = noGroups{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	buf := opts.Scheduler.ResultChannelBuffer
	if buf <= 0 {
		buf = 64
	}
	return &Engine{
		opts:     opts,
		states:   make(map[string]*domain.StrategyInstance),
		inFlight: make(map[string]bool),
		tasks:    make(chan evalTask, buf),
		results:  make(chan evalResult, buf),
	}
}

// Start 恢复实例状态并启动调度循环。
// 先对账未完结的入场订单，再开 worker 池与 consumer。
func (e *Engine) Start(ctx context.Context) error {
	if err := e.restoreInstances(ctx); err != nil {
		return errors.Wrap(err, "恢复实例状态失败")
	}
	if err := e.reconcilePending(ctx); err != nil {
		return errors.Wrap(err, "启动对账失败")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	workers := e.opts.Scheduler.WorkerPoolSize
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		e.workerWG.Add(1)
		go func() {
			defer e.workerWG.Done()
			e.workerLoop(runCtx)
		}()
	}

	e.consumerWG.Add(1)
	go func() {
		defer e.consumerWG.Done()
		e.consumerLoop(runCtx)
	}()

	e.loopWG.Add(1)
	go func() {
		defer e.loopWG.Done()
		e.scheduleLoop(runCtx)
	}()

	e.loopWG.Add(1)
	go func() {
		defer e.loopWG.Done()
		e.ledgerSyncLoop(runCtx)
	}()

	log.Infof("调度引擎已启动: workers=%d interval=%s", workers, e.opts.Scheduler.Interval())
	return nil
}

// ledgerSyncLoop 周期性向券商核对资金台账，只上报差异不自动纠正
func (e *Engine) ledgerSyncLoop(ctx context.Context) {
	interval := e.opts.Scheduler.LedgerSyncInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.syncLedger(ctx)
		}
	}
}

func (e *Engine) syncLedger(ctx context.Context) []domain.AllocationDiscrepancy {
	callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
	defer cancel()
	balance, err := e.opts.Gateway.GetAccountBalance(callCtx)
	if err != nil {
		log.Warnf("资金对账取券商余额失败，留待下一轮: %v", err)
		return nil
	}

	discrepancies := e.opts.Ledger.SyncWithBroker(balance)
	for _, d := range discrepancies {
		metrics.LedgerDiscrepancies.Add(1)
		log.Errorf("资金对账差异 [%s/%s]: 预期 %s 实际 %s（%s）",
			d.AllocationID, d.Field, d.Expected, d.Actual, d.Detail)
	}
	return discrepancies
}

// Stop 停止调度。立即拒绝新开仓，在途退出继续推进，
// 直到超时或全部完结。
func (e *Engine) Stop(timeout time.Duration) {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !e.hasOpenExits() {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	if e.cancel != nil {
		e.cancel()
	}
	e.loopWG.Wait()
	close(e.tasks)
	e.workerWG.Wait()
	close(e.results)
	e.consumerWG.Wait()
	log.Info("调度引擎已停止")
}

func (e *Engine) hasOpenExits() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, inst := range e.states {
		if inst.State == domain.InstanceStateExiting {
			return true
		}
	}
	return false
}

// Stopping 是否已收到停止信号
func (e *Engine) Stopping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Instances 当前实例快照（控制面查询用）
func (e *Engine) Instances() []domain.StrategyInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.StrategyInstance, 0, len(e.states))
	for _, inst := range e.states {
		out = append(out, *inst)
	}
	return out
}

func (e *Engine) scheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.Scheduler.Interval())
	defer ticker.Stop()

	e.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runCycle(ctx)
		}
	}
}

// runCycle 执行一轮评估：为每个运行中策略的每个标的派发任务。
// 已有在途任务的实例直接跳过，保证同一实例互斥。
func (e *Engine) runCycle(ctx context.Context) {
	metrics.EvalCycles.Add(1)
	if e.opts.Resolver != nil {
		e.opts.Resolver.BeginCycle()
	}

	defs, err := e.opts.Strategies.Running(ctx)
	if err != nil {
		log.Errorf("读取运行中策略失败，跳过本轮: %v", err)
		return
	}

	dispatched := 0
	for _, def := range defs {
		symbols := e.symbolPool(ctx, def)
		if len(symbols) == 0 {
			log.Warnf("策略 %s 本轮无可评估标的（静态池空且规则 %q 未解析出标的）", def.ID, def.SymbolRule)
			continue
		}
		for _, symbol := range symbols {
			inst := e.instanceFor(def.ID, symbol)
			key := inst.Key()

			e.mu.Lock()
			if e.inFlight[key] {
				e.mu.Unlock()
				continue
			}
			if e.stopped && !inst.HasPosition() && inst.PendingOrderID == "" {
				// 停止中不再评估空闲实例
				e.mu.Unlock()
				continue
			}
			e.inFlight[key] = true
			snapshot := *inst
			e.mu.Unlock()

			select {
			case e.tasks <- evalTask{def: def, inst: snapshot, poolSize: len(symbols)}:
				dispatched++
			case <-ctx.Done():
				e.clearInFlight(key)
				return
			default:
				// 任务队列已满，本轮放弃该实例
				e.clearInFlight(key)
				log.Warnf("任务队列已满，实例 %s 本轮跳过", key)
			}
		}
	}
	log.Debugf("本轮派发 %d 个评估任务", dispatched)
}

// symbolPool 本轮的标的池：静态池加动态规则解析结果，去重保序。
// 规则解析失败只降级为静态池，不中断整轮调度。
func (e *Engine) symbolPool(ctx context.Context, def *domain.StrategyDefinition) []string {
	merged := make([]string, 0, len(def.Symbols))
	merged = append(merged, def.Symbols...)
	if def.SymbolRule != "" {
		if e.opts.Rules == nil {
			log.Errorf("策略 %s 配置了选股规则 %q 但未接入规则源", def.ID, def.SymbolRule)
		} else if resolved, err := e.opts.Rules.Resolve(ctx, def.SymbolRule); err != nil {
			log.Errorf("策略 %s 规则 %q 解析失败，本轮只用静态池: %v", def.ID, def.SymbolRule, err)
		} else {
			merged = append(merged, resolved...)
		}
	}

	seen := make(map[string]bool, len(merged))
	out := make([]string, 0, len(merged))
	for _, s := range merged {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func (e *Engine) instanceFor(strategyID, symbol string) *domain.StrategyInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := strategyID + ":" + symbol
	if inst, ok := e.states[key]; ok {
		return inst
	}
	inst := &domain.StrategyInstance{
		StrategyID:  strategyID,
		Symbol:      symbol,
		State:       domain.InstanceStateIdle,
		LastUpdated: e.opts.Now(),
	}
	e.states[key] = inst
	return inst
}

func (e *Engine) clearInFlight(key string) {
	e.mu.Lock()
	delete(e.inFlight, key)
	e.mu.Unlock()
}

// marketLoc 交易所时区（加载失败退回 UTC）
func (e *Engine) marketLoc() *time.Location {
	loc, err := time.LoadLocation(e.opts.Market.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// marketClose 返回 now 所在交易日的收盘时刻
func (e *Engine) marketClose(now time.Time) time.Time {
	loc := e.marketLoc()
	local := now.In(loc)
	var h, m int
	if _, err := fmt.Sscanf(e.opts.Market.CloseTime, "%d:%d", &h, &m); err != nil {
		h, m = 16, 0
	}
	return time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, loc)
}

// restoreInstances 从仓库恢复全部实例到内存
func (e *Engine) restoreInstances(ctx context.Context) error {
	list, err := e.opts.Instances.List(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, inst := range list {
		e.states[inst.Key()] = inst
	}
	log.Infof("恢复 %d 个策略实例", len(list))
	return nil
}

// persist 落盘并更新内存态。持久化失败按不变量违规处理：
// 只中止该实例本轮，内存保持最后一次成功落盘的状态。
func (e *Engine) persist(ctx context.Context, inst *domain.StrategyInstance) error {
	inst.LastUpdated = e.opts.Now()
	if err := e.opts.Instances.Save(ctx, inst); err != nil {
		return errors.Wrapf(domain.ErrInvariantViolation,
			"实例 %s 状态落盘失败: %v", inst.Key(), err)
	}
	e.mu.Lock()
	e.states[inst.Key()] = inst
	e.mu.Unlock()
	return nil
}
