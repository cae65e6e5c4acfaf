package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optbot/gotrader/internal/domain"
	"github.com/optbot/gotrader/internal/engine/execution"
	"github.com/optbot/gotrader/internal/engine/ledger"
	"github.com/optbot/gotrader/internal/engine/scorer"
	"github.com/optbot/gotrader/internal/gateway"
	"github.com/optbot/gotrader/pkg/cache"
	"github.com/optbot/gotrader/pkg/config"
)

func d(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("解析十进制失败: %v", err)
	}
	return v
}

func dp(t *testing.T, s string) *decimal.Decimal {
	v := d(t, s)
	return &v
}

// fakeGateway 可编排的网关替身。记录全部提交的订单。
type fakeGateway struct {
	mu         sync.Mutex
	submits    []domain.ExecutionOrder
	submitStat domain.OrderStatus // 提交后返回的状态
	submitErr  error
	orders     map[string]domain.OrderStatus // clientOrderID → 状态
	quote      domain.Quote
	daily      []domain.Candle
	intraday   []domain.Candle
	chain      []domain.OptionContract
	expiry     time.Time
}

func (f *fakeGateway) GetQuotes(_ context.Context, symbols []string) ([]domain.Quote, error) {
	out := make([]domain.Quote, 0, len(symbols))
	for _, s := range symbols {
		q := f.quote
		q.Symbol = s
		out = append(out, q)
	}
	return out, nil
}

func (f *fakeGateway) GetOptionChain(context.Context, string, time.Time) ([]domain.OptionContract, error) {
	return f.chain, nil
}

func (f *fakeGateway) ListExpiryDates(context.Context, string) ([]time.Time, error) {
	return []time.Time{f.expiry}, nil
}

func (f *fakeGateway) GetDailyCandles(context.Context, string, int) ([]domain.Candle, error) {
	return f.daily, nil
}

func (f *fakeGateway) GetIntradayCandles(context.Context, string) ([]domain.Candle, error) {
	return f.intraday, nil
}

func (f *fakeGateway) SubmitOrder(_ context.Context, order *domain.ExecutionOrder) (string, domain.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", "", f.submitErr
	}
	f.submits = append(f.submits, *order)
	if f.orders == nil {
		f.orders = make(map[string]domain.OrderStatus)
	}
	f.orders[order.ID] = f.submitStat
	return "broker-" + order.ID, f.submitStat, nil
}

func (f *fakeGateway) CancelOrder(context.Context, string) error { return nil }

func (f *fakeGateway) GetOrderStatus(context.Context, string) (domain.OrderStatus, error) {
	return domain.OrderStatusFilled, nil
}

func (f *fakeGateway) FindOrderByClientID(_ context.Context, clientOrderID string) (string, domain.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.orders[clientOrderID]
	if !ok {
		return "", "", domain.ErrNotFound
	}
	return "broker-" + clientOrderID, status, nil
}

func (f *fakeGateway) GetAccountBalance(context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(100000), nil
}

func (f *fakeGateway) buyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.submits {
		if o.Side == domain.OrderSideBuy {
			n++
		}
	}
	return n
}

// memInstanceRepo 经过序列化往返的内存实例仓库，模拟真实落盘
type memInstanceRepo struct {
	mu   sync.Mutex
	rows map[string][]byte
	ctxs map[string][2][]byte // [context, pendingContext]
}

func newMemInstanceRepo() *memInstanceRepo {
	return &memInstanceRepo{rows: make(map[string][]byte), ctxs: make(map[string][2][]byte)}
}

func (r *memInstanceRepo) Save(_ context.Context, inst *domain.StrategyInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctxBytes, err := domain.MarshalContext(inst.Context)
	if err != nil {
		return err
	}
	pendBytes, err := domain.MarshalContext(inst.PendingContext)
	if err != nil {
		return err
	}
	row := []byte(inst.StrategyID + "\x00" + inst.Symbol + "\x00" + string(inst.State) + "\x00" + inst.PendingOrderID)
	r.rows[inst.Key()] = row
	r.ctxs[inst.Key()] = [2][]byte{ctxBytes, pendBytes}
	return nil
}

func (r *memInstanceRepo) List(context.Context) ([]*domain.StrategyInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.StrategyInstance
	for key, row := range r.rows {
		parts := splitRow(string(row))
		inst := &domain.StrategyInstance{
			StrategyID:     parts[0],
			Symbol:         parts[1],
			State:          domain.InstanceState(parts[2]),
			PendingOrderID: parts[3],
		}
		pair := r.ctxs[key]
		pctx, err := domain.UnmarshalContext(pair[0])
		if err != nil {
			return nil, err
		}
		inst.Context = pctx
		pend, err := domain.UnmarshalContext(pair[1])
		if err != nil {
			return nil, err
		}
		inst.PendingContext = pend
		out = append(out, inst)
	}
	return out, nil
}

func splitRow(s string) []string {
	parts := make([]string, 0, 4)
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

type memSignalRepo struct {
	mu   sync.Mutex
	rows []domain.Signal
}

func (r *memSignalRepo) Save(_ context.Context, sig *domain.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, *sig)
	return nil
}

func (r *memSignalRepo) UpdateStatus(_ context.Context, id string, status domain.SignalStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rows {
		if r.rows[i].ID == id {
			r.rows[i].Status = status
		}
	}
	return nil
}

type memTradeRepo struct {
	mu   sync.Mutex
	rows []domain.Trade
}

func (r *memTradeRepo) Save(_ context.Context, trade *domain.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, *trade)
	return nil
}

type memStrategies struct{ defs []*domain.StrategyDefinition }

func (s *memStrategies) Running(context.Context) ([]*domain.StrategyDefinition, error) {
	return s.defs, nil
}

func (s *memStrategies) Get(_ context.Context, id string) (*domain.StrategyDefinition, error) {
	for _, def := range s.defs {
		if def.ID == id {
			return def, nil
		}
	}
	return nil, domain.ErrNotFound
}

func testDef(t *testing.T) *domain.StrategyDefinition {
	return &domain.StrategyDefinition{
		ID:           "s1",
		Name:         "测试策略",
		Type:         domain.StrategyTypeRecommendation,
		Symbols:      []string{"AAPL"},
		AllocationID: "alloc-1",
		Status:       domain.StrategyStatusRunning,
		Params: domain.StrategyParams{
			EntryThreshold: d(t, "0.1"),
			Weights:        domain.ScoreWeights{Market: d(t, "0.4"), Intraday: d(t, "0.6")},
			DirectionMode:  domain.DirectionModeFollowSignal,
			ExpirationMode: domain.ExpirationModeNearest,
			Sizing:         domain.SizingFixedContracts,
			FixedContracts: 1,
			EntryPriceMode: domain.EntryPriceModeAsk,
			Liquidity:      domain.LiquidityFilters{MinOpenInterest: 100},
			Window:         domain.TradeWindow{NoNewEntryBeforeCloseMinutes: 30},
			Exit: domain.ExitRules{
				StopLossPercent:   d(t, "30"),
				TakeProfitPercent: d(t, "50"),
			},
		},
	}
}

func bullishGateway(t *testing.T, now time.Time) *fakeGateway {
	daily := make([]domain.Candle, 0, 30)
	price := d(t, "100")
	for i := 0; i < 30; i++ {
		price = price.Add(d(t, "0.5"))
		daily = append(daily, domain.Candle{Close: price})
	}
	intraday := make([]domain.Candle, 0, 30)
	p := d(t, "110")
	for i := 0; i < 30; i++ {
		next := p.Add(d(t, "0.1"))
		intraday = append(intraday, domain.Candle{Open: p, High: next, Low: p, Close: next, Volume: 1000})
		p = next
	}
	expiry := now.Truncate(24 * time.Hour)
	return &fakeGateway{
		submitStat: domain.OrderStatusSubmitted,
		quote:      domain.Quote{LastDone: dp(t, "112")},
		daily:      daily,
		intraday:   intraday,
		expiry:     expiry,
		chain: []domain.OptionContract{
			{
				Symbol: "AAPL-C-110", Underlying: "AAPL", Type: domain.OptionTypeCall,
				Strike: d(t, "110"), Expiry: expiry, LotSize: 100, OpenInterest: 5000,
				BidPrice: dp(t, "2.40"), AskPrice: dp(t, "2.60"),
			},
		},
	}
}

func newTestEngine(t *testing.T, gw *fakeGateway, instances *memInstanceRepo, defs *memStrategies, led *ledger.Ledger, now time.Time) (*Engine, *memSignalRepo, *memTradeRepo) {
	signals := &memSignalRepo{}
	trades := &memTradeRepo{}
	e := NewEngine(Options{
		Scheduler:  config.SchedulerConfig{IntervalSeconds: 30, WorkerPoolSize: 2},
		Market:     config.MarketConfig{Timezone: "UTC", OpenTime: "09:30", CloseTime: "16:00"},
		Registry:   scorer.NewRegistry(),
		Gateway:    gw,
		Ledger:     led,
		Resolver:   execution.NewPriceResolver(cache.NewOptionPriceCache(time.Minute)),
		Retry:      gateway.RetryPolicy{MaxRetries: 0, Backoff: time.Millisecond},
		Instances:  instances,
		Signals:    signals,
		Trades:     trades,
		Strategies: defs,
		Now:        func() time.Time { return now },
	})
	return e, signals, trades
}

func testLedger(t *testing.T) *ledger.Ledger {
	led := ledger.New(decimal.NewFromInt(100000), nil)
	_, err := led.Allocate(context.Background(), domain.RootAllocationID, "alloc-1", "测试", domain.AllocationTypeFixedAmount, decimal.NewFromInt(10000))
	if err != nil {
		t.Fatalf("创建分配节点失败: %v", err)
	}
	return led
}

// evalAndApply 同步跑一次完整的评估→应用路径
func evalAndApply(ctx context.Context, e *Engine, def *domain.StrategyDefinition, symbol string) {
	inst := e.instanceFor(def.ID, symbol)
	res := e.evaluate(ctx, evalTask{def: def, inst: *inst})
	e.apply(ctx, res)
}

// 崩溃重启后至多开一次仓：订单提交成功但进程在确认成交前退出，
// 重启对账应把已成交订单转正为持仓，而不是再下一单。
func TestAtMostOneEntryAcrossRestart(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 26, 11, 0, 0, 0, time.UTC)
	gw := bullishGateway(t, now)
	instances := newMemInstanceRepo()
	defs := &memStrategies{defs: []*domain.StrategyDefinition{testDef(t)}}
	led := testLedger(t)

	e1, _, _ := newTestEngine(t, gw, instances, defs, led, now)
	evalAndApply(ctx, e1, defs.defs[0], "AAPL")

	if gw.buyCount() != 1 {
		t.Fatalf("首次评估应提交一笔买单，实际 %d", gw.buyCount())
	}
	// 订单提交后、成交确认前进程崩溃：e1 被丢弃，仓库里留着 PendingOrderID

	// 券商侧订单随后成交
	gw.mu.Lock()
	for id := range gw.orders {
		gw.orders[id] = domain.OrderStatusFilled
	}
	gw.mu.Unlock()

	// 重启：新引擎 + 新台账（从持久化恢复的等价物）
	led2 := testLedger(t)
	e2, _, _ := newTestEngine(t, gw, instances, defs, led2, now)
	if err := e2.restoreInstances(ctx); err != nil {
		t.Fatalf("恢复实例失败: %v", err)
	}
	if err := e2.reconcilePending(ctx); err != nil {
		t.Fatalf("启动对账失败: %v", err)
	}

	inst := e2.liveInstance("s1:AAPL")
	if inst == nil || inst.State != domain.InstanceStateEntered {
		t.Fatalf("对账后期望 ENTERED，实际 %+v", inst)
	}
	if inst.PendingOrderID != "" {
		t.Fatal("对账后 PendingOrderID 应已清空")
	}

	// 再跑一轮：已持仓，绝不能再开仓
	evalAndApply(ctx, e2, defs.defs[0], "AAPL")
	if gw.buyCount() != 1 {
		t.Fatalf("崩溃重启后应保持一笔买单，实际 %d", gw.buyCount())
	}
}

// 崩溃发生在提交之前：网关查无此单，必须回滚预留并回到 IDLE
func TestRestartRollsBackUnsubmittedEntry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 26, 11, 0, 0, 0, time.UTC)
	gw := bullishGateway(t, now)
	gw.submitErr = domain.ErrGatewayUnavailable // 提交失败，订单从未到达券商
	instances := newMemInstanceRepo()
	defs := &memStrategies{defs: []*domain.StrategyDefinition{testDef(t)}}
	led := testLedger(t)

	e1, _, _ := newTestEngine(t, gw, instances, defs, led, now)
	evalAndApply(ctx, e1, defs.defs[0], "AAPL")

	// 重启对账
	led2 := testLedger(t)
	e2, _, _ := newTestEngine(t, gw, instances, defs, led2, now)
	if err := e2.restoreInstances(ctx); err != nil {
		t.Fatalf("恢复实例失败: %v", err)
	}
	if err := e2.reconcilePending(ctx); err != nil {
		t.Fatalf("启动对账失败: %v", err)
	}

	inst := e2.liveInstance("s1:AAPL")
	if inst == nil || inst.State != domain.InstanceStateIdle || inst.PendingOrderID != "" {
		t.Fatalf("期望回滚到 IDLE，实际 %+v", inst)
	}
	headroom, err := led2.AvailableHeadroom("alloc-1")
	if err != nil {
		t.Fatalf("读取额度失败: %v", err)
	}
	if !headroom.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("回滚后额度应完整恢复 10000，实际 %s", headroom)
	}
}

// 停止信号阻止新开仓，在途退出仍可推进
func TestStopBlocksNewEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 26, 11, 0, 0, 0, time.UTC)
	gw := bullishGateway(t, now)
	gw.submitStat = domain.OrderStatusFilled
	instances := newMemInstanceRepo()
	defs := &memStrategies{defs: []*domain.StrategyDefinition{testDef(t)}}
	led := testLedger(t)

	e, signals, _ := newTestEngine(t, gw, instances, defs, led, now)
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	evalAndApply(ctx, e, defs.defs[0], "AAPL")
	if gw.buyCount() != 0 {
		t.Fatalf("停止中不应提交买单，实际 %d", gw.buyCount())
	}

	signals.mu.Lock()
	defer signals.mu.Unlock()
	if len(signals.rows) != 0 {
		// 停止中空闲实例在 worker 层就被挡下，不产生信号
		t.Fatalf("停止中不应产生入场信号，实际 %d 条", len(signals.rows))
	}
}

// 完整回合：开仓成交 → 止盈退出 → 回合落库、资金释放、回到 IDLE
func TestFullRoundTripEntryThenExit(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 26, 11, 0, 0, 0, time.UTC)
	gw := bullishGateway(t, now)
	gw.submitStat = domain.OrderStatusFilled
	instances := newMemInstanceRepo()
	defs := &memStrategies{defs: []*domain.StrategyDefinition{testDef(t)}}
	led := testLedger(t)

	e, _, trades := newTestEngine(t, gw, instances, defs, led, now)
	evalAndApply(ctx, e, defs.defs[0], "AAPL")

	inst := e.liveInstance("s1:AAPL")
	if inst == nil || inst.State != domain.InstanceStateEntered {
		t.Fatalf("期望 ENTERED，实际 %+v", inst)
	}
	headroom, _ := led.AvailableHeadroom("alloc-1")
	if headroom.Equal(decimal.NewFromInt(10000)) {
		t.Fatal("开仓后额度应被占用")
	}

	// 合约价翻倍，触发止盈（入场 2.60，+50% 即 3.90）
	gw.mu.Lock()
	gw.quote = domain.Quote{LastDone: dp(t, "5.20")}
	gw.mu.Unlock()
	e.opts.Resolver.BeginCycle()

	evalAndApply(ctx, e, defs.defs[0], "AAPL")

	inst = e.liveInstance("s1:AAPL")
	if inst.State != domain.InstanceStateIdle {
		t.Fatalf("平仓后期望 IDLE，实际 %s", inst.State)
	}
	trades.mu.Lock()
	defer trades.mu.Unlock()
	if len(trades.rows) != 1 {
		t.Fatalf("期望一条回合记录，实际 %d", len(trades.rows))
	}
	tr := trades.rows[0]
	if tr.ExitTag != domain.ExitTagTakeProfit {
		t.Fatalf("期望止盈标签，实际 %s", tr.ExitTag)
	}
	if tr.RealizedPnL.Sign() <= 0 {
		t.Fatalf("止盈回合盈亏应为正，实际 %s", tr.RealizedPnL)
	}
	headroom, _ = led.AvailableHeadroom("alloc-1")
	if !headroom.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("平仓后额度应完整释放，实际 %s", headroom)
	}
}

// memRules 固定映射的选股规则源
type memRules struct {
	symbols map[string][]string
	err     error
}

func (r memRules) Resolve(_ context.Context, rule string) ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.symbols[rule], nil
}

// 动态规则解析进标的池：静态池优先、去重保序，解析失败降级为静态池
func TestSymbolPoolMergesRuleResolution(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 26, 11, 0, 0, 0, time.UTC)
	gw := bullishGateway(t, now)
	def := testDef(t)
	def.SymbolRule = "tech_watchlist"
	defs := &memStrategies{defs: []*domain.StrategyDefinition{def}}

	e, _, _ := newTestEngine(t, gw, newMemInstanceRepo(), defs, testLedger(t), now)
	e.opts.Rules = memRules{symbols: map[string][]string{
		"tech_watchlist": {"MSFT", "AAPL", "NVDA"},
	}}

	pool := e.symbolPool(ctx, def)
	want := []string{"AAPL", "MSFT", "NVDA"}
	if len(pool) != len(want) {
		t.Fatalf("期望标的池 %v，实际 %v", want, pool)
	}
	for i := range want {
		if pool[i] != want[i] {
			t.Fatalf("期望标的池 %v，实际 %v", want, pool)
		}
	}

	// 解析失败只降级为静态池，不中断调度
	e.opts.Rules = memRules{err: domain.ErrGatewayUnavailable}
	pool = e.symbolPool(ctx, def)
	if len(pool) != 1 || pool[0] != "AAPL" {
		t.Fatalf("解析失败应退回静态池 [AAPL]，实际 %v", pool)
	}

	// 未接入规则源同样只用静态池
	e.opts.Rules = nil
	pool = e.symbolPool(ctx, def)
	if len(pool) != 1 || pool[0] != "AAPL" {
		t.Fatalf("无规则源应退回静态池 [AAPL]，实际 %v", pool)
	}
}

// comboPendingInstance 构造一个两腿入场在途的实例：两笔腿订单均已落盘待对账
func comboPendingInstance(ctx context.Context, t *testing.T, e *Engine, def *domain.StrategyDefinition, now time.Time) *domain.StrategyInstance {
	t.Helper()
	qty := d(t, "1")
	pending := &domain.MultiLegPosition{
		PositionCore: domain.PositionCore{
			EntryPrice:       d(t, "5.10"),
			Quantity:         qty,
			EntryTime:        now,
			EntryOrderID:     "combo-1-l0",
			AllocationAmount: d(t, "520"),
		},
		Legs: []domain.OptionLeg{
			{
				ContractSymbol: "AAPL-C-112", Direction: domain.OptionTypeCall,
				Side: domain.OrderSideBuy, Strike: d(t, "112"), Quantity: qty,
				EntryPrice: d(t, "2.60"), OrderID: "combo-1-l0",
			},
			{
				ContractSymbol: "AAPL-P-112", Direction: domain.OptionTypePut,
				Side: domain.OrderSideBuy, Strike: d(t, "112"), Quantity: qty,
				EntryPrice: d(t, "2.50"), OrderID: "combo-1-l1",
			},
		},
		LotSize: 100,
	}
	inst := e.instanceFor(def.ID, "AAPL")
	inst.PendingOrderID = "combo-1-l0"
	inst.PendingContext = pending
	if err := e.persist(ctx, inst); err != nil {
		t.Fatalf("构造在途实例落盘失败: %v", err)
	}
	if err := e.opts.Ledger.Reserve(ctx, def.AllocationID, d(t, "520")); err != nil {
		t.Fatalf("预留资金失败: %v", err)
	}
	return inst
}

// 组合腿部分成交：只有第一腿在券商侧成交，第二腿从未到达。
// 对账绝不能把两腿都记成持仓，必须只确立成交腿并立即回退平仓。
func TestPartialComboFillUnwindsFilledLeg(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 26, 11, 0, 0, 0, time.UTC)
	gw := bullishGateway(t, now)
	gw.submitStat = domain.OrderStatusFilled
	gw.orders = map[string]domain.OrderStatus{"combo-1-l0": domain.OrderStatusFilled}
	def := testDef(t)
	defs := &memStrategies{defs: []*domain.StrategyDefinition{def}}
	led := testLedger(t)

	e, _, trades := newTestEngine(t, gw, newMemInstanceRepo(), defs, led, now)
	comboPendingInstance(ctx, t, e, def, now)

	evalAndApply(ctx, e, def, "AAPL")

	inst := e.liveInstance("s1:AAPL")
	if inst.State != domain.InstanceStateIdle {
		t.Fatalf("回退平仓完结后期望 IDLE，实际 %s", inst.State)
	}
	if inst.PendingOrderID != "" || inst.Context != nil {
		t.Fatalf("回退后不应残留在途订单或持仓: %+v", inst)
	}

	// 平仓卖单只为成交腿提交，未成交腿的合约绝不能被卖出
	gw.mu.Lock()
	var sells []domain.ExecutionOrder
	for _, o := range gw.submits {
		if o.Side == domain.OrderSideSell {
			sells = append(sells, o)
		}
	}
	gw.mu.Unlock()
	if len(sells) != 1 {
		t.Fatalf("期望只为成交腿提交一笔平仓卖单，实际 %d", len(sells))
	}
	if sells[0].Symbol != "AAPL-C-112" {
		t.Fatalf("平仓卖单应指向成交腿 AAPL-C-112，实际 %s", sells[0].Symbol)
	}

	trades.mu.Lock()
	defer trades.mu.Unlock()
	if len(trades.rows) != 1 || trades.rows[0].ExitTag != domain.ExitTagForceClose {
		t.Fatalf("期望一条强平回合记录，实际 %+v", trades.rows)
	}
	headroom, _ := led.AvailableHeadroom("alloc-1")
	if !headroom.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("回退完结后资金应完整释放，实际 %s", headroom)
	}
}

// 组合腿有在途订单时对账按兵不动，等券商给出终态
func TestComboReconcileWaitsOnOpenLeg(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 26, 11, 0, 0, 0, time.UTC)
	gw := bullishGateway(t, now)
	gw.orders = map[string]domain.OrderStatus{
		"combo-1-l0": domain.OrderStatusFilled,
		"combo-1-l1": domain.OrderStatusSubmitted,
	}
	def := testDef(t)
	defs := &memStrategies{defs: []*domain.StrategyDefinition{def}}

	e, _, _ := newTestEngine(t, gw, newMemInstanceRepo(), defs, testLedger(t), now)
	comboPendingInstance(ctx, t, e, def, now)

	evalAndApply(ctx, e, def, "AAPL")

	inst := e.liveInstance("s1:AAPL")
	if inst.State != domain.InstanceStateIdle || inst.PendingOrderID != "combo-1-l0" {
		t.Fatalf("在途腿未终结时应原地等待，实际 %+v", inst)
	}
	if gw.buyCount() != 0 || len(gw.submits) != 0 {
		t.Fatalf("等待期间不应提交任何订单，实际 %d", len(gw.submits))
	}
}

// 两腿均查无此单：回滚预留、清掉在途标记
func TestComboReconcileNoneFoundRollsBack(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 26, 11, 0, 0, 0, time.UTC)
	gw := bullishGateway(t, now)
	def := testDef(t)
	defs := &memStrategies{defs: []*domain.StrategyDefinition{def}}
	led := testLedger(t)

	e, _, _ := newTestEngine(t, gw, newMemInstanceRepo(), defs, led, now)
	comboPendingInstance(ctx, t, e, def, now)

	evalAndApply(ctx, e, def, "AAPL")

	inst := e.liveInstance("s1:AAPL")
	if inst.State != domain.InstanceStateIdle || inst.PendingOrderID != "" || inst.PendingContext != nil {
		t.Fatalf("无一成交应回滚到干净的 IDLE，实际 %+v", inst)
	}
	headroom, _ := led.AvailableHeadroom("alloc-1")
	if !headroom.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("回滚后资金预留应完整恢复，实际 %s", headroom)
	}
}

// 对账路径发现的成交也要把入场信号置为 EXECUTED，不能永远停在 PENDING
func TestReconciledFillMarksSignalExecuted(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 26, 11, 0, 0, 0, time.UTC)
	gw := bullishGateway(t, now) // 提交返回 SUBMITTED，入场停在在途态
	def := testDef(t)
	defs := &memStrategies{defs: []*domain.StrategyDefinition{def}}

	e, signals, _ := newTestEngine(t, gw, newMemInstanceRepo(), defs, testLedger(t), now)
	evalAndApply(ctx, e, def, "AAPL")

	signals.mu.Lock()
	var sigID string
	for _, row := range signals.rows {
		if row.Type == domain.SignalTypeBuy && row.Status == domain.SignalStatusPending {
			sigID = row.ID
		}
	}
	signals.mu.Unlock()
	if sigID == "" {
		t.Fatal("在途入场应留下一条 PENDING 买入信号")
	}

	// 券商侧随后成交，下一轮对账转正
	gw.mu.Lock()
	for id := range gw.orders {
		gw.orders[id] = domain.OrderStatusFilled
	}
	gw.mu.Unlock()
	evalAndApply(ctx, e, def, "AAPL")

	inst := e.liveInstance("s1:AAPL")
	if inst == nil || inst.State != domain.InstanceStateEntered {
		t.Fatalf("对账后期望 ENTERED，实际 %+v", inst)
	}
	signals.mu.Lock()
	defer signals.mu.Unlock()
	for _, row := range signals.rows {
		if row.ID == sigID && row.Status != domain.SignalStatusExecuted {
			t.Fatalf("对账成交后信号应为 EXECUTED，实际 %s", row.Status)
		}
	}
}

// 资金对账：台账总额与券商余额不一致时上报差异，一致时静默
func TestLedgerSyncReportsBalanceDrift(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 26, 11, 0, 0, 0, time.UTC)
	gw := bullishGateway(t, now) // 券商余额固定 100000
	defs := &memStrategies{defs: []*domain.StrategyDefinition{testDef(t)}}

	drifted := ledger.New(decimal.NewFromInt(90000), nil)
	e, _, _ := newTestEngine(t, gw, newMemInstanceRepo(), defs, drifted, now)
	diffs := e.syncLedger(ctx)
	if len(diffs) != 1 {
		t.Fatalf("期望一条总额差异，实际 %d", len(diffs))
	}
	if diffs[0].Field != "total" || !diffs[0].Actual.Equal(decimal.NewFromInt(100000)) {
		t.Fatalf("差异内容不符: %+v", diffs[0])
	}

	e2, _, _ := newTestEngine(t, gw, newMemInstanceRepo(), defs, testLedger(t), now)
	if diffs := e2.syncLedger(ctx); len(diffs) != 0 {
		t.Fatalf("台账一致时不应上报差异，实际 %d 条", len(diffs))
	}
}

// 同日判断按交易所时区：美东盘后 UTC 已翻日，当日到期不能被判成昨日
func TestPickExpiryUsesMarketCalendarDay(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("加载美东时区失败: %v", err)
	}
	// 美东 6/26 20:30，UTC 已是 6/27
	now := time.Date(2026, 6, 27, 0, 30, 0, 0, time.UTC)
	expiry := time.Date(2026, 6, 26, 16, 0, 0, 0, ny)

	got, ok := pickExpiry([]time.Time{expiry}, domain.ExpirationModeZeroDTE, now, ny)
	if !ok || !got.Equal(expiry) {
		t.Fatalf("0DTE 应选中美东当日到期日，实际 ok=%v got=%s", ok, got)
	}
	got, ok = pickExpiry([]time.Time{expiry}, domain.ExpirationModeNearest, now, ny)
	if !ok || !got.Equal(expiry) {
		t.Fatalf("NEAREST 不应把美东当日判成已过期，实际 ok=%v got=%s", ok, got)
	}
}

// 同相关组已有持仓时拒绝新开仓
type fixedGroups struct{ groups map[string]string }

func (g fixedGroups) GroupOf(symbol string) string { return g.groups[symbol] }

func TestCorrelatedGroupConcentrationRejected(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 26, 11, 0, 0, 0, time.UTC)
	gw := bullishGateway(t, now)
	gw.submitStat = domain.OrderStatusFilled
	instances := newMemInstanceRepo()
	def := testDef(t)
	def.Symbols = []string{"AAPL", "MSFT"}
	defs := &memStrategies{defs: []*domain.StrategyDefinition{def}}
	led := testLedger(t)

	e, signals, _ := newTestEngine(t, gw, instances, defs, led, now)
	e.opts.Groups = fixedGroups{groups: map[string]string{"AAPL": "GROUP_1", "MSFT": "GROUP_1"}}

	evalAndApply(ctx, e, def, "AAPL")
	if gw.buyCount() != 1 {
		t.Fatalf("首个标的应正常开仓，实际 %d", gw.buyCount())
	}

	evalAndApply(ctx, e, def, "MSFT")
	if gw.buyCount() != 1 {
		t.Fatalf("同组第二个标的应被拒绝，实际买单 %d", gw.buyCount())
	}

	signals.mu.Lock()
	defer signals.mu.Unlock()
	var rejected *domain.Signal
	for i := range signals.rows {
		if signals.rows[i].Symbol == "MSFT" && signals.rows[i].Status == domain.SignalStatusRejected {
			rejected = &signals.rows[i]
		}
	}
	if rejected == nil {
		t.Fatal("期望 MSFT 留下一条 REJECTED 信号")
	}
}
