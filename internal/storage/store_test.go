package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optbot/gotrader/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("打开数据库失败: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustDec(t *testing.T, v string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(v)
	if err != nil {
		t.Fatalf("解析十进制失败: %v", err)
	}
	return d
}

// 实例状态与持仓上下文经数据库往返后必须完整还原
func TestInstanceRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entry := mustDec(t, "2.60")
	inst := &domain.StrategyInstance{
		StrategyID: "s1",
		Symbol:     "AAPL",
		State:      domain.InstanceStateEntered,
		Context: &domain.OptionPosition{
			PositionCore: domain.PositionCore{
				EntryPrice:       entry,
				Quantity:         mustDec(t, "2"),
				EntryTime:        time.Date(2026, 6, 26, 11, 0, 0, 0, time.UTC),
				PeakPnLPercent:   mustDec(t, "12.5"),
				EntryOrderID:     "ord-1",
				AllocationAmount: mustDec(t, "520"),
				SignalID:         "sig-1",
			},
			ContextKind:    domain.StrategyTypeRecommendation,
			ContractSymbol: "AAPL-C-110",
			Direction:      domain.OptionTypeCall,
			Strike:         mustDec(t, "110"),
			LotSize:        100,
		},
		LastUpdated: time.Now().UTC(),
	}
	if err := s.SaveInstance(ctx, inst); err != nil {
		t.Fatalf("保存实例失败: %v", err)
	}

	got, err := s.GetInstance(ctx, "s1", "AAPL")
	if err != nil {
		t.Fatalf("读取实例失败: %v", err)
	}
	if got == nil || got.State != domain.InstanceStateEntered {
		t.Fatalf("期望 ENTERED 实例，实际 %+v", got)
	}
	pos, ok := got.Context.(*domain.OptionPosition)
	if !ok {
		t.Fatalf("上下文类型错误: %T", got.Context)
	}
	if !pos.EntryPrice.Equal(entry) {
		t.Fatalf("入场价漂移: 期望 %s 实际 %s", entry, pos.EntryPrice)
	}
	if !pos.PeakPnLPercent.Equal(mustDec(t, "12.5")) {
		t.Fatalf("峰值水位漂移: %s", pos.PeakPnLPercent)
	}
	if pos.Kind() != domain.StrategyTypeRecommendation {
		t.Fatalf("上下文类型标签丢失: %s", pos.Kind())
	}
}

// 同键重复保存是覆写而非新增
func TestInstanceUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inst := &domain.StrategyInstance{
		StrategyID: "s1", Symbol: "AAPL",
		State: domain.InstanceStateIdle, LastUpdated: time.Now().UTC(),
	}
	if err := s.SaveInstance(ctx, inst); err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	inst.PendingOrderID = "ord-2"
	if err := s.SaveInstance(ctx, inst); err != nil {
		t.Fatalf("覆写失败: %v", err)
	}

	list, err := s.ListInstances(ctx)
	if err != nil {
		t.Fatalf("列表失败: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("期望 1 条，实际 %d", len(list))
	}
	if list[0].PendingOrderID != "ord-2" {
		t.Fatalf("PendingOrderID 未更新: %q", list[0].PendingOrderID)
	}
}

// 金额字段以字符串存储，往返后精确相等
func TestAllocationDecimalExactness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := &domain.CapitalAllocation{
		ID: "alloc-1", Name: "测试", ParentID: domain.RootAllocationID,
		Type:  domain.AllocationTypePercentage,
		Value: mustDec(t, "25.5"), Usage: mustDec(t, "10"),
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.UpsertAllocation(ctx, a); err != nil {
		t.Fatalf("保存分配失败: %v", err)
	}

	list, err := s.ListAllocations(ctx)
	if err != nil {
		t.Fatalf("读取分配失败: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("期望 1 条，实际 %d", len(list))
	}
	if list[0].Value.String() != "25.5" || list[0].Usage.String() != "10" {
		t.Fatalf("金额精度漂移: value=%s usage=%s", list[0].Value, list[0].Usage)
	}
}

func TestStrategyStatusUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	def := &domain.StrategyDefinition{
		ID: "s1", Name: "测试", Type: domain.StrategyTypeRecommendation,
		Symbols: []string{"AAPL"}, SymbolRule: "tech", AllocationID: "alloc-1",
		Status:    domain.StrategyStatusStopped,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.UpsertStrategy(ctx, def); err != nil {
		t.Fatalf("保存策略失败: %v", err)
	}
	if err := s.UpdateStrategyStatus(ctx, "s1", domain.StrategyStatusRunning); err != nil {
		t.Fatalf("切换状态失败: %v", err)
	}
	got, err := s.GetStrategy(ctx, "s1")
	if err != nil || got == nil {
		t.Fatalf("读取策略失败: %v", err)
	}
	if got.Status != domain.StrategyStatusRunning {
		t.Fatalf("状态未更新: %s", got.Status)
	}
	if got.SymbolRule != "tech" {
		t.Fatalf("选股规则丢失: %q", got.SymbolRule)
	}

	if err := s.UpdateStrategyStatus(ctx, "missing", domain.StrategyStatusRunning); err != domain.ErrNotFound {
		t.Fatalf("不存在的策略期望 ErrNotFound，实际 %v", err)
	}
}

func TestSignalFilterByStrategy(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 6, 26, 11, 0, 0, 0, time.UTC)
	for i, sid := range []string{"s1", "s1", "s2"} {
		sig := &domain.Signal{
			ID: string(rune('a'+i)) + "-sig", StrategyID: sid, Symbol: "AAPL",
			Type: domain.SignalTypeBuy, Price: mustDec(t, "112"),
			Reason: "测试", Status: domain.SignalStatusIgnored,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveSignal(ctx, sig); err != nil {
			t.Fatalf("保存信号失败: %v", err)
		}
	}

	got, err := s.ListSignals(ctx, SignalFilter{StrategyID: "s1"})
	if err != nil {
		t.Fatalf("查询信号失败: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("期望 2 条 s1 信号，实际 %d", len(got))
	}
	if !got[0].CreatedAt.After(got[1].CreatedAt) {
		t.Fatal("信号应按时间倒序")
	}
}

// 状态单独更新不得覆盖信号原因
func TestSignalStatusUpdateKeepsReason(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sig := &domain.Signal{
		ID: "sig-1", StrategyID: "s1", Symbol: "AAPL",
		Type: domain.SignalTypeBuy, Price: mustDec(t, "112"),
		Reason: "综合评分 0.42 超过阈值", Status: domain.SignalStatusPending,
		CreatedAt: time.Date(2026, 6, 26, 11, 0, 0, 0, time.UTC),
	}
	if err := s.SaveSignal(ctx, sig); err != nil {
		t.Fatalf("保存信号失败: %v", err)
	}
	if err := s.UpdateSignalStatus(ctx, "sig-1", domain.SignalStatusExecuted); err != nil {
		t.Fatalf("更新信号状态失败: %v", err)
	}

	got, err := s.ListSignals(ctx, SignalFilter{StrategyID: "s1"})
	if err != nil || len(got) != 1 {
		t.Fatalf("读取信号失败: %v (%d 条)", err, len(got))
	}
	if got[0].Status != domain.SignalStatusExecuted {
		t.Fatalf("期望 EXECUTED，实际 %s", got[0].Status)
	}
	if got[0].Reason != "综合评分 0.42 超过阈值" {
		t.Fatalf("原因被覆盖: %q", got[0].Reason)
	}
}

// 观察列表：按规则取启用标的，重复写入切换启用位
func TestWatchlistResolve(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, sym := range []string{"NVDA", "AAPL", "MSFT"} {
		if err := s.UpsertWatchlistSymbol(ctx, "tech", sym, true); err != nil {
			t.Fatalf("写入观察列表失败: %v", err)
		}
	}
	if err := s.UpsertWatchlistSymbol(ctx, "energy", "XOM", true); err != nil {
		t.Fatalf("写入观察列表失败: %v", err)
	}
	// 同键重写只翻转启用位
	if err := s.UpsertWatchlistSymbol(ctx, "tech", "MSFT", false); err != nil {
		t.Fatalf("停用标的失败: %v", err)
	}

	got, err := (WatchlistRepo{Store: s}).Resolve(ctx, "tech")
	if err != nil {
		t.Fatalf("解析规则失败: %v", err)
	}
	want := []string{"AAPL", "NVDA"}
	if len(got) != len(want) {
		t.Fatalf("期望 %v，实际 %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("期望 %v（按代码排序），实际 %v", want, got)
		}
	}

	empty, err := (WatchlistRepo{Store: s}).Resolve(ctx, "missing")
	if err != nil {
		t.Fatalf("空规则解析失败: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("未知规则应解析为空，实际 %v", empty)
	}
}
