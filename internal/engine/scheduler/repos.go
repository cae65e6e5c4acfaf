package scheduler

import (
	"context"

	"github.com/optbot/gotrader/internal/domain"
)

// InstanceRepo 策略实例持久化。
// 每次状态迁移后必须调用 Save，这是崩溃恢复正确性的前提。
type InstanceRepo interface {
	Save(ctx context.Context, inst *domain.StrategyInstance) error
	List(ctx context.Context) ([]*domain.StrategyInstance, error)
}

// SignalRepo 信号落库（含 SKIP/REJECTED，排查无动作全靠它）。
// UpdateStatus 用于对账路径上把 PENDING 入场信号推进到终态。
type SignalRepo interface {
	Save(ctx context.Context, sig *domain.Signal) error
	UpdateStatus(ctx context.Context, id string, status domain.SignalStatus) error
}

// TradeRepo 已平仓回合落库
type TradeRepo interface {
	Save(ctx context.Context, trade *domain.Trade) error
}

// StrategyProvider 策略定义的来源
type StrategyProvider interface {
	Running(ctx context.Context) ([]*domain.StrategyDefinition, error)
	// Get 按 ID 查（已停止的策略也可能有待对账实例）
	Get(ctx context.Context, id string) (*domain.StrategyDefinition, error)
}

// GroupProvider 相关性分组查询（同组集中度控制用）
type GroupProvider interface {
	GroupOf(symbol string) string
}

// SymbolRuleProvider 动态选股规则解析（watchlist 导入）
type SymbolRuleProvider interface {
	Resolve(ctx context.Context, rule string) ([]string, error)
}

// noGroups 未启用相关性分组时的空实现
type noGroups struct{}

func (noGroups) GroupOf(string) string { return "" }
