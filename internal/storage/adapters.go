package storage

import (
	"context"

	"github.com/optbot/gotrader/internal/domain"
)

// 调度器与台账依赖的窄接口由这些轻量包装提供，
// 避免 Store 同时暴露多个同名 Save。

// InstanceRepo 实例仓库适配
type InstanceRepo struct{ *Store }

func (r InstanceRepo) Save(ctx context.Context, inst *domain.StrategyInstance) error {
	return r.SaveInstance(ctx, inst)
}

func (r InstanceRepo) List(ctx context.Context) ([]*domain.StrategyInstance, error) {
	return r.ListInstances(ctx)
}

// SignalRepo 信号仓库适配
type SignalRepo struct{ *Store }

func (r SignalRepo) Save(ctx context.Context, sig *domain.Signal) error {
	return r.SaveSignal(ctx, sig)
}

func (r SignalRepo) UpdateStatus(ctx context.Context, id string, status domain.SignalStatus) error {
	return r.UpdateSignalStatus(ctx, id, status)
}

// WatchlistRepo 动态选股规则源适配
type WatchlistRepo struct{ *Store }

func (r WatchlistRepo) Resolve(ctx context.Context, rule string) ([]string, error) {
	return r.ListWatchlistSymbols(ctx, rule)
}

// TradeRepo 回合仓库适配
type TradeRepo struct{ *Store }

func (r TradeRepo) Save(ctx context.Context, trade *domain.Trade) error {
	return r.SaveTrade(ctx, trade)
}
