package scheduler

import (
	"context"

	"github.com/optbot/gotrader/internal/domain"
	"github.com/optbot/gotrader/internal/metrics"
)

// reconcilePending 启动对账：上次进程退出时在途的入场/平仓订单
// 逐个向网关查证，再走与运行期完全相同的推进路径。
// 这是至多一次开仓不变量在崩溃场景下的落点。
func (e *Engine) reconcilePending(ctx context.Context) error {
	e.mu.Lock()
	var pending []*domain.StrategyInstance
	for _, inst := range e.states {
		if inst.PendingOrderID != "" || inst.State == domain.InstanceStateExiting {
			pending = append(pending, inst)
		}
	}
	e.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	metrics.ReconcileRuns.Add(1)
	log.Infof("启动对账: %d 个实例有未完结订单", len(pending))

	for _, inst := range pending {
		def, err := e.opts.Strategies.Get(ctx, inst.StrategyID)
		if err != nil || def == nil {
			log.Errorf("实例 %s 的策略定义缺失，跳过对账: %v", inst.Key(), err)
			continue
		}

		if inst.PendingOrderID != "" && !inst.HasPosition() {
			states, ferr := e.entryOrderStates(ctx, inst)
			if ferr != nil {
				log.Warnf("实例 %s 入场对账失败，留待运行期重试: %v", inst.Key(), ferr)
				continue
			}
			e.applyEntryReconcile(ctx, evalResult{
				kind: kindReconcileEntry, def: def, key: inst.Key(), legOrders: states,
			})
			continue
		}

		if inst.State == domain.InstanceStateExiting {
			core := inst.Context.Core()
			brokerID, status, found, ferr := e.findOrder(ctx, core.ExitOrderID)
			if ferr != nil {
				log.Warnf("实例 %s 平仓对账失败，留待运行期重试: %v", inst.Key(), ferr)
				continue
			}
			e.applyExitReconcile(ctx, evalResult{
				kind: kindReconcileExit, def: def, key: inst.Key(),
				brokerOrderID: brokerID, orderStatus: status, orderFound: found,
			})
		}
	}
	return nil
}
