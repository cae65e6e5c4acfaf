package scorer

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optbot/gotrader/internal/domain"
)

// EvaluateExit 持仓退出评估。检查顺序固定且首个命中即返回：
// 止损 → 止盈 → 移动止盈（峰值盈亏水位回撤）→ 时间退出 → 收盘强平。
// 会更新 core.PeakPnLPercent 水位，调用方负责把实例落盘。
func EvaluateExit(core *domain.PositionCore, currentPrice decimal.Decimal, params *domain.StrategyParams, now, marketClose time.Time) ExitDecision {
	if core.EntryPrice.IsZero() {
		return ExitDecision{
			Action: ActionExit,
			Tag:    domain.ExitTagForceClose,
			Reason: "入场价为零，持仓数据异常，强制平仓",
		}
	}

	pnlPct := currentPrice.Sub(core.EntryPrice).Div(core.EntryPrice).Mul(hundred)
	if pnlPct.GreaterThan(core.PeakPnLPercent) {
		core.PeakPnLPercent = pnlPct
	}

	exit := params.Exit

	if exit.StopLossPercent.Sign() > 0 && pnlPct.LessThanOrEqual(exit.StopLossPercent.Neg()) {
		return ExitDecision{
			Action: ActionExit,
			Tag:    domain.ExitTagStopLoss,
			Reason: fmt.Sprintf("盈亏 %s%% 触及止损线 -%s%%", pnlPct.StringFixed(2), exit.StopLossPercent),
		}
	}

	if exit.TakeProfitPercent.Sign() > 0 && pnlPct.GreaterThanOrEqual(exit.TakeProfitPercent) {
		return ExitDecision{
			Action: ActionExit,
			Tag:    domain.ExitTagTakeProfit,
			Reason: fmt.Sprintf("盈亏 %s%% 触及止盈线 %s%%", pnlPct.StringFixed(2), exit.TakeProfitPercent),
		}
	}

	if exit.TrailingDrawdownPct.Sign() > 0 &&
		core.PeakPnLPercent.GreaterThanOrEqual(exit.TrailingActivatePct) {
		drawdown := core.PeakPnLPercent.Sub(pnlPct)
		if drawdown.GreaterThanOrEqual(exit.TrailingDrawdownPct) {
			return ExitDecision{
				Action: ActionExit,
				Tag:    domain.ExitTagTrailingStop,
				Reason: fmt.Sprintf("从峰值 %s%% 回撤 %s%%，触发移动止盈",
					core.PeakPnLPercent.StringFixed(2), drawdown.StringFixed(2)),
			}
		}
	}

	if exit.MaxHoldingMinutes > 0 {
		held := int(now.Sub(core.EntryTime).Minutes())
		if held >= exit.MaxHoldingMinutes {
			return ExitDecision{
				Action: ActionExit,
				Tag:    domain.ExitTagTimeStop,
				Reason: fmt.Sprintf("持仓 %d 分钟，超过上限 %d 分钟", held, exit.MaxHoldingMinutes),
			}
		}
	}

	if params.Window.ForceCloseBeforeCloseMinutes > 0 {
		minsToClose := int(marketClose.Sub(now).Minutes())
		if minsToClose <= params.Window.ForceCloseBeforeCloseMinutes {
			return ExitDecision{
				Action: ActionExit,
				Tag:    domain.ExitTagForceClose,
				Reason: fmt.Sprintf("距收盘 %d 分钟，强制平仓", minsToClose),
			}
		}
	}

	return ExitDecision{Action: ActionHold, Reason: "未触发任何退出条件"}
}

// UnrealizedPnL 当前价下的未实现盈亏（扣双边手续费估计）
func UnrealizedPnL(core *domain.PositionCore, currentPrice decimal.Decimal, lotSize int, fees *domain.FeeModel) decimal.Decimal {
	lot := decimal.NewFromInt(int64(lotSize))
	gross := currentPrice.Sub(core.EntryPrice).Mul(core.Quantity).Mul(lot)
	if fees == nil {
		return gross
	}
	perSide := fees.PerContract.Mul(core.Quantity).Add(fees.PerOrder)
	return gross.Sub(perSide.Mul(decimal.NewFromInt(2)))
}
