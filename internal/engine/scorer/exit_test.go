package scorer

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optbot/gotrader/internal/domain"
)

func d(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("解析十进制失败: %v", err)
	}
	return v
}

func exitParams(t *testing.T) *domain.StrategyParams {
	return &domain.StrategyParams{
		Exit: domain.ExitRules{
			StopLossPercent:     d(t, "30"),
			TakeProfitPercent:   d(t, "50"),
			TrailingDrawdownPct: d(t, "15"),
			TrailingActivatePct: d(t, "20"),
			MaxHoldingMinutes:   120,
		},
		Window: domain.TradeWindow{ForceCloseBeforeCloseMinutes: 10},
	}
}

func positionAt(t *testing.T, entry string, enteredAgo time.Duration, now time.Time) *domain.PositionCore {
	return &domain.PositionCore{
		EntryPrice: d(t, entry),
		Quantity:   d(t, "1"),
		EntryTime:  now.Add(-enteredAgo),
	}
}

func TestExitStopLoss(t *testing.T) {
	now := time.Date(2026, 6, 26, 11, 0, 0, 0, time.UTC)
	close := now.Add(5 * time.Hour)
	core := positionAt(t, "2.00", 10*time.Minute, now)

	// 2.00 → 1.40 = -30%
	dec := EvaluateExit(core, d(t, "1.40"), exitParams(t), now, close)
	if dec.Action != ActionExit || dec.Tag != domain.ExitTagStopLoss {
		t.Fatalf("期望止损退出，实际 %s/%s (%s)", dec.Action, dec.Tag, dec.Reason)
	}
}

func TestExitTakeProfit(t *testing.T) {
	now := time.Date(2026, 6, 26, 11, 0, 0, 0, time.UTC)
	close := now.Add(5 * time.Hour)
	core := positionAt(t, "2.00", 10*time.Minute, now)

	dec := EvaluateExit(core, d(t, "3.00"), exitParams(t), now, close)
	if dec.Action != ActionExit || dec.Tag != domain.ExitTagTakeProfit {
		t.Fatalf("期望止盈退出，实际 %s/%s", dec.Action, dec.Tag)
	}
}

// 移动止盈基于峰值水位：先涨到 +30% 再回落到 +10%，回撤 20% ≥ 15% 触发
func TestExitTrailingStopUsesPeakWatermark(t *testing.T) {
	now := time.Date(2026, 6, 26, 11, 0, 0, 0, time.UTC)
	close := now.Add(5 * time.Hour)
	core := positionAt(t, "2.00", 10*time.Minute, now)
	params := exitParams(t)

	// 第一轮评估：+30%，未触发，但水位被抬高
	dec := EvaluateExit(core, d(t, "2.60"), params, now, close)
	if dec.Action != ActionHold {
		t.Fatalf("期望继续持有，实际 %s/%s (%s)", dec.Action, dec.Tag, dec.Reason)
	}
	if !core.PeakPnLPercent.Equal(d(t, "30")) {
		t.Fatalf("期望峰值水位 30，实际 %s", core.PeakPnLPercent)
	}

	// 第二轮评估：回落到 +10%，回撤 20% 触发移动止盈
	dec = EvaluateExit(core, d(t, "2.20"), params, now.Add(time.Minute), close)
	if dec.Action != ActionExit || dec.Tag != domain.ExitTagTrailingStop {
		t.Fatalf("期望移动止盈退出，实际 %s/%s (%s)", dec.Action, dec.Tag, dec.Reason)
	}
}

// 峰值未达激活线时回撤不触发
func TestExitTrailingNotActivated(t *testing.T) {
	now := time.Date(2026, 6, 26, 11, 0, 0, 0, time.UTC)
	close := now.Add(5 * time.Hour)
	core := positionAt(t, "2.00", 10*time.Minute, now)
	params := exitParams(t)

	EvaluateExit(core, d(t, "2.30"), params, now, close) // 峰值 +15% < 激活线 20%
	dec := EvaluateExit(core, d(t, "2.00"), params, now.Add(time.Minute), close)
	if dec.Action != ActionHold {
		t.Fatalf("期望继续持有，实际 %s/%s (%s)", dec.Action, dec.Tag, dec.Reason)
	}
}

// 止损优先于其它一切规则
func TestExitPriorityStopLossFirst(t *testing.T) {
	now := time.Date(2026, 6, 26, 15, 55, 0, 0, time.UTC)
	close := now.Add(5 * time.Minute)               // 已进入强平窗口
	core := positionAt(t, "2.00", 3*time.Hour, now) // 也超过了最长持仓

	dec := EvaluateExit(core, d(t, "1.00"), exitParams(t), now, close)
	if dec.Tag != domain.ExitTagStopLoss {
		t.Fatalf("多条件同时命中时期望止损优先，实际 %s", dec.Tag)
	}
}

func TestExitTimeStop(t *testing.T) {
	now := time.Date(2026, 6, 26, 13, 0, 0, 0, time.UTC)
	close := now.Add(3 * time.Hour)
	core := positionAt(t, "2.00", 121*time.Minute, now)

	dec := EvaluateExit(core, d(t, "2.10"), exitParams(t), now, close)
	if dec.Action != ActionExit || dec.Tag != domain.ExitTagTimeStop {
		t.Fatalf("期望时间退出，实际 %s/%s", dec.Action, dec.Tag)
	}
}

func TestExitForceCloseNearMarketClose(t *testing.T) {
	now := time.Date(2026, 6, 26, 15, 52, 0, 0, time.UTC)
	close := time.Date(2026, 6, 26, 16, 0, 0, 0, time.UTC)
	core := positionAt(t, "2.00", 30*time.Minute, now)

	dec := EvaluateExit(core, d(t, "2.10"), exitParams(t), now, close)
	if dec.Action != ActionExit || dec.Tag != domain.ExitTagForceClose {
		t.Fatalf("期望收盘强平，实际 %s/%s", dec.Action, dec.Tag)
	}
}

func TestExitHoldWhenNothingTriggers(t *testing.T) {
	now := time.Date(2026, 6, 26, 11, 0, 0, 0, time.UTC)
	close := now.Add(5 * time.Hour)
	core := positionAt(t, "2.00", 10*time.Minute, now)

	dec := EvaluateExit(core, d(t, "2.10"), exitParams(t), now, close)
	if dec.Action != ActionHold {
		t.Fatalf("期望继续持有，实际 %s/%s (%s)", dec.Action, dec.Tag, dec.Reason)
	}
	if dec.Reason == "" {
		t.Fatal("HOLD 也必须带原因")
	}
}
