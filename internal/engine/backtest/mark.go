package backtest

import (
	"github.com/shopspring/decimal"

	"github.com/optbot/gotrader/internal/domain"
	"github.com/optbot/gotrader/internal/engine/execution"
)

var minMark = decimal.NewFromFloat(0.01)

// markModel 期权盯市模型。
// 历史期权分钟线拿不到，回放用"快照权利金 + 内在价值变化"近似：
// mark = 快照价 + (当前内在价值 - 快照时内在价值)，下限 0.01。
// 对 0DTE 这类时间价值趋零的合约，这个近似贴近实际衰减方向。
type markModel struct {
	base     map[string]decimal.Decimal // 合约 → 快照权利金
	baseSpot decimal.Decimal            // 快照对应的标的价
}

func newMarkModel(chain []domain.OptionContract, baseSpot decimal.Decimal) *markModel {
	m := &markModel{
		base:     make(map[string]decimal.Decimal, len(chain)),
		baseSpot: baseSpot,
	}
	for i := range chain {
		if p, err := execution.ResolveContractPrice(&chain[i]); err == nil {
			m.base[chain[i].Symbol] = p
		}
	}
	return m
}

func intrinsic(typ domain.OptionType, strike, spot decimal.Decimal) decimal.Decimal {
	var v decimal.Decimal
	switch typ {
	case domain.OptionTypeCall:
		v = spot.Sub(strike)
	case domain.OptionTypePut:
		v = strike.Sub(spot)
	}
	if v.Sign() < 0 {
		return decimal.Zero
	}
	return v
}

// price 合约在标的价 spot 下的模拟报价
func (m *markModel) price(typ domain.OptionType, symbol string, strike, spot decimal.Decimal) (decimal.Decimal, bool) {
	base, ok := m.base[symbol]
	if !ok {
		return decimal.Zero, false
	}
	mark := base.Add(intrinsic(typ, strike, spot)).Sub(intrinsic(typ, strike, m.baseSpot))
	if mark.LessThan(minMark) {
		mark = minMark
	}
	return mark, true
}

// repriceChain 返回按当前标的价重报价的链副本。
// 入场选择与成交价都从这份副本取，买卖价差在模拟里归零。
func (m *markModel) repriceChain(chain []domain.OptionContract, spot decimal.Decimal) []domain.OptionContract {
	out := make([]domain.OptionContract, 0, len(chain))
	for _, c := range chain {
		mark, ok := m.price(c.Type, c.Symbol, c.Strike, spot)
		if !ok {
			continue
		}
		p := mark
		c.LastDone = &p
		c.BidPrice = &p
		c.AskPrice = &p
		out = append(out, c)
	}
	return out
}
