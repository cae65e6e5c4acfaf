package execution

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/optbot/gotrader/internal/domain"
)

// EntryPrice 按入场价格模式取限价。
// ASK 模式要求卖一价存在；MID 模式要求买卖双边存在，缺失时回退到卖一。
func EntryPrice(mode domain.EntryPriceMode, c *domain.OptionContract) (decimal.Decimal, error) {
	switch mode {
	case domain.EntryPriceModeMid:
		if c.BidPrice != nil && c.AskPrice != nil {
			return c.BidPrice.Add(*c.AskPrice).Div(two), nil
		}
		fallthrough
	case domain.EntryPriceModeAsk, "":
		if c.AskPrice != nil {
			return *c.AskPrice, nil
		}
		return ResolveContractPrice(c)
	default:
		return decimal.Zero, errors.Errorf("未知入场价格模式: %s", mode)
	}
}

// SizeContracts 按头寸规模模式计算合约张数。
// MAX_PREMIUM 模式按 budget / (price * lotSize) 向下取整，
// 结果为 0 时说明预算买不起一张合约。
func SizeContracts(params *domain.StrategyParams, price decimal.Decimal, lotSize int, budget decimal.Decimal) (int64, error) {
	switch params.Sizing {
	case domain.SizingFixedContracts, "":
		n := params.FixedContracts
		if n <= 0 {
			n = 1
		}
		return int64(n), nil
	case domain.SizingMaxPremium:
		if price.IsZero() || lotSize <= 0 {
			return 0, errors.Wrap(domain.ErrNoPrice, "无法按权利金预算定量")
		}
		perContract := price.Mul(decimal.NewFromInt(int64(lotSize)))
		limit := params.MaxPremium
		if budget.LessThan(limit) || limit.IsZero() {
			limit = budget
		}
		n := limit.Div(perContract).IntPart() // 向下取整
		if n <= 0 {
			return 0, errors.Wrapf(domain.ErrInsufficientCapital,
				"预算 %s 不足一张合约（单张 %s）", limit, perContract)
		}
		return n, nil
	default:
		return 0, errors.Errorf("未知头寸规模模式: %s", params.Sizing)
	}
}

// BuildEntryOrder 构建入场买单。
// 订单 ID 在提交前生成并先行持久化，崩溃恢复用它对账避免重复开仓。
func BuildEntryOrder(signal *domain.Signal, contract *domain.OptionContract, params *domain.StrategyParams, budget decimal.Decimal) (*domain.ExecutionOrder, error) {
	price, err := EntryPrice(params.EntryPriceMode, contract)
	if err != nil {
		return nil, err
	}
	qty, err := SizeContracts(params, price, contract.LotSize, budget)
	if err != nil {
		return nil, err
	}

	cost := price.Mul(decimal.NewFromInt(qty)).Mul(decimal.NewFromInt(int64(contract.LotSize)))
	if cost.GreaterThan(budget) {
		return nil, errors.Wrapf(domain.ErrInsufficientCapital,
			"下单成本 %s 超过可用额度 %s", cost, budget)
	}

	now := time.Now()
	return &domain.ExecutionOrder{
		ID:         uuid.NewString(),
		SignalID:   signal.ID,
		StrategyID: signal.StrategyID,
		Symbol:     contract.Symbol,
		Side:       domain.OrderSideBuy,
		Quantity:   decimal.NewFromInt(qty),
		Price:      price,
		TIF:        domain.TimeInForceDay,
		Status:     domain.OrderStatusNew,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// BuildExitOrder 构建平仓卖单，数量与持仓完全一致
func BuildExitOrder(inst *domain.StrategyInstance, contractSymbol string, price decimal.Decimal) *domain.ExecutionOrder {
	core := inst.Context.Core()
	now := time.Now()
	return &domain.ExecutionOrder{
		ID:         uuid.NewString(),
		SignalID:   core.SignalID,
		StrategyID: inst.StrategyID,
		Symbol:     contractSymbol,
		Side:       domain.OrderSideSell,
		Quantity:   core.Quantity,
		Price:      price,
		TIF:        domain.TimeInForceDay,
		Status:     domain.OrderStatusNew,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// EntryCost 订单的总成本（权利金 + 手续费）
func EntryCost(order *domain.ExecutionOrder, lotSize int, fees *domain.FeeModel) decimal.Decimal {
	premium := order.Price.Mul(order.Quantity).Mul(decimal.NewFromInt(int64(lotSize)))
	return premium.Add(TotalFees(order.Quantity, fees))
}

// TotalFees 一笔订单的手续费
func TotalFees(contracts decimal.Decimal, fees *domain.FeeModel) decimal.Decimal {
	if fees == nil {
		return decimal.Zero
	}
	return fees.PerContract.Mul(contracts).Add(fees.PerOrder)
}
