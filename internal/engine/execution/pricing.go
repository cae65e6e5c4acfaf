package execution

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/optbot/gotrader/internal/domain"
	"github.com/optbot/gotrader/pkg/cache"
)

var log = logrus.WithField("component", "execution")

var two = decimal.NewFromInt(2)

// ResolvePrice 按固定顺序解析成交参考价：
// 最新成交价 → 买卖中间价 → 卖一价 → 买一价。
// 全部缺失时返回 ErrNoPrice，绝不臆造价格。
func ResolvePrice(q *domain.Quote) (decimal.Decimal, error) {
	if q == nil {
		return decimal.Zero, errors.Wrap(domain.ErrNoPrice, "行情为空")
	}
	if q.LastDone != nil {
		return *q.LastDone, nil
	}
	if q.BidPrice != nil && q.AskPrice != nil {
		return q.BidPrice.Add(*q.AskPrice).Div(two), nil
	}
	if q.AskPrice != nil {
		return *q.AskPrice, nil
	}
	if q.BidPrice != nil {
		return *q.BidPrice, nil
	}
	return decimal.Zero, errors.Wrapf(domain.ErrNoPrice, "标的 %s 无任何可用报价字段", q.Symbol)
}

// ResolveContractPrice 期权合约上的同序回退
func ResolveContractPrice(c *domain.OptionContract) (decimal.Decimal, error) {
	if c == nil {
		return decimal.Zero, errors.Wrap(domain.ErrNoPrice, "合约为空")
	}
	q := &domain.Quote{
		Symbol:   c.Symbol,
		LastDone: c.LastDone,
		BidPrice: c.BidPrice,
		AskPrice: c.AskPrice,
	}
	return ResolvePrice(q)
}

// PriceResolver 带单轮缓存的价格解析器。
// 期权价格在一个评估周期内复用，股票价格每次取最新行情。
type PriceResolver struct {
	optionCache *cache.OptionPriceCache
}

// NewPriceResolver 创建价格解析器
func NewPriceResolver(optionCache *cache.OptionPriceCache) *PriceResolver {
	return &PriceResolver{optionCache: optionCache}
}

// StockPrice 股票/标的价格，永不缓存
func (r *PriceResolver) StockPrice(q *domain.Quote) (decimal.Decimal, error) {
	return ResolvePrice(q)
}

// OptionPrice 期权价格，本周期内命中缓存则直接复用
func (r *PriceResolver) OptionPrice(c *domain.OptionContract) (decimal.Decimal, error) {
	if r.optionCache != nil {
		if p, ok := r.optionCache.Get(c.Symbol); ok {
			return p, nil
		}
	}
	p, err := ResolveContractPrice(c)
	if err != nil {
		return decimal.Zero, err
	}
	if r.optionCache != nil {
		r.optionCache.Set(c.Symbol, p)
	}
	return p, nil
}

// BeginCycle 新评估周期开始，清空期权价格缓存
func (r *PriceResolver) BeginCycle() {
	if r.optionCache != nil {
		r.optionCache.Clear()
	}
}
