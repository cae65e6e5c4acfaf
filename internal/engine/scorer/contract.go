package scorer

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/optbot/gotrader/internal/domain"
)

// FilterChainByExpiry 按到期模式过滤期权链。
// 0DTE 只保留当日到期；NEAREST 保留最近的一个到期日。
// 同日判断按交易所时区的日历日，不能按 UTC 截断：
// 美东午夜前后两者会差一天，0DTE 会整链判错。
func FilterChainByExpiry(chain []domain.OptionContract, mode domain.ExpirationMode, now time.Time, loc *time.Location) []domain.OptionContract {
	if len(chain) == 0 {
		return nil
	}

	today := DayOrdinal(now, loc)
	switch mode {
	case domain.ExpirationModeZeroDTE:
		var out []domain.OptionContract
		for _, c := range chain {
			if DayOrdinal(c.Expiry, loc) == today {
				out = append(out, c)
			}
		}
		return out
	default: // NEAREST
		nearest := 0
		for _, c := range chain {
			exp := DayOrdinal(c.Expiry, loc)
			if exp < today {
				continue
			}
			if nearest == 0 || exp < nearest {
				nearest = exp
			}
		}
		if nearest == 0 {
			return nil
		}
		var out []domain.OptionContract
		for _, c := range chain {
			if DayOrdinal(c.Expiry, loc) == nearest {
				out = append(out, c)
			}
		}
		return out
	}
}

// DayOrdinal 时刻在给定时区下的日历日序数（可直接比大小）
func DayOrdinal(t time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return y*10000 + int(m)*100 + d
}

// SelectContract 在期权链中选择可交易合约：
// 按方向过滤，套用流动性门槛（未平仓量、点差比例），
// 然后取行权价最贴近现价的一张。选不出合约时入场必须 SKIP。
func SelectContract(chain []domain.OptionContract, dir domain.OptionType, spot decimal.Decimal, filters domain.LiquidityFilters) (*domain.OptionContract, error) {
	var candidates []domain.OptionContract
	for _, c := range chain {
		if c.Type != dir {
			continue
		}
		if filters.MinOpenInterest > 0 && c.OpenInterest < filters.MinOpenInterest {
			continue
		}
		if !passSpreadFilter(&c, filters.MaxSpreadRatio) {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, errors.Wrapf(domain.ErrNoViableContract,
			"方向 %s 无满足流动性条件的合约（链内 %d 张）", dir, len(chain))
	}

	sort.Slice(candidates, func(i, j int) bool {
		di := candidates[i].Strike.Sub(spot).Abs()
		dj := candidates[j].Strike.Sub(spot).Abs()
		if !di.Equal(dj) {
			return di.LessThan(dj)
		}
		return candidates[i].Symbol < candidates[j].Symbol // 同距离取字典序，保证确定性
	})
	picked := candidates[0]
	return &picked, nil
}

// passSpreadFilter 点差比例 (ask-bid)/mid 不超过上限。
// 缺少双边报价的合约无法计算点差，直接视为不合格。
func passSpreadFilter(c *domain.OptionContract, maxRatio decimal.Decimal) bool {
	if maxRatio.IsZero() {
		return true
	}
	if c.BidPrice == nil || c.AskPrice == nil {
		return false
	}
	mid := c.BidPrice.Add(*c.AskPrice).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return false
	}
	ratio := c.AskPrice.Sub(*c.BidPrice).Div(mid)
	return !ratio.GreaterThan(maxRatio)
}

// selectStrangleLegs 选择勒式组合的两腿：
// 现价上方 spacing 处的 CALL 与下方 spacing 处的 PUT，各自就近取。
func selectStrangleLegs(chain []domain.OptionContract, spot, spacing decimal.Decimal, filters domain.LiquidityFilters) ([]SelectedLeg, error) {
	callTarget := spot.Add(spacing)
	putTarget := spot.Sub(spacing)

	call, err := selectNearestStrike(chain, domain.OptionTypeCall, callTarget, filters)
	if err != nil {
		return nil, err
	}
	put, err := selectNearestStrike(chain, domain.OptionTypePut, putTarget, filters)
	if err != nil {
		return nil, err
	}
	return []SelectedLeg{
		{Contract: *call, Side: domain.OrderSideBuy},
		{Contract: *put, Side: domain.OrderSideBuy},
	}, nil
}

func selectNearestStrike(chain []domain.OptionContract, dir domain.OptionType, target decimal.Decimal, filters domain.LiquidityFilters) (*domain.OptionContract, error) {
	return SelectContract(chain, dir, target, filters)
}
