package scorer

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/optbot/gotrader/internal/domain"
	"github.com/optbot/gotrader/internal/engine/execution"
)

var log = logrus.WithField("component", "scorer")

// EntryAction 入场评估动作
type EntryAction string

const (
	ActionEnter EntryAction = "ENTER"
	ActionSkip  EntryAction = "SKIP"
)

// ExitAction 退出评估动作
type ExitAction string

const (
	ActionHold ExitAction = "HOLD"
	ActionExit ExitAction = "EXIT"
)

// EntryDecision 入场评估结果。
// SKIP 时 Reason 必填：无动作的排查全靠它。
type EntryDecision struct {
	Action         EntryAction
	Direction      domain.OptionType
	CompositeScore decimal.Decimal
	MarketScore    decimal.Decimal
	IntradayScore  decimal.Decimal
	TimeAdjustment decimal.Decimal
	Contract       *domain.OptionContract // 单腿策略选中的合约
	Legs           []SelectedLeg          // 多腿策略选中的腿
	Reason         string
}

// SelectedLeg 多腿策略选中的一腿
type SelectedLeg struct {
	Contract domain.OptionContract
	Side     domain.OrderSide
}

// ExitDecision 退出评估结果
type ExitDecision struct {
	Action ExitAction
	Tag    domain.ExitTag
	Reason string
}

// Scorer 策略评分器。实现必须是纯函数：
// 只读 MarketContext，不做任何 IO，同样输入必得同样输出。
type Scorer interface {
	Type() domain.StrategyType
	EvaluateEntry(mc *domain.MarketContext, params *domain.StrategyParams) EntryDecision
}

// Registry 评分器注册表。策略类型是闭集，
// 没有注册评分器的类型在启动时直接报错，而不是运行到一半才发现。
type Registry struct {
	scorers map[domain.StrategyType]Scorer
}

// NewRegistry 创建包含全部内置评分器的注册表
func NewRegistry() *Registry {
	r := &Registry{scorers: make(map[domain.StrategyType]Scorer)}
	r.register(&RecommendationScorer{})
	r.register(&IntradayMomentumScorer{})
	r.register(&MultiLegScorer{})
	return r
}

func (r *Registry) register(s Scorer) {
	r.scorers[s.Type()] = s
}

// Get 取策略类型对应的评分器
func (r *Registry) Get(t domain.StrategyType) (Scorer, error) {
	s, ok := r.scorers[t]
	if !ok {
		return nil, errors.Errorf("策略类型 %q 没有注册评分器", t)
	}
	return s, nil
}

var (
	zero    = decimal.Zero
	one     = decimal.NewFromInt(1)
	negOne  = decimal.NewFromInt(-1)
	hundred = decimal.NewFromInt(100)
)

// spotPrice 标的现价（复用执行层的价格回退链）
func spotPrice(mc *domain.MarketContext) (decimal.Decimal, error) {
	return execution.ResolvePrice(mc.Quote)
}

// clamp 把评分限制在 [-1, 1]
func clamp(d decimal.Decimal) decimal.Decimal {
	if d.GreaterThan(one) {
		return one
	}
	if d.LessThan(negOne) {
		return negOne
	}
	return d
}

// timeAdjustment 按距收盘分钟数计算时间调整系数。
// 开盘后市场噪声大、临近收盘 theta 衰减快，两头都降权。
func timeAdjustment(mc *domain.MarketContext) decimal.Decimal {
	minsToClose := mc.MinutesToClose()
	sessionMinutes := 390 // 常规交易时段 6.5 小时
	minsFromOpen := sessionMinutes - minsToClose

	switch {
	case minsFromOpen < 30:
		return decimal.NewFromFloat(-0.2)
	case minsToClose < 90:
		return decimal.NewFromFloat(-0.1)
	default:
		return decimal.Zero
	}
}

// composite 加权合成并施加时间调整：score = (wM*m + wI*i) * (1 + adj)
func composite(market, intraday decimal.Decimal, w domain.ScoreWeights, adj decimal.Decimal) decimal.Decimal {
	raw := w.Market.Mul(market).Add(w.Intraday.Mul(intraday))
	return raw.Mul(one.Add(adj))
}

// resolveDirection 按方向模式解析交易方向。
// 评分为正看涨、为负看跌；单边模式下反向信号直接跳过。
func resolveDirection(score decimal.Decimal, mode domain.DirectionMode) (domain.OptionType, bool) {
	var dir domain.OptionType
	if score.Sign() >= 0 {
		dir = domain.OptionTypeCall
	} else {
		dir = domain.OptionTypePut
	}
	switch mode {
	case domain.DirectionModeCallOnly:
		if dir != domain.OptionTypeCall {
			return "", false
		}
	case domain.DirectionModePutOnly:
		if dir != domain.OptionTypePut {
			return "", false
		}
	}
	return dir, true
}

// inNoEntryWindow 是否处于收盘前禁止开新仓的窗口
func inNoEntryWindow(mc *domain.MarketContext, w domain.TradeWindow) bool {
	if w.NoNewEntryBeforeCloseMinutes <= 0 {
		return false
	}
	return mc.MinutesToClose() <= w.NoNewEntryBeforeCloseMinutes
}

func skip(reason string, market, intraday, compositeScore, adj decimal.Decimal) EntryDecision {
	return EntryDecision{
		Action:         ActionSkip,
		MarketScore:    market,
		IntradayScore:  intraday,
		CompositeScore: compositeScore,
		TimeAdjustment: adj,
		Reason:         reason,
	}
}
