package domain

import "errors"

// 错误分类：
// 网关瞬时失败重试后跳过本周期；数据不足是 SKIP 不是错误；
// 资金不足把信号标记为 REJECTED；不变量破坏只中止该实例的本轮评估。
var (
	// ErrInsufficientCapital 资金头寸不足，信号应标记 REJECTED
	ErrInsufficientCapital = errors.New("insufficient capital headroom")
	// ErrNoPrice 价格回退链全部不可用
	ErrNoPrice = errors.New("no resolvable price")
	// ErrNoViableContract 期权链为空或无合约通过流动性过滤
	ErrNoViableContract = errors.New("no viable option contract")
	// ErrInvariantViolation 实例不变量被破坏（如对已持仓实例重复入场）
	ErrInvariantViolation = errors.New("instance invariant violation")
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("not found")
	// ErrGatewayUnavailable 网关瞬时失败（超时/5xx/网络）
	ErrGatewayUnavailable = errors.New("gateway unavailable")
)
