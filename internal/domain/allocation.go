package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AllocationType 资金分配类型
type AllocationType string

const (
	// AllocationTypePercentage 按父节点额度的百分比分配
	AllocationTypePercentage AllocationType = "PERCENTAGE"
	// AllocationTypeFixedAmount 固定金额分配
	AllocationTypeFixedAmount AllocationType = "FIXED_AMOUNT"
)

// RootAllocationID 根节点 "GLOBAL" 不可变更、不可删除
const RootAllocationID = "GLOBAL"

// CapitalAllocation 资金分配树节点。
// 不变量：有使用量或有子节点的节点不可删除、不可改类型。
type CapitalAllocation struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	ParentID  string          `json:"parent_id,omitempty"` // 空表示根
	Type      AllocationType  `json:"type"`
	Value     decimal.Decimal `json:"value"` // PERCENTAGE 时为 0-100，FIXED_AMOUNT 时为金额
	Usage     decimal.Decimal `json:"usage"` // 当前占用，随成交/平仓单调调整
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// IsRoot 是否为根节点
func (a *CapitalAllocation) IsRoot() bool {
	return a.ID == RootAllocationID
}

// AllocationDiscrepancy 台账与券商余额对账差异。
// 只上报，不自动纠正：资金记账必须可审计。
type AllocationDiscrepancy struct {
	AllocationID string          `json:"allocation_id"`
	Field        string          `json:"field"`
	Expected     decimal.Decimal `json:"expected"`
	Actual       decimal.Decimal `json:"actual"`
	Detail       string          `json:"detail"`
}

// CorrelationGroup 相关性分组（派生数据，随时可由价格历史重算）
type CorrelationGroup struct {
	Name    string   `json:"name"`
	Symbols []string `json:"symbols"`
}
