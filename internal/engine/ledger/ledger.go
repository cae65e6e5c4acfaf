package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/optbot/gotrader/internal/domain"
)

var log = logrus.WithField("component", "ledger")

// Store 台账持久化接口（回测时可为 nil，只用内存）
type Store interface {
	UpsertAllocation(ctx context.Context, a *domain.CapitalAllocation) error
	DeleteAllocation(ctx context.Context, id string) error
}

// Ledger 资金台账。
// 所有变更都经过这把互斥锁：两个并发入场不可能同时读到过期的
// 头寸余量然后合计超支。
type Ledger struct {
	mu    sync.Mutex
	nodes map[string]*domain.CapitalAllocation
	store Store
}

var hundred = decimal.NewFromInt(100)

// New 创建台账并初始化 GLOBAL 根节点
func New(totalCapital decimal.Decimal, store Store) *Ledger {
	now := time.Now()
	root := &domain.CapitalAllocation{
		ID:        domain.RootAllocationID,
		Name:      "GLOBAL",
		Type:      domain.AllocationTypeFixedAmount,
		Value:     totalCapital,
		Usage:     decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return &Ledger{
		nodes: map[string]*domain.CapitalAllocation{root.ID: root},
		store: store,
	}
}

// Bootstrap 载入已有的分配节点（父节点需先于子节点出现或已存在）。
// 已存在的节点保留其 usage（重启恢复用）。
func (l *Ledger) Bootstrap(ctx context.Context, allocs []domain.CapitalAllocation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pending := make([]domain.CapitalAllocation, len(allocs))
	copy(pending, allocs)

	for len(pending) > 0 {
		progress := false
		rest := pending[:0]
		for _, a := range pending {
			if a.ID == domain.RootAllocationID {
				progress = true
				continue
			}
			parent := a.ParentID
			if parent == "" {
				parent = domain.RootAllocationID
			}
			if _, ok := l.nodes[parent]; !ok {
				rest = append(rest, a)
				continue
			}
			if existing, ok := l.nodes[a.ID]; ok {
				// 配置重载：保留运行期 usage
				a.Usage = existing.Usage
			}
			node := a
			node.ParentID = parent
			if err := l.validateInsertLocked(&node); err != nil {
				return err
			}
			l.nodes[node.ID] = &node
			progress = true
		}
		if !progress {
			return fmt.Errorf("分配树存在悬空的父引用: %v", ids(rest))
		}
		pending = append([]domain.CapitalAllocation{}, rest...)
	}

	return l.persistAllLocked(ctx)
}

// Allocate 新建分配节点
func (l *Ledger) Allocate(ctx context.Context, parentID, id, name string, typ domain.AllocationType, value decimal.Decimal) (*domain.CapitalAllocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if parentID == "" {
		parentID = domain.RootAllocationID
	}
	if _, exists := l.nodes[id]; exists {
		return nil, fmt.Errorf("分配节点已存在: %s", id)
	}
	now := time.Now()
	node := &domain.CapitalAllocation{
		ID:        id,
		Name:      name,
		ParentID:  parentID,
		Type:      typ,
		Value:     value,
		Usage:     decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.validateInsertLocked(node); err != nil {
		return nil, err
	}
	l.nodes[id] = node
	if err := l.persistLocked(ctx, node); err != nil {
		delete(l.nodes, id)
		return nil, err
	}
	cp := *node
	return &cp, nil
}

// validateInsertLocked 校验节点插入合法性
func (l *Ledger) validateInsertLocked(node *domain.CapitalAllocation) error {
	parent, ok := l.nodes[node.ParentID]
	if !ok {
		return fmt.Errorf("父分配节点不存在: %s", node.ParentID)
	}
	if node.Value.IsNegative() {
		return fmt.Errorf("分配值不能为负: %s", node.ID)
	}
	switch node.Type {
	case domain.AllocationTypePercentage:
		// 同级 PERCENTAGE 子节点合计不得超过 100%
		sum := node.Value
		for _, sib := range l.nodes {
			if sib.ID != node.ID && sib.ParentID == node.ParentID && sib.Type == domain.AllocationTypePercentage {
				sum = sum.Add(sib.Value)
			}
		}
		if sum.GreaterThan(hundred) {
			return fmt.Errorf("父节点 %s 下 PERCENTAGE 子节点合计 %s%% 超过 100%%", node.ParentID, sum)
		}
	case domain.AllocationTypeFixedAmount:
		if node.Value.GreaterThan(l.allocatedLocked(parent)) {
			return fmt.Errorf("固定分配 %s 超出父节点 %s 的额度", node.ID, node.ParentID)
		}
	default:
		return fmt.Errorf("非法分配类型: %q", node.Type)
	}
	return nil
}

// Update 修改分配值。改类型在有使用量或有子节点时被拒绝；GLOBAL 不可改。
func (l *Ledger) Update(ctx context.Context, id string, typ domain.AllocationType, value decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	node, ok := l.nodes[id]
	if !ok {
		return domain.ErrNotFound
	}
	if node.IsRoot() {
		return fmt.Errorf("GLOBAL 根节点不可修改")
	}
	if typ != node.Type && (node.Usage.IsPositive() || l.hasChildrenLocked(id)) {
		return fmt.Errorf("节点 %s 有使用量或子节点，不可改类型", id)
	}

	old := *node
	node.Type = typ
	node.Value = value
	node.UpdatedAt = time.Now()
	if err := l.validateUpdateLocked(node); err != nil {
		*node = old
		return err
	}
	if err := l.persistLocked(ctx, node); err != nil {
		*node = old
		return err
	}
	return nil
}

func (l *Ledger) validateUpdateLocked(node *domain.CapitalAllocation) error {
	// 复用插入校验（自身已在 map 中，百分比求和会跳过自己再加回）
	if err := l.validateInsertLocked(node); err != nil {
		return err
	}
	if node.Usage.GreaterThan(l.allocatedLocked(node)) {
		return fmt.Errorf("节点 %s 调整后额度低于当前使用量", node.ID)
	}
	return nil
}

// Remove 删除分配节点。有使用量或有子节点的不可删；GLOBAL 不可删。
func (l *Ledger) Remove(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	node, ok := l.nodes[id]
	if !ok {
		return domain.ErrNotFound
	}
	if node.IsRoot() {
		return fmt.Errorf("GLOBAL 根节点不可删除")
	}
	if node.Usage.IsPositive() {
		return fmt.Errorf("节点 %s 使用量非零，不可删除", id)
	}
	if l.hasChildrenLocked(id) {
		return fmt.Errorf("节点 %s 存在子节点，不可删除", id)
	}
	delete(l.nodes, id)
	if l.store != nil {
		if err := l.store.DeleteAllocation(ctx, id); err != nil {
			l.nodes[id] = node
			return err
		}
	}
	return nil
}

// allocatedLocked 节点的实际额度
func (l *Ledger) allocatedLocked(node *domain.CapitalAllocation) decimal.Decimal {
	if node.Type == domain.AllocationTypeFixedAmount {
		return node.Value
	}
	parent, ok := l.nodes[node.ParentID]
	if !ok {
		return decimal.Zero
	}
	return l.allocatedLocked(parent).Mul(node.Value).Div(hundred)
}

// Allocated 节点额度
func (l *Ledger) Allocated(id string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	node, ok := l.nodes[id]
	if !ok {
		return decimal.Zero, domain.ErrNotFound
	}
	return l.allocatedLocked(node), nil
}

// AvailableHeadroom 节点可用头寸 = 额度 - 使用量
func (l *Ledger) AvailableHeadroom(id string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	node, ok := l.nodes[id]
	if !ok {
		return decimal.Zero, domain.ErrNotFound
	}
	return l.allocatedLocked(node).Sub(node.Usage), nil
}

// SymbolBudget 单符号预算 = 可用头寸 / 池内符号数
func (l *Ledger) SymbolBudget(id string, symbolCount int) (decimal.Decimal, error) {
	if symbolCount <= 0 {
		return decimal.Zero, fmt.Errorf("符号数必须为正: %d", symbolCount)
	}
	headroom, err := l.AvailableHeadroom(id)
	if err != nil {
		return decimal.Zero, err
	}
	if headroom.IsNegative() {
		return decimal.Zero, nil
	}
	return headroom.Div(decimal.NewFromInt(int64(symbolCount))), nil
}

// RecordUsageDelta 原子调整使用量。
// 正向要求余量充足（超支拒绝而不是截断），负向不允许把使用量打成负数。
func (l *Ledger) RecordUsageDelta(ctx context.Context, id string, delta decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	node, ok := l.nodes[id]
	if !ok {
		return domain.ErrNotFound
	}
	newUsage := node.Usage.Add(delta)
	if newUsage.IsNegative() {
		log.Errorf("台账不变量破坏: 节点 %s usage=%s delta=%s 会导致负使用量",
			id, node.Usage, delta)
		return domain.ErrInvariantViolation
	}
	if delta.IsPositive() && newUsage.GreaterThan(l.allocatedLocked(node)) {
		return domain.ErrInsufficientCapital
	}

	old := node.Usage
	node.Usage = newUsage
	node.UpdatedAt = time.Now()
	if err := l.persistLocked(ctx, node); err != nil {
		node.Usage = old
		return err
	}
	return nil
}

// Reserve 入场前占用资金（RecordUsageDelta 的正向语义别名）
func (l *Ledger) Reserve(ctx context.Context, id string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("占用金额必须为正: %s", amount)
	}
	return l.RecordUsageDelta(ctx, id, amount)
}

// Release 平仓/撤单后释放资金
func (l *Ledger) Release(ctx context.Context, id string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("释放金额必须为正: %s", amount)
	}
	return l.RecordUsageDelta(ctx, id, amount.Neg())
}

// Get 读取节点快照
func (l *Ledger) Get(id string) (*domain.CapitalAllocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	node, ok := l.nodes[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *node
	return &cp, nil
}

// List 所有节点快照（按 ID 排序）
func (l *Ledger) List() []domain.CapitalAllocation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.CapitalAllocation, 0, len(l.nodes))
	for _, n := range l.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SyncWithBroker 与券商实际余额对账。
// 只上报差异，不自动纠正：资金记账必须保持可审计。
func (l *Ledger) SyncWithBroker(actualBalance decimal.Decimal) []domain.AllocationDiscrepancy {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.AllocationDiscrepancy

	root := l.nodes[domain.RootAllocationID]
	if !root.Value.Equal(actualBalance) {
		out = append(out, domain.AllocationDiscrepancy{
			AllocationID: root.ID,
			Field:        "total",
			Expected:     root.Value,
			Actual:       actualBalance,
			Detail:       "台账总额与券商余额不一致",
		})
	}

	ids := make([]string, 0, len(l.nodes))
	for id := range l.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		node := l.nodes[id]
		allocated := l.allocatedLocked(node)
		if node.Usage.GreaterThan(allocated) {
			out = append(out, domain.AllocationDiscrepancy{
				AllocationID: id,
				Field:        "usage",
				Expected:     allocated,
				Actual:       node.Usage,
				Detail:       "使用量超过额度",
			})
		}
		if node.Usage.IsNegative() {
			out = append(out, domain.AllocationDiscrepancy{
				AllocationID: id,
				Field:        "usage",
				Expected:     decimal.Zero,
				Actual:       node.Usage,
				Detail:       "使用量为负",
			})
		}
	}

	if len(out) > 0 {
		log.Warnf("对账发现 %d 处差异，需人工复核", len(out))
	}
	return out
}

func (l *Ledger) hasChildrenLocked(id string) bool {
	for _, n := range l.nodes {
		if n.ParentID == id {
			return true
		}
	}
	return false
}

func (l *Ledger) persistLocked(ctx context.Context, node *domain.CapitalAllocation) error {
	if l.store == nil {
		return nil
	}
	cp := *node
	return l.store.UpsertAllocation(ctx, &cp)
}

func (l *Ledger) persistAllLocked(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	for _, n := range l.nodes {
		if err := l.persistLocked(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func ids(allocs []domain.CapitalAllocation) []string {
	out := make([]string, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, a.ID)
	}
	return out
}
