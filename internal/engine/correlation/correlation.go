package correlation

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/optbot/gotrader/internal/domain"
)

var log = logrus.WithField("component", "correlation")

// minObservations 少于该配对观测数时相关性按 0 处理（低置信度不报错）
const minObservations = 10

// DefaultThreshold 默认合并阈值
const DefaultThreshold = 0.75

// Result 分组计算结果
type Result struct {
	// Groups 组名 → 成员符号（已排序）。单符号组用符号本身命名，
	// 多符号组按稳定顺序命名为 GROUP_1、GROUP_2…，同输入必同输出。
	Groups map[string][]string
	// Matrix 符号对 "A|B"（A<B）→ 相关系数，保留 4 位小数
	Matrix map[string]float64
}

// ComputeGroups 对每个无序符号对计算 Pearson 相关系数并做传递闭包分组。
// 纯函数：除日志外无副作用。
func ComputeGroups(priceSeries map[string][]decimal.Decimal, threshold float64) *Result {
	if threshold == 0 {
		threshold = DefaultThreshold
	}

	symbols := make([]string, 0, len(priceSeries))
	for s := range priceSeries {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	returns := make(map[string][]float64, len(symbols))
	for _, s := range symbols {
		returns[s] = dailyReturns(priceSeries[s])
	}

	uf := newUnionFind(len(symbols))
	matrix := make(map[string]float64)

	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			corr := pearson(returns[symbols[i]], returns[symbols[j]])
			// 展示稳定性：保留 4 位小数
			corr = math.Round(corr*10000) / 10000
			matrix[pairKey(symbols[i], symbols[j])] = corr

			if math.Abs(corr) >= threshold {
				uf.union(i, j)
			}
		}
	}

	groups := buildGroups(symbols, uf)
	log.Debugf("相关性分组完成: %d 个符号, %d 个组, 阈值=%.2f", len(symbols), len(groups), threshold)
	return &Result{Groups: groups, Matrix: matrix}
}

// GroupOf 查找符号所在的组名（未找到返回空串）
func (r *Result) GroupOf(symbol string) string {
	for name, members := range r.Groups {
		for _, m := range members {
			if m == symbol {
				return name
			}
		}
	}
	return ""
}

// DomainGroups 转为领域类型（组名有序）
func (r *Result) DomainGroups() []domain.CorrelationGroup {
	names := make([]string, 0, len(r.Groups))
	for name := range r.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]domain.CorrelationGroup, 0, len(names))
	for _, name := range names {
		out = append(out, domain.CorrelationGroup{Name: name, Symbols: r.Groups[name]})
	}
	return out
}

// pairKey 无序对的稳定键，A<B 时为 "A|B"
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// dailyReturns 收盘价序列 → 日收益率序列
func dailyReturns(closes []decimal.Decimal) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		prev, _ := closes[i-1].Float64()
		cur, _ := closes[i].Float64()
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (cur-prev)/prev)
	}
	return out
}

// pearson 计算 Pearson 相关系数。
// 取两序列尾部对齐的共同窗口；配对观测少于 minObservations 返回 0。
func pearson(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < minObservations {
		return 0
	}
	// 尾部对齐（最近 n 个观测）
	a = a[len(a)-n:]
	b = b[len(b)-n:]

	var sumA, sumB float64
	for i := 0; i < n; i++ {
		sumA += a[i]
		sumB += b[i]
	}
	meanA := sumA / float64(n)
	meanB := sumB / float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

// buildGroups 从并查集构造命名分组
func buildGroups(symbols []string, uf *unionFind) map[string][]string {
	members := make(map[int][]string)
	for i, s := range symbols {
		root := uf.find(i)
		members[root] = append(members[root], s)
	}

	// 稳定命名：按组内最小符号排序后编号
	sortedGroups := make([][]string, 0, len(members))
	for _, ms := range members {
		sort.Strings(ms)
		sortedGroups = append(sortedGroups, ms)
	}
	sort.Slice(sortedGroups, func(i, j int) bool {
		return sortedGroups[i][0] < sortedGroups[j][0]
	})

	out := make(map[string][]string, len(sortedGroups))
	groupIdx := 0
	for _, ms := range sortedGroups {
		if len(ms) == 1 {
			out[ms[0]] = ms
			continue
		}
		groupIdx++
		out[fmt.Sprintf("GROUP_%d", groupIdx)] = ms
	}
	return out
}
