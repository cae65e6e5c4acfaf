package syncgroup

import (
	"sync"
)

// SyncGroup 是 sync.WaitGroup 的包装器，简化 goroutine 生命周期管理。
// 调度器用它统一启动/等待 worker、consumer、行情流等后台任务，
// 自动管理 Add()/Done()，避免遗漏 Done() 导致 Wait 卡死。
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	fns     []func()
	running int
}

// NewSyncGroup 创建新的 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add 添加一个 goroutine 函数。应在 Run() 之前调用；
// 如果上一批还有 goroutine 在运行，需先 WaitAndClear()。
func (g *SyncGroup) Add(fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running > 0 {
		return
	}
	g.fns = append(g.fns, fn)
}

// Run 启动所有已添加的 goroutine，并清空函数列表避免重复启动。
// 上一批还有 goroutine 在运行时本次调用被跳过。
func (g *SyncGroup) Run() {
	g.mu.Lock()
	if g.running > 0 {
		g.mu.Unlock()
		return
	}
	fns := g.fns
	g.fns = nil
	g.running = len(fns)
	g.mu.Unlock()

	for _, fn := range fns {
		g.wg.Add(1)
		go func(do func()) {
			defer func() {
				g.wg.Done()
				g.mu.Lock()
				g.running--
				g.mu.Unlock()
			}()
			do()
		}(fn)
	}
}

// WaitAndClear 等待所有 goroutine 完成并复位
func (g *SyncGroup) WaitAndClear() {
	g.wg.Wait()

	g.mu.Lock()
	g.fns = nil
	g.running = 0
	g.mu.Unlock()
}

// Wait 等待所有 goroutine 完成（不复位）
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}
