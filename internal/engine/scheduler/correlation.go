package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optbot/gotrader/internal/domain"
	"github.com/optbot/gotrader/internal/engine/correlation"
	"github.com/optbot/gotrader/internal/gateway"
	"github.com/optbot/gotrader/pkg/config"
)

// CorrelationTracker 周期性重算标的相关性分组。
// 计算本身是纯函数，这里只负责喂数据和缓存结果。
type CorrelationTracker struct {
	cfg     config.CorrelationConfig
	gw      gateway.Gateway
	retry   gateway.RetryPolicy
	symbols func() []string

	mu     sync.RWMutex
	result *correlation.Result

	cancel context.CancelFunc
	done   chan struct{}
}

var _ GroupProvider = (*CorrelationTracker)(nil)

// NewCorrelationTracker 创建分组跟踪器。
// symbols 回调返回当前关注的全部标的（各策略符号池的并集）。
func NewCorrelationTracker(cfg config.CorrelationConfig, gw gateway.Gateway, retry gateway.RetryPolicy, symbols func() []string) *CorrelationTracker {
	return &CorrelationTracker{cfg: cfg, gw: gw, retry: retry, symbols: symbols}
}

// Start 立即算一轮，然后按配置周期刷新
func (t *CorrelationTracker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	t.Refresh(runCtx)
	go func() {
		defer close(t.done)
		interval := time.Duration(t.cfg.RefreshMinutes) * time.Minute
		if interval <= 0 {
			interval = 30 * time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				t.Refresh(runCtx)
			}
		}
	}()
}

// Stop 停止刷新
func (t *CorrelationTracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
}

// Refresh 拉取日线并重算分组
func (t *CorrelationTracker) Refresh(ctx context.Context) {
	symbols := t.symbols()
	if len(symbols) == 0 {
		return
	}

	series := make(map[string][]decimal.Decimal, len(symbols))
	for _, sym := range symbols {
		var candles []domain.Candle
		err := t.retry.Do(ctx, "获取相关性日线", func() error {
			callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
			defer cancel()
			var ferr error
			candles, ferr = t.gw.GetDailyCandles(callCtx, sym, t.cfg.WindowDays)
			return ferr
		})
		if err != nil {
			log.Warnf("标的 %s 日线获取失败，本轮相关性排除该标的: %v", sym, err)
			continue
		}
		closes := make([]decimal.Decimal, 0, len(candles))
		for _, c := range candles {
			closes = append(closes, c.Close)
		}
		series[sym] = closes
	}

	result := correlation.ComputeGroups(series, t.cfg.Threshold)
	t.mu.Lock()
	t.result = result
	t.mu.Unlock()
	log.Infof("相关性分组已刷新: %d 个标的 %d 个组", len(series), len(result.Groups))
}

// GroupOf 标的所在的组名，未知标的返回空串
func (t *CorrelationTracker) GroupOf(symbol string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.result == nil {
		return ""
	}
	return t.result.GroupOf(symbol)
}

// Groups 当前分组快照（控制面查询用）
func (t *CorrelationTracker) Groups() []domain.CorrelationGroup {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.result == nil {
		return nil
	}
	return t.result.DomainGroups()
}
