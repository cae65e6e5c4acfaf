package cache

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Cache 通用缓存接口
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Clear()
	Size() int
}

// InMemoryCache 内存缓存实现
type InMemoryCache[K comparable, V any] struct {
	items      map[K]*cacheItem[V]
	mu         sync.RWMutex
	defaultTTL time.Duration
}

// cacheItem 缓存项
type cacheItem[V any] struct {
	value     V
	expiresAt time.Time
}

// NewInMemoryCache 创建新的内存缓存
func NewInMemoryCache[K comparable, V any](defaultTTL time.Duration) *InMemoryCache[K, V] {
	cache := &InMemoryCache[K, V]{
		items:      make(map[K]*cacheItem[V]),
		defaultTTL: defaultTTL,
	}

	// 启动清理 goroutine
	go cache.startCleanup()

	return cache
}

// Get 获取缓存值
func (c *InMemoryCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.items[key]
	if !exists {
		var zero V
		return zero, false
	}

	// 检查是否过期
	if time.Now().After(item.expiresAt) {
		// 异步删除过期项
		go c.Delete(key)
		var zero V
		return zero, false
	}

	return item.value, true
}

// Set 设置缓存值
func (c *InMemoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl == 0 {
		ttl = c.defaultTTL
	}

	c.items[key] = &cacheItem[V]{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
}

// Delete 删除缓存项
func (c *InMemoryCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear 清空缓存
func (c *InMemoryCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*cacheItem[V])
}

// Size 获取缓存大小
func (c *InMemoryCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// startCleanup 启动清理 goroutine（定期清理过期项）
func (c *InMemoryCache[K, V]) startCleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		c.cleanup()
	}
}

// cleanup 清理过期项
func (c *InMemoryCache[K, V]) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
		}
	}
}

// OptionPriceCache 期权价格缓存。
// 期权合约在同一评估周期内会被多个 symbol 复用，缓存一个周期内有效；
// 正股价格不走缓存。
type OptionPriceCache struct {
	cache *InMemoryCache[string, decimal.Decimal]
	ttl   time.Duration
}

// NewOptionPriceCache 创建期权价格缓存，ttl 通常等于一个调度周期
func NewOptionPriceCache(ttl time.Duration) *OptionPriceCache {
	return &OptionPriceCache{
		cache: NewInMemoryCache[string, decimal.Decimal](ttl),
		ttl:   ttl,
	}
}

// Get 获取期权价格
func (pc *OptionPriceCache) Get(contractSymbol string) (decimal.Decimal, bool) {
	return pc.cache.Get(contractSymbol)
}

// Set 设置期权价格
func (pc *OptionPriceCache) Set(contractSymbol string, price decimal.Decimal) {
	pc.cache.Set(contractSymbol, price, pc.ttl)
}

// Clear 清空（周期边界调用）
func (pc *OptionPriceCache) Clear() {
	pc.cache.Clear()
}

// OrderStatusCache 订单状态缓存（避免对同一订单频繁查询网关）
type OrderStatusCache struct {
	cache *InMemoryCache[string, bool] // orderID -> isOpen
}

// NewOrderStatusCache 创建新的订单状态缓存
func NewOrderStatusCache() *OrderStatusCache {
	return &OrderStatusCache{
		cache: NewInMemoryCache[string, bool](30 * time.Second),
	}
}

// Get 获取订单状态（true = open, false = filled/canceled）
func (osc *OrderStatusCache) Get(orderID string) (bool, bool) {
	return osc.cache.Get(orderID)
}

// Set 设置订单状态
func (osc *OrderStatusCache) Set(orderID string, isOpen bool) {
	osc.cache.Set(orderID, isOpen, 30*time.Second)
}

// Delete 删除订单状态
func (osc *OrderStatusCache) Delete(orderID string) {
	osc.cache.Delete(orderID)
}
