package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optbot/gotrader/internal/domain"
	"github.com/optbot/gotrader/internal/engine/ledger"
	"github.com/optbot/gotrader/internal/storage"
	"github.com/optbot/gotrader/internal/strategy"
)

func newTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("打开数据库失败: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := strategy.NewService(store)
	led := ledger.New(decimal.NewFromInt(100000), store)
	s, err := New(Config{Strategies: svc, Ledger: led, Store: store})
	if err != nil {
		t.Fatalf("创建 API 服务失败: %v", err)
	}
	return s, store
}

func seedStrategy(t *testing.T, store *storage.Store, id string) {
	t.Helper()
	def := &domain.StrategyDefinition{
		ID:      id,
		Name:    "测试策略",
		Type:    domain.StrategyTypeRecommendation,
		Symbols: []string{"AAPL"},
		Status:  domain.StrategyStatusStopped,
		Params: domain.StrategyParams{
			EntryThreshold: decimal.NewFromFloat(0.6),
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := store.UpsertStrategy(context.Background(), def); err != nil {
		t.Fatalf("写入策略失败: %v", err)
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("编码请求失败: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// 启停接口直接改数据库状态，调度器下个周期生效
func TestStrategyStartStop(t *testing.T) {
	s, store := newTestServer(t)
	seedStrategy(t, store, "s1")
	h := s.Router()

	if w := doJSON(t, h, http.MethodPost, "/api/strategies/s1/start", nil); w.Code != http.StatusOK {
		t.Fatalf("start 状态码 = %d", w.Code)
	}
	def, err := store.GetStrategy(context.Background(), "s1")
	if err != nil || def == nil {
		t.Fatalf("查询策略失败: %v", err)
	}
	if def.Status != domain.StrategyStatusRunning {
		t.Fatalf("状态 = %s, 期望 RUNNING", def.Status)
	}

	if w := doJSON(t, h, http.MethodPost, "/api/strategies/s1/stop", nil); w.Code != http.StatusOK {
		t.Fatalf("stop 状态码 = %d", w.Code)
	}
	def, _ = store.GetStrategy(context.Background(), "s1")
	if def.Status != domain.StrategyStatusStopped {
		t.Fatalf("状态 = %s, 期望 STOPPED", def.Status)
	}

	// 不存在的策略
	if w := doJSON(t, h, http.MethodPost, "/api/strategies/nope/start", nil); w.Code != http.StatusNotFound {
		t.Fatalf("不存在策略 start 状态码 = %d, 期望 404", w.Code)
	}
}

func TestAllocationCreateAndList(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Router()

	w := doJSON(t, h, http.MethodPost, "/api/allocations", map[string]string{
		"id": "options", "name": "期权池", "type": "PERCENTAGE", "value": "40",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("创建分配状态码 = %d: %s", w.Code, w.Body.String())
	}

	// 超配：同级百分比合计超 100 要被拒
	w = doJSON(t, h, http.MethodPost, "/api/allocations", map[string]string{
		"id": "greedy", "type": "PERCENTAGE", "value": "70",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("超配状态码 = %d, 期望 422", w.Code)
	}

	w = doJSON(t, h, http.MethodGet, "/api/allocations", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("列表状态码 = %d", w.Code)
	}
	var resp struct {
		Allocations []struct {
			ID       string `json:"id"`
			Headroom string `json:"headroom"`
		} `json:"allocations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if len(resp.Allocations) != 2 {
		t.Fatalf("节点数 = %d, 期望 2（GLOBAL + options）", len(resp.Allocations))
	}
	for _, a := range resp.Allocations {
		if a.ID == "options" && a.Headroom != "40000" {
			t.Fatalf("options 余量 = %s, 期望 40000", a.Headroom)
		}
	}
}

func TestSignalsFilterByStrategy(t *testing.T) {
	s, store := newTestServer(t)
	h := s.Router()
	ctx := context.Background()

	for _, sid := range []string{"s1", "s1", "s2"} {
		sig := &domain.Signal{
			ID:         sid + "-" + time.Now().Format("150405.000000000"),
			StrategyID: sid,
			Symbol:     "AAPL",
			Type:       domain.SignalTypeBuy,
			Status:     domain.SignalStatusIgnored,
			Reason:     "低于阈值",
			CreatedAt:  time.Now(),
		}
		if err := store.SaveSignal(ctx, sig); err != nil {
			t.Fatalf("写信号失败: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	w := doJSON(t, h, http.MethodGet, "/api/signals?strategyId=s1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("信号列表状态码 = %d", w.Code)
	}
	var resp struct {
		Signals []domain.Signal `json:"signals"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if len(resp.Signals) != 2 {
		t.Fatalf("信号数 = %d, 期望 2", len(resp.Signals))
	}
	for _, sig := range resp.Signals {
		if sig.StrategyID != "s1" {
			t.Fatalf("串了别的策略的信号: %s", sig.StrategyID)
		}
	}
}

type fixedBalance struct{ balance decimal.Decimal }

func (b fixedBalance) GetAccountBalance(context.Context) (decimal.Decimal, error) {
	return b.balance, nil
}

// 资金对账接口：余额不一致返回差异清单，未接入网关返回 503
func TestAllocationsSync(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("打开数据库失败: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	svc := strategy.NewService(store)
	led := ledger.New(decimal.NewFromInt(100000), store)

	s, err := New(Config{
		Strategies: svc, Ledger: led, Store: store,
		Balance: fixedBalance{balance: decimal.NewFromInt(90000)},
	})
	if err != nil {
		t.Fatalf("创建 API 服务失败: %v", err)
	}

	w := doJSON(t, s.Router(), http.MethodPost, "/api/allocations/sync", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("对账状态码 = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		BrokerBalance string                         `json:"broker_balance"`
		Discrepancies []domain.AllocationDiscrepancy `json:"discrepancies"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp.BrokerBalance != "90000" {
		t.Fatalf("券商余额 = %s, 期望 90000", resp.BrokerBalance)
	}
	if len(resp.Discrepancies) != 1 || resp.Discrepancies[0].Field != "total" {
		t.Fatalf("期望一条总额差异，实际 %+v", resp.Discrepancies)
	}

	// 未接入券商网关
	s2, _ := newTestServer(t)
	if w := doJSON(t, s2.Router(), http.MethodPost, "/api/allocations/sync", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("无网关对账状态码 = %d, 期望 503", w.Code)
	}
}

type fixedInstances struct{ rows []domain.StrategyInstance }

func (f fixedInstances) Instances() []domain.StrategyInstance { return f.rows }

// 引擎在线时实例接口读内存快照并按策略过滤
func TestStrategyInstancesFromEngine(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("打开数据库失败: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	seedStrategy(t, store, "s1")
	svc := strategy.NewService(store)
	led := ledger.New(decimal.NewFromInt(100000), store)

	s, err := New(Config{
		Strategies: svc, Ledger: led, Store: store,
		Engine: fixedInstances{rows: []domain.StrategyInstance{
			{StrategyID: "s1", Symbol: "AAPL", State: domain.InstanceStateEntered},
			{StrategyID: "s2", Symbol: "MSFT", State: domain.InstanceStateIdle},
		}},
	})
	if err != nil {
		t.Fatalf("创建 API 服务失败: %v", err)
	}

	w := doJSON(t, s.Router(), http.MethodGet, "/api/strategies/s1/instances", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("实例列表状态码 = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Instances []domain.StrategyInstance `json:"instances"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if len(resp.Instances) != 1 {
		t.Fatalf("实例数 = %d, 期望只含 s1 的一条", len(resp.Instances))
	}
	if resp.Instances[0].Symbol != "AAPL" || resp.Instances[0].State != domain.InstanceStateEntered {
		t.Fatalf("实例内容不符: %+v", resp.Instances[0])
	}
}

func TestBacktestGetNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s.Router(), http.MethodGet, "/api/backtest/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("状态码 = %d, 期望 404", w.Code)
	}
}
