package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestOrderDecimalExactness(t *testing.T) {
	// 数量 10、价格 25.50 必须序列化为精确十进制，不能出现 25.499999999
	o := ExecutionOrder{
		ID:       "o1",
		Symbol:   "AAPL240920C00180000",
		Side:     OrderSideBuy,
		Quantity: decimal.NewFromInt(10),
		Price:    decimal.RequireFromString("25.50"),
	}
	if got := o.Quantity.String(); got != "10" {
		t.Fatalf("quantity 序列化错误: got %s, want 10", got)
	}
	if got := o.Price.String(); got != "25.5" {
		t.Fatalf("price 序列化错误: got %s, want 25.5", got)
	}

	b, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var back ExecutionOrder
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if !back.Price.Equal(o.Price) || !back.Quantity.Equal(o.Quantity) {
		t.Fatalf("round-trip 后数值变化: price=%s qty=%s", back.Price, back.Quantity)
	}
}

func TestPositionContextRoundTrip(t *testing.T) {
	entry := time.Date(2026, 8, 27, 10, 30, 0, 0, time.UTC)
	p := &OptionPosition{
		PositionCore: PositionCore{
			EntryPrice:       decimal.RequireFromString("2.35"),
			Quantity:         decimal.NewFromInt(3),
			EntryTime:        entry,
			StopLossPrice:    decimal.RequireFromString("1.65"),
			TakeProfitPrice:  decimal.RequireFromString("3.50"),
			PeakPnLPercent:   decimal.RequireFromString("12.4"),
			EntryOrderID:     "ord-1",
			AllocationAmount: decimal.RequireFromString("705"),
			SignalID:         "sig-1",
		},
		ContextKind:    StrategyTypeIntradayMomentum,
		ContractSymbol: "TSLA240830C00220000",
		Direction:      OptionTypeCall,
		Strike:         decimal.NewFromInt(220),
		LotSize:        100,
	}

	b, err := MarshalContext(p)
	if err != nil {
		t.Fatalf("MarshalContext error: %v", err)
	}

	got, err := UnmarshalContext(b)
	if err != nil {
		t.Fatalf("UnmarshalContext error: %v", err)
	}
	if got.Kind() != StrategyTypeIntradayMomentum {
		t.Fatalf("kind 丢失: got %s", got.Kind())
	}
	op, ok := got.(*OptionPosition)
	if !ok {
		t.Fatalf("类型应为 *OptionPosition, got %T", got)
	}
	if op.ContractSymbol != p.ContractSymbol {
		t.Fatalf("contract 丢失: got %s", op.ContractSymbol)
	}
	if !op.EntryPrice.Equal(p.EntryPrice) || !op.PeakPnLPercent.Equal(p.PeakPnLPercent) {
		t.Fatalf("数值字段 round-trip 错误: entry=%s peak=%s", op.EntryPrice, op.PeakPnLPercent)
	}
}

func TestUnmarshalContextUnknownKind(t *testing.T) {
	_, err := UnmarshalContext([]byte(`{"kind":"mystery","payload":{}}`))
	if err == nil {
		t.Fatalf("未知 kind 应返回错误")
	}
}

func TestUnmarshalContextEmpty(t *testing.T) {
	got, err := UnmarshalContext(nil)
	if err != nil || got != nil {
		t.Fatalf("空输入应返回 (nil, nil): got=%v err=%v", got, err)
	}
}
