package backtest

import (
	"context"
	"time"

	"github.com/optbot/gotrader/internal/domain"
	"github.com/optbot/gotrader/internal/gateway"
)

// DataSource 回测历史数据来源。
// 抽象出来是为了让回放逻辑可以用内存数据测试，
// 也为将来接入本地数据文件留口子。
type DataSource interface {
	// DailyCandles 截止 day（含）的日线，最多 count 根，旧→新
	DailyCandles(ctx context.Context, symbol string, day time.Time, count int) ([]domain.Candle, error)
	// IntradayCandles day 当日的分钟线，旧→新
	IntradayCandles(ctx context.Context, symbol string, day time.Time) ([]domain.Candle, error)
	// OptionChain day 当日可用的期权链快照
	OptionChain(ctx context.Context, symbol string, day time.Time) ([]domain.OptionContract, error)
}

// GatewayDataSource 基于网关历史接口的数据源。
// 网关的分钟线和期权链只覆盖近期数据，更久远的区间会返回空结果，
// 回放会把这些记成失败的取数记录而不是中断。
type GatewayDataSource struct {
	gw    gateway.Gateway
	retry gateway.RetryPolicy
}

// NewGatewayDataSource 创建网关数据源
func NewGatewayDataSource(gw gateway.Gateway, retry gateway.RetryPolicy) *GatewayDataSource {
	return &GatewayDataSource{gw: gw, retry: retry}
}

func (s *GatewayDataSource) DailyCandles(ctx context.Context, symbol string, day time.Time, count int) ([]domain.Candle, error) {
	var all []domain.Candle
	err := s.retry.Do(ctx, "backtest daily candles", func() error {
		var err error
		// 多取一段余量再按日期截断，避免请求区间刚好卡在节假日
		all, err = s.gw.GetDailyCandles(ctx, symbol, count+30)
		return err
	})
	if err != nil {
		return nil, err
	}

	cutoff := endOfDay(day)
	kept := make([]domain.Candle, 0, count)
	for _, c := range all {
		if !c.Timestamp.After(cutoff) {
			kept = append(kept, c)
		}
	}
	if len(kept) > count {
		kept = kept[len(kept)-count:]
	}
	return kept, nil
}

func (s *GatewayDataSource) IntradayCandles(ctx context.Context, symbol string, day time.Time) ([]domain.Candle, error) {
	var all []domain.Candle
	err := s.retry.Do(ctx, "backtest intraday candles", func() error {
		var err error
		all, err = s.gw.GetIntradayCandles(ctx, symbol)
		return err
	})
	if err != nil {
		return nil, err
	}

	start, end := startOfDay(day), endOfDay(day)
	kept := make([]domain.Candle, 0, len(all))
	for _, c := range all {
		if !c.Timestamp.Before(start) && !c.Timestamp.After(end) {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

func (s *GatewayDataSource) OptionChain(ctx context.Context, symbol string, day time.Time) ([]domain.OptionContract, error) {
	var expiries []time.Time
	err := s.retry.Do(ctx, "backtest expiry dates", func() error {
		var err error
		expiries, err = s.gw.ListExpiryDates(ctx, symbol)
		return err
	})
	if err != nil {
		return nil, err
	}

	var expiry time.Time
	for _, e := range expiries {
		if !e.Before(startOfDay(day)) {
			expiry = e
			break
		}
	}
	if expiry.IsZero() {
		return nil, nil
	}

	var chain []domain.OptionContract
	err = s.retry.Do(ctx, "backtest option chain", func() error {
		var err error
		chain, err = s.gw.GetOptionChain(ctx, symbol, expiry)
		return err
	})
	if err != nil {
		return nil, err
	}
	return chain, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	return startOfDay(t).Add(24*time.Hour - time.Nanosecond)
}
