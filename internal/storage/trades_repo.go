package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optbot/gotrader/internal/domain"
)

// TradeFilter 回合查询条件
type TradeFilter struct {
	StrategyID string
	From       time.Time
	To         time.Time
	Limit      int
}

// SaveTrade 完整回合落库
func (s *Store) SaveTrade(ctx context.Context, t *domain.Trade) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO trades (id,strategy_id,symbol,contract_symbol,direction,quantity,entry_price,exit_price,
  fees,realized_pnl,exit_tag,composite_score,market_score,intraday_score,opened_at,closed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, t.ID, t.StrategyID, t.Symbol, t.ContractSymbol, string(t.Direction),
		t.Quantity.String(), t.EntryPrice.String(), t.ExitPrice.String(),
		t.Fees.String(), t.RealizedPnL.String(), string(t.ExitTag),
		t.CompositeScore.String(), t.MarketScore.String(), t.IntradayScore.String(),
		t.OpenedAt.Format(time.RFC3339Nano), t.ClosedAt.Format(time.RFC3339Nano))
	return err
}

// ListTrades 按条件查回合，平仓时间倒序
func (s *Store) ListTrades(ctx context.Context, f TradeFilter) ([]domain.Trade, error) {
	query := `
SELECT id,strategy_id,symbol,contract_symbol,direction,quantity,entry_price,exit_price,
  fees,realized_pnl,exit_tag,composite_score,market_score,intraday_score,opened_at,closed_at
FROM trades WHERE 1=1`
	var args []any
	if f.StrategyID != "" {
		query += ` AND strategy_id=?`
		args = append(args, f.StrategyID)
	}
	if !f.From.IsZero() {
		query += ` AND closed_at>=?`
		args = append(args, f.From.Format(time.RFC3339Nano))
	}
	if !f.To.IsZero() {
		query += ` AND closed_at<?`
		args = append(args, f.To.Format(time.RFC3339Nano))
	}
	query += ` ORDER BY closed_at DESC LIMIT ?`
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var direction, tag, qty, entry, exit, fees, pnl, comp, market, intraday, opened, closed string
		if err := rows.Scan(&t.ID, &t.StrategyID, &t.Symbol, &t.ContractSymbol, &direction,
			&qty, &entry, &exit, &fees, &pnl, &tag, &comp, &market, &intraday, &opened, &closed); err != nil {
			return nil, err
		}
		t.Direction = domain.OptionType(direction)
		t.ExitTag = domain.ExitTag(tag)
		fields := []struct {
			dst *decimal.Decimal
			src string
		}{
			{&t.Quantity, qty}, {&t.EntryPrice, entry}, {&t.ExitPrice, exit},
			{&t.Fees, fees}, {&t.RealizedPnL, pnl}, {&t.CompositeScore, comp},
			{&t.MarketScore, market}, {&t.IntradayScore, intraday},
		}
		for _, f := range fields {
			v, err := decimal.NewFromString(f.src)
			if err != nil {
				return nil, err
			}
			*f.dst = v
		}
		t.OpenedAt, _ = time.Parse(time.RFC3339Nano, opened)
		t.ClosedAt, _ = time.Parse(time.RFC3339Nano, closed)
		out = append(out, t)
	}
	return out, rows.Err()
}
