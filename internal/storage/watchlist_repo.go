package storage

import (
	"context"
	"time"
)

// UpsertWatchlistSymbol 写入选股规则条目（重复写入只更新启用位）
func (s *Store) UpsertWatchlistSymbol(ctx context.Context, rule, symbol string, enabled bool) error {
	en := 0
	if enabled {
		en = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO watchlist (rule,symbol,enabled,added_at) VALUES (?,?,?,?)
ON CONFLICT(rule,symbol) DO UPDATE SET enabled=excluded.enabled
`, rule, symbol, en, time.Now().Format(time.RFC3339Nano))
	return err
}

// ListWatchlistSymbols 某条规则下启用的标的，按代码排序保证每轮顺序稳定
func (s *Store) ListWatchlistSymbols(ctx context.Context, rule string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT symbol FROM watchlist WHERE rule=? AND enabled=1 ORDER BY symbol
`, rule)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, err
		}
		out = append(out, symbol)
	}
	return out, rows.Err()
}
