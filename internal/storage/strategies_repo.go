package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/optbot/gotrader/internal/domain"
)

// UpsertStrategy 写入或更新策略定义
func (s *Store) UpsertStrategy(ctx context.Context, def *domain.StrategyDefinition) error {
	symbols, err := json.Marshal(def.Symbols)
	if err != nil {
		return err
	}
	params, err := json.Marshal(def.Params)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO strategies (id,name,type,symbols,symbol_rule,allocation_id,status,params,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name,
  type=excluded.type,
  symbols=excluded.symbols,
  symbol_rule=excluded.symbol_rule,
  allocation_id=excluded.allocation_id,
  status=excluded.status,
  params=excluded.params,
  updated_at=excluded.updated_at
`, def.ID, def.Name, string(def.Type), string(symbols), def.SymbolRule, def.AllocationID, string(def.Status),
		string(params), def.CreatedAt.Format(time.RFC3339Nano), def.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

// GetStrategy 按 ID 查策略，不存在返回 nil
func (s *Store) GetStrategy(ctx context.Context, id string) (*domain.StrategyDefinition, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,name,type,symbols,symbol_rule,allocation_id,status,params,created_at,updated_at
FROM strategies WHERE id=?
`, id)
	def, err := scanStrategy(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return def, nil
}

// ListStrategies 全部策略定义
func (s *Store) ListStrategies(ctx context.Context) ([]*domain.StrategyDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,name,type,symbols,symbol_rule,allocation_id,status,params,created_at,updated_at
FROM strategies ORDER BY created_at
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.StrategyDefinition
	for rows.Next() {
		def, err := scanStrategy(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// UpdateStrategyStatus 切换策略运行状态
func (s *Store) UpdateStrategyStatus(ctx context.Context, id string, status domain.StrategyStatus) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE strategies SET status=?, updated_at=? WHERE id=?
`, string(status), time.Now().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanStrategy(scan func(...any) error) (*domain.StrategyDefinition, error) {
	var def domain.StrategyDefinition
	var typ, status, symbols, params, created, updated string
	if err := scan(&def.ID, &def.Name, &typ, &symbols, &def.SymbolRule, &def.AllocationID, &status,
		&params, &created, &updated); err != nil {
		return nil, err
	}
	def.Type = domain.StrategyType(typ)
	def.Status = domain.StrategyStatus(status)
	if err := json.Unmarshal([]byte(symbols), &def.Symbols); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &def.Params); err != nil {
		return nil, err
	}
	def.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	def.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &def, nil
}
