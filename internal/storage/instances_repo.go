package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/optbot/gotrader/internal/domain"
)

// Save 按 (strategy_id, symbol) 覆写实例状态与持仓上下文
func (s *Store) SaveInstance(ctx context.Context, inst *domain.StrategyInstance) error {
	ctxJSON, err := domain.MarshalContext(inst.Context)
	if err != nil {
		return err
	}
	pendJSON, err := domain.MarshalContext(inst.PendingContext)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO instances (strategy_id,symbol,state,context,pending_order_id,pending_context,last_updated)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(strategy_id,symbol) DO UPDATE SET
  state=excluded.state,
  context=excluded.context,
  pending_order_id=excluded.pending_order_id,
  pending_context=excluded.pending_context,
  last_updated=excluded.last_updated
`, inst.StrategyID, inst.Symbol, string(inst.State), nullable(ctxJSON), inst.PendingOrderID,
		nullable(pendJSON), inst.LastUpdated.Format(time.RFC3339Nano))
	return err
}

// List 恢复全部实例
func (s *Store) ListInstances(ctx context.Context) ([]*domain.StrategyInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT strategy_id,symbol,state,context,pending_order_id,pending_context,last_updated
FROM instances
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.StrategyInstance
	for rows.Next() {
		var inst domain.StrategyInstance
		var state, updated string
		var ctxJSON, pendJSON sql.NullString
		if err := rows.Scan(&inst.StrategyID, &inst.Symbol, &state, &ctxJSON,
			&inst.PendingOrderID, &pendJSON, &updated); err != nil {
			return nil, err
		}
		inst.State = domain.InstanceState(state)
		if ctxJSON.Valid {
			pc, err := domain.UnmarshalContext([]byte(ctxJSON.String))
			if err != nil {
				return nil, err
			}
			inst.Context = pc
		}
		if pendJSON.Valid {
			pc, err := domain.UnmarshalContext([]byte(pendJSON.String))
			if err != nil {
				return nil, err
			}
			inst.PendingContext = pc
		}
		inst.LastUpdated, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, &inst)
	}
	return out, rows.Err()
}

// GetInstance 取单个实例，不存在返回 nil
func (s *Store) GetInstance(ctx context.Context, strategyID, symbol string) (*domain.StrategyInstance, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT strategy_id,symbol,state,context,pending_order_id,pending_context,last_updated
FROM instances WHERE strategy_id=? AND symbol=?
`, strategyID, symbol)
	var inst domain.StrategyInstance
	var state, updated string
	var ctxJSON, pendJSON sql.NullString
	if err := row.Scan(&inst.StrategyID, &inst.Symbol, &state, &ctxJSON,
		&inst.PendingOrderID, &pendJSON, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	inst.State = domain.InstanceState(state)
	if ctxJSON.Valid {
		pc, err := domain.UnmarshalContext([]byte(ctxJSON.String))
		if err != nil {
			return nil, err
		}
		inst.Context = pc
	}
	if pendJSON.Valid {
		pc, err := domain.UnmarshalContext([]byte(pendJSON.String))
		if err != nil {
			return nil, err
		}
		inst.PendingContext = pc
	}
	inst.LastUpdated, _ = time.Parse(time.RFC3339Nano, updated)
	return &inst, nil
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
