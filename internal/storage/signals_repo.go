package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optbot/gotrader/internal/domain"
)

// SignalFilter 信号查询条件
type SignalFilter struct {
	StrategyID string
	From       time.Time
	To         time.Time
	Limit      int
}

// SaveSignal 信号落库（SKIP/REJECTED 也落，排查全靠原因字段）
func (s *Store) SaveSignal(ctx context.Context, sig *domain.Signal) error {
	meta, err := json.Marshal(sig.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO signals (id,strategy_id,symbol,type,price,reason,metadata,status,created_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, reason=excluded.reason
`, sig.ID, sig.StrategyID, sig.Symbol, string(sig.Type), sig.Price.String(), sig.Reason,
		string(meta), string(sig.Status), sig.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// UpdateSignalStatus 只推进状态，原因与评分留存原样
func (s *Store) UpdateSignalStatus(ctx context.Context, id string, status domain.SignalStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE signals SET status=? WHERE id=?`, string(status), id)
	return err
}

// ListSignals 按条件查信号，时间倒序
func (s *Store) ListSignals(ctx context.Context, f SignalFilter) ([]domain.Signal, error) {
	query := `
SELECT id,strategy_id,symbol,type,price,reason,metadata,status,created_at
FROM signals WHERE 1=1`
	var args []any
	if f.StrategyID != "" {
		query += ` AND strategy_id=?`
		args = append(args, f.StrategyID)
	}
	if !f.From.IsZero() {
		query += ` AND created_at>=?`
		args = append(args, f.From.Format(time.RFC3339Nano))
	}
	if !f.To.IsZero() {
		query += ` AND created_at<?`
		args = append(args, f.To.Format(time.RFC3339Nano))
	}
	query += ` ORDER BY created_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Signal
	for rows.Next() {
		var sig domain.Signal
		var typ, price, meta, status, created string
		if err := rows.Scan(&sig.ID, &sig.StrategyID, &sig.Symbol, &typ, &price,
			&sig.Reason, &meta, &status, &created); err != nil {
			return nil, err
		}
		sig.Type = domain.SignalType(typ)
		sig.Status = domain.SignalStatus(status)
		if sig.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &sig.Metadata); err != nil {
			return nil, err
		}
		sig.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, sig)
	}
	return out, rows.Err()
}
