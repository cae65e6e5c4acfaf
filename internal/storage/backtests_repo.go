package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/optbot/gotrader/internal/domain"
)

// SaveBacktest 回测摘要落库（大体量诊断数据走文件工件，不进库）
func (s *Store) SaveBacktest(ctx context.Context, r *domain.BacktestResult) error {
	summary, err := json.Marshal(r.Summary)
	if err != nil {
		return err
	}
	var finished any
	if !r.FinishedAt.IsZero() {
		finished = r.FinishedAt.Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO backtests (id,strategy_id,status,start_date,end_date,summary,error,created_at,finished_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  status=excluded.status,
  summary=excluded.summary,
  error=excluded.error,
  finished_at=excluded.finished_at
`, r.ID, r.StrategyID, string(r.Status), r.StartDate, r.EndDate,
		string(summary), r.Error, r.CreatedAt.Format(time.RFC3339Nano), finished)
	return err
}

// GetBacktest 取回测摘要，不存在返回 nil
func (s *Store) GetBacktest(ctx context.Context, id string) (*domain.BacktestResult, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,strategy_id,status,start_date,end_date,summary,error,created_at,finished_at
FROM backtests WHERE id=?
`, id)
	var r domain.BacktestResult
	var status, summary, created string
	var finished sql.NullString
	if err := row.Scan(&r.ID, &r.StrategyID, &status, &r.StartDate, &r.EndDate, &summary, &r.Error,
		&created, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.Status = domain.BacktestStatus(status)
	if err := json.Unmarshal([]byte(summary), &r.Summary); err != nil {
		return nil, err
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if finished.Valid {
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
	}
	return &r, nil
}
