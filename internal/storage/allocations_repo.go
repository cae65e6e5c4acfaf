package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optbot/gotrader/internal/domain"
)

// UpsertAllocation 台账节点落库（实现 ledger.Store）
func (s *Store) UpsertAllocation(ctx context.Context, a *domain.CapitalAllocation) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO allocations (id,name,parent_id,type,value,usage,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name,
  parent_id=excluded.parent_id,
  type=excluded.type,
  value=excluded.value,
  usage=excluded.usage,
  updated_at=excluded.updated_at
`, a.ID, a.Name, a.ParentID, string(a.Type), a.Value.String(), a.Usage.String(),
		a.CreatedAt.Format(time.RFC3339Nano), a.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

// DeleteAllocation 删除台账节点（实现 ledger.Store）
func (s *Store) DeleteAllocation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM allocations WHERE id=?`, id)
	return err
}

// ListAllocations 全部台账节点（启动时恢复用）
func (s *Store) ListAllocations(ctx context.Context) ([]domain.CapitalAllocation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,name,parent_id,type,value,usage,created_at,updated_at
FROM allocations
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CapitalAllocation
	for rows.Next() {
		var a domain.CapitalAllocation
		var typ, value, usage, created, updated string
		if err := rows.Scan(&a.ID, &a.Name, &a.ParentID, &typ, &value, &usage, &created, &updated); err != nil {
			return nil, err
		}
		a.Type = domain.AllocationType(typ)
		if a.Value, err = decimal.NewFromString(value); err != nil {
			return nil, err
		}
		if a.Usage, err = decimal.NewFromString(usage); err != nil {
			return nil, err
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, a)
	}
	return out, rows.Err()
}
