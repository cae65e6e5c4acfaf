package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

var log = logrus.WithField("component", "storage")

// Store 引擎状态的 sqlite 存储。
// 策略、实例、资金分配、信号、回合、回测摘要都在这里落库。
type Store struct {
	db *sql.DB
}

// Open 打开（必要时创建）数据库并执行迁移
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "创建数据目录失败")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "打开数据库失败")
	}
	db.SetMaxOpenConns(1) // sqlite 单写者

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "数据库迁移失败")
	}
	log.Infof("数据库已就绪: %s", path)
	return s, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS strategies (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  type TEXT NOT NULL,
  symbols TEXT NOT NULL,
  symbol_rule TEXT NOT NULL DEFAULT '',
  allocation_id TEXT NOT NULL,
  status TEXT NOT NULL,
  params TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS instances (
  strategy_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  state TEXT NOT NULL,
  context TEXT,
  pending_order_id TEXT NOT NULL DEFAULT '',
  pending_context TEXT,
  last_updated TEXT NOT NULL,
  PRIMARY KEY (strategy_id, symbol)
);`,
		`
CREATE TABLE IF NOT EXISTS allocations (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  parent_id TEXT NOT NULL DEFAULT '',
  type TEXT NOT NULL,
  value TEXT NOT NULL,
  usage TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS signals (
  id TEXT PRIMARY KEY,
  strategy_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  type TEXT NOT NULL,
  price TEXT NOT NULL,
  reason TEXT NOT NULL,
  metadata TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_signals_strategy_created ON signals(strategy_id, created_at DESC);`,
		`
CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  strategy_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  contract_symbol TEXT NOT NULL DEFAULT '',
  direction TEXT NOT NULL DEFAULT '',
  quantity TEXT NOT NULL,
  entry_price TEXT NOT NULL,
  exit_price TEXT NOT NULL,
  fees TEXT NOT NULL,
  realized_pnl TEXT NOT NULL,
  exit_tag TEXT NOT NULL,
  composite_score TEXT NOT NULL DEFAULT '0',
  market_score TEXT NOT NULL DEFAULT '0',
  intraday_score TEXT NOT NULL DEFAULT '0',
  opened_at TEXT NOT NULL,
  closed_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_strategy_closed ON trades(strategy_id, closed_at DESC);`,
		`
CREATE TABLE IF NOT EXISTS watchlist (
  rule TEXT NOT NULL,
  symbol TEXT NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1,
  added_at TEXT NOT NULL,
  PRIMARY KEY (rule, symbol)
);`,
		`
CREATE TABLE IF NOT EXISTS backtests (
  id TEXT PRIMARY KEY,
  strategy_id TEXT NOT NULL,
  status TEXT NOT NULL,
  start_date TEXT NOT NULL,
  end_date TEXT NOT NULL,
  summary TEXT NOT NULL DEFAULT '{}',
  error TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  finished_at TEXT
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "执行迁移语句失败: %.60s", stmt)
		}
	}
	return nil
}
